package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	adpconfig "github.com/thenexusengine/tne_addecision/internal/config"
	"github.com/thenexusengine/tne_addecision/internal/storage"
	"github.com/thenexusengine/tne_addecision/pkg/logger"
)

// DimensionStats is one breakdown bucket (a device type, a location, ...)
type DimensionStats struct {
	Impressions int64            `json:"impressions"`
	Errors      int64            `json:"errors"`
	ErrorTypes  map[string]int64 `json:"error_types,omitempty"`
}

// PerformanceRecord is the cumulative state for one (creative, source) key.
// Records are never deleted; blocking and retest reset only the counters.
type PerformanceRecord struct {
	CreativeID  string           `json:"creative_id"`
	Source      string           `json:"source"`
	Impressions int64            `json:"impressions"`
	Errors      int64            `json:"errors"`
	Completes   int64            `json:"completes"`
	Clicks      int64            `json:"clicks"`
	ErrorTypes  map[string]int64 `json:"error_types,omitempty"`

	ByDeviceType      map[string]*DimensionStats `json:"by_device_type,omitempty"`
	ByLocation        map[string]*DimensionStats `json:"by_location,omitempty"`
	ByConnectionSpeed map[string]*DimensionStats `json:"by_connection_speed,omitempty"`
	ByPlayerType      map[string]*DimensionStats `json:"by_player_type,omitempty"`

	Blocked     bool      `json:"blocked"`
	BlockReason string    `json:"block_reason,omitempty"`
	BlockedAt   time.Time `json:"blocked_at,omitempty"`
	RetestAt    time.Time `json:"retest_at,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// ErrorRate is errors over impressions, 0 with no impressions
func (r *PerformanceRecord) ErrorRate() float64 {
	if r.Impressions == 0 {
		return 0
	}
	return float64(r.Errors) / float64(r.Impressions)
}

// BlockedEntry is the blocked-state view returned to callers
type BlockedEntry struct {
	CreativeID  string    `json:"creative_id"`
	Source      string    `json:"source"`
	ErrorRate   float64   `json:"error_rate"`
	Impressions int64     `json:"impressions"`
	Errors      int64     `json:"errors"`
	Reason      string    `json:"reason"`
	BlockedAt   time.Time `json:"blocked_at"`
	RetestAt    time.Time `json:"retest_at"`
}

// CreativeReport is one row of a source summary
type CreativeReport struct {
	CreativeID        string  `json:"creative_id"`
	Impressions       int64   `json:"impressions"`
	Errors            int64   `json:"errors"`
	ErrorRate         float64 `json:"error_rate"`
	DominantErrorType string  `json:"dominant_error_type,omitempty"`
	Blocked           bool    `json:"blocked"`
	Recommendation    string  `json:"recommendation"`
}

// SourceReport is the on-demand per-source summary
type SourceReport struct {
	Source      string           `json:"source"`
	Creatives   []CreativeReport `json:"creatives"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// Notifier receives outbound health messages. Delivery is best-effort.
type Notifier interface {
	NotifyBlocked(entry BlockedEntry)
	NotifyReport(report SourceReport)
}

// TrackerConfig holds blocking thresholds and the sweep cadence
type TrackerConfig struct {
	SevereErrorRate        float64
	SevereMinImpressions   int64
	ElevatedErrorRate      float64
	ElevatedMinImpressions int64
	RetestDelay            time.Duration
	SweepInterval          time.Duration
}

// DefaultTrackerConfig returns the production thresholds
func DefaultTrackerConfig() *TrackerConfig {
	return &TrackerConfig{
		SevereErrorRate:        adpconfig.SevereErrorRate,
		SevereMinImpressions:   adpconfig.SevereMinImpressions,
		ElevatedErrorRate:      adpconfig.ElevatedErrorRate,
		ElevatedMinImpressions: adpconfig.ElevatedMinImpressions,
		RetestDelay:            adpconfig.BlockRetestDelay,
		SweepInterval:          adpconfig.UnblockSweepInterval,
	}
}

func validateTrackerConfig(cfg *TrackerConfig) *TrackerConfig {
	defaults := DefaultTrackerConfig()
	if cfg == nil {
		return defaults
	}
	if cfg.SevereErrorRate <= 0 {
		cfg.SevereErrorRate = defaults.SevereErrorRate
	}
	if cfg.SevereMinImpressions <= 0 {
		cfg.SevereMinImpressions = defaults.SevereMinImpressions
	}
	if cfg.ElevatedErrorRate <= 0 {
		cfg.ElevatedErrorRate = defaults.ElevatedErrorRate
	}
	if cfg.ElevatedMinImpressions <= 0 {
		cfg.ElevatedMinImpressions = defaults.ElevatedMinImpressions
	}
	if cfg.RetestDelay <= 0 {
		cfg.RetestDelay = defaults.RetestDelay
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	return cfg
}

// Tracker is the healthy/blocked state machine over (creative, source) keys.
// Safe for concurrent use.
type Tracker struct {
	config   *TrackerConfig
	notifier Notifier
	kv       storage.KV
	now      func() time.Time

	mu      sync.RWMutex
	records map[string]*PerformanceRecord

	stopCh  chan struct{}
	doneCh  chan struct{}
	startMu sync.Mutex
	started bool
}

const kvKeyPrefix = "health:"

// NewTracker creates a tracker. notifier and kv may be nil for callers that
// need neither outbound messages nor persistence.
func NewTracker(cfg *TrackerConfig, notifier Notifier, kv storage.KV) *Tracker {
	return &Tracker{
		config:   validateTrackerConfig(cfg),
		notifier: notifier,
		kv:       kv,
		now:      time.Now,
		records:  make(map[string]*PerformanceRecord),
	}
}

func recordKey(creativeID, source string) string {
	return creativeID + "|" + source
}

// Record applies one telemetry event and evaluates the block transition
func (t *Tracker) Record(creativeID, source string, event Event) {
	t.mu.Lock()
	rec := t.getOrCreateLocked(creativeID, source)
	rec.LastSeen = t.now()

	dims := event.eventDimensions()
	isError := false
	errorType := ""

	switch e := event.(type) {
	case ImpressionEvent:
		rec.Impressions++
	case ErrorEvent:
		rec.Errors++
		isError = true
		errorType = e.ErrorType
		if errorType == "" {
			errorType = "unknown"
		}
		rec.ErrorTypes[errorType]++
	case CompleteEvent:
		rec.Completes++
	case ClickEvent:
		rec.Clicks++
	}

	applyDimension(rec.ByDeviceType, dims.DeviceType, isError, errorType)
	applyDimension(rec.ByLocation, dims.Location, isError, errorType)
	applyDimension(rec.ByConnectionSpeed, dims.ConnectionSpeed, isError, errorType)
	applyDimension(rec.ByPlayerType, dims.PlayerType, isError, errorType)

	var blockedEntry *BlockedEntry
	if !rec.Blocked {
		if reason, ok := t.shouldBlock(rec); ok {
			rec.Blocked = true
			rec.BlockReason = reason
			rec.BlockedAt = t.now()
			rec.RetestAt = t.now().Add(t.config.RetestDelay)
			entry := t.blockedEntryLocked(rec)
			blockedEntry = &entry
		}
	}
	data := encodeRecord(rec)
	t.mu.Unlock()

	t.persist(recordKey(creativeID, source), data)

	if blockedEntry != nil {
		lg := logger.Health()
		lg.Warn().
			Str("creative_id", creativeID).
			Str("source", source).
			Float64("error_rate", blockedEntry.ErrorRate).
			Int64("impressions", blockedEntry.Impressions).
			Str("reason", blockedEntry.Reason).
			Msg("creative blocked")
		if t.notifier != nil {
			t.notifier.NotifyBlocked(*blockedEntry)
		}
	}
}

func (t *Tracker) getOrCreateLocked(creativeID, source string) *PerformanceRecord {
	key := recordKey(creativeID, source)
	rec, ok := t.records[key]
	if !ok {
		rec = &PerformanceRecord{
			CreativeID:        creativeID,
			Source:            source,
			ErrorTypes:        make(map[string]int64),
			ByDeviceType:      make(map[string]*DimensionStats),
			ByLocation:        make(map[string]*DimensionStats),
			ByConnectionSpeed: make(map[string]*DimensionStats),
			ByPlayerType:      make(map[string]*DimensionStats),
			FirstSeen:         t.now(),
		}
		t.records[key] = rec
	}
	return rec
}

func applyDimension(bucket map[string]*DimensionStats, value string, isError bool, errorType string) {
	if value == "" {
		return
	}
	stats, ok := bucket[value]
	if !ok {
		stats = &DimensionStats{ErrorTypes: make(map[string]int64)}
		bucket[value] = stats
	}
	if isError {
		stats.Errors++
		stats.ErrorTypes[errorType]++
	} else {
		stats.Impressions++
	}
}

// shouldBlock checks the severe condition before the elevated one
func (t *Tracker) shouldBlock(rec *PerformanceRecord) (string, bool) {
	rate := rec.ErrorRate()
	if rate >= t.config.SevereErrorRate && rec.Impressions >= t.config.SevereMinImpressions {
		return fmt.Sprintf("High error rate: %.1f%% over %d impressions", rate*100, rec.Impressions), true
	}
	if rate >= t.config.ElevatedErrorRate && rec.Impressions >= t.config.ElevatedMinImpressions {
		return fmt.Sprintf("High error rate: %.1f%% over %d impressions", rate*100, rec.Impressions), true
	}
	return "", false
}

func (t *Tracker) blockedEntryLocked(rec *PerformanceRecord) BlockedEntry {
	return BlockedEntry{
		CreativeID:  rec.CreativeID,
		Source:      rec.Source,
		ErrorRate:   rec.ErrorRate(),
		Impressions: rec.Impressions,
		Errors:      rec.Errors,
		Reason:      rec.BlockReason,
		BlockedAt:   rec.BlockedAt,
		RetestAt:    rec.RetestAt,
	}
}

// IsBlocked reports whether a key is currently blocked. This is a query,
// not an interceptor; serving paths must call it before using a creative.
func (t *Tracker) IsBlocked(creativeID, source string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[recordKey(creativeID, source)]
	return ok && rec.Blocked
}

// Blocked returns all currently blocked entries
func (t *Tracker) Blocked() []BlockedEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var entries []BlockedEntry
	for _, rec := range t.records {
		if rec.Blocked {
			entries = append(entries, t.blockedEntryLocked(rec))
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Source != entries[j].Source {
			return entries[i].Source < entries[j].Source
		}
		return entries[i].CreativeID < entries[j].CreativeID
	})
	return entries
}

// Unblock clears a block ahead of its retest schedule. Unknown or healthy
// keys are a no-op.
func (t *Tracker) Unblock(creativeID, source string) {
	t.mu.Lock()
	rec, ok := t.records[recordKey(creativeID, source)]
	if !ok || !rec.Blocked {
		t.mu.Unlock()
		return
	}
	resetLocked(rec)
	data := encodeRecord(rec)
	t.mu.Unlock()

	t.persist(recordKey(creativeID, source), data)
	lg := logger.Health()
	lg.Info().
		Str("creative_id", creativeID).
		Str("source", source).
		Msg("creative manually unblocked")
}

// resetLocked returns a record to healthy with a clean counter window
func resetLocked(rec *PerformanceRecord) {
	rec.Blocked = false
	rec.BlockReason = ""
	rec.BlockedAt = time.Time{}
	rec.RetestAt = time.Time{}
	rec.Impressions = 0
	rec.Errors = 0
	rec.Completes = 0
	rec.Clicks = 0
	rec.ErrorTypes = make(map[string]int64)
	rec.ByDeviceType = make(map[string]*DimensionStats)
	rec.ByLocation = make(map[string]*DimensionStats)
	rec.ByConnectionSpeed = make(map[string]*DimensionStats)
	rec.ByPlayerType = make(map[string]*DimensionStats)
}

// Start launches the periodic retest sweep. Safe to call once.
func (t *Tracker) Start() {
	t.startMu.Lock()
	defer t.startMu.Unlock()
	if t.started {
		return
	}
	t.started = true
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})

	go func() {
		defer close(t.doneCh)
		ticker := time.NewTicker(t.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopCh:
				return
			case <-ticker.C:
				t.Sweep()
			}
		}
	}()
}

// Stop halts the sweep goroutine and waits for it to exit
func (t *Tracker) Stop() {
	t.startMu.Lock()
	defer t.startMu.Unlock()
	if !t.started {
		return
	}
	close(t.stopCh)
	<-t.doneCh
	t.started = false
}

// Sweep unblocks entries whose retest time has passed, resetting their
// counters for a clean probationary window
func (t *Tracker) Sweep() {
	now := t.now()

	type reopenedRecord struct {
		creativeID string
		source     string
		data       []byte
	}

	t.mu.Lock()
	var reopened []reopenedRecord
	for _, rec := range t.records {
		if rec.Blocked && !rec.RetestAt.IsZero() && !now.Before(rec.RetestAt) {
			resetLocked(rec)
			reopened = append(reopened, reopenedRecord{
				creativeID: rec.CreativeID,
				source:     rec.Source,
				data:       encodeRecord(rec),
			})
		}
	}
	t.mu.Unlock()

	for _, r := range reopened {
		t.persist(recordKey(r.creativeID, r.source), r.data)
		lg := logger.Health()
		lg.Info().
			Str("creative_id", r.creativeID).
			Str("source", r.source).
			Msg("retest window elapsed, creative unblocked")
	}
}

// Report builds the per-source summary and pushes it to the notifier
func (t *Tracker) Report(source string) SourceReport {
	t.mu.RLock()
	var rows []CreativeReport
	for _, rec := range t.records {
		if rec.Source != source {
			continue
		}
		rate := rec.ErrorRate()
		rows = append(rows, CreativeReport{
			CreativeID:        rec.CreativeID,
			Impressions:       rec.Impressions,
			Errors:            rec.Errors,
			ErrorRate:         rate,
			DominantErrorType: dominantErrorType(rec.ErrorTypes),
			Blocked:           rec.Blocked,
			Recommendation:    t.recommendation(rate),
		})
	}
	t.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].CreativeID < rows[j].CreativeID })
	report := SourceReport{Source: source, Creatives: rows, GeneratedAt: t.now()}

	if t.notifier != nil {
		t.notifier.NotifyReport(report)
	}
	return report
}

// recommendation maps an error rate to an operator action using the same
// thresholds the block transitions use
func (t *Tracker) recommendation(rate float64) string {
	switch {
	case rate >= t.config.SevereErrorRate:
		return "remove"
	case rate >= t.config.ElevatedErrorRate:
		return "pause"
	default:
		return "investigate"
	}
}

func dominantErrorType(types map[string]int64) string {
	var dominant string
	var best int64
	for et, n := range types {
		if n > best || (n == best && et < dominant) {
			dominant = et
			best = n
		}
	}
	return dominant
}

// encodeRecord must be called with the tracker lock held so the record's
// maps cannot change mid-marshal
func encodeRecord(rec *PerformanceRecord) []byte {
	data, err := json.Marshal(rec)
	if err != nil {
		lg := logger.Health()
		lg.Warn().Err(err).Msg("failed to encode health record")
		return nil
	}
	return data
}

// persist writes a pre-encoded record through the injected KV. Failures are
// logged and dropped; persistence never blocks the serving path.
func (t *Tracker) persist(key string, data []byte) {
	if t.kv == nil || data == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), adpconfig.NotifyTimeout)
	defer cancel()
	if err := t.kv.Put(ctx, kvKeyPrefix+key, data); err != nil {
		lg := logger.Health()
		lg.Warn().Err(err).Msg("failed to persist health record")
	}
}

// Restore loads previously persisted records. Entries already tracked in
// memory are left untouched.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.kv == nil {
		return nil
	}
	keys, err := t.kv.Keys(ctx, kvKeyPrefix)
	if err != nil {
		return fmt.Errorf("failed to list health records: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range keys {
		data, found, err := t.kv.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		var rec PerformanceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			lg := logger.Health()
			lg.Warn().Err(err).Str("key", key).Msg("skipping corrupt health record")
			continue
		}
		memKey := recordKey(rec.CreativeID, rec.Source)
		if _, exists := t.records[memKey]; !exists {
			ensureMaps(&rec)
			t.records[memKey] = &rec
		}
	}
	return nil
}

func ensureMaps(rec *PerformanceRecord) {
	if rec.ErrorTypes == nil {
		rec.ErrorTypes = make(map[string]int64)
	}
	if rec.ByDeviceType == nil {
		rec.ByDeviceType = make(map[string]*DimensionStats)
	}
	if rec.ByLocation == nil {
		rec.ByLocation = make(map[string]*DimensionStats)
	}
	if rec.ByConnectionSpeed == nil {
		rec.ByConnectionSpeed = make(map[string]*DimensionStats)
	}
	if rec.ByPlayerType == nil {
		rec.ByPlayerType = make(map[string]*DimensionStats)
	}
}

// Package registry tracks rolling performance stats for demand sources
package registry

import (
	"sync"
	"time"

	adpconfig "github.com/thenexusengine/tne_addecision/internal/config"
)

// SourcePerformance holds the rolling stats for one demand source.
// All rates are in [0,1]; times are in milliseconds.
type SourcePerformance struct {
	SourceID          string    `json:"source_id"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	P95ResponseTimeMs float64   `json:"p95_response_time_ms"`
	TimeoutRate       float64   `json:"timeout_rate"`
	AvgCPM            float64   `json:"avg_cpm"`
	FillRate          float64   `json:"fill_rate"`
	SampleCount       int64     `json:"sample_count"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Sample is one completed (or timed-out) bid call outcome
type Sample struct {
	ResponseTimeMs float64
	TimedOut       bool
	Filled         bool
	CPM            float64
}

// Registry holds per-source performance stats with EMA updates.
// Each key's read-modify-write is atomic; cross-key ordering is not guaranteed.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*SourcePerformance
	alpha   float64
}

// New creates an empty registry with the default EMA weight
func New() *Registry {
	return &Registry{
		sources: make(map[string]*SourcePerformance),
		alpha:   adpconfig.StatsAlpha,
	}
}

// defaultPerformance returns neutral seed stats for an unknown source
func defaultPerformance(sourceID string) *SourcePerformance {
	return &SourcePerformance{
		SourceID:          sourceID,
		AvgResponseTimeMs: 800,
		P95ResponseTimeMs: 1200,
		TimeoutRate:       0.05,
		AvgCPM:            5.0,
		FillRate:          0.30,
		SampleCount:       0,
		UpdatedAt:         time.Now(),
	}
}

// Seed loads initial stats, overwriting any existing entries for the same IDs
func (r *Registry) Seed(perfs []SourcePerformance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range perfs {
		p := perfs[i]
		r.sources[p.SourceID] = &p
	}
}

// Get returns a copy of one source's stats, creating neutral defaults if unknown
func (r *Registry) Get(sourceID string) SourcePerformance {
	r.mu.RLock()
	p, ok := r.sources[sourceID]
	if ok {
		cp := *p
		r.mu.RUnlock()
		return cp
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.sources[sourceID]; ok {
		return *p
	}
	p = defaultPerformance(sourceID)
	r.sources[sourceID] = p
	return *p
}

// Snapshot returns copies of stats for the requested sources, defaulting unknowns
func (r *Registry) Snapshot(sourceIDs []string) []SourcePerformance {
	out := make([]SourcePerformance, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		out = append(out, r.Get(id))
	}
	return out
}

// RecordResult folds one call outcome into the source's stats via
// stat = stat*(1-alpha) + sample*alpha
func (r *Registry) RecordResult(sourceID string, s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.sources[sourceID]
	if !ok {
		p = defaultPerformance(sourceID)
		r.sources[sourceID] = p
	}

	a := r.alpha

	p.AvgResponseTimeMs = ema(p.AvgResponseTimeMs, s.ResponseTimeMs, a)
	// p95 tracked as an EMA biased toward slow samples: only samples above
	// the current estimate pull it up at full weight, others decay it slowly
	if s.ResponseTimeMs > p.P95ResponseTimeMs {
		p.P95ResponseTimeMs = ema(p.P95ResponseTimeMs, s.ResponseTimeMs, a)
	} else {
		p.P95ResponseTimeMs = ema(p.P95ResponseTimeMs, s.ResponseTimeMs, a/4)
	}

	timeoutSample := 0.0
	if s.TimedOut {
		timeoutSample = 1.0
	}
	p.TimeoutRate = ema(p.TimeoutRate, timeoutSample, a)

	fillSample := 0.0
	if s.Filled {
		fillSample = 1.0
		p.AvgCPM = ema(p.AvgCPM, s.CPM, a)
	}
	p.FillRate = ema(p.FillRate, fillSample, a)

	p.SampleCount++
	p.UpdatedAt = time.Now()
}

// All returns copies of every tracked source's stats
func (r *Registry) All() []SourcePerformance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SourcePerformance, 0, len(r.sources))
	for _, p := range r.sources {
		out = append(out, *p)
	}
	return out
}

func ema(current, sample, alpha float64) float64 {
	return current*(1-alpha) + sample*alpha
}

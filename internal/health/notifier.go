package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	adpconfig "github.com/thenexusengine/tne_addecision/internal/config"
	"github.com/thenexusengine/tne_addecision/pkg/logger"
)

const notifyWorkerCount = 2

// Message is the outbound health notification envelope
type Message struct {
	Type             string        `json:"type"` // "creative_blocked" or "periodic_report"
	CreativeID       string        `json:"creative_id,omitempty"`
	SSP              string        `json:"ssp,omitempty"`
	ErrorRate        float64       `json:"error_rate,omitempty"`
	TotalImpressions int64         `json:"total_impressions,omitempty"`
	TotalErrors      int64         `json:"total_errors,omitempty"`
	BlockReason      string        `json:"block_reason,omitempty"`
	Report           *SourceReport `json:"report,omitempty"`
}

// HTTPNotifier posts health messages to the SSP callback endpoint through a
// bounded worker pool. Uses a circuit breaker so a dead endpoint cannot pile
// up slow deliveries; messages that cannot be queued or delivered are
// counted and dropped, never retried synchronously.
type HTTPNotifier struct {
	endpoint   string
	httpClient *http.Client
	breaker    *Breaker

	queue  chan Message
	stopCh chan struct{}
	wg     sync.WaitGroup

	dropped   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64

	closeOnce sync.Once
}

// NewHTTPNotifier creates a notifier and starts its workers
func NewHTTPNotifier(endpoint string) *HTTPNotifier {
	n := &HTTPNotifier{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		breaker: NewBreaker(nil),
		queue:   make(chan Message, adpconfig.NotifyQueueSize),
		stopCh:  make(chan struct{}),
	}

	for i := 0; i < notifyWorkerCount; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

// NotifyBlocked enqueues a creative_blocked message
func (n *HTTPNotifier) NotifyBlocked(entry BlockedEntry) {
	n.enqueue(Message{
		Type:             "creative_blocked",
		CreativeID:       entry.CreativeID,
		SSP:              entry.Source,
		ErrorRate:        entry.ErrorRate,
		TotalImpressions: entry.Impressions,
		TotalErrors:      entry.Errors,
		BlockReason:      entry.Reason,
	})
}

// NotifyReport enqueues a periodic_report message
func (n *HTTPNotifier) NotifyReport(report SourceReport) {
	n.enqueue(Message{
		Type:   "periodic_report",
		SSP:    report.Source,
		Report: &report,
	})
}

func (n *HTTPNotifier) enqueue(msg Message) {
	select {
	case n.queue <- msg:
	default:
		n.dropped.Add(1)
		lg := logger.Health()
		lg.Warn().Str("type", msg.Type).Msg("notification queue full, message dropped")
	}
}

func (n *HTTPNotifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		case msg, ok := <-n.queue:
			if !ok {
				return
			}
			n.deliver(msg)
		}
	}
}

func (n *HTTPNotifier) deliver(msg Message) {
	err := n.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), adpconfig.NotifyTimeout)
		defer cancel()
		return n.post(ctx, msg)
	})
	if err != nil {
		n.failed.Add(1)
		lg := logger.Health()
		lg.Warn().Err(err).Str("type", msg.Type).Msg("notification delivery failed")
		return
	}
	n.delivered.Add(1)
}

func (n *HTTPNotifier) post(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// NotifierStats is exposed on the status endpoint
type NotifierStats struct {
	Delivered    int64  `json:"delivered"`
	Failed       int64  `json:"failed"`
	Dropped      int64  `json:"dropped"`
	Queued       int    `json:"queued"`
	BreakerState string `json:"breaker_state"`
	Rejected     int64  `json:"rejected"`
}

// Stats returns delivery counters
func (n *HTTPNotifier) Stats() NotifierStats {
	return NotifierStats{
		Delivered:    n.delivered.Load(),
		Failed:       n.failed.Load(),
		Dropped:      n.dropped.Load(),
		Queued:       len(n.queue),
		BreakerState: n.breaker.State(),
		Rejected:     n.breaker.Rejected(),
	}
}

// Close stops the workers. Queued messages not yet picked up are dropped.
func (n *HTTPNotifier) Close() {
	n.closeOnce.Do(func() {
		close(n.stopCh)
		n.wg.Wait()
	})
}

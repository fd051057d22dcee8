package health

import (
	"errors"
	"sync"
	"time"
)

// Breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// ErrBreakerOpen is returned while the breaker is rejecting deliveries
var ErrBreakerOpen = errors.New("notification circuit open")

// BreakerConfig holds breaker thresholds
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// DefaultBreakerConfig returns notification delivery defaults
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// Breaker guards notification delivery against a failing SSP endpoint.
// Closed passes everything through; enough consecutive failures open it;
// after the timeout a single probe decides whether to close again.
type Breaker struct {
	config *BreakerConfig

	mu          sync.Mutex
	state       string
	failures    int
	successes   int
	probing     bool
	lastFailure time.Time

	totalRejected int64
}

// NewBreaker creates a breaker in the closed state
func NewBreaker(config *BreakerConfig) *Breaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	return &Breaker{config: config, state: StateClosed}
}

// Execute runs fn under breaker protection
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailure) > b.config.Timeout {
			b.state = StateHalfOpen
			b.successes = 0
			b.probing = true
			return nil
		}
		b.totalRejected++
		return ErrBreakerOpen
	default: // half-open, one probe at a time
		if b.probing {
			b.totalRejected++
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	}
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false

	if err != nil {
		b.failures++
		b.successes = 0
		b.lastFailure = time.Now()
		if b.state == StateHalfOpen || b.failures >= b.config.FailureThreshold {
			b.state = StateOpen
		}
		return
	}

	b.successes++
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		if b.successes >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
		}
	}
}

// State returns the current breaker state
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Rejected returns the count of deliveries refused while open
func (b *Breaker) Rejected() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalRejected
}

// Package fanout executes timeout strategies against demand sources
package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	adpconfig "github.com/thenexusengine/tne_addecision/internal/config"
	"github.com/thenexusengine/tne_addecision/internal/planner"
	"github.com/thenexusengine/tne_addecision/internal/registry"
	"github.com/thenexusengine/tne_addecision/pkg/logger"
)

// BidResult is one source's bid for the current opportunity
type BidResult struct {
	SourceID       string  `json:"source_id"`
	CPM            float64 `json:"cpm"`
	Currency       string  `json:"currency"`
	VASTURL        string  `json:"vast_url,omitempty"`
	AdMarkup       string  `json:"ad_markup,omitempty"`
	ResponseTimeMs float64 `json:"response_time_ms"`
	DealID         string  `json:"deal_id,omitempty"`
}

// Requester is the injected "request bid from source" capability.
// Implementations must honor ctx; the executor races the call against the
// allocation's timeout regardless.
type Requester interface {
	RequestBid(ctx context.Context, sourceID string, timeout time.Duration) (*BidResult, error)
}

// RequesterFunc adapts a function to the Requester interface
type RequesterFunc func(ctx context.Context, sourceID string, timeout time.Duration) (*BidResult, error)

// RequestBid implements Requester
func (f RequesterFunc) RequestBid(ctx context.Context, sourceID string, timeout time.Duration) (*BidResult, error) {
	return f(ctx, sourceID, timeout)
}

// CallResult records the outcome of one source call
type CallResult struct {
	SourceID string
	Bid      *BidResult
	Err      error
	Latency  time.Duration
	TimedOut bool
}

// Result is the outcome of a whole fanout run
type Result struct {
	Winner         *BidResult    `json:"winner,omitempty"`
	AllBids        []*BidResult  `json:"all_bids"`
	SkippedSources []string      `json:"skipped_sources,omitempty"`
	GroupsRun      int           `json:"groups_run"`
	EarlyWin       bool          `json:"early_win"`
	TotalLatency   time.Duration `json:"-"`
	CallResults    []*CallResult `json:"-"`
}

// Config holds executor tuning knobs
type Config struct {
	// EarlyWinThreshold short-circuits remaining groups once a bid's CPM
	// strictly exceeds it; 0 disables the short-circuit
	EarlyWinThreshold float64
	// MaxConcurrentCalls bounds goroutines within one parallel group (0 = default)
	MaxConcurrentCalls int
}

// Executor runs strategies and feeds outcomes back to the registry
type Executor struct {
	requester Requester
	registry  *registry.Registry
	config    Config
}

// New creates an executor
func New(requester Requester, reg *registry.Registry, cfg Config) *Executor {
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = adpconfig.DefaultMaxConcurrentCalls
	}
	return &Executor{requester: requester, registry: reg, config: cfg}
}

// Execute runs the strategy's groups in order. Allocations sharing a
// parallel-group tag are raced concurrently; untagged allocations each form
// their own sequential group. Group N+1 is never dispatched before group N
// resolves. After each group, if the best bid seen so far beats the
// early-win threshold, the remaining groups are skipped and their sources
// receive no call and no stats update.
func (e *Executor) Execute(ctx context.Context, strategy *planner.Strategy) *Result {
	start := time.Now()
	result := &Result{}

	groups := buildGroups(strategy.Allocations)

	for gi, group := range groups {
		select {
		case <-ctx.Done():
			// Parent deadline hit: everything not yet dispatched is skipped
			for _, g := range groups[gi:] {
				for _, a := range g {
					result.SkippedSources = append(result.SkippedSources, a.SourceID)
				}
			}
			result.Winner = selectWinner(result.CallResults)
			result.TotalLatency = time.Since(start)
			return result
		default:
		}

		calls := e.runGroup(ctx, group)
		result.GroupsRun++
		result.CallResults = append(result.CallResults, calls...)

		for _, c := range calls {
			e.recordCall(c)
			if c.Bid != nil {
				result.AllBids = append(result.AllBids, c.Bid)
			}
		}

		best := selectWinner(result.CallResults)
		if best != nil && e.config.EarlyWinThreshold > 0 && best.CPM > e.config.EarlyWinThreshold {
			result.EarlyWin = true
			for _, g := range groups[gi+1:] {
				for _, a := range g {
					result.SkippedSources = append(result.SkippedSources, a.SourceID)
				}
			}
			logger.Log.Debug().
				Str("source", best.SourceID).
				Float64("cpm", best.CPM).
				Float64("threshold", e.config.EarlyWinThreshold).
				Int("skipped", len(result.SkippedSources)).
				Msg("early win, skipping remaining groups")
			break
		}
	}

	result.Winner = selectWinner(result.CallResults)
	result.TotalLatency = time.Since(start)

	logger.Log.Debug().
		Int("groups", result.GroupsRun).
		Int("bids", len(result.AllBids)).
		Bool("early_win", result.EarlyWin).
		Dur("latency", result.TotalLatency).
		Msg("fanout completed")

	return result
}

// runGroup races all of a group's calls concurrently, each against its own
// timeout, and waits for the group to resolve
func (e *Executor) runGroup(ctx context.Context, group []planner.Allocation) []*CallResult {
	var results sync.Map
	var wg sync.WaitGroup

	sem := make(chan struct{}, e.config.MaxConcurrentCalls)

	for _, alloc := range group {
		wg.Add(1)
		go func(a planner.Allocation) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results.Store(a.SourceID, &CallResult{
					SourceID: a.SourceID,
					Err:      ctx.Err(),
					TimedOut: true,
				})
				return
			}

			results.Store(a.SourceID, e.callSource(ctx, a))
		}(alloc)
	}

	wg.Wait()

	out := make([]*CallResult, 0, len(group))
	for _, a := range group {
		if v, ok := results.Load(a.SourceID); ok {
			out = append(out, v.(*CallResult))
		}
	}
	return out
}

// callSource performs one bid call raced against its allocation timeout.
// A response arriving after the timeout is discarded as if it never came;
// the in-flight call is left to drain via its cancelled context. Panics in
// the injected requester are confined to the call.
func (e *Executor) callSource(ctx context.Context, a planner.Allocation) *CallResult {
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	type callOutcome struct {
		bid *BidResult
		err error
	}
	done := make(chan callOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callOutcome{err: fmt.Errorf("bid request panic: %v", r)}
			}
		}()
		bid, err := e.requester.RequestBid(callCtx, a.SourceID, a.Timeout)
		done <- callOutcome{bid: bid, err: err}
	}()

	select {
	case <-callCtx.Done():
		latency := time.Since(start)
		lg := logger.Source(a.SourceID)
		lg.Debug().
			Dur("timeout", a.Timeout).
			Msg("bid call timed out")
		return &CallResult{
			SourceID: a.SourceID,
			Latency:  latency,
			TimedOut: true,
			Err:      callCtx.Err(),
		}
	case outcome := <-done:
		latency := time.Since(start)
		result := &CallResult{
			SourceID: a.SourceID,
			Latency:  latency,
		}
		if outcome.err != nil {
			// Fatal transport errors for one source never abort the run
			result.Err = outcome.err
			lg := logger.Source(a.SourceID)
			lg.Debug().Err(outcome.err).Msg("bid call failed, treated as no bid")
			return result
		}
		if outcome.bid != nil {
			bid := *outcome.bid
			bid.SourceID = a.SourceID
			if bid.ResponseTimeMs == 0 {
				bid.ResponseTimeMs = float64(latency.Milliseconds())
			}
			result.Bid = &bid
		}
		return result
	}
}

// recordCall updates the registry with the call outcome. Skipped sources
// never reach here, so an early win does not penalize them.
func (e *Executor) recordCall(c *CallResult) {
	if e.registry == nil {
		return
	}
	e.registry.RecordResult(c.SourceID, registry.Sample{
		ResponseTimeMs: float64(c.Latency.Milliseconds()),
		TimedOut:       c.TimedOut,
		Filled:         c.Bid != nil,
		CPM: func() float64 {
			if c.Bid != nil {
				return c.Bid.CPM
			}
			return 0
		}(),
	})
}

// buildGroups splits allocations into dispatch groups: consecutive
// allocations sharing a non-empty ParallelGroup tag form one concurrent
// group, untagged allocations are singleton sequential groups
func buildGroups(allocs []planner.Allocation) [][]planner.Allocation {
	var groups [][]planner.Allocation
	for i := 0; i < len(allocs); {
		a := allocs[i]
		if a.ParallelGroup == "" {
			groups = append(groups, []planner.Allocation{a})
			i++
			continue
		}
		j := i + 1
		for j < len(allocs) && allocs[j].ParallelGroup == a.ParallelGroup {
			j++
		}
		groups = append(groups, allocs[i:j])
		i = j
	}
	return groups
}

// selectWinner picks the highest CPM bid; exact ties break toward the
// earliest response
func selectWinner(calls []*CallResult) *BidResult {
	var winner *BidResult
	for _, c := range calls {
		if c.Bid == nil {
			continue
		}
		if winner == nil ||
			c.Bid.CPM > winner.CPM ||
			(c.Bid.CPM == winner.CPM && c.Bid.ResponseTimeMs < winner.ResponseTimeMs) {
			winner = c.Bid
		}
	}
	return winner
}

// Package pipeline orchestrates planning, fanout, unwrapping, quality
// scoring and the health gate into single ad decisions
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thenexusengine/tne_addecision/internal/fanout"
	"github.com/thenexusengine/tne_addecision/internal/health"
	"github.com/thenexusengine/tne_addecision/internal/metrics"
	"github.com/thenexusengine/tne_addecision/internal/planner"
	"github.com/thenexusengine/tne_addecision/internal/quality"
	"github.com/thenexusengine/tne_addecision/internal/registry"
	"github.com/thenexusengine/tne_addecision/internal/unwrap"
	"github.com/thenexusengine/tne_addecision/pkg/logger"
)

// Pipeline wires the decision stages together. All collaborators are
// injected; tests use fresh isolated instances.
type Pipeline struct {
	registry  *registry.Registry
	requester fanout.Requester
	unwrapper *unwrap.Unwrapper
	validator *quality.Validator
	tracker   *health.Tracker
	metrics   *metrics.Metrics

	plannerConfig      *planner.Config
	maxConcurrentCalls int
}

// Config holds pipeline tuning knobs
type Config struct {
	PlannerConfig      *planner.Config
	MaxConcurrentCalls int
}

// New creates a pipeline. metrics may be nil.
func New(reg *registry.Registry, requester fanout.Requester, unwrapper *unwrap.Unwrapper,
	validator *quality.Validator, tracker *health.Tracker, m *metrics.Metrics, cfg Config) *Pipeline {
	if m != nil {
		unwrapper.SetObserver(m)
	}
	return &Pipeline{
		registry:           reg,
		requester:          requester,
		unwrapper:          unwrapper,
		validator:          validator,
		tracker:            tracker,
		metrics:            m,
		plannerConfig:      cfg.PlannerConfig,
		maxConcurrentCalls: cfg.MaxConcurrentCalls,
	}
}

// DecisionRequest is one ad decision invocation
type DecisionRequest struct {
	Sources           []string `json:"sources"`
	LatencyBudgetMs   int      `json:"latency_budget_ms,omitempty"`
	EarlyWinThreshold float64  `json:"early_win_threshold,omitempty"`
	CreativeID        string   `json:"creative_id,omitempty"`
}

// Decision is the full outcome of one pipeline run. Failures along the way
// are carried in the result, never raised.
type Decision struct {
	ID              string              `json:"id"`
	Winner          *fanout.BidResult   `json:"winner,omitempty"`
	AllBids         []*fanout.BidResult `json:"all_bids,omitempty"`
	SkippedSources  []string            `json:"skipped_sources,omitempty"`
	EarlyWin        bool                `json:"early_win"`
	Mode            planner.Mode        `json:"mode"`
	Rationale       string              `json:"rationale,omitempty"`
	UnwrapResult    *unwrap.Result      `json:"unwrap_result,omitempty"`
	QualityScore    *quality.Score      `json:"quality_score,omitempty"`
	ShouldServe     bool                `json:"should_serve"`
	BlockReason     string              `json:"block_reason,omitempty"`
	FanoutLatencyMs float64             `json:"fanout_latency_ms"`
	TotalLatencyMs  float64             `json:"total_latency_ms"`
}

// Decide runs the whole pipeline: plan, fan out, pick a winner, then gate
// its creative. Transport and structural failures degrade to a no-serve
// decision; an error is returned only for misuse.
func (p *Pipeline) Decide(ctx context.Context, req DecisionRequest) (*Decision, error) {
	if len(req.Sources) == 0 {
		return nil, fmt.Errorf("decision request has no sources")
	}

	start := time.Now()
	decision := &Decision{ID: uuid.NewString()}
	log := logger.Pipeline(decision.ID)

	strategy := p.plan(req)
	decision.Mode = strategy.Mode
	decision.Rationale = strategy.Rationale

	executor := fanout.New(p.requester, p.registry, fanout.Config{
		EarlyWinThreshold:  req.EarlyWinThreshold,
		MaxConcurrentCalls: p.maxConcurrentCalls,
	})
	result := executor.Execute(ctx, strategy)

	decision.Winner = result.Winner
	decision.AllBids = result.AllBids
	decision.SkippedSources = result.SkippedSources
	decision.EarlyWin = result.EarlyWin
	decision.FanoutLatencyMs = float64(result.TotalLatency.Microseconds()) / 1000.0
	p.recordCalls(result)

	if result.Winner == nil {
		decision.BlockReason = "no bids received"
		decision.TotalLatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		log.Info().Int("sources", len(req.Sources)).Msg("decision completed with no ad")
		p.recordDecision("no_ad", decision, time.Since(start))
		return decision, nil
	}

	if p.metrics != nil {
		p.metrics.RecordWinner(result.Winner.CPM)
	}

	creativeID := creativeIdentity(req, result.Winner)
	if creativeID != "" && p.tracker != nil && p.tracker.IsBlocked(creativeID, result.Winner.SourceID) {
		decision.BlockReason = "creative is blocked for this source"
		decision.TotalLatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		log.Info().
			Str("creative_id", creativeID).
			Str("source", result.Winner.SourceID).
			Msg("winner rejected by health tracker")
		p.recordDecision("blocked", decision, time.Since(start))
		return decision, nil
	}

	p.gateCreative(ctx, decision, result.Winner)
	decision.TotalLatencyMs = float64(time.Since(start).Microseconds()) / 1000.0

	outcome := "no_serve"
	if decision.ShouldServe {
		outcome = "served"
	}
	log.Info().
		Str("winner", result.Winner.SourceID).
		Float64("cpm", result.Winner.CPM).
		Bool("should_serve", decision.ShouldServe).
		Bool("early_win", decision.EarlyWin).
		Float64("total_ms", decision.TotalLatencyMs).
		Msg("decision completed")
	p.recordDecision(outcome, decision, time.Since(start))
	return decision, nil
}

// plan snapshots registry stats and builds the strategy, honoring a
// per-request latency budget
func (p *Pipeline) plan(req DecisionRequest) *planner.Strategy {
	cfg := planner.DefaultConfig()
	if p.plannerConfig != nil {
		copied := *p.plannerConfig
		cfg = &copied
	}
	if req.LatencyBudgetMs > 0 {
		cfg.LatencyBudget = time.Duration(req.LatencyBudgetMs) * time.Millisecond
	}

	perfs := p.registry.Snapshot(req.Sources)
	return planner.New(cfg).Plan(perfs)
}

// gateCreative unwraps the winner's creative and applies the quality gate
func (p *Pipeline) gateCreative(ctx context.Context, decision *Decision, winner *fanout.BidResult) {
	switch {
	case winner.VASTURL != "":
		decision.UnwrapResult = p.unwrapper.Unwrap(ctx, winner.VASTURL)
	case winner.AdMarkup != "":
		decision.UnwrapResult = p.unwrapper.UnwrapMarkup(ctx, []byte(winner.AdMarkup))
	default:
		decision.BlockReason = "winning bid carried no creative"
		return
	}

	if !decision.UnwrapResult.Resolved() {
		decision.BlockReason = structuralReason(decision.UnwrapResult)
		if p.metrics != nil {
			p.metrics.RecordQuality(0, false, "unresolved_creative")
		}
		return
	}

	decision.QualityScore = p.validator.Validate(decision.UnwrapResult.Creative)
	decision.ShouldServe = decision.QualityScore.ShouldServe
	if !decision.ShouldServe {
		decision.BlockReason = decision.QualityScore.Rationale
	}
	if p.metrics != nil {
		p.metrics.RecordQuality(decision.QualityScore.Overall, decision.ShouldServe, qualityBlockLabel(decision.QualityScore))
	}
}

// GatedUnwrapRequest is the externally consumable quality-gated unwrap
type GatedUnwrapRequest struct {
	VASTURL    string `json:"vast_url"`
	CreativeID string `json:"creative_id,omitempty"`
	Source     string `json:"source"`
}

// GatedUnwrapResult carries the unwrap outcome and the serve verdict
type GatedUnwrapResult struct {
	UnwrapResult *unwrap.Result `json:"unwrap_result,omitempty"`
	QualityScore *quality.Score `json:"quality_score,omitempty"`
	ShouldServe  bool           `json:"should_serve"`
	BlockReason  string         `json:"block_reason,omitempty"`
}

// GatedUnwrap runs blocked-check, unwrap, quality and gate for one URL.
// Transport, structural and validation failures are carried in the result;
// an error means misuse (empty input).
func (p *Pipeline) GatedUnwrap(ctx context.Context, req GatedUnwrapRequest) (*GatedUnwrapResult, error) {
	if req.VASTURL == "" {
		return nil, fmt.Errorf("gated unwrap request has no VAST URL")
	}

	if req.CreativeID != "" && req.Source != "" && p.tracker != nil && p.tracker.IsBlocked(req.CreativeID, req.Source) {
		return &GatedUnwrapResult{
			ShouldServe: false,
			BlockReason: "creative is blocked for this source",
		}, nil
	}

	out := &GatedUnwrapResult{
		UnwrapResult: p.unwrapper.Unwrap(ctx, req.VASTURL),
	}

	if !out.UnwrapResult.Resolved() {
		out.BlockReason = structuralReason(out.UnwrapResult)
		if p.metrics != nil {
			p.metrics.RecordQuality(0, false, "unresolved_creative")
		}
		return out, nil
	}

	out.QualityScore = p.validator.Validate(out.UnwrapResult.Creative)
	out.ShouldServe = out.QualityScore.ShouldServe
	if !out.ShouldServe {
		out.BlockReason = out.QualityScore.Rationale
	}
	if p.metrics != nil {
		p.metrics.RecordQuality(out.QualityScore.Overall, out.ShouldServe, qualityBlockLabel(out.QualityScore))
	}
	return out, nil
}

// creativeIdentity picks the health-tracking key for a winning bid
func creativeIdentity(req DecisionRequest, winner *fanout.BidResult) string {
	if req.CreativeID != "" {
		return req.CreativeID
	}
	if winner.DealID != "" {
		return winner.DealID
	}
	return winner.VASTURL
}

func structuralReason(result *unwrap.Result) string {
	if len(result.Errors) > 0 {
		last := result.Errors[len(result.Errors)-1]
		return fmt.Sprintf("unwrap failed at depth %d: %s", last.Depth, last.Message)
	}
	return "no inline creative resolved"
}

func qualityBlockLabel(score *quality.Score) string {
	switch {
	case score.ShouldServe:
		return ""
	case score.Technical.Critical:
		return "technical_critical"
	case !score.BrandSafety.Safe:
		return "brand_safety"
	default:
		return "low_score"
	}
}

func (p *Pipeline) recordCalls(result *fanout.Result) {
	if p.metrics == nil {
		return
	}
	for _, call := range result.CallResults {
		var cpm float64
		if call.Bid != nil {
			cpm = call.Bid.CPM
		}
		p.metrics.RecordSourceCall(call.SourceID, call.Latency, cpm, call.Err != nil, call.TimedOut)
	}
}

func (p *Pipeline) recordDecision(outcome string, decision *Decision, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordDecision(outcome, string(decision.Mode), elapsed, decision.EarlyWin)
}

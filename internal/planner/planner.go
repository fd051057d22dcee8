// Package planner builds per-source timeout strategies from registry stats
package planner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	adpconfig "github.com/thenexusengine/tne_addecision/internal/config"
	"github.com/thenexusengine/tne_addecision/internal/registry"
)

// Mode is the fanout execution shape for a strategy
type Mode string

const (
	ModeParallel   Mode = "parallel"
	ModeSequential Mode = "sequential"
	ModeHybrid     Mode = "hybrid"
)

// hybridGroupName tags the parallel leg of a hybrid strategy
const hybridGroupName = "fast-lane"

// Allocation is one source's slot in a strategy. Immutable once produced.
type Allocation struct {
	SourceID      string        `json:"source_id"`
	Timeout       time.Duration `json:"timeout_ms"`
	Priority      int           `json:"priority"`
	ParallelGroup string        `json:"parallel_group,omitempty"`
	ExpectedValue float64       `json:"expected_value"`
	valueScore    float64
}

// Strategy is an ordered request plan for one fanout invocation
type Strategy struct {
	Mode              Mode          `json:"mode"`
	Allocations       []Allocation  `json:"allocations"`
	ExpectedRevenue   float64       `json:"expected_revenue"`
	ExpectedLatencyMs float64       `json:"expected_latency_ms"`
	ExpectedFillRate  float64       `json:"expected_fill_rate"`
	Rationale         string        `json:"rationale"`
	LatencyBudget     time.Duration `json:"-"`
}

// Config holds planner tuning knobs
type Config struct {
	MinTimeout    time.Duration
	MaxTimeout    time.Duration
	LatencyBudget time.Duration
}

// DefaultConfig returns planner defaults
func DefaultConfig() *Config {
	return &Config{
		MinTimeout:    adpconfig.MinSourceTimeout,
		MaxTimeout:    adpconfig.MaxSourceTimeout,
		LatencyBudget: adpconfig.DefaultLatencyBudget,
	}
}

// validateConfig applies sensible defaults for invalid values
func validateConfig(cfg *Config) *Config {
	defaults := DefaultConfig()
	if cfg == nil {
		return defaults
	}
	if cfg.MinTimeout <= 0 {
		cfg.MinTimeout = defaults.MinTimeout
	}
	if cfg.MaxTimeout <= cfg.MinTimeout {
		cfg.MaxTimeout = defaults.MaxTimeout
	}
	if cfg.LatencyBudget <= 0 {
		cfg.LatencyBudget = defaults.LatencyBudget
	}
	return cfg
}

// Planner produces TimeoutStrategies from performance snapshots
type Planner struct {
	config *Config
}

// New creates a planner
func New(cfg *Config) *Planner {
	return &Planner{config: validateConfig(cfg)}
}

// Plan builds a strategy for the given candidate sources.
// Allocation order is by descending value score; that order is the
// dispatch priority for the executor.
func (p *Planner) Plan(perfs []registry.SourcePerformance) *Strategy {
	if len(perfs) == 0 {
		return &Strategy{
			Mode:      ModeParallel,
			Rationale: "no candidate sources",
		}
	}

	maxCPM, maxRT := 0.0, 0.0
	for _, perf := range perfs {
		if perf.AvgCPM > maxCPM {
			maxCPM = perf.AvgCPM
		}
		if perf.AvgResponseTimeMs > maxRT {
			maxRT = perf.AvgResponseTimeMs
		}
	}

	allocs := make([]Allocation, 0, len(perfs))
	for _, perf := range perfs {
		timeout := p.optimalTimeout(perf)

		normCPM := 1.0
		if maxCPM > 0 {
			normCPM = perf.AvgCPM / maxCPM
		}
		normRT := 1.0
		if maxRT > 0 {
			normRT = perf.AvgResponseTimeMs / maxRT
		}

		score := 0.4*normCPM + 0.3*perf.FillRate + 0.2*(1-normRT) + 0.1*(1-perf.TimeoutRate)

		allocs = append(allocs, Allocation{
			SourceID:      perf.SourceID,
			Timeout:       timeout,
			ExpectedValue: perf.AvgCPM * perf.FillRate * (1 - perf.TimeoutRate),
			valueScore:    score,
		})
	}

	// Order by value score descending; ties keep input order
	sort.SliceStable(allocs, func(i, j int) bool {
		return allocs[i].valueScore > allocs[j].valueScore
	})
	for i := range allocs {
		allocs[i].Priority = i + 1
	}

	mode, rationale := p.selectMode(allocs)

	switch mode {
	case ModeParallel:
		for i := range allocs {
			allocs[i].ParallelGroup = "all"
		}
	case ModeHybrid:
		for i := range allocs {
			if i < 3 {
				allocs[i].ParallelGroup = hybridGroupName
			}
		}
	}

	s := &Strategy{
		Mode:          mode,
		Allocations:   allocs,
		Rationale:     rationale,
		LatencyBudget: p.config.LatencyBudget,
	}
	p.fillAggregates(s, perfs)
	return s
}

// optimalTimeout sizes a source's timeout from its p95 with a volatility
// margin, clamped to the global bounds
func (p *Planner) optimalTimeout(perf registry.SourcePerformance) time.Duration {
	ms := perf.P95ResponseTimeMs * (1 + 0.5*perf.TimeoutRate)
	timeout := time.Duration(ms * float64(time.Millisecond))
	if timeout < p.config.MinTimeout {
		return p.config.MinTimeout
	}
	if timeout > p.config.MaxTimeout {
		return p.config.MaxTimeout
	}
	return timeout
}

// selectMode picks the execution shape. Deterministic rules, no learning:
// small sets race in parallel, sets too slow to serialize race in parallel,
// and a fast high-value head with a slow tail goes hybrid.
func (p *Planner) selectMode(allocs []Allocation) (Mode, string) {
	if len(allocs) <= 2 {
		return ModeParallel, fmt.Sprintf("%d source(s): parallel race is always cheapest", len(allocs))
	}

	var seqTotal time.Duration
	for _, a := range allocs {
		seqTotal += a.Timeout
	}

	budget := p.config.LatencyBudget
	if seqTotal > budget+budget/2 {
		return ModeParallel, fmt.Sprintf(
			"sequential total %s exceeds 1.5x budget %s: parallel", seqTotal, budget)
	}

	var meanTimeout time.Duration
	for _, a := range allocs {
		meanTimeout += a.Timeout
	}
	meanTimeout /= time.Duration(len(allocs))
	fastCutoff := time.Duration(float64(meanTimeout) * 0.7)

	topFast := true
	for i := 0; i < 3; i++ {
		if allocs[i].Timeout >= fastCutoff {
			topFast = false
			break
		}
	}
	if topFast {
		return ModeHybrid, fmt.Sprintf(
			"top 3 sources under %s (0.7x mean %s): fast lane parallel, tail sequential",
			fastCutoff, meanTimeout)
	}

	return ModeParallel, "no fast high-value head: default parallel"
}

// fillAggregates computes the strategy-level expectations used for observability
func (p *Planner) fillAggregates(s *Strategy, perfs []registry.SourcePerformance) {
	perfByID := make(map[string]registry.SourcePerformance, len(perfs))
	for _, perf := range perfs {
		perfByID[perf.SourceID] = perf
	}

	missProb := 1.0
	for _, a := range s.Allocations {
		s.ExpectedRevenue += a.ExpectedValue
		if perf, ok := perfByID[a.SourceID]; ok {
			missProb *= 1 - perf.FillRate*(1-perf.TimeoutRate)
		}
	}
	s.ExpectedFillRate = 1 - missProb
	s.ExpectedLatencyMs = p.expectedLatency(s)
}

// expectedLatency is the worst-case wall time of the plan: max timeout of
// each parallel group plus the sum of the sequential tail
func (p *Planner) expectedLatency(s *Strategy) float64 {
	var groupMax = make(map[string]time.Duration)
	var seq time.Duration
	for _, a := range s.Allocations {
		if a.ParallelGroup != "" {
			if a.Timeout > groupMax[a.ParallelGroup] {
				groupMax[a.ParallelGroup] = a.Timeout
			}
		} else {
			seq += a.Timeout
		}
	}
	var total = seq
	for _, max := range groupMax {
		total += max
	}
	return float64(total.Milliseconds())
}

// Describe renders a compact human-readable plan summary for logs
func (s *Strategy) Describe() string {
	parts := make([]string, 0, len(s.Allocations))
	for _, a := range s.Allocations {
		group := a.ParallelGroup
		if group == "" {
			group = "seq"
		}
		parts = append(parts, fmt.Sprintf("%s(%s,%s)", a.SourceID, a.Timeout, group))
	}
	return fmt.Sprintf("%s: %s", s.Mode, strings.Join(parts, " "))
}

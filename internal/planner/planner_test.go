package planner

import (
	"testing"
	"time"

	"github.com/thenexusengine/tne_addecision/internal/registry"
)

func perf(id string, p95, timeoutRate, cpm, fill float64) registry.SourcePerformance {
	return registry.SourcePerformance{
		SourceID:          id,
		AvgResponseTimeMs: p95 * 0.8,
		P95ResponseTimeMs: p95,
		TimeoutRate:       timeoutRate,
		AvgCPM:            cpm,
		FillRate:          fill,
	}
}

func TestPlan_SingleSourceIsParallel(t *testing.T) {
	p := New(nil)

	s := p.Plan([]registry.SourcePerformance{perf("solo", 600, 0.02, 8, 0.5)})

	if s.Mode != ModeParallel {
		t.Errorf("expected parallel mode, got %s", s.Mode)
	}
	if len(s.Allocations) != 1 {
		t.Fatalf("expected exactly one allocation, got %d", len(s.Allocations))
	}
	if s.Allocations[0].SourceID != "solo" {
		t.Errorf("expected allocation for 'solo', got %s", s.Allocations[0].SourceID)
	}
	if s.Allocations[0].ParallelGroup == "" {
		t.Error("parallel mode allocations must carry a group tag")
	}
}

func TestPlan_TwoSourcesAlwaysParallel(t *testing.T) {
	p := New(nil)

	s := p.Plan([]registry.SourcePerformance{
		perf("a", 600, 0.02, 8, 0.5),
		perf("b", 1800, 0.3, 2, 0.1),
	})

	if s.Mode != ModeParallel {
		t.Errorf("expected parallel for 2 sources, got %s", s.Mode)
	}
}

func TestPlan_TimeoutFormulaAndClamp(t *testing.T) {
	p := New(nil)

	tests := []struct {
		name        string
		p95         float64
		timeoutRate float64
		want        time.Duration
	}{
		// 1000 * (1 + 0.5*0.2) = 1100ms
		{"margin applied", 1000, 0.2, 1100 * time.Millisecond},
		// 100 * 1.0 = 100ms, clamped up
		{"clamped to min", 100, 0.0, 400 * time.Millisecond},
		// 3000 * 1.25 clamped down
		{"clamped to max", 3000, 0.5, 2000 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := p.Plan([]registry.SourcePerformance{perf("x", tt.p95, tt.timeoutRate, 5, 0.3)})
			if got := s.Allocations[0].Timeout; got != tt.want {
				t.Errorf("expected timeout %s, got %s", tt.want, got)
			}
		})
	}
}

func TestPlan_SequentialTooSlowForcesParallel(t *testing.T) {
	// 5 sources at ~2000ms each: sequential total 10s > 1.5 * 3s budget
	p := New(nil)

	var perfs []registry.SourcePerformance
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		perfs = append(perfs, perf(id, 2500, 0.1, 5, 0.3))
	}

	s := p.Plan(perfs)

	if s.Mode != ModeParallel {
		t.Errorf("expected parallel when sequential total blows the budget, got %s", s.Mode)
	}
}

func TestPlan_FastValuableHeadGoesHybrid(t *testing.T) {
	// Three fast, high-value sources and two slow ones. Budget is large
	// enough that sequential would fit, so the hybrid rule can fire.
	p := New(&Config{LatencyBudget: 10 * time.Second})

	perfs := []registry.SourcePerformance{
		perf("fast1", 450, 0.01, 20, 0.8),
		perf("fast2", 460, 0.01, 19, 0.8),
		perf("fast3", 470, 0.01, 18, 0.8),
		perf("slow1", 2500, 0.2, 3, 0.1),
		perf("slow2", 2500, 0.2, 2, 0.1),
	}

	s := p.Plan(perfs)

	if s.Mode != ModeHybrid {
		t.Fatalf("expected hybrid mode, got %s (%s)", s.Mode, s.Rationale)
	}

	grouped := 0
	for i, a := range s.Allocations {
		if a.ParallelGroup != "" {
			grouped++
			if i >= 3 {
				t.Errorf("only the top 3 should be in the parallel group, found %s at rank %d", a.SourceID, i+1)
			}
		}
	}
	if grouped != 3 {
		t.Errorf("expected 3 allocations in the parallel group, got %d", grouped)
	}

	// Tail must preserve value-score order for sequential dispatch
	if s.Allocations[3].SourceID != "slow1" || s.Allocations[4].SourceID != "slow2" {
		t.Errorf("sequential tail out of order: %s, %s",
			s.Allocations[3].SourceID, s.Allocations[4].SourceID)
	}
}

func TestPlan_OrderedByValueScore(t *testing.T) {
	p := New(nil)

	s := p.Plan([]registry.SourcePerformance{
		perf("cheap", 800, 0.1, 1, 0.1),
		perf("premium", 500, 0.01, 25, 0.9),
		perf("middling", 700, 0.05, 8, 0.4),
	})

	if s.Allocations[0].SourceID != "premium" {
		t.Errorf("expected 'premium' first, got %s", s.Allocations[0].SourceID)
	}
	if s.Allocations[2].SourceID != "cheap" {
		t.Errorf("expected 'cheap' last, got %s", s.Allocations[2].SourceID)
	}
	for i, a := range s.Allocations {
		if a.Priority != i+1 {
			t.Errorf("expected priority %d at rank %d, got %d", i+1, i, a.Priority)
		}
	}
}

func TestPlan_ExpectedValueFormula(t *testing.T) {
	p := New(nil)

	s := p.Plan([]registry.SourcePerformance{perf("x", 600, 0.2, 10, 0.5)})

	// 10 * 0.5 * (1 - 0.2) = 4.0
	if got := s.Allocations[0].ExpectedValue; got != 4.0 {
		t.Errorf("expected contribution 4.0, got %v", got)
	}
	if s.ExpectedRevenue != 4.0 {
		t.Errorf("expected aggregate revenue 4.0, got %v", s.ExpectedRevenue)
	}
}

func TestPlan_EmptyCandidates(t *testing.T) {
	p := New(nil)

	s := p.Plan(nil)

	if len(s.Allocations) != 0 {
		t.Errorf("expected no allocations, got %d", len(s.Allocations))
	}
	if s.Rationale == "" {
		t.Error("expected a rationale even for an empty plan")
	}
}

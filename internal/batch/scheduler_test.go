package batch

import (
	"math"
	"testing"

	"scenejobs/internal/domain"
)

func TestGenerateTimeRanges(t *testing.T) {
	ranges := GenerateTimeRanges(100, 30, 8)
	want := []struct {
		start, end float64
		scenes     int
	}{
		{0, 30, 4},
		{30, 60, 4},
		{60, 90, 4},
		{90, 100, 2},
	}
	if len(ranges) != len(want) {
		t.Fatalf("got %d ranges, want %d", len(ranges), len(want))
	}
	for i, w := range want {
		r := ranges[i]
		if r.Index != i || r.Start != w.start || r.End != w.end || r.EstimatedScenes != w.scenes {
			t.Fatalf("range %d = %+v, want [%v,%v) scenes %d", i, r, w.start, w.end, w.scenes)
		}
	}
	if ranges[3].Label != "1:30-1:40" {
		t.Fatalf("label = %q", ranges[3].Label)
	}
}

func TestGenerateTimeRangesCoversWholeSource(t *testing.T) {
	for _, tc := range []struct{ total, chunk float64 }{{7, 3}, {60, 60}, {61, 60}, {1, 30}, {125.5, 20}} {
		ranges := GenerateTimeRanges(tc.total, tc.chunk, 5)
		if ranges[0].Start != 0 {
			t.Fatalf("%v: first range starts at %v", tc, ranges[0].Start)
		}
		for i := 1; i < len(ranges); i++ {
			if ranges[i].Start != ranges[i-1].End {
				t.Fatalf("%v: gap between %d and %d", tc, i-1, i)
			}
		}
		if last := ranges[len(ranges)-1]; last.End != tc.total {
			t.Fatalf("%v: last range ends at %v", tc, last.End)
		}
	}
}

func TestGenerateTimeRangesRejectsEmptyInput(t *testing.T) {
	if got := GenerateTimeRanges(0, 30, 8); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	if got := GenerateTimeRanges(30, 0, 8); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestCalculateDynamicOverlap(t *testing.T) {
	p := OverlapPolicy{Min: 2, Max: 10, Default: 4, Multiplier: 1.5}
	if got := p.CalculateDynamicOverlap(0, 0); got != 4 {
		t.Fatalf("no prior data = %v, want default 4", got)
	}
	if got := p.CalculateDynamicOverlap(10, 40); got != 6 {
		t.Fatalf("10 scenes over 40s = %v, want 6", got)
	}
	if got := p.CalculateDynamicOverlap(40, 40); got != 2 {
		t.Fatalf("dense batch = %v, want clamped to min 2", got)
	}
	if got := p.CalculateDynamicOverlap(1, 60); got != 10 {
		t.Fatalf("sparse batch = %v, want clamped to max 10", got)
	}
}

func TestWithOverlap(t *testing.T) {
	first := TimeRange{Start: 0, End: 30}.WithOverlap(5)
	if first.Overlap != 0 || first.AnalysisStart() != 0 {
		t.Fatalf("first range should not look back: %+v", first)
	}
	r := TimeRange{Start: 30, End: 60}.WithOverlap(6)
	if r.AnalysisStart() != 24 || r.Duration() != 30 {
		t.Fatalf("unexpected analysis window: %+v", r)
	}
}

func TestNewPlanExactStrategy(t *testing.T) {
	cfg := domain.JobConfig{
		SceneStrategy:    domain.SceneStrategyExact,
		TargetSceneCount: 11,
		BatchSeconds:     30,
		Pacing:           domain.PacingStandard,
	}
	plan, err := NewPlan(cfg, 100)
	if err != nil {
		t.Fatalf("NewPlan error: %v", err)
	}
	if plan.TotalBatches() != 4 {
		t.Fatalf("batches = %d", plan.TotalBatches())
	}
	if plan.EstimatedScenes() != 11 {
		t.Fatalf("estimated scenes = %d, want 11", plan.EstimatedScenes())
	}
	if math.Abs(plan.SecondsPerScene-100.0/11) > 1e-9 {
		t.Fatalf("seconds per scene = %v", plan.SecondsPerScene)
	}
}

func TestNewPlanContentStrategyUsesPacing(t *testing.T) {
	cfg := domain.JobConfig{SceneStrategy: domain.SceneStrategyContent, BatchSeconds: 30, Pacing: domain.PacingFast}
	plan, err := NewPlan(cfg, 60)
	if err != nil {
		t.Fatalf("NewPlan error: %v", err)
	}
	if plan.SecondsPerScene != 4 || plan.EstimatedScenes() != 16 {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestNewPlanRejectsZeroDuration(t *testing.T) {
	_, err := NewPlan(domain.JobConfig{BatchSeconds: 30}, 0)
	je := domain.Classify(err)
	if je == nil || je.Code != domain.CodeInvalidInput {
		t.Fatalf("err = %v, want INVALID_INPUT", err)
	}
}

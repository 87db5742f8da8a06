// Package batch divides a source video into time-bounded batches and sizes
// the look-back overlap between consecutive batches.
package batch

import (
	"fmt"
	"math"

	"scenejobs/internal/domain"
)

// TimeRange is one canonical slice of the source, [Start, End).
type TimeRange struct {
	Index           int     `json:"index"`
	Start           float64 `json:"start"`
	End             float64 `json:"end"`
	Label           string  `json:"label"`
	EstimatedScenes int     `json:"estimated_scenes"`

	// Overlap is the look-back window analysed before Start. Scenes must
	// only be emitted for the canonical range.
	Overlap float64 `json:"overlap,omitempty"`
}

// Duration is the canonical length of the range.
func (r TimeRange) Duration() float64 { return r.End - r.Start }

// AnalysisStart is where the generator starts looking, including overlap.
func (r TimeRange) AnalysisStart() float64 {
	return math.Max(0, r.Start-r.Overlap)
}

// WithOverlap returns r with the look-back window set. The first range never
// looks back.
func (r TimeRange) WithOverlap(overlap float64) TimeRange {
	if r.Start <= 0 || overlap < 0 {
		overlap = 0
	}
	r.Overlap = overlap
	return r
}

// GenerateTimeRanges splits [0,total) into consecutive chunks of at most
// chunk seconds. Each range estimates ceil(len/secondsPerScene) scenes.
func GenerateTimeRanges(total, chunk, secondsPerScene float64) []TimeRange {
	if total <= 0 || chunk <= 0 {
		return nil
	}
	if secondsPerScene <= 0 {
		secondsPerScene = domain.PacingStandard.Preset().SecondsPerScene
	}
	count := int(math.Ceil(total / chunk))
	ranges := make([]TimeRange, 0, count)
	for i := 0; i < count; i++ {
		start := float64(i) * chunk
		end := math.Min(start+chunk, total)
		if end <= start {
			break
		}
		ranges = append(ranges, TimeRange{
			Index:           i,
			Start:           start,
			End:             end,
			Label:           FormatRange(start, end),
			EstimatedScenes: int(math.Ceil((end - start) / secondsPerScene)),
		})
	}
	return ranges
}

// FormatRange renders a range as m:ss-m:ss.
func FormatRange(start, end float64) string {
	return formatClock(start) + "-" + formatClock(end)
}

func formatClock(seconds float64) string {
	total := int(math.Round(seconds))
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

// OverlapPolicy bounds the dynamic look-back window, in seconds.
type OverlapPolicy struct {
	Min        float64
	Max        float64
	Default    float64
	Multiplier float64
}

// DefaultOverlapPolicy is used when configuration leaves the policy empty.
func DefaultOverlapPolicy() OverlapPolicy {
	return OverlapPolicy{Min: 2, Max: 10, Default: 4, Multiplier: 1.5}
}

// CalculateDynamicOverlap sizes the overlap from the average scene length of
// the previous batch: clamp(prevDuration/prevCount × Multiplier, Min, Max).
// Without prior batch data it returns Default.
func (p OverlapPolicy) CalculateDynamicOverlap(prevCount int, prevDuration float64) float64 {
	if prevCount <= 0 || prevDuration <= 0 {
		return p.clamp(p.Default)
	}
	avg := prevDuration / float64(prevCount)
	return p.clamp(avg * p.Multiplier)
}

func (p OverlapPolicy) clamp(v float64) float64 {
	if p.Min > 0 && v < p.Min {
		v = p.Min
	}
	if p.Max > 0 && v > p.Max {
		v = p.Max
	}
	return v
}

// Plan is the batch layout of one job.
type Plan struct {
	TotalSeconds    float64
	SecondsPerScene float64
	Ranges          []TimeRange
}

// TotalBatches is the number of batches in the plan.
func (p Plan) TotalBatches() int { return len(p.Ranges) }

// EstimatedScenes sums the per-range estimates.
func (p Plan) EstimatedScenes() int {
	n := 0
	for _, r := range p.Ranges {
		n += r.EstimatedScenes
	}
	return n
}

// NewPlan lays out the batches for cfg over a source of totalSeconds. The
// exact strategy spreads the target scene count over the ranges so the
// estimates add up to the target.
func NewPlan(cfg domain.JobConfig, totalSeconds float64) (Plan, error) {
	if totalSeconds <= 0 {
		return Plan{}, domain.NewJobError(domain.CodeInvalidInput, "source duration must be positive", nil)
	}
	spc := cfg.Pacing.Preset().SecondsPerScene
	if cfg.SceneStrategy == domain.SceneStrategyExact && cfg.TargetSceneCount > 0 {
		spc = totalSeconds / float64(cfg.TargetSceneCount)
	}
	ranges := GenerateTimeRanges(totalSeconds, cfg.BatchSeconds, spc)
	if len(ranges) == 0 {
		return Plan{}, domain.NewJobError(domain.CodeInvalidInput, "no batches to process", nil)
	}
	if cfg.SceneStrategy == domain.SceneStrategyExact && cfg.TargetSceneCount > 0 {
		distributeExact(ranges, totalSeconds, cfg.TargetSceneCount)
	}
	return Plan{TotalSeconds: totalSeconds, SecondsPerScene: spc, Ranges: ranges}, nil
}

// distributeExact assigns floor shares by duration and hands out the
// remainder to the earliest ranges.
func distributeExact(ranges []TimeRange, total float64, target int) {
	assigned := 0
	for i := range ranges {
		share := int(math.Floor(ranges[i].Duration() / total * float64(target)))
		ranges[i].EstimatedScenes = share
		assigned += share
	}
	for i := 0; assigned < target; i = (i + 1) % len(ranges) {
		ranges[i].EstimatedScenes++
		assigned++
	}
}

package scenes

import (
	"context"
	"fmt"
	"hash/fnv"

	"scenejobs/internal/domain"
)

var (
	syntheticLocations = []string{"city street", "kitchen", "rooftop", "park", "office", "beach"}
	syntheticShots     = []string{"wide", "medium", "close-up", "over-the-shoulder"}
	syntheticActions   = []string{"walking", "talking", "cooking", "looking around", "running", "laughing"}
)

// SyntheticGenerator returns deterministic scenes without calling any API.
// It keeps the service usable in development and tests.
type SyntheticGenerator struct{}

func NewSyntheticGenerator() *SyntheticGenerator { return &SyntheticGenerator{} }

func (g *SyntheticGenerator) Generate(ctx context.Context, req BatchRequest) (BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return BatchResult{}, err
	}
	r := req.Range
	count := max(1, r.EstimatedScenes)
	seed := deterministicSeed(req.Config.SourceRef, r.Index)
	step := r.Duration() / float64(count)

	scenes := make([]domain.Scene, 0, count)
	for i := 0; i < count; i++ {
		n := seed + uint32(i)
		location := syntheticLocations[n%uint32(len(syntheticLocations))]
		action := syntheticActions[(n/3)%uint32(len(syntheticActions))]
		start := r.Start + float64(i)*step
		s := domain.Scene{
			Number:       req.FirstNumber + i,
			StartSeconds: start,
			EndSeconds:   start + step,
			Description:  fmt.Sprintf("The host is %s in the %s.", action, location),
			Visual: domain.VisualMeta{
				Shot:     syntheticShots[n%uint32(len(syntheticShots))],
				Location: location,
				Style:    "natural light",
			},
			Characters: []string{"Host"},
			Prompt:     fmt.Sprintf("%s shot, host %s in a %s", syntheticShots[n%uint32(len(syntheticShots))], action, location),
		}
		if req.Config.Audio.Enabled {
			s.Audio.Voiceover = fmt.Sprintf("Scene %d.", req.FirstNumber+i)
		}
		scenes = append(scenes, s)
	}

	chars := domain.CharacterRegistry{
		"Host": domain.Skeleton(domain.CharacterSkeleton{Age: "30s", Build: "average", Outfit: "denim jacket"}),
	}
	return BatchResult{Scenes: scenes, Characters: chars}, nil
}

func deterministicSeed(ref string, index int) uint32 {
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%s#%d", ref, index)
	return h.Sum32()
}

var _ Generator = (*SyntheticGenerator)(nil)

package scenes

import (
	"context"
	"errors"
	"strings"
	"time"

	"scenejobs/internal/batch"
	"scenejobs/internal/domain"
	"scenejobs/internal/infra"
	"scenejobs/internal/providers/genai"
)

// overlapTolerance absorbs timestamp rounding at the canonical boundary.
const overlapTolerance = 0.5

type modelBatch struct {
	Scenes     []domain.Scene           `json:"scenes"`
	Characters domain.CharacterRegistry `json:"characters"`
}

// GeminiGenerator streams a batch through the Gemini API.
type GeminiGenerator struct {
	client      *genai.Client
	logger      infra.Logger
	temperature float64
}

func NewGeminiGenerator(client *genai.Client, logger infra.Logger) *GeminiGenerator {
	return &GeminiGenerator{client: client, logger: logger, temperature: 0.4}
}

func (g *GeminiGenerator) Generate(ctx context.Context, req BatchRequest) (BatchResult, error) {
	r := req.Range
	stream, err := g.client.StreamText(ctx, genai.TextRequest{
		System:      buildSystemPrompt(req.Config),
		Prompt:      buildBatchPrompt(req),
		VideoURI:    req.Config.SourceRef,
		StartOffset: seconds(r.AnalysisStart()),
		EndOffset:   seconds(r.End),
		Temperature: g.temperature,
		JSON:        true,
	})
	if err != nil {
		return BatchResult{}, err
	}
	defer stream.Close()

	raw, err := genai.ReadAll(stream, req.OnDelta)
	if err != nil {
		return BatchResult{Raw: raw}, err
	}

	var parsed modelBatch
	if err := genai.ParseJSON(raw, &parsed); err != nil {
		var perr *genai.ParseError
		if errors.As(err, &perr) {
			return BatchResult{Raw: raw}, domain.NewJobError(domain.CodeParseError, "could not parse scenes from model output", err)
		}
		return BatchResult{Raw: raw}, err
	}

	scenes := canonicalScenes(parsed.Scenes, r)
	if req.Config.SceneStrategy == domain.SceneStrategyExact && r.EstimatedScenes > 0 && len(scenes) > r.EstimatedScenes {
		scenes = scenes[:r.EstimatedScenes]
	}
	if len(scenes) == 0 {
		return BatchResult{Raw: raw}, domain.NewJobError(domain.CodeParseError, "model returned no scenes for "+r.Label, nil)
	}

	g.logger.Debug().
		Str("job_id", req.JobID).
		Int("batch", r.Index+1).
		Int("scenes", len(scenes)).
		Int("dropped", len(parsed.Scenes)-len(scenes)).
		Msg("scenes: batch parsed")
	return BatchResult{Scenes: scenes, Characters: parsed.Characters, Raw: raw}, nil
}

// canonicalScenes drops empty scenes and scenes the model placed inside the
// look-back window; those belong to the previous batch.
func canonicalScenes(in []domain.Scene, r batch.TimeRange) []domain.Scene {
	out := make([]domain.Scene, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s.Description) == "" && strings.TrimSpace(s.Prompt) == "" {
			continue
		}
		timed := s.EndSeconds > 0
		if timed && r.Overlap > 0 && s.StartSeconds+overlapTolerance < r.Start {
			continue
		}
		out = append(out, s)
	}
	return out
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

var _ Generator = (*GeminiGenerator)(nil)

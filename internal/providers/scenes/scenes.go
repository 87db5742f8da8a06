// Package scenes turns one batch of a source video into scenes and
// character descriptions using the generative API.
package scenes

import (
	"context"

	"scenejobs/internal/batch"
	"scenejobs/internal/domain"
	"scenejobs/internal/infra"
	"scenejobs/internal/providers/genai"
)

// BatchRequest is everything the generator needs for one batch.
type BatchRequest struct {
	JobID        string
	Config       domain.JobConfig
	Range        batch.TimeRange
	TotalBatches int
	// FirstNumber is the number the first new scene will receive.
	FirstNumber int
	// Continuity is the rendered context of earlier batches; empty for the
	// first batch.
	Continuity string
	// OnDelta sees streamed text as it arrives.
	OnDelta func(string)
}

// BatchResult is the parsed answer for one batch. Scene numbers are
// provisional; the progress state machine renumbers them.
type BatchResult struct {
	Scenes     []domain.Scene
	Characters domain.CharacterRegistry
	Raw        string
}

// Generator produces the scenes of one batch.
type Generator interface {
	Generate(ctx context.Context, req BatchRequest) (BatchResult, error)
}

// New returns a Gemini-backed generator when the client has credentials
// and the synthetic generator otherwise.
func New(client *genai.Client, logger infra.Logger) Generator {
	if client != nil && client.Configured() {
		return NewGeminiGenerator(client, logger)
	}
	logger.Warn().Msg("scenes: gemini api key missing, using synthetic generator")
	return NewSyntheticGenerator()
}

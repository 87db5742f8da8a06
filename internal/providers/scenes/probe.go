package scenes

import (
	"context"
	"fmt"

	"scenejobs/internal/domain"
	"scenejobs/internal/providers/genai"
)

// GeminiProbe asks the model for the length of a source video. It is only
// used when the caller did not supply a duration hint.
type GeminiProbe struct {
	client *genai.Client
}

func NewGeminiProbe(client *genai.Client) *GeminiProbe {
	return &GeminiProbe{client: client}
}

// Duration returns the source length in seconds.
func (p *GeminiProbe) Duration(ctx context.Context, sourceRef string) (float64, error) {
	if p.client == nil || !p.client.Configured() {
		return 0, domain.NewJobError(domain.CodeInvalidInput, "duration_seconds is required when no generative api is configured", nil)
	}
	res, err := p.client.GenerateText(ctx, genai.TextRequest{
		Prompt:   `Return only JSON {"duration_seconds": number} with the total length of this video in seconds.`,
		VideoURI: sourceRef,
		JSON:     true,
	})
	if err != nil {
		return 0, fmt.Errorf("probe duration: %w", err)
	}
	var out struct {
		DurationSeconds float64 `json:"duration_seconds"`
	}
	if err := genai.ParseJSON(res.Text, &out); err != nil {
		return 0, domain.NewJobError(domain.CodeParseError, "could not read source duration", err)
	}
	if out.DurationSeconds <= 0 {
		return 0, domain.NewJobError(domain.CodeInvalidInput, "source duration must be positive", nil)
	}
	return out.DurationSeconds, nil
}

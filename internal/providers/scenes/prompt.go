package scenes

import (
	"fmt"
	"strings"

	"scenejobs/internal/batch"
	"scenejobs/internal/domain"
)

const sceneSchema = `{"scenes":[{"number":int,"start_seconds":number,"end_seconds":number,"description":string,` +
	`"visual":{"shot":string,"camera":string,"lighting":string,"location":string,"style":string},` +
	`"characters":[string],"audio":{"dialogue":string,"voiceover":string,"sfx":string,"music":string},"prompt":string}],` +
	`"characters":{"<name>":{"gender":string,"age":string,"ethnicity":string,"build":string,"face":string,"hair":string,"outfit":string,"distinguishing_features":[string]}}}`

func buildSystemPrompt(cfg domain.JobConfig) string {
	sb := &strings.Builder{}
	switch cfg.Mode {
	case domain.JobModeRecreate:
		sb.WriteString("You recreate a source video shot by shot. Every scene must match what is on screen in order, with the same framing, action and setting.")
	default:
		sb.WriteString("You are a storyboard artist. Turn the source video into an ordered storyboard of new scenes that keep its story, mood and characters.")
	}
	sb.WriteString(" Respond strictly with JSON matching this schema: ")
	sb.WriteString(sceneSchema)
	sb.WriteString(". Do not wrap the JSON in markdown.")
	return sb.String()
}

func buildBatchPrompt(req BatchRequest) string {
	cfg := req.Config
	r := req.Range
	preset := cfg.Pacing.Preset()
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "Batch %d of %d.\n", r.Index+1, req.TotalBatches)
	fmt.Fprintf(sb, "Canonical range: %s (%.0fs to %.0fs).\n", r.Label, r.Start, r.End)
	if r.Overlap > 0 {
		fmt.Fprintf(sb, "Analyse %s for context, but only emit scenes that start at or after %.0fs. The earlier part was covered by the previous batch.\n",
			batch.FormatRange(r.AnalysisStart(), r.End), r.Start)
	}
	if cfg.SceneStrategy == domain.SceneStrategyExact {
		fmt.Fprintf(sb, "Produce exactly %d scenes for this range.\n", max(1, r.EstimatedScenes))
	} else {
		fmt.Fprintf(sb, "Produce one scene per distinct moment, roughly one every %.0f seconds (about %d scenes).\n", preset.SecondsPerScene, max(1, r.EstimatedScenes))
	}
	fmt.Fprintf(sb, "Number scenes from %d.\n", max(1, req.FirstNumber))

	switch cfg.MediaType {
	case domain.MediaTypeVideo:
		sb.WriteString("Each prompt targets a short video clip: describe motion, camera movement and timing.\n")
	default:
		sb.WriteString("Each prompt targets a single still image: describe composition, subject and lighting.\n")
	}
	if cfg.Audio.Enabled {
		fmt.Fprintf(sb, "Fill the audio block. Voice: %s. Language: %s.\n", coalesce(cfg.Audio.Voice, "neutral narrator"), coalesce(cfg.Audio.Language, "en"))
	} else {
		sb.WriteString("Leave the audio block empty.\n")
	}
	if neg := strings.TrimSpace(cfg.NegativePrompt); neg != "" {
		fmt.Fprintf(sb, "Never include: %s.\n", neg)
	}
	if ctx := strings.TrimSpace(req.Continuity); ctx != "" {
		sb.WriteString("\n")
		sb.WriteString(ctx)
		sb.WriteString("\n\nContinue the sequence. Do not repeat scenes already listed and reuse established character descriptions verbatim.\n")
	}
	return sb.String()
}

func coalesce(values ...string) string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return ""
}

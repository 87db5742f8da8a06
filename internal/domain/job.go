package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobMode selects one of the two generation pipelines.
type JobMode string

const (
	// JobModeStoryboard breaks the source into an ordered storyboard of new scenes.
	JobModeStoryboard JobMode = "storyboard"
	// JobModeRecreate recreates the source shot by shot.
	JobModeRecreate JobMode = "recreate"
)

// SceneStrategy decides how many scenes a job produces.
type SceneStrategy string

const (
	SceneStrategyExact   SceneStrategy = "exact"
	SceneStrategyContent SceneStrategy = "content"
)

// Pacing controls scene duration and the base overlap between batches.
type Pacing string

const (
	PacingFast     Pacing = "fast"
	PacingStandard Pacing = "standard"
	PacingSlow     Pacing = "slow"
)

// MediaType is the kind of asset each scene prompt targets.
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further batches will run for the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// PacingPreset holds the scene duration and base overlap for a pacing value.
type PacingPreset struct {
	SecondsPerScene float64
	BaseOverlap     float64
}

var pacingPresets = map[Pacing]PacingPreset{
	PacingFast:     {SecondsPerScene: 4, BaseOverlap: 2},
	PacingStandard: {SecondsPerScene: 8, BaseOverlap: 4},
	PacingSlow:     {SecondsPerScene: 12, BaseOverlap: 6},
}

// Preset returns the preset for p, falling back to standard pacing.
func (p Pacing) Preset() PacingPreset {
	if preset, ok := pacingPresets[p]; ok {
		return preset
	}
	return pacingPresets[PacingStandard]
}

// AudioSettings describes the audio/voice track requested for each scene.
type AudioSettings struct {
	Enabled  bool   `json:"enabled"`
	Voice    string `json:"voice,omitempty"`
	Language string `json:"language,omitempty"`
}

// ResumePointer references an earlier job whose progress should be continued.
type ResumePointer struct {
	JobID     string `json:"job_id"`
	FromBatch int    `json:"from_batch"`
}

// JobConfig is the immutable configuration of a job.
type JobConfig struct {
	ID               string         `json:"id"`
	SourceRef        string         `json:"source_ref"`
	Mode             JobMode        `json:"mode"`
	TargetSceneCount int            `json:"target_scene_count,omitempty"`
	SceneStrategy    SceneStrategy  `json:"scene_strategy"`
	BatchSeconds     float64        `json:"batch_seconds"`
	Pacing           Pacing         `json:"pacing"`
	Audio            AudioSettings  `json:"audio"`
	NegativePrompt   string         `json:"negative_prompt,omitempty"`
	MediaType        MediaType      `json:"media_type"`
	DurationSeconds  float64        `json:"duration_seconds,omitempty"`
	Resume           *ResumePointer `json:"resume,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

const (
	DefaultBatchSeconds = 30
	MaxBatchSeconds     = 600
)

// ApplyDefaults fills optional fields with their documented defaults.
func (c *JobConfig) ApplyDefaults() {
	c.SourceRef = strings.TrimSpace(c.SourceRef)
	if c.Mode == "" {
		c.Mode = JobModeStoryboard
	}
	if c.SceneStrategy == "" {
		if c.TargetSceneCount > 0 {
			c.SceneStrategy = SceneStrategyExact
		} else {
			c.SceneStrategy = SceneStrategyContent
		}
	}
	if c.BatchSeconds <= 0 {
		c.BatchSeconds = DefaultBatchSeconds
	}
	if c.Pacing == "" {
		c.Pacing = PacingStandard
	}
	if c.MediaType == "" {
		c.MediaType = MediaTypeImage
	}
}

// Validate checks the configuration and returns an INVALID_INPUT error on failure.
func (c JobConfig) Validate() error {
	var problems []string
	if c.SourceRef == "" {
		problems = append(problems, "source_ref is required")
	}
	switch c.Mode {
	case JobModeStoryboard, JobModeRecreate:
	default:
		problems = append(problems, fmt.Sprintf("unsupported mode %q", c.Mode))
	}
	switch c.SceneStrategy {
	case SceneStrategyExact:
		if c.TargetSceneCount <= 0 {
			problems = append(problems, "target_scene_count must be positive for exact strategy")
		}
	case SceneStrategyContent:
	default:
		problems = append(problems, fmt.Sprintf("unsupported scene_strategy %q", c.SceneStrategy))
	}
	if _, ok := pacingPresets[c.Pacing]; !ok {
		problems = append(problems, fmt.Sprintf("unsupported pacing %q", c.Pacing))
	}
	switch c.MediaType {
	case MediaTypeImage, MediaTypeVideo:
	default:
		problems = append(problems, fmt.Sprintf("unsupported media_type %q", c.MediaType))
	}
	if c.BatchSeconds <= 0 || c.BatchSeconds > MaxBatchSeconds {
		problems = append(problems, fmt.Sprintf("batch_seconds must be within (0, %d]", MaxBatchSeconds))
	}
	if c.DurationSeconds < 0 {
		problems = append(problems, "duration_seconds must not be negative")
	}
	if len(problems) > 0 {
		return NewJobError(CodeInvalidInput, strings.Join(problems, "; "), nil)
	}
	return nil
}

package domain

import "time"

// LogStatus is the state of one request/response audit entry.
type LogStatus string

const (
	LogStatusPending   LogStatus = "pending"
	LogStatusCompleted LogStatus = "completed"
	LogStatusFailed    LogStatus = "failed"
)

// LogEntry is one request/response pair in a job's audit trail.
type LogEntry struct {
	ID         string    `json:"id"`
	Batch      int       `json:"batch"`
	Status     LogStatus `json:"status"`
	Message    string    `json:"message,omitempty"`
	Request    string    `json:"request,omitempty"`
	Response   string    `json:"response,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Estimated  bool      `json:"estimated,omitempty"`
}

// Summary is the headline block of a cached job.
type Summary struct {
	Mode             JobMode   `json:"mode,omitempty"`
	TargetSceneCount int       `json:"target_scene_count,omitempty"`
	ActualSceneCount int       `json:"actual_scene_count"`
	Voice            string    `json:"voice,omitempty"`
	ProcessingTime   string    `json:"processing_time,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ErrorBlock records the last failure of a job.
type ErrorBlock struct {
	Code            ErrorCode `json:"type"`
	Message         string    `json:"message"`
	Retryable       bool      `json:"retryable"`
	FailedBatch     int       `json:"failed_batch"`
	TotalBatches    int       `json:"total_batches"`
	ScenesCompleted int       `json:"scenes_completed"`
}

// ResumeBlock is the persisted resume pointer of a job.
type ResumeBlock struct {
	CompletedBatches   int     `json:"completed_batches"`
	TotalBatches       int     `json:"total_batches"`
	NextBatch          int     `json:"next_batch"`
	LastBatchScenes    int     `json:"last_batch_scenes,omitempty"`
	LastBatchDuration  float64 `json:"last_batch_duration,omitempty"`
	SourceDurationSecs float64 `json:"source_duration_seconds,omitempty"`
}

// CachedJob is the durable snapshot exchanged with both cache tiers.
type CachedJob struct {
	ID         string            `json:"id"`
	SourceRef  string            `json:"source_ref,omitempty"`
	Config     *JobConfig        `json:"config,omitempty"`
	Summary    Summary           `json:"summary"`
	Scenes     []Scene           `json:"scenes,omitempty"`
	Characters CharacterRegistry `json:"characters,omitempty"`
	Status     JobStatus         `json:"status,omitempty"`
	Error      *ErrorBlock       `json:"error,omitempty"`
	Logs       []LogEntry        `json:"logs,omitempty"`
	Resume     *ResumeBlock      `json:"resume,omitempty"`
	ExpiresAt  time.Time         `json:"expires_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// IsOrphaned reports an in-progress snapshot that actually holds all of its
// batches, usually left behind by a lost final status write.
func (j *CachedJob) IsOrphaned() bool {
	if j == nil || j.Status != JobStatusInProgress || len(j.Scenes) == 0 || j.Resume == nil {
		return false
	}
	return j.Resume.TotalBatches > 0 && j.Resume.CompletedBatches >= j.Resume.TotalBatches
}

// FixOrphan corrects an orphaned snapshot in place and reports whether it did.
func (j *CachedJob) FixOrphan() bool {
	if !j.IsOrphaned() {
		return false
	}
	j.Status = JobStatusCompleted
	j.Error = nil
	j.Resume.NextBatch = j.Resume.TotalBatches
	j.Summary.ActualSceneCount = len(j.Scenes)
	return true
}

// ListFilter narrows a cache listing.
type ListFilter struct {
	Status JobStatus
	Mode   JobMode
	Limit  int
}

// Matches reports whether j passes the filter.
func (f ListFilter) Matches(j *CachedJob) bool {
	if j == nil {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Mode != "" && j.Summary.Mode != f.Mode {
		return false
	}
	return true
}

// JobSummary is the list view of a cached job.
type JobSummary struct {
	ID               string    `json:"id"`
	SourceRef        string    `json:"source_ref"`
	Status           JobStatus `json:"status"`
	Summary          Summary   `json:"summary"`
	CompletedBatches int       `json:"completed_batches"`
	TotalBatches     int       `json:"total_batches"`
	Resumable        bool      `json:"resumable"`
	ExpiresAt        time.Time `json:"expires_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Summarize builds the list view of j.
func (j *CachedJob) Summarize() JobSummary {
	out := JobSummary{
		ID:        j.ID,
		SourceRef: j.SourceRef,
		Status:    j.Status,
		Summary:   j.Summary,
		ExpiresAt: j.ExpiresAt,
		UpdatedAt: j.UpdatedAt,
	}
	if j.Resume != nil {
		out.CompletedBatches = j.Resume.CompletedBatches
		out.TotalBatches = j.Resume.TotalBatches
		resumableStatus := j.Status == JobStatusInProgress || (j.Status == JobStatusFailed && j.Error != nil && j.Error.Retryable)
		out.Resumable = resumableStatus && j.Resume.CompletedBatches > 0 && j.Resume.CompletedBatches < j.Resume.TotalBatches
	}
	return out
}

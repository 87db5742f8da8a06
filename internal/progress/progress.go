// Package progress tracks the lifecycle of a single job: batch completion,
// accumulated scenes and characters, status and resume eligibility.
package progress

import (
	"fmt"
	"sync"
	"time"

	"scenejobs/internal/domain"
)

var allowedTransitions = map[domain.JobStatus]map[domain.JobStatus]bool{
	domain.JobStatusPending: {
		domain.JobStatusInProgress: true,
		domain.JobStatusFailed:     true,
	},
	domain.JobStatusInProgress: {
		domain.JobStatusInProgress: true,
		domain.JobStatusCompleted:  true,
		domain.JobStatusFailed:     true,
	},
	domain.JobStatusFailed: {
		domain.JobStatusInProgress: true, // reopen for resume
		domain.JobStatusFailed:     true,
	},
	domain.JobStatusCompleted: {
		domain.JobStatusCompleted: true,
	},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to domain.JobStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Progress is the mutable state of one job. The orchestrator goroutine
// running the job is the only writer; readers take snapshots.
type Progress struct {
	mu sync.Mutex

	jobID             string
	totalBatches      int
	completedBatches  int
	scenes            []domain.Scene
	characters        domain.CharacterRegistry
	status            domain.JobStatus
	lastError         string
	errorCode         domain.ErrorCode
	retryable         bool
	lastBatchScenes   int
	lastBatchDuration float64
	updatedAt         time.Time

	now func() time.Time
}

// New starts tracking a job in the pending state with no completed batches.
func New(jobID string, totalBatches int) *Progress {
	p := &Progress{
		jobID:        jobID,
		totalBatches: totalBatches,
		characters:   domain.CharacterRegistry{},
		status:       domain.JobStatusPending,
		now:          time.Now,
	}
	p.updatedAt = p.now()
	return p
}

// Restore rebuilds progress from a cached snapshot. Orphaned snapshots are
// corrected first.
func Restore(job *domain.CachedJob) *Progress {
	job.FixOrphan()
	total, completed := 0, 0
	p := New(job.ID, total)
	if job.Resume != nil {
		total = job.Resume.TotalBatches
		completed = job.Resume.CompletedBatches
		p.lastBatchScenes = job.Resume.LastBatchScenes
		p.lastBatchDuration = job.Resume.LastBatchDuration
	}
	p.totalBatches = total
	p.completedBatches = clamp(completed, 0, total)
	p.scenes = append([]domain.Scene(nil), job.Scenes...)
	p.characters = job.Characters.Clone()
	if job.Status != "" {
		p.status = job.Status
	}
	if job.Error != nil {
		p.lastError = job.Error.Message
		p.errorCode = job.Error.Code
		p.retryable = job.Error.Retryable
	}
	if !job.UpdatedAt.IsZero() {
		p.updatedAt = job.UpdatedAt
	}
	return p
}

// WithClock replaces the time source. Used by tests.
func (p *Progress) WithClock(now func() time.Time) *Progress {
	p.mu.Lock()
	p.now = now
	p.updatedAt = now()
	p.mu.Unlock()
	return p
}

func (p *Progress) transition(to domain.JobStatus) error {
	if !CanTransition(p.status, to) {
		return fmt.Errorf("invalid job status transition: %q -> %q (job_id=%s)", p.status, to, p.jobID)
	}
	p.status = to
	p.updatedAt = p.now()
	return nil
}

// Start moves a pending job to in_progress before its first batch runs.
func (p *Progress) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == domain.JobStatusInProgress {
		return nil
	}
	return p.transition(domain.JobStatusInProgress)
}

// UpdateAfterBatch appends the batch's scenes (renumbered to continue the
// sequence), merges its characters and advances the completed count. The
// count never exceeds the total, so a duplicate completion is harmless.
func (p *Progress) UpdateAfterBatch(scenes []domain.Scene, chars domain.CharacterRegistry, batchDuration float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status.Terminal() {
		return fmt.Errorf("update %s: job is %s", p.jobID, p.status)
	}
	if err := p.transition(domain.JobStatusInProgress); err != nil {
		return err
	}
	base := len(p.scenes)
	for i, s := range scenes {
		s.Number = base + i + 1
		p.scenes = append(p.scenes, s)
	}
	p.characters = p.characters.Merge(chars)
	p.completedBatches = clamp(p.completedBatches+1, 0, p.totalBatches)
	p.lastBatchScenes = len(scenes)
	p.lastBatchDuration = batchDuration
	return nil
}

// MarkFailed freezes the job as failed. Scenes already generated are kept.
func (p *Progress) MarkFailed(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if terr := p.transition(domain.JobStatusFailed); terr != nil {
		return terr
	}
	je := domain.Classify(err)
	if je == nil {
		je = domain.NewJobError(domain.CodeUnknown, "job failed", nil)
	}
	p.lastError = je.Error()
	if je.Message != "" {
		p.lastError = je.Message
	}
	p.errorCode = je.Code
	p.retryable = je.Retryable()
	return nil
}

// MarkCompleted finishes the job.
func (p *Progress) MarkCompleted() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.transition(domain.JobStatusCompleted); err != nil {
		return err
	}
	p.completedBatches = p.totalBatches
	p.lastError, p.errorCode, p.retryable = "", "", false
	return nil
}

// Reopen returns a failed job with a retryable error and partial progress
// to in_progress so it can be resumed.
func (p *Progress) Reopen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != domain.JobStatusFailed {
		return fmt.Errorf("reopen %s: status %q: %w", p.jobID, p.status, domain.ErrNotResumable)
	}
	if !p.retryable || p.completedBatches == 0 || p.completedBatches >= p.totalBatches {
		return fmt.Errorf("reopen %s: %w", p.jobID, domain.ErrNotResumable)
	}
	if err := p.transition(domain.JobStatusInProgress); err != nil {
		return err
	}
	p.lastError, p.errorCode, p.retryable = "", "", false
	return nil
}

// CanResume reports whether the job is in progress with some, but not all,
// batches completed.
func (p *Progress) CanResume() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canResume()
}

func (p *Progress) canResume() bool {
	return p.status == domain.JobStatusInProgress && p.completedBatches > 0 && p.completedBatches < p.totalBatches
}

// ResumeData is everything a resumed run needs to continue where the job
// stopped.
type ResumeData struct {
	Scenes            []domain.Scene
	Characters        domain.CharacterRegistry
	NextBatch         int
	LastBatchScenes   int
	LastBatchDuration float64
}

// ResumeData returns the resume bundle, or ErrNotResumable.
func (p *Progress) ResumeData() (ResumeData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.canResume() {
		return ResumeData{}, fmt.Errorf("resume %s: status %q, %d/%d batches: %w",
			p.jobID, p.status, p.completedBatches, p.totalBatches, domain.ErrNotResumable)
	}
	return ResumeData{
		Scenes:            append([]domain.Scene(nil), p.scenes...),
		Characters:        p.characters.Clone(),
		NextBatch:         p.completedBatches,
		LastBatchScenes:   p.lastBatchScenes,
		LastBatchDuration: p.lastBatchDuration,
	}, nil
}

// IsOrphaned reports an in-progress job that already holds every batch.
func (p *Progress) IsOrphaned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isOrphaned()
}

func (p *Progress) isOrphaned() bool {
	return p.status == domain.JobStatusInProgress && len(p.scenes) > 0 &&
		p.totalBatches > 0 && p.completedBatches >= p.totalBatches
}

// FixOrphan corrects an orphaned job to completed and reports whether it did.
func (p *Progress) FixOrphan() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isOrphaned() {
		return false
	}
	p.status = domain.JobStatusCompleted
	p.updatedAt = p.now()
	return true
}

// Snapshot is a point-in-time copy of the progress.
type Snapshot struct {
	JobID             string
	TotalBatches      int
	CompletedBatches  int
	Scenes            []domain.Scene
	Characters        domain.CharacterRegistry
	Status            domain.JobStatus
	LastError         string
	ErrorCode         domain.ErrorCode
	Retryable         bool
	LastBatchScenes   int
	LastBatchDuration float64
	UpdatedAt         time.Time
}

// Snapshot copies the current state.
func (p *Progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		JobID:             p.jobID,
		TotalBatches:      p.totalBatches,
		CompletedBatches:  p.completedBatches,
		Scenes:            append([]domain.Scene(nil), p.scenes...),
		Characters:        p.characters.Clone(),
		Status:            p.status,
		LastError:         p.lastError,
		ErrorCode:         p.errorCode,
		Retryable:         p.retryable,
		LastBatchScenes:   p.lastBatchScenes,
		LastBatchDuration: p.lastBatchDuration,
		UpdatedAt:         p.updatedAt,
	}
}

// JobID returns the tracked job id.
func (p *Progress) JobID() string { return p.jobID }

// Status returns the current status.
func (p *Progress) Status() domain.JobStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Apply writes the progress fields into a cache snapshot.
func (s Snapshot) Apply(job *domain.CachedJob) {
	job.ID = s.JobID
	job.Status = s.Status
	job.Scenes = s.Scenes
	job.Characters = s.Characters
	job.Summary.ActualSceneCount = len(s.Scenes)
	job.UpdatedAt = s.UpdatedAt
	job.Resume = &domain.ResumeBlock{
		CompletedBatches:  s.CompletedBatches,
		TotalBatches:      s.TotalBatches,
		NextBatch:         s.CompletedBatches,
		LastBatchScenes:   s.LastBatchScenes,
		LastBatchDuration: s.LastBatchDuration,
	}
	if job.Resume.NextBatch > s.TotalBatches {
		job.Resume.NextBatch = s.TotalBatches
	}
	if s.Status == domain.JobStatusFailed {
		job.Error = &domain.ErrorBlock{
			Code:            s.ErrorCode,
			Message:         s.LastError,
			Retryable:       s.Retryable,
			FailedBatch:     s.CompletedBatches,
			TotalBatches:    s.TotalBatches,
			ScenesCompleted: len(s.Scenes),
		}
	} else {
		job.Error = nil
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

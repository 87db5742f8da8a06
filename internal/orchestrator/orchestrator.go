// Package orchestrator runs scene-generation jobs batch by batch and keeps
// their progress, event stream and cached snapshot in step.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"scenejobs/internal/batch"
	"scenejobs/internal/continuity"
	"scenejobs/internal/domain"
	"scenejobs/internal/infra"
	"scenejobs/internal/progress"
	"scenejobs/internal/providers/scenes"
	"scenejobs/internal/retry"
	"scenejobs/internal/stream"
)

const (
	persistTimeout         = 10 * time.Second
	DefaultBufferRetention = 30 * time.Minute
)

// SourceProbe reports the length of a source video in seconds.
type SourceProbe interface {
	Duration(ctx context.Context, sourceRef string) (float64, error)
}

// Archiver stores finished snapshots. storage.FileStore satisfies it.
type Archiver interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// Deps are the collaborators of an Orchestrator. Cache, Generator and
// Logger are required; the rest fall back to defaults.
type Deps struct {
	Cache      domain.JobCache
	Generator  scenes.Generator
	Probe      SourceProbe
	Progress   *progress.Store
	Hub        *stream.Hub
	Continuity *continuity.Builder
	Archive    Archiver
	Retry      retry.Policy
	Overlap    batch.OverlapPolicy
	Logger     infra.Logger

	BufferRetention time.Duration
	Now             func() time.Time
	NewID           func() string
}

// Run is a started or resumed job. Buffer carries its events; Done closes
// when the job goroutine exits.
type Run struct {
	JobID  string
	Buffer *stream.Buffer
	Done   <-chan struct{}
}

type runningJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator owns the job goroutines. Jobs are detached from the request
// that started them so a disconnecting client does not stop the work.
type Orchestrator struct {
	cache      domain.JobCache
	generator  scenes.Generator
	probe      SourceProbe
	store      *progress.Store
	hub        *stream.Hub
	continuity *continuity.Builder
	archive    Archiver
	retry      retry.Policy
	overlap    batch.OverlapPolicy
	logger     infra.Logger
	retention  time.Duration
	now        func() time.Time
	newID      func() string

	root   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]*runningJob
}

// New wires an Orchestrator.
func New(deps Deps) *Orchestrator {
	root, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		cache:      deps.Cache,
		generator:  deps.Generator,
		probe:      deps.Probe,
		store:      deps.Progress,
		hub:        deps.Hub,
		continuity: deps.Continuity,
		archive:    deps.Archive,
		retry:      deps.Retry,
		overlap:    deps.Overlap,
		logger:     deps.Logger,
		retention:  deps.BufferRetention,
		now:        deps.Now,
		newID:      deps.NewID,
		root:       root,
		stop:       stop,
		active:     make(map[string]*runningJob),
	}
	if o.store == nil {
		o.store = progress.NewStore(0, 0)
	}
	if o.hub == nil {
		o.hub = stream.NewHub(stream.DefaultCapacity)
	}
	if o.continuity == nil {
		o.continuity = continuity.NewBuilder(0)
	}
	if o.retry.MaxAttempts == 0 {
		o.retry = retry.DefaultPolicy()
	}
	if o.overlap == (batch.OverlapPolicy{}) {
		o.overlap = batch.DefaultOverlapPolicy()
	}
	if o.retention <= 0 {
		o.retention = DefaultBufferRetention
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = func() string { return uuid.NewString() }
	}
	return o
}

// Start validates cfg, plans its batches, persists the pending snapshot and
// launches the job.
func (o *Orchestrator) Start(ctx context.Context, cfg domain.JobConfig) (*Run, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = o.newID()
	}
	if o.isActive(cfg.ID) {
		return nil, fmt.Errorf("start %s: %w", cfg.ID, domain.ErrJobRunning)
	}
	// A new job never merges into an existing snapshot; earlier jobs are
	// continued with Resume.
	switch _, err := o.cache.Get(ctx, cfg.ID); {
	case err == nil:
		return nil, fmt.Errorf("start %s: %w", cfg.ID, domain.ErrJobExists)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("start %s: look up id: %w", cfg.ID, err)
	}
	cfg.CreatedAt = o.now()

	duration := cfg.DurationSeconds
	if duration <= 0 {
		if o.probe == nil {
			return nil, domain.NewJobError(domain.CodeInvalidInput, "duration_seconds is required", nil)
		}
		d, err := o.probe.Duration(ctx, cfg.SourceRef)
		if err != nil {
			return nil, err
		}
		duration = d
	}
	plan, err := batch.NewPlan(cfg, duration)
	if err != nil {
		return nil, err
	}

	p := progress.New(cfg.ID, plan.TotalBatches()).WithClock(o.now)
	if err := p.Start(); err != nil {
		return nil, err
	}
	job := &domain.CachedJob{
		ID:        cfg.ID,
		SourceRef: cfg.SourceRef,
		Config:    &cfg,
		Summary: domain.Summary{
			Mode:             cfg.Mode,
			TargetSceneCount: cfg.TargetSceneCount,
			Voice:            cfg.Audio.Voice,
			ProcessingTime:   batchText(0, plan.TotalBatches()),
			CreatedAt:        cfg.CreatedAt,
		},
	}
	p.Snapshot().Apply(job)
	job.Resume.SourceDurationSecs = duration
	if err := o.cache.Set(ctx, job); err != nil {
		return nil, fmt.Errorf("persist new job: %w", err)
	}

	o.logger.Info().
		Str("job_id", cfg.ID).
		Str("mode", string(cfg.Mode)).
		Float64("duration_seconds", duration).
		Int("batches", plan.TotalBatches()).
		Int("estimated_scenes", plan.EstimatedScenes()).
		Msg("orchestrator: job started")

	return o.launch(&jobState{cfg: cfg, plan: plan, progress: p, startedAt: cfg.CreatedAt})
}

// Resume continues a failed or interrupted job from its first incomplete
// batch, reusing the scenes and characters already generated.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) (*Run, error) {
	if o.isActive(jobID) {
		return nil, fmt.Errorf("resume %s: %w", jobID, domain.ErrJobRunning)
	}
	cached, err := o.cache.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if cached.Config == nil || cached.Resume == nil {
		return nil, fmt.Errorf("resume %s: snapshot has no config: %w", jobID, domain.ErrNotResumable)
	}
	cfg := *cached.Config

	p, ok := o.store.Get(jobID)
	if !ok {
		p = progress.Restore(cached).WithClock(o.now)
	}
	if p.Status() == domain.JobStatusFailed {
		if err := p.Reopen(); err != nil {
			return nil, err
		}
	}
	rd, err := p.ResumeData()
	if err != nil {
		return nil, err
	}

	duration := cached.Resume.SourceDurationSecs
	if duration <= 0 {
		duration = cfg.DurationSeconds
	}
	if duration <= 0 && o.probe != nil {
		if duration, err = o.probe.Duration(ctx, cfg.SourceRef); err != nil {
			return nil, err
		}
	}
	plan, err := batch.NewPlan(cfg, duration)
	if err != nil {
		return nil, err
	}
	if plan.TotalBatches() != cached.Resume.TotalBatches {
		return nil, fmt.Errorf("resume %s: plan has %d batches, snapshot %d: %w",
			jobID, plan.TotalBatches(), cached.Resume.TotalBatches, domain.ErrNotResumable)
	}

	startedAt := cached.Summary.CreatedAt
	if startedAt.IsZero() {
		startedAt = cfg.CreatedAt
	}
	st := &jobState{
		cfg:        cfg,
		plan:       plan,
		progress:   p,
		next:       rd.NextBatch,
		prevScenes: rd.LastBatchScenes,
		prevDur:    rd.LastBatchDuration,
		startedAt:  startedAt,
	}
	o.persist(ctx, st, func(job *domain.CachedJob) {
		job.Summary.ProcessingTime = batchText(rd.NextBatch, plan.TotalBatches())
	})

	o.logger.Info().
		Str("job_id", jobID).
		Int("next_batch", rd.NextBatch+1).
		Int("batches", plan.TotalBatches()).
		Int("scenes", len(rd.Scenes)).
		Msg("orchestrator: job resumed")

	return o.launch(st)
}

func (o *Orchestrator) launch(st *jobState) (*Run, error) {
	id := st.cfg.ID
	o.mu.Lock()
	if _, ok := o.active[id]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("launch %s: %w", id, domain.ErrJobRunning)
	}
	ctx, cancel := context.WithCancel(o.root)
	rj := &runningJob{cancel: cancel, done: make(chan struct{})}
	o.active[id] = rj
	o.wg.Add(1)
	o.mu.Unlock()

	for _, evicted := range o.store.Put(st.progress) {
		if !o.isActive(evicted) {
			o.continuity.Invalidate(evicted)
		}
		o.logger.Debug().Str("job_id", evicted).Msg("orchestrator: progress evicted from memory")
	}
	st.buffer = o.hub.Open(id)

	go func() {
		defer o.wg.Done()
		defer close(rj.done)
		defer o.release(id)
		defer cancel()
		o.execute(ctx, st)
	}()
	return &Run{JobID: id, Buffer: st.buffer, Done: rj.done}, nil
}

func (o *Orchestrator) isActive(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[id]
	return ok
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

// Cancel stops a running job. The job is marked failed with a retryable
// error so it can be resumed later.
func (o *Orchestrator) Cancel(jobID string) error {
	o.mu.Lock()
	rj, ok := o.active[jobID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel %s: %w", jobID, domain.ErrNotFound)
	}
	rj.cancel()
	<-rj.done
	return nil
}

// Get returns the cached snapshot of a job.
func (o *Orchestrator) Get(ctx context.Context, jobID string) (*domain.CachedJob, error) {
	return o.cache.Get(ctx, jobID)
}

// List returns the summaries of cached jobs matching filter, newest first.
func (o *Orchestrator) List(ctx context.Context, filter domain.ListFilter) ([]domain.JobSummary, error) {
	jobs, err := o.cache.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]domain.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Summarize())
	}
	return out, nil
}

// Delete removes a job everywhere. Running jobs must be cancelled first.
func (o *Orchestrator) Delete(ctx context.Context, jobID string) error {
	if o.isActive(jobID) {
		return fmt.Errorf("delete %s: %w", jobID, domain.ErrJobRunning)
	}
	err := o.cache.Delete(ctx, jobID)
	o.store.Delete(jobID)
	o.hub.Remove(jobID)
	o.continuity.Invalidate(jobID)
	return err
}

// Events returns the event buffer of a job that is running or finished
// recently enough to still be retained.
func (o *Orchestrator) Events(jobID string) (*stream.Buffer, error) {
	buf, ok := o.hub.Get(jobID)
	if !ok {
		return nil, fmt.Errorf("events %s: %w", jobID, domain.ErrNotFound)
	}
	return buf, nil
}

// Stats is a point-in-time view of the orchestrator's in-memory state.
type Stats struct {
	RunningJobs    int `json:"running_jobs"`
	TrackedJobs    int `json:"tracked_jobs"`
	Buffers        int `json:"buffers"`
	BufferedEvents int `json:"buffered_events"`
	ContextMemos   int `json:"context_memos"`
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	running := len(o.active)
	o.mu.Unlock()
	buffers, events := o.hub.Stats()
	return Stats{
		RunningJobs:    running,
		TrackedJobs:    o.store.Len(),
		Buffers:        buffers,
		BufferedEvents: events,
		ContextMemos:   o.continuity.Len(),
	}
}

// Maintain periodically drops idle progress entries and stale event buffers
// until ctx is done.
func (o *Orchestrator) Maintain(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.sweep()
		}
	}
}

func (o *Orchestrator) sweep() {
	for _, id := range o.store.Sweep() {
		if !o.isActive(id) {
			o.continuity.Invalidate(id)
		}
	}
	if n := o.hub.Sweep(o.retention); n > 0 {
		o.logger.Debug().Int("buffers", n).Msg("orchestrator: stale event buffers removed")
	}
}

// RemoteWriteDropped tells a job's listeners that its remote snapshot could
// not be saved. It is meant for jobcache.RetryQueue.OnDrop.
func (o *Orchestrator) RemoteWriteDropped(job *domain.CachedJob, err error) {
	buf, ok := o.hub.Get(job.ID)
	if !ok {
		return
	}
	entry := domain.LogEntry{
		ID:        "remote-sync",
		Status:    domain.LogStatusFailed,
		Message:   "remote cache write abandoned; the local copy is still current",
		Error:     err.Error(),
		StartedAt: o.now(),
	}
	if _, perr := buf.Publish(stream.EventLogUpdate, 0, entry); perr != nil && !errors.Is(perr, stream.ErrBufferClosed) {
		o.logger.Warn().Err(perr).Str("job_id", job.ID).Msg("orchestrator: publish remote drop")
	}
}

// Shutdown cancels every running job and waits for them to persist their
// final state, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func batchText(done, total int) string {
	return fmt.Sprintf("Batch %d/%d", done, total)
}

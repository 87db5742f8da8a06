package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"scenejobs/internal/batch"
	"scenejobs/internal/domain"
	"scenejobs/internal/jobcache"
	"scenejobs/internal/progress"
	"scenejobs/internal/providers/scenes"
	"scenejobs/internal/retry"
	"scenejobs/internal/stream"
)

type jobState struct {
	cfg        domain.JobConfig
	plan       batch.Plan
	progress   *progress.Progress
	buffer     *stream.Buffer
	next       int
	prevScenes int
	prevDur    float64
	startedAt  time.Time
}

// CompleteData is the payload of the terminal complete event.
type CompleteData struct {
	JobID          string `json:"jobId"`
	Scenes         int    `json:"scenes"`
	Characters     int    `json:"characters"`
	TotalBatches   int    `json:"totalBatches"`
	ProcessingTime string `json:"processingTime"`
}

// execute runs the remaining batches of one job strictly in order.
func (o *Orchestrator) execute(ctx context.Context, st *jobState) {
	id := st.cfg.ID
	total := st.plan.TotalBatches()
	log := o.logger.With().Str("job_id", id).Logger()

	for i := st.next; i < total; i++ {
		if err := ctx.Err(); err != nil {
			o.fail(ctx, st, i, cancellation(err), nil)
			return
		}

		r := st.plan.Ranges[i]
		if i > 0 {
			r = r.WithOverlap(o.overlap.CalculateDynamicOverlap(st.prevScenes, st.prevDur))
		}
		snap := st.progress.Snapshot()
		req := scenes.BatchRequest{
			JobID:        id,
			Config:       st.cfg,
			Range:        r,
			TotalBatches: total,
			FirstNumber:  len(snap.Scenes) + 1,
			Continuity:   o.continuity.Build(id, snap.Scenes, snap.Characters),
		}

		entry := domain.LogEntry{
			ID:        fmt.Sprintf("batch-%d", i+1),
			Batch:     i + 1,
			Status:    domain.LogStatusPending,
			Request:   fmt.Sprintf("%s (analysing from %.0fs, ~%d scenes)", r.Label, r.AnalysisStart(), r.EstimatedScenes),
			StartedAt: o.now(),
		}
		o.publish(st, stream.EventLogUpdate, i+1, entry)
		o.persist(ctx, st, func(job *domain.CachedJob) { job.Logs = []domain.LogEntry{entry} })

		policy := o.retry
		policy.OnRetry = func(attempt int, err error, delay time.Duration) {
			log.Warn().Err(err).Int("batch", i+1).Int("attempt", attempt).Dur("delay", delay).Msg("orchestrator: retrying batch")
			o.publish(st, stream.EventProgress, i+1, stream.ProgressData{
				Batch:   i,
				Total:   total,
				Scenes:  len(snap.Scenes),
				Message: fmt.Sprintf("Batch %d/%d failed (%s), retrying in %s", i+1, total, domain.Classify(err).Code, delay.Round(time.Second)),
			})
			// Refresh updated_at so the resume worker does not take a job
			// that is still retrying for a stale one.
			o.persist(ctx, st, nil)
		}
		res, err := retry.DoValue(ctx, policy, func(ctx context.Context) (scenes.BatchResult, error) {
			return o.generator.Generate(ctx, req)
		})
		entry.DurationMs = o.now().Sub(entry.StartedAt).Milliseconds()
		if err != nil {
			if ctx.Err() != nil {
				err = cancellation(ctx.Err())
			}
			entry.Status = domain.LogStatusFailed
			entry.Error = err.Error()
			o.fail(ctx, st, i, err, &entry)
			return
		}

		if err := st.progress.UpdateAfterBatch(res.Scenes, res.Characters, r.Duration()); err != nil {
			entry.Status = domain.LogStatusFailed
			entry.Error = err.Error()
			o.fail(ctx, st, i, err, &entry)
			return
		}
		st.prevScenes, st.prevDur = len(res.Scenes), r.Duration()

		after := st.progress.Snapshot()
		entry.Status = domain.LogStatusCompleted
		entry.Response = fmt.Sprintf("%d scenes, %d characters", len(res.Scenes), len(res.Characters))
		o.publish(st, stream.EventLogUpdate, i+1, entry)
		o.publish(st, stream.EventProgress, i+1, stream.ProgressData{
			Batch:   i + 1,
			Total:   total,
			Scenes:  len(after.Scenes),
			Message: fmt.Sprintf("Batch %d/%d complete", i+1, total),
		})
		o.persist(ctx, st, func(job *domain.CachedJob) {
			job.Logs = []domain.LogEntry{entry}
			job.Summary.ProcessingTime = batchText(i+1, total)
		})
		log.Debug().Int("batch", i+1).Int("scenes", len(res.Scenes)).Float64("overlap", r.Overlap).Msg("orchestrator: batch done")
	}

	o.complete(ctx, st)
}

func (o *Orchestrator) complete(ctx context.Context, st *jobState) {
	id := st.cfg.ID
	if err := st.progress.MarkCompleted(); err != nil {
		o.fail(ctx, st, st.plan.TotalBatches(), err, nil)
		return
	}
	elapsed := jobcache.FormatElapsed(o.now().Sub(st.startedAt))
	var final *domain.CachedJob
	o.persist(ctx, st, func(job *domain.CachedJob) {
		job.Summary.ProcessingTime = elapsed
		final = job
	})
	snap := st.progress.Snapshot()
	o.publish(st, stream.EventComplete, snap.TotalBatches, CompleteData{
		JobID:          id,
		Scenes:         len(snap.Scenes),
		Characters:     len(snap.Characters),
		TotalBatches:   snap.TotalBatches,
		ProcessingTime: elapsed,
	})
	o.continuity.Invalidate(id)
	o.archiveSnapshot(ctx, final)

	o.logger.Info().
		Str("job_id", id).
		Int("scenes", len(snap.Scenes)).
		Str("processing_time", elapsed).
		Msg("orchestrator: job completed")
}

// fail records err against the batch at index and ends the stream with an
// error event. Scenes from earlier batches stay in the snapshot.
func (o *Orchestrator) fail(ctx context.Context, st *jobState, index int, err error, entry *domain.LogEntry) {
	id := st.cfg.ID
	if merr := st.progress.MarkFailed(err); merr != nil {
		o.logger.Error().Err(merr).Str("job_id", id).Msg("orchestrator: mark failed")
	}
	o.continuity.Invalidate(id)
	snap := st.progress.Snapshot()
	o.persist(ctx, st, func(job *domain.CachedJob) {
		if entry != nil {
			job.Logs = []domain.LogEntry{*entry}
		}
	})
	if entry != nil {
		o.publish(st, stream.EventLogUpdate, index+1, *entry)
	}
	o.publish(st, stream.EventError, index+1, stream.ErrorData{
		Type:            string(snap.ErrorCode),
		Message:         snap.LastError,
		Retryable:       snap.Retryable,
		FailedBatch:     snap.CompletedBatches,
		TotalBatches:    snap.TotalBatches,
		ScenesCompleted: len(snap.Scenes),
	})
	o.logger.Warn().
		Err(err).
		Str("job_id", id).
		Str("code", string(snap.ErrorCode)).
		Bool("retryable", snap.Retryable).
		Int("completed_batches", snap.CompletedBatches).
		Int("total_batches", snap.TotalBatches).
		Msg("orchestrator: job failed")
}

// persist writes the current progress to the cache. It uses a context that
// survives job cancellation so the final state is always recorded.
func (o *Orchestrator) persist(ctx context.Context, st *jobState, mutate func(*domain.CachedJob)) {
	job := &domain.CachedJob{ID: st.cfg.ID}
	st.progress.Snapshot().Apply(job)
	job.Resume.SourceDurationSecs = st.plan.TotalSeconds
	if mutate != nil {
		mutate(job)
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.cache.Set(wctx, job); err != nil {
		o.logger.Error().Err(err).Str("job_id", st.cfg.ID).Str("status", string(job.Status)).Msg("orchestrator: persist snapshot")
	}
}

func (o *Orchestrator) publish(st *jobState, typ stream.EventType, batchNo int, payload any) {
	if st.buffer == nil {
		return
	}
	if _, err := st.buffer.Publish(typ, batchNo, payload); err != nil && !errors.Is(err, stream.ErrBufferClosed) {
		o.logger.Warn().Err(err).Str("job_id", st.cfg.ID).Str("event", string(typ)).Msg("orchestrator: publish event")
	}
}

func (o *Orchestrator) archiveSnapshot(ctx context.Context, job *domain.CachedJob) {
	if o.archive == nil || job == nil {
		return
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("orchestrator: encode archive")
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	key, err := o.archive.Write(wctx, ArchiveKey(job.ID), data)
	if err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("orchestrator: archive snapshot")
		return
	}
	o.logger.Debug().Str("job_id", job.ID).Str("key", key).Msg("orchestrator: snapshot archived")
}

// ArchiveKey is where a completed snapshot is archived.
func ArchiveKey(jobID string) string {
	return "jobs/" + jobID + "/snapshot.json"
}

func cancellation(err error) error {
	return domain.NewJobError(domain.CodeUnknown, "job cancelled", err).WithRetryable(true)
}

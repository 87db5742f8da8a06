package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"scenejobs/internal/bootstrap"
	"scenejobs/internal/domain"
	"scenejobs/internal/infra"
	"scenejobs/internal/jobcache"
	"scenejobs/internal/orchestrator"
)

const releaseTimeout = 5 * time.Second

// staleClaimer is the part of the Postgres tier the worker needs.
type staleClaimer interface {
	ClaimStale(ctx context.Context, idleSince time.Time) (string, error)
	Release(ctx context.Context, jobID string) error
}

type resumeWorker struct {
	claims     staleClaimer
	cache      domain.JobCache
	jobs       *orchestrator.Orchestrator
	logger     infra.Logger
	staleAfter time.Duration
	poll       time.Duration
	now        func() time.Time
}

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv).With().Str("component", "worker").Logger()
	if cfg.RemoteCacheDriver != infra.RemoteCachePostgres {
		logger.Fatal().Str("driver", cfg.RemoteCacheDriver).Msg("worker: the resume worker needs the postgres cache driver")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to initialise services")
	}
	defer svc.Close()

	worker := &resumeWorker{
		claims:     svc.Postgres,
		cache:      svc.Cache,
		jobs:       svc.Jobs,
		logger:     logger,
		staleAfter: cfg.WorkerStaleAfter,
		poll:       cfg.WorkerPollInterval,
		now:        time.Now,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return svc.Jobs.Maintain(gctx, time.Minute) })
	g.Go(func() error { return jobcache.NewSweeper(svc.Local, cfg.CacheSweepEvery, logger).Run(gctx) })
	if svc.Queue != nil {
		g.Go(func() error { return svc.Queue.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker: stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Jobs.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("worker: running job did not stop in time")
	}
	if svc.Queue != nil {
		svc.Queue.Flush(shutdownCtx)
	}
	logger.Info().Msg("worker: stopped")
}

// Run claims stale in-progress jobs one at a time and resumes them until
// ctx is done.
func (w *resumeWorker) Run(ctx context.Context) error {
	w.logger.Info().Dur("stale_after", w.staleAfter).Msg("worker: started")
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		jobID, err := w.claims.ClaimStale(ctx, w.now().Add(-w.staleAfter))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error().Err(err).Msg("worker: failed to claim job")
		}
		if jobID == "" {
			if !sleep(ctx, w.poll) {
				return nil
			}
			continue
		}
		w.handle(ctx, jobID)
	}
}

func (w *resumeWorker) handle(ctx context.Context, jobID string) {
	log := w.logger.With().Str("job_id", jobID).Logger()
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := w.claims.Release(rctx, jobID); err != nil {
			log.Warn().Err(err).Msg("worker: release claim")
		}
	}()

	job, err := w.cache.Get(ctx, jobID)
	if err != nil {
		log.Warn().Err(err).Msg("worker: claimed job vanished")
		return
	}
	if job.FixOrphan() {
		if err := w.cache.Set(ctx, job); err != nil {
			log.Error().Err(err).Msg("worker: save repaired orphan")
			return
		}
		log.Info().Msg("worker: orphaned job marked completed")
		return
	}

	run, err := w.jobs.Resume(ctx, jobID)
	switch {
	case errors.Is(err, domain.ErrNotResumable):
		w.abandon(ctx, job, err)
		return
	case err != nil:
		log.Error().Err(err).Msg("worker: resume failed")
		return
	}
	log.Info().Msg("worker: resumed stale job")
	select {
	case <-run.Done:
	case <-ctx.Done():
		// Shutdown cancels the job; it is persisted as failed and resumable.
		<-run.Done
	}
}

// abandon fails a stale job that cannot be resumed so it stops being
// claimed.
func (w *resumeWorker) abandon(ctx context.Context, job *domain.CachedJob, cause error) {
	job.Status = domain.JobStatusFailed
	block := &domain.ErrorBlock{
		Code:    domain.CodeUnknown,
		Message: "job stalled before it could be resumed",
	}
	if job.Resume != nil {
		block.FailedBatch = job.Resume.NextBatch + 1
		block.TotalBatches = job.Resume.TotalBatches
	}
	block.ScenesCompleted = len(job.Scenes)
	job.Error = block
	if err := w.cache.Set(ctx, job); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: mark stalled job failed")
		return
	}
	w.logger.Warn().Err(cause).Str("job_id", job.ID).Msg("worker: stalled job marked failed")
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

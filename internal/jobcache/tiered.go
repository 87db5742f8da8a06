package jobcache

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"scenejobs/internal/domain"
)

const defaultRemoteTimeout = 5 * time.Second

// Tiered combines the local tier with an optional remote tier. The local
// tier is authoritative for the running process; remote write failures are
// queued instead of failing the caller.
type Tiered struct {
	local         domain.JobCache
	remote        domain.JobCache
	queue         *RetryQueue
	remoteTimeout time.Duration
	logger        zerolog.Logger
}

// NewTiered builds the combined cache. remote and queue may be nil.
func NewTiered(local, remote domain.JobCache, queue *RetryQueue, logger zerolog.Logger) *Tiered {
	return &Tiered{
		local:         local,
		remote:        remote,
		queue:         queue,
		remoteTimeout: defaultRemoteTimeout,
		logger:        logger.With().Str("component", "job_cache").Logger(),
	}
}

// Queue returns the remote retry queue, if any.
func (t *Tiered) Queue() *RetryQueue { return t.queue }

func (t *Tiered) remoteCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.remoteTimeout)
}

// Get reads the local tier first, then the remote one, backfilling local
// on a remote hit.
func (t *Tiered) Get(ctx context.Context, jobID string) (*domain.CachedJob, error) {
	job, err := t.local.Get(ctx, jobID)
	if err == nil || !errors.Is(err, domain.ErrNotFound) || t.remote == nil {
		return job, err
	}
	rctx, cancel := t.remoteCtx(ctx)
	defer cancel()
	job, err = t.remote.Get(rctx, jobID)
	if err != nil {
		return nil, err
	}
	backfill := *job
	if err := t.local.Set(ctx, &backfill); err != nil {
		t.logger.Warn().Err(err).Str("job_id", jobID).Msg("backfill local tier")
	}
	return job, nil
}

// Set writes the local tier, then the remote tier. A failed remote write is
// queued for retry and not reported to the caller.
func (t *Tiered) Set(ctx context.Context, job *domain.CachedJob) error {
	if err := t.local.Set(ctx, job); err != nil {
		return err
	}
	if t.remote == nil {
		return nil
	}
	snapshot := *job
	rctx, cancel := t.remoteCtx(ctx)
	defer cancel()
	if err := t.remote.Set(rctx, &snapshot); err != nil {
		t.logger.Warn().Err(err).Str("job_id", job.ID).Msg("remote write failed")
		if t.queue != nil {
			t.queue.Enqueue(job, err)
		}
	}
	return nil
}

// Delete removes the job from both tiers and the retry queue. Not found
// is reported only when neither tier held the job.
func (t *Tiered) Delete(ctx context.Context, jobID string) error {
	if t.queue != nil {
		t.queue.Forget(jobID)
	}
	localErr := t.local.Delete(ctx, jobID)
	if t.remote == nil {
		return localErr
	}
	rctx, cancel := t.remoteCtx(ctx)
	defer cancel()
	remoteErr := t.remote.Delete(rctx, jobID)

	localMissing := errors.Is(localErr, domain.ErrNotFound)
	remoteMissing := errors.Is(remoteErr, domain.ErrNotFound)
	if localMissing && remoteMissing {
		return domain.ErrNotFound
	}
	var errs []error
	if localErr != nil && !localMissing {
		errs = append(errs, localErr)
	}
	if remoteErr != nil && !remoteMissing {
		errs = append(errs, remoteErr)
	}
	return errors.Join(errs...)
}

// List returns the union of both tiers, newest first; for a job present in
// both, the more recently updated snapshot wins. A failing remote tier
// degrades to the local listing.
func (t *Tiered) List(ctx context.Context, filter domain.ListFilter) ([]*domain.CachedJob, error) {
	local, err := t.local.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*domain.CachedJob, len(local))
	for _, j := range local {
		byID[j.ID] = j
	}
	if t.remote != nil {
		rctx, cancel := t.remoteCtx(ctx)
		remote, rerr := t.remote.List(rctx, filter)
		cancel()
		if rerr != nil {
			t.logger.Warn().Err(rerr).Msg("remote list failed")
		}
		for _, j := range remote {
			if cur, ok := byID[j.ID]; !ok || j.UpdatedAt.After(cur.UpdatedAt) {
				byID[j.ID] = j
			}
		}
	}
	out := make([]*domain.CachedJob, 0, len(byID))
	for _, j := range byID {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].UpdatedAt.Equal(out[k].UpdatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].UpdatedAt.After(out[k].UpdatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ClearExpired sweeps both tiers and returns the total removed.
func (t *Tiered) ClearExpired(ctx context.Context) (int, error) {
	n, err := t.local.ClearExpired(ctx)
	if err != nil {
		return n, err
	}
	if t.remote == nil {
		return n, nil
	}
	rctx, cancel := t.remoteCtx(ctx)
	defer cancel()
	m, err := t.remote.ClearExpired(rctx)
	return n + m, err
}

var _ domain.JobCache = (*Tiered)(nil)

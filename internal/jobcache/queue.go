package jobcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scenejobs/internal/domain"
	"scenejobs/internal/retry"
)

const DefaultQueueAttempts = 5

// DropFunc is told about a queued write given up after its last attempt.
type DropFunc func(job *domain.CachedJob, err error)

type queuedWrite struct {
	job      *domain.CachedJob
	version  uint64
	attempts int
	nextAt   time.Time
	lastErr  error
}

// RetryQueue holds remote writes that failed and retries them in the
// background with exponential backoff. Only the newest snapshot of a job is
// kept. An authentication failure clears the whole queue, since every
// entry would fail the same way.
type RetryQueue struct {
	mu          sync.Mutex
	remote      domain.JobCache
	pending     map[string]*queuedWrite
	version     uint64
	backoff     retry.Policy
	maxAttempts int
	onDrop      DropFunc
	logger      zerolog.Logger
	now         func() time.Time
	wake        chan struct{}
}

// NewRetryQueue builds a queue writing to remote. backoff supplies the
// delay schedule and maxAttempts bounds the retries of one write; <= 0
// selects the default.
func NewRetryQueue(remote domain.JobCache, backoff retry.Policy, maxAttempts int, logger zerolog.Logger) *RetryQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultQueueAttempts
	}
	return &RetryQueue{
		remote:      remote,
		pending:     make(map[string]*queuedWrite),
		backoff:     backoff,
		maxAttempts: maxAttempts,
		logger:      logger.With().Str("component", "remote_retry_queue").Logger(),
		now:         time.Now,
		wake:        make(chan struct{}, 1),
	}
}

// OnDrop registers the drop notification.
func (q *RetryQueue) OnDrop(fn DropFunc) {
	q.mu.Lock()
	q.onDrop = fn
	q.mu.Unlock()
}

// WithClock replaces the time source. Used by tests.
func (q *RetryQueue) WithClock(now func() time.Time) *RetryQueue {
	q.now = now
	return q
}

// Enqueue schedules job for a retry after a failed write. A newer snapshot
// of the same job replaces the queued one and keeps its attempt count.
func (q *RetryQueue) Enqueue(job *domain.CachedJob, cause error) {
	if job == nil || job.ID == "" {
		return
	}
	if errors.Is(cause, ErrRemoteAuth) {
		q.Clear("enqueue: remote authentication failed")
		return
	}
	copied := *job
	q.mu.Lock()
	q.version++
	w, ok := q.pending[job.ID]
	if !ok {
		w = &queuedWrite{attempts: 1}
		q.pending[job.ID] = w
	}
	w.job = &copied
	w.version = q.version
	w.lastErr = cause
	w.nextAt = q.now().Add(q.backoff.CalculateDelay(w.attempts))
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Forget drops any queued write for jobID.
func (q *RetryQueue) Forget(jobID string) {
	q.mu.Lock()
	delete(q.pending, jobID)
	q.mu.Unlock()
}

// Clear empties the queue.
func (q *RetryQueue) Clear(reason string) {
	q.mu.Lock()
	n := len(q.pending)
	q.pending = make(map[string]*queuedWrite)
	q.mu.Unlock()
	if n > 0 {
		q.logger.Warn().Int("dropped", n).Str("reason", reason).Msg("remote retry queue cleared")
	}
}

// Len is the number of queued writes.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush attempts every due write once and returns how many succeeded.
func (q *RetryQueue) Flush(ctx context.Context) int {
	now := q.now()
	q.mu.Lock()
	type due struct {
		id      string
		job     *domain.CachedJob
		version uint64
	}
	var batch []due
	for id, w := range q.pending {
		if !w.nextAt.After(now) {
			c := *w.job
			batch = append(batch, due{id: id, job: &c, version: w.version})
		}
	}
	q.mu.Unlock()

	succeeded := 0
	for _, d := range batch {
		if ctx.Err() != nil {
			break
		}
		err := q.remote.Set(ctx, d.job)
		if err == nil {
			succeeded++
			q.mu.Lock()
			if w, ok := q.pending[d.id]; ok && w.version == d.version {
				delete(q.pending, d.id)
			}
			q.mu.Unlock()
			q.logger.Info().Str("job_id", d.id).Msg("queued remote write succeeded")
			continue
		}
		if errors.Is(err, ErrRemoteAuth) {
			q.Clear(err.Error())
			return succeeded
		}
		q.failed(d.id, d.version, err)
	}
	return succeeded
}

func (q *RetryQueue) failed(id string, version uint64, err error) {
	q.mu.Lock()
	w, ok := q.pending[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	w.lastErr = err
	if w.version != version {
		// a newer snapshot arrived meanwhile; it keeps its own schedule
		q.mu.Unlock()
		return
	}
	w.attempts++
	if w.attempts > q.maxAttempts {
		delete(q.pending, id)
		job, onDrop := w.job, q.onDrop
		q.mu.Unlock()
		q.logger.Error().Err(err).Str("job_id", id).Int("attempts", w.attempts-1).Msg("dropping remote write")
		if onDrop != nil {
			onDrop(job, err)
		}
		return
	}
	w.nextAt = q.now().Add(q.backoff.CalculateDelay(w.attempts))
	attempts, next := w.attempts, w.nextAt
	q.mu.Unlock()
	q.logger.Warn().Err(err).Str("job_id", id).Int("attempt", attempts).Time("next_at", next).Msg("remote write retry failed")
}

// nextDue is the earliest scheduled attempt, or zero when empty.
func (q *RetryQueue) nextDue() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next time.Time
	for _, w := range q.pending {
		if next.IsZero() || w.nextAt.Before(next) {
			next = w.nextAt
		}
	}
	return next
}

// Run flushes due writes until ctx is done.
func (q *RetryQueue) Run(ctx context.Context) error {
	const idle = time.Minute
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		wait := idle
		if next := q.nextDue(); !next.IsZero() {
			wait = next.Sub(q.now())
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		case <-timer.C:
			q.Flush(ctx)
		}
	}
}

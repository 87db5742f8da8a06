package jobcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"scenejobs/internal/domain"
	"scenejobs/internal/retry"
)

// fakeTier is an in-memory domain.JobCache whose writes can be made to fail.
type fakeTier struct {
	mu      sync.Mutex
	jobs    map[string]*domain.CachedJob
	failSet error
	sets    int
}

func newFakeTier() *fakeTier { return &fakeTier{jobs: map[string]*domain.CachedJob{}} }

func (f *fakeTier) setError(err error) {
	f.mu.Lock()
	f.failSet = err
	f.mu.Unlock()
}

func (f *fakeTier) Get(ctx context.Context, id string) (*domain.CachedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *j
	return &c, nil
}

func (f *fakeTier) Set(ctx context.Context, job *domain.CachedJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	if f.failSet != nil {
		return f.failSet
	}
	merged := Merge(f.jobs[job.ID], job)
	f.jobs[job.ID] = merged
	*job = *merged
	return nil
}

func (f *fakeTier) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(f.jobs, id)
	return nil
}

func (f *fakeTier) List(ctx context.Context, filter domain.ListFilter) ([]*domain.CachedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.CachedJob
	for _, j := range f.jobs {
		if filter.Matches(j) {
			c := *j
			out = append(out, &c)
		}
	}
	return out, nil
}

func (f *fakeTier) ClearExpired(ctx context.Context) (int, error) { return 0, nil }

func newTestQueue(remote domain.JobCache, max int) (*RetryQueue, *testClock) {
	clock := &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	backoff := retry.Policy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}.
		WithRand(func() float64 { return 0.5 })
	q := NewRetryQueue(remote, backoff, max, zerolog.Nop()).WithClock(clock.Now)
	return q, clock
}

func TestRetryQueueSucceedsAfterBackoff(t *testing.T) {
	remote := newFakeTier()
	q, clock := newTestQueue(remote, 3)
	ctx := context.Background()

	q.Enqueue(&domain.CachedJob{ID: "job-1", Status: domain.JobStatusInProgress}, errors.New("connection refused"))
	if n := q.Flush(ctx); n != 0 || remote.sets != 0 {
		t.Fatalf("flushed before the delay elapsed: n=%d sets=%d", n, remote.sets)
	}
	clock.Advance(time.Second)
	if n := q.Flush(ctx); n != 1 {
		t.Fatalf("Flush = %d, want 1", n)
	}
	if q.Len() != 0 {
		t.Fatalf("queue len = %d", q.Len())
	}
	if _, err := remote.Get(ctx, "job-1"); err != nil {
		t.Fatalf("remote missing job: %v", err)
	}
}

func TestRetryQueueDropsAfterMaxAttempts(t *testing.T) {
	remote := newFakeTier()
	remote.setError(errors.New("503 unavailable"))
	q, clock := newTestQueue(remote, 2)

	var dropped []string
	q.OnDrop(func(job *domain.CachedJob, err error) { dropped = append(dropped, job.ID) })

	q.Enqueue(&domain.CachedJob{ID: "job-1"}, errors.New("503 unavailable"))
	for i := 0; i < 5; i++ {
		clock.Advance(time.Minute)
		q.Flush(context.Background())
	}
	if remote.sets != 2 {
		t.Fatalf("remote attempts = %d, want 2", remote.sets)
	}
	if len(dropped) != 1 || dropped[0] != "job-1" || q.Len() != 0 {
		t.Fatalf("dropped = %v, len = %d", dropped, q.Len())
	}
}

func TestRetryQueueAuthFailureClearsEverything(t *testing.T) {
	remote := newFakeTier()
	q, clock := newTestQueue(remote, 5)
	for i := 0; i < 3; i++ {
		q.Enqueue(&domain.CachedJob{ID: fmt.Sprintf("job-%d", i)}, errors.New("timeout"))
	}
	remote.setError(fmt.Errorf("postgres set: %w", ErrRemoteAuth))
	clock.Advance(time.Minute)
	q.Flush(context.Background())
	if q.Len() != 0 {
		t.Fatalf("queue len = %d after auth failure", q.Len())
	}

	q.Enqueue(&domain.CachedJob{ID: "job-9"}, fmt.Errorf("redis set: %w", ErrRemoteAuth))
	if q.Len() != 0 {
		t.Fatal("auth failure should not be queued")
	}
}

func TestRetryQueueKeepsLatestSnapshot(t *testing.T) {
	remote := newFakeTier()
	q, clock := newTestQueue(remote, 5)
	q.Enqueue(&domain.CachedJob{ID: "job-1", Status: domain.JobStatusInProgress}, errors.New("timeout"))
	q.Enqueue(&domain.CachedJob{ID: "job-1", Status: domain.JobStatusCompleted}, errors.New("timeout"))
	if q.Len() != 1 {
		t.Fatalf("len = %d", q.Len())
	}
	clock.Advance(time.Minute)
	q.Flush(context.Background())
	got, err := remote.Get(context.Background(), "job-1")
	if err != nil || got.Status != domain.JobStatusCompleted {
		t.Fatalf("remote = %+v, %v", got, err)
	}
}

func TestRetryQueueRunStopsOnCancel(t *testing.T) {
	q, _ := newTestQueue(newFakeTier(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

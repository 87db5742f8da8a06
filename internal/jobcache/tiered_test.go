package jobcache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"scenejobs/internal/domain"
)

func TestTieredQueuesFailedRemoteWrites(t *testing.T) {
	local, remote := newFakeTier(), newFakeTier()
	remote.setError(errors.New("connection reset by peer"))
	q, _ := newTestQueue(remote, 3)
	cache := NewTiered(local, remote, q, zerolog.Nop())

	if err := cache.Set(context.Background(), &domain.CachedJob{ID: "job-1"}); err != nil {
		t.Fatalf("Set should not surface remote failure: %v", err)
	}
	if _, err := local.Get(context.Background(), "job-1"); err != nil {
		t.Fatalf("local write missing: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("queue len = %d, want 1", q.Len())
	}
}

func TestTieredGetBackfillsLocal(t *testing.T) {
	local, remote := newFakeTier(), newFakeTier()
	_ = remote.Set(context.Background(), &domain.CachedJob{ID: "job-1", SourceRef: "remote"})
	cache := NewTiered(local, remote, nil, zerolog.Nop())

	got, err := cache.Get(context.Background(), "job-1")
	if err != nil || got.SourceRef != "remote" {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	if _, err := local.Get(context.Background(), "job-1"); err != nil {
		t.Fatalf("local not backfilled: %v", err)
	}
	if _, err := cache.Get(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestTieredListUnionNewestWins(t *testing.T) {
	local, remote := newFakeTier(), newFakeTier()
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	local.jobs["a"] = &domain.CachedJob{ID: "a", SourceRef: "local", UpdatedAt: t0}
	remote.jobs["a"] = &domain.CachedJob{ID: "a", SourceRef: "remote", UpdatedAt: t0.Add(time.Minute)}
	remote.jobs["b"] = &domain.CachedJob{ID: "b", UpdatedAt: t0.Add(-time.Minute)}
	cache := NewTiered(local, remote, nil, zerolog.Nop())

	got, err := cache.List(context.Background(), domain.ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[0].SourceRef != "remote" || got[1].ID != "b" {
		t.Fatalf("List = %+v", got)
	}
	limited, _ := cache.List(context.Background(), domain.ListFilter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limited = %d", len(limited))
	}
}

func TestTieredDelete(t *testing.T) {
	local, remote := newFakeTier(), newFakeTier()
	cache := NewTiered(local, remote, nil, zerolog.Nop())
	remote.jobs["a"] = &domain.CachedJob{ID: "a"}
	if err := cache.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := cache.Delete(context.Background(), "a"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

type filterRecorder struct {
	*fakeTier
	got domain.ListFilter
}

func (r *filterRecorder) List(ctx context.Context, filter domain.ListFilter) ([]*domain.CachedJob, error) {
	r.got = filter
	return r.fakeTier.List(ctx, filter)
}

func TestTieredListPassesFilterToRemote(t *testing.T) {
	remote := &filterRecorder{fakeTier: newFakeTier()}
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range 250 {
		id := fmt.Sprintf("job-%03d", i)
		remote.jobs[id] = &domain.CachedJob{ID: id, Status: domain.JobStatusFailed, UpdatedAt: t0.Add(time.Duration(i) * time.Second)}
	}
	remote.jobs["done"] = &domain.CachedJob{ID: "done", Status: domain.JobStatusCompleted, UpdatedAt: t0}
	cache := NewTiered(newFakeTier(), remote, nil, zerolog.Nop())

	failed, err := cache.List(context.Background(), domain.ListFilter{Status: domain.JobStatusFailed})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(failed) != 250 {
		t.Fatalf("List = %d jobs, want all 250 failed", len(failed))
	}
	if remote.got.Status != domain.JobStatusFailed || remote.got.Limit != 0 {
		t.Fatalf("remote filter = %+v", remote.got)
	}

	_, _ = cache.List(context.Background(), domain.ListFilter{Status: domain.JobStatusCompleted, Limit: 10})
	if remote.got.Limit != 10 {
		t.Fatalf("remote limit = %d, want 10", remote.got.Limit)
	}
}

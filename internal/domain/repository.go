package domain

import "context"

// JobCache persists job snapshots. Both cache tiers and their combination
// satisfy it.
type JobCache interface {
	Get(ctx context.Context, jobID string) (*CachedJob, error)
	Set(ctx context.Context, job *CachedJob) error
	Delete(ctx context.Context, jobID string) error
	List(ctx context.Context, filter ListFilter) ([]*CachedJob, error)
	ClearExpired(ctx context.Context) (int, error)
}

package jobcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"scenejobs/internal/domain"
	"scenejobs/internal/infra"
	"scenejobs/internal/sqlinline"
)

// PostgresTier is a remote cache tier backed by the job_cache table.
type PostgresTier struct {
	sql    infra.SQLExecutor
	ttl    TTLPolicy
	logger zerolog.Logger
	now    func() time.Time
}

// NewPostgresTier builds the tier on a marker-checked executor.
func NewPostgresTier(sql infra.SQLExecutor, ttl TTLPolicy, logger zerolog.Logger) *PostgresTier {
	return &PostgresTier{
		sql:    sql,
		ttl:    ttl.normalized(),
		logger: logger.With().Str("tier", "postgres").Logger(),
		now:    time.Now,
	}
}

// EnsureSchema creates the job_cache table when missing.
func (t *PostgresTier) EnsureSchema(ctx context.Context) error {
	if _, err := t.sql.Exec(ctx, sqlinline.QEnsureJobCache); err != nil {
		return wrapPgError("ensure schema", err)
	}
	return nil
}

func (t *PostgresTier) load(ctx context.Context, jobID string) (*domain.CachedJob, error) {
	var payload []byte
	if err := t.sql.QueryRow(ctx, sqlinline.QSelectCachedJob, jobID).Scan(&payload); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, wrapPgError("get "+jobID, err)
	}
	var job domain.CachedJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("postgres decode %s: %w", jobID, err)
	}
	return &job, nil
}

// Get returns the snapshot for jobID, deleting it when expired.
func (t *PostgresTier) Get(ctx context.Context, jobID string) (*domain.CachedJob, error) {
	job, err := t.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if expired(job, t.now()) {
		if err := t.Delete(ctx, jobID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			t.logger.Warn().Err(err).Str("job_id", jobID).Msg("delete expired snapshot")
		}
		return nil, domain.ErrNotFound
	}
	job.FixOrphan()
	return job, nil
}

// Set merges job over the stored snapshot and upserts the result.
func (t *PostgresTier) Set(ctx context.Context, job *domain.CachedJob) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("postgres set: %w", domain.ErrInvalidInput)
	}
	now := t.now()
	existing, err := t.load(ctx, job.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		existing = nil
	case err != nil:
		return err
	case expired(existing, now):
		existing = nil
	}
	merged := Merge(existing, job)
	stamp(merged, t.ttl, now)
	payload, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("postgres encode %s: %w", job.ID, err)
	}
	if _, err := t.sql.Exec(ctx, sqlinline.QUpsertCachedJob,
		merged.ID, string(listedStatus(merged)), string(merged.Summary.Mode), payload, merged.ExpiresAt, merged.UpdatedAt); err != nil {
		return wrapPgError("set "+job.ID, err)
	}
	*job = *merged
	return nil
}

// Delete removes jobID.
func (t *PostgresTier) Delete(ctx context.Context, jobID string) error {
	tag, err := t.sql.Exec(ctx, sqlinline.QDeleteCachedJob, jobID)
	if err != nil {
		return wrapPgError("delete "+jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List returns unexpired snapshots, newest first.
func (t *PostgresTier) List(ctx context.Context, filter domain.ListFilter) ([]*domain.CachedJob, error) {
	limit := max(filter.Limit, 0)
	rows, err := t.sql.Query(ctx, sqlinline.QListCachedJobs, t.now(), string(filter.Status), string(filter.Mode), limit)
	if err != nil {
		return nil, wrapPgError("list", err)
	}
	defer rows.Close()

	var out []*domain.CachedJob
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, wrapPgError("list scan", err)
		}
		var job domain.CachedJob
		if err := json.Unmarshal(payload, &job); err != nil {
			t.logger.Warn().Err(err).Msg("skip undecodable snapshot")
			continue
		}
		job.FixOrphan()
		if filter.Matches(&job) {
			out = append(out, &job)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError("list", err)
	}
	return out, nil
}

// ClearExpired deletes expired rows and returns how many.
func (t *PostgresTier) ClearExpired(ctx context.Context) (int, error) {
	tag, err := t.sql.Exec(ctx, sqlinline.QClearExpiredCachedJobs, t.now())
	if err != nil {
		return 0, wrapPgError("clear expired", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClaimStale claims one in-progress job idle since before the cutoff so a
// single worker resumes it. It returns "" when nothing is claimable.
func (t *PostgresTier) ClaimStale(ctx context.Context, idleSince time.Time) (string, error) {
	var id string
	if err := t.sql.QueryRow(ctx, sqlinline.QWorkerClaimStaleJob, idleSince).Scan(&id); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", wrapPgError("claim stale job", err)
	}
	return id, nil
}

// Release clears the claim on jobID.
func (t *PostgresTier) Release(ctx context.Context, jobID string) error {
	if _, err := t.sql.Exec(ctx, sqlinline.QWorkerReleaseJob, jobID); err != nil {
		return wrapPgError("release "+jobID, err)
	}
	return nil
}

// listedStatus is the status reads report once FixOrphan has run, so the
// status column filters the same way List does.
func listedStatus(job *domain.CachedJob) domain.JobStatus {
	if job.IsOrphaned() {
		return domain.JobStatusCompleted
	}
	return job.Status
}

// wrapPgError tags authentication failures with ErrRemoteAuth.
func wrapPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "28P01" || pgErr.Code == "28000") {
		return fmt.Errorf("postgres %s: %w: %v", op, ErrRemoteAuth, err)
	}
	return fmt.Errorf("postgres %s: %w", op, err)
}

var _ domain.JobCache = (*PostgresTier)(nil)

package jobcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"scenejobs/internal/domain"
)

// SQLiteTier is the local cache tier. Snapshots are stored as JSON next to
// the columns needed for expiry and listing.
type SQLiteTier struct {
	db     *sql.DB
	ttl    TTLPolicy
	grace  time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// NewSQLiteTier wraps a database opened with infra.OpenSQLite.
func NewSQLiteTier(db *sql.DB, ttl TTLPolicy, logger zerolog.Logger) *SQLiteTier {
	return &SQLiteTier{
		db:     db,
		ttl:    ttl.normalized(),
		grace:  DefaultPendingLogGrace,
		logger: logger.With().Str("tier", "sqlite").Logger(),
		now:    time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (t *SQLiteTier) WithClock(now func() time.Time) *SQLiteTier {
	t.now = now
	return t
}

func (t *SQLiteTier) load(ctx context.Context, jobID string) (*domain.CachedJob, error) {
	var payload string
	err := t.db.QueryRowContext(ctx, `SELECT payload FROM job_cache WHERE id = ?`, jobID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %s: %w", jobID, err)
	}
	var job domain.CachedJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("sqlite decode %s: %w", jobID, err)
	}
	return &job, nil
}

// Get returns the snapshot for jobID. Expired snapshots are deleted and
// reported as not found; repaired snapshots are written back.
func (t *SQLiteTier) Get(ctx context.Context, jobID string) (*domain.CachedJob, error) {
	job, err := t.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	now := t.now()
	if expired(job, now) {
		if err := t.Delete(ctx, jobID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			t.logger.Warn().Err(err).Str("job_id", jobID).Msg("delete expired snapshot")
		}
		return nil, domain.ErrNotFound
	}
	if Repair(job, now, t.grace) {
		if err := t.write(ctx, job); err != nil {
			t.logger.Warn().Err(err).Str("job_id", jobID).Msg("write repaired snapshot")
		} else {
			t.logger.Info().Str("job_id", jobID).Str("status", string(job.Status)).Msg("repaired cached job")
		}
	}
	return job, nil
}

// Set merges job over the stored snapshot and writes the result. job is
// updated in place to the stored value.
func (t *SQLiteTier) Set(ctx context.Context, job *domain.CachedJob) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("sqlite set: %w", domain.ErrInvalidInput)
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
	if err := t.write(ctx, merged); err != nil {
		return err
	}
	*job = *merged
	return nil
}

func (t *SQLiteTier) write(ctx context.Context, job *domain.CachedJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("sqlite encode %s: %w", job.ID, err)
	}
	_, err = t.db.ExecContext(ctx, `
INSERT INTO job_cache (id, status, mode, payload, expires_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    status = excluded.status,
    mode = excluded.mode,
    payload = excluded.payload,
    expires_at = excluded.expires_at,
    updated_at = excluded.updated_at`,
		job.ID, string(job.Status), string(job.Summary.Mode), string(payload),
		job.ExpiresAt.UnixMilli(), job.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite set %s: %w", job.ID, err)
	}
	return nil
}

// Delete removes jobID.
func (t *SQLiteTier) Delete(ctx context.Context, jobID string) error {
	res, err := t.db.ExecContext(ctx, `DELETE FROM job_cache WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("sqlite delete %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List returns unexpired snapshots, newest first.
func (t *SQLiteTier) List(ctx context.Context, filter domain.ListFilter) ([]*domain.CachedJob, error) {
	now := t.now()
	rows, err := t.db.QueryContext(ctx,
		`SELECT payload FROM job_cache WHERE expires_at >= ? ORDER BY updated_at DESC`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite list: %w", err)
	}
	defer rows.Close()

	var out []*domain.CachedJob
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlite list scan: %w", err)
		}
		var job domain.CachedJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			t.logger.Warn().Err(err).Msg("skip undecodable snapshot")
			continue
		}
		Repair(&job, now, t.grace)
		if !filter.Matches(&job) {
			continue
		}
		out = append(out, &job)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite list: %w", err)
	}
	return out, nil
}

// ClearExpired deletes every expired snapshot and returns how many.
func (t *SQLiteTier) ClearExpired(ctx context.Context) (int, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM job_cache WHERE expires_at < ?`, t.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite clear expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

var _ domain.JobCache = (*SQLiteTier)(nil)

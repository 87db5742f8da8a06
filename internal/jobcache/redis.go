package jobcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"scenejobs/internal/domain"
)

const (
	redisKeyPrefix = "scenejobs:job:"
	redisIndexKey  = "scenejobs:jobs"
)

// RedisTier is a remote cache tier using native key expiry plus a sorted
// set of job ids scored by update time.
type RedisTier struct {
	client redis.UniversalClient
	ttl    TTLPolicy
	logger zerolog.Logger
	now    func() time.Time
}

// NewRedisTier wraps an existing client.
func NewRedisTier(client redis.UniversalClient, ttl TTLPolicy, logger zerolog.Logger) *RedisTier {
	return &RedisTier{
		client: client,
		ttl:    ttl.normalized(),
		logger: logger.With().Str("tier", "redis").Logger(),
		now:    time.Now,
	}
}

// WithClock replaces the tier's time source.
func (t *RedisTier) WithClock(now func() time.Time) *RedisTier {
	t.now = now
	return t
}

func redisKey(jobID string) string { return redisKeyPrefix + jobID }

func (t *RedisTier) load(ctx context.Context, jobID string) (*domain.CachedJob, error) {
	raw, err := t.client.Get(ctx, redisKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, wrapRedisError("get "+jobID, err)
	}
	var job domain.CachedJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("redis decode %s: %w", jobID, err)
	}
	return &job, nil
}

// Get returns the snapshot for jobID.
func (t *RedisTier) Get(ctx context.Context, jobID string) (*domain.CachedJob, error) {
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

// Set merges job over the stored snapshot and writes it with a key TTL
// matching its expiry.
func (t *RedisTier) Set(ctx context.Context, job *domain.CachedJob) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("redis set: %w", domain.ErrInvalidInput)
	}
	now := t.now()
	existing, err := t.load(ctx, job.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		existing = nil
	case err != nil:
		return err
	}
	merged := Merge(existing, job)
	stamp(merged, t.ttl, now)
	payload, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("redis encode %s: %w", job.ID, err)
	}
	pipe := t.client.TxPipeline()
	pipe.Set(ctx, redisKey(merged.ID), payload, merged.ExpiresAt.Sub(now))
	pipe.ZAdd(ctx, redisIndexKey, redis.Z{Score: float64(merged.UpdatedAt.UnixMilli()), Member: merged.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedisError("set "+job.ID, err)
	}
	*job = *merged
	return nil
}

// Delete removes jobID and its index entry.
func (t *RedisTier) Delete(ctx context.Context, jobID string) error {
	pipe := t.client.TxPipeline()
	del := pipe.Del(ctx, redisKey(jobID))
	pipe.ZRem(ctx, redisIndexKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedisError("delete "+jobID, err)
	}
	if del.Val() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List walks the index newest first. Ids whose key already expired are
// pruned from the index on the way.
func (t *RedisTier) List(ctx context.Context, filter domain.ListFilter) ([]*domain.CachedJob, error) {
	ids, err := t.client.ZRevRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return nil, wrapRedisError("list", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisKey(id)
	}
	values, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapRedisError("list", err)
	}
	now := t.now()
	var (
		out   []*domain.CachedJob
		stale []any
	)
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var job domain.CachedJob
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			t.logger.Warn().Err(err).Str("job_id", ids[i]).Msg("skip undecodable snapshot")
			continue
		}
		if expired(&job, now) {
			continue
		}
		job.FixOrphan()
		if !filter.Matches(&job) {
			continue
		}
		if filter.Limit <= 0 || len(out) < filter.Limit {
			out = append(out, &job)
		}
	}
	if len(stale) > 0 {
		if err := t.client.ZRem(ctx, redisIndexKey, stale...).Err(); err != nil {
			t.logger.Warn().Err(err).Int("count", len(stale)).Msg("prune job index")
		}
	}
	return out, nil
}

// ClearExpired prunes index entries whose keys Redis has already expired.
func (t *RedisTier) ClearExpired(ctx context.Context) (int, error) {
	ids, err := t.client.ZRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return 0, wrapRedisError("clear expired", err)
	}
	pipe := t.client.Pipeline()
	checks := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		checks[i] = pipe.Exists(ctx, redisKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, wrapRedisError("clear expired", err)
		}
	}
	var gone []any
	for i, c := range checks {
		if c.Val() == 0 {
			gone = append(gone, ids[i])
		}
	}
	if len(gone) == 0 {
		return 0, nil
	}
	if err := t.client.ZRem(ctx, redisIndexKey, gone...).Err(); err != nil {
		return 0, wrapRedisError("clear expired", err)
	}
	return len(gone), nil
}

func wrapRedisError(op string, err error) error {
	msg := err.Error()
	if strings.HasPrefix(msg, "NOAUTH") || strings.HasPrefix(msg, "WRONGPASS") {
		return fmt.Errorf("redis %s: %w: %v", op, ErrRemoteAuth, err)
	}
	return fmt.Errorf("redis %s: %w", op, err)
}

var _ domain.JobCache = (*RedisTier)(nil)

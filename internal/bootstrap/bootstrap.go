// Package bootstrap wires the cache tiers, generative client and
// orchestrator shared by the api and worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"scenejobs/internal/batch"
	"scenejobs/internal/continuity"
	"scenejobs/internal/domain"
	"scenejobs/internal/infra"
	"scenejobs/internal/infra/credentials"
	"scenejobs/internal/infra/geoip"
	"scenejobs/internal/jobcache"
	"scenejobs/internal/orchestrator"
	"scenejobs/internal/progress"
	"scenejobs/internal/providers/genai"
	"scenejobs/internal/providers/scenes"
	"scenejobs/internal/retry"
	"scenejobs/internal/storage"
	"scenejobs/internal/stream"
)

// Services is the assembled runtime.
type Services struct {
	Cache    domain.JobCache
	Local    *jobcache.SQLiteTier
	Postgres *jobcache.PostgresTier
	Queue    *jobcache.RetryQueue
	Archive  *storage.FileStore
	Jobs     *orchestrator.Orchestrator
	// Countries is nil unless GEOIP_DB_PATH is set.
	Countries *geoip.Resolver

	closers []func()
}

// Close releases database handles in reverse order of creation.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// Build assembles Services from cfg. On error everything opened so far is
// closed.
func Build(ctx context.Context, cfg *infra.Config, logger infra.Logger) (_ *Services, err error) {
	svc := &Services{}
	defer func() {
		if err != nil {
			svc.Close()
		}
	}()

	ttl := jobcache.TTLPolicy{Failed: cfg.FailedJobTTL, Completed: cfg.CompletedJobTTL}

	db, err := infra.OpenSQLite(cfg.LocalCachePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open local cache: %w", err)
	}
	svc.closers = append(svc.closers, func() { db.Close() })
	svc.Local = jobcache.NewSQLiteTier(db, ttl, logger)
	svc.Cache = svc.Local

	var (
		remote domain.JobCache
		runner *infra.SQLRunner
	)
	switch cfg.RemoteCacheDriver {
	case infra.RemoteCachePostgres:
		pool, perr := infra.NewDBPool(ctx, cfg)
		if perr != nil {
			return nil, perr
		}
		svc.closers = append(svc.closers, pool.Close)
		runner = infra.NewSQLRunner(pool, logger)
		svc.Postgres = jobcache.NewPostgresTier(runner, ttl, logger)
		if err := svc.Postgres.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		remote = svc.Postgres
	case infra.RemoteCacheRedis:
		opts, rerr := redis.ParseURL(cfg.RedisURL)
		if rerr != nil {
			return nil, fmt.Errorf("parse redis url: %w", rerr)
		}
		client := redis.NewClient(opts)
		svc.closers = append(svc.closers, func() { client.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		remote = jobcache.NewRedisTier(client, ttl, logger)
	}
	if remote != nil {
		backoff := retry.Policy{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2}
		svc.Queue = jobcache.NewRetryQueue(remote, backoff, cfg.RemoteWriteMax, logger)
		svc.Cache = jobcache.NewTiered(svc.Local, remote, svc.Queue, logger)
	}

	apiKey := cfg.GeminiAPIKey
	if apiKey == "" && runner != nil {
		apiKey, err = resolveStoredKey(ctx, runner)
		if err != nil {
			logger.Warn().Err(err).Msg("bootstrap: stored gemini key unavailable")
			err = nil
		}
	}
	client, err := genai.NewClient(genai.Options{
		APIKey:        apiKey,
		BaseURL:       cfg.GeminiBaseURL,
		Model:         cfg.GeminiModel,
		Logger:        &logger,
		HeaderTimeout: cfg.GeminiHeaderTimeout,
	})
	if err != nil {
		return nil, err
	}
	var probe orchestrator.SourceProbe
	if client.Configured() {
		probe = scenes.NewGeminiProbe(client)
	}

	var archive orchestrator.Archiver
	if cfg.StoragePath != "" {
		svc.Archive, err = storage.NewFileStore(cfg.StoragePath)
		if err != nil {
			return nil, err
		}
		archive = svc.Archive
	}

	svc.Countries, err = geoip.Open(cfg.GeoIPDBPath)
	if err != nil {
		return nil, err
	}
	if svc.Countries != nil {
		svc.closers = append(svc.closers, func() { svc.Countries.Close() })
	}

	svc.Jobs = orchestrator.New(orchestrator.Deps{
		Cache:      svc.Cache,
		Generator:  scenes.New(client, logger),
		Probe:      probe,
		Progress:   progress.NewStore(cfg.ProgressMaxEntries, cfg.ProgressIdleTTL),
		Hub:        stream.NewHub(cfg.StreamBufferSize),
		Continuity: continuity.NewBuilder(0),
		Archive:    archive,
		Retry: retry.Policy{
			MaxAttempts:    cfg.RetryMaxAttempts,
			InitialDelay:   cfg.RetryInitialDelay,
			MaxDelay:       cfg.RetryMaxDelay,
			Multiplier:     2,
			AttemptTimeout: cfg.RetryAttemptTimeout,
		},
		Overlap: batch.OverlapPolicy{
			Min:        cfg.OverlapMinSeconds,
			Max:        cfg.OverlapMaxSeconds,
			Default:    batch.DefaultOverlapPolicy().Default,
			Multiplier: cfg.OverlapMultiplier,
		},
		Logger:          logger,
		BufferRetention: cfg.StreamRetention,
	})
	if svc.Queue != nil {
		svc.Queue.OnDrop(svc.Jobs.RemoteWriteDropped)
	}
	return svc, nil
}

func resolveStoredKey(ctx context.Context, runner *infra.SQLRunner) (string, error) {
	store := credentials.NewStore(runner)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.EnsureSchema(ctx); err != nil {
		return "", err
	}
	return store.ResolveGeminiAPIKey(ctx, "")
}

package jobcache

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"scenejobs/internal/domain"
)

const DefaultSweepInterval = 10 * time.Minute

// Sweeper periodically clears expired snapshots.
type Sweeper struct {
	cache    domain.JobCache
	interval time.Duration
	logger   zerolog.Logger
}

func NewSweeper(cache domain.JobCache, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{cache: cache, interval: interval, logger: logger.With().Str("component", "cache_sweeper").Logger()}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.cache.ClearExpired(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Int("removed", n).Msg("clear expired snapshots")
		return
	}
	if n > 0 {
		s.logger.Info().Int("removed", n).Msg("cleared expired snapshots")
	}
}

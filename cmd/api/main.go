package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"scenejobs/internal/bootstrap"
	"scenejobs/internal/http/handlers"
	httpapi "scenejobs/internal/http/httpapi"
	"scenejobs/internal/infra"
	"scenejobs/internal/jobcache"
	"scenejobs/internal/stream"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise services")
	}
	defer svc.Close()

	app := handlers.NewApp(svc.Jobs, logger)
	app.Archive = svc.Archive
	app.RemoteDriver = cfg.RemoteCacheDriver
	app.KeepAlive = cfg.StreamKeepAlive
	app.Timeouts = stream.TimeoutPolicy{
		Base:     cfg.StreamTimeoutBase,
		PerScene: cfg.StreamTimeoutScene,
		Max:      cfg.StreamTimeoutMax,
	}
	if svc.Queue != nil {
		app.Queue = svc.Queue
	}

	opts := httpapi.Options{
		AccessKey:          cfg.AccessKey,
		RateLimitPerMin:    cfg.RateLimitPerMin,
		AllowedOrigins:     cfg.AllowedOrigins,
		NarrationLanguages: cfg.NarrationLanguages,
		Logger:             logger,
	}
	if svc.Countries != nil {
		opts.Countries = svc.Countries
	}
	router := httpapi.NewRouter(app, opts)
	server := infra.NewHTTPServer(ctx, cfg, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("remote_cache", cfg.RemoteCacheDriver).Msgf("API listening on %s", server.Addr())
		return server.Start()
	})
	g.Go(func() error {
		return jobcache.NewSweeper(svc.Cache, cfg.CacheSweepEvery, logger).Run(gctx)
	})
	g.Go(func() error {
		return svc.Jobs.Maintain(gctx, time.Minute)
	})
	if svc.Queue != nil {
		g.Go(func() error { return svc.Queue.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown server")
		}
		if err := svc.Jobs.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("running jobs did not stop in time")
		}
		if svc.Queue != nil {
			if n := svc.Queue.Flush(shutdownCtx); n > 0 {
				logger.Info().Int("writes", n).Msg("flushed queued remote writes")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
	}
	logger.Info().Msg("server stopped")
}

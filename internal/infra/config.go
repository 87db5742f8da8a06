package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Remote cache drivers accepted in REMOTE_CACHE_DRIVER.
const (
	RemoteCacheNone     = "none"
	RemoteCachePostgres = "postgres"
	RemoteCacheRedis    = "redis"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv    string
	Port      string
	AccessKey string

	DatabaseURL       string
	RedisURL          string
	RemoteCacheDriver string
	LocalCachePath    string
	StoragePath       string
	GeoIPDBPath       string

	GeminiAPIKey        string
	GeminiModel         string
	GeminiBaseURL       string
	GeminiHeaderTimeout time.Duration

	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	RateLimitPerMin    int
	AllowedOrigins     []string
	NarrationLanguages []string

	RetryMaxAttempts    int
	RetryInitialDelay   time.Duration
	RetryMaxDelay       time.Duration
	RetryAttemptTimeout time.Duration

	FailedJobTTL    time.Duration
	CompletedJobTTL time.Duration
	CacheSweepEvery time.Duration
	RemoteWriteMax  int

	OverlapMinSeconds float64
	OverlapMaxSeconds float64
	OverlapMultiplier float64

	StreamBufferSize   int
	StreamKeepAlive    time.Duration
	StreamTimeoutBase  time.Duration
	StreamTimeoutScene time.Duration
	StreamTimeoutMax   time.Duration
	StreamRetention    time.Duration
	ProgressMaxEntries int
	ProgressIdleTTL    time.Duration
	WorkerStaleAfter   time.Duration
	WorkerPollInterval time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:    getEnv("APP_ENV", "development"),
		Port:      getEnv("PORT", "8080"),
		AccessKey: os.Getenv("ACCESS_KEY"),

		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		RemoteCacheDriver: strings.ToLower(os.Getenv("REMOTE_CACHE_DRIVER")),
		LocalCachePath:    getEnv("LOCAL_CACHE_PATH", "./data/jobs.db"),
		StoragePath:       os.Getenv("STORAGE_PATH"),
		GeoIPDBPath:       os.Getenv("GEOIP_DB_PATH"),

		GeminiAPIKey:        os.Getenv("GEMINI_API_KEY"),
		GeminiModel:         getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiBaseURL:       getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		GeminiHeaderTimeout: getEnvDuration("GEMINI_HEADER_TIMEOUT", 2*time.Minute),

		// event streams stay open for the whole job, so writes are unbounded by default
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		AllowedOrigins:     getEnvList("ALLOWED_ORIGINS", nil),
		NarrationLanguages: getEnvList("NARRATION_LANGUAGES", []string{"en", "id", "es", "fr", "de", "pt", "ja"}),

		RetryMaxAttempts:    getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialDelay:   getEnvDuration("RETRY_INITIAL_DELAY", 2*time.Second),
		RetryMaxDelay:       getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
		RetryAttemptTimeout: getEnvDuration("RETRY_ATTEMPT_TIMEOUT", 5*time.Minute),

		FailedJobTTL:    getEnvDuration("FAILED_JOB_TTL", 48*time.Hour),
		CompletedJobTTL: getEnvDuration("COMPLETED_JOB_TTL", 7*24*time.Hour),
		CacheSweepEvery: getEnvDuration("CACHE_SWEEP_INTERVAL", 10*time.Minute),
		RemoteWriteMax:  getEnvInt("REMOTE_WRITE_MAX_ATTEMPTS", 5),

		OverlapMinSeconds: getEnvFloat("OVERLAP_MIN_SECONDS", 2),
		OverlapMaxSeconds: getEnvFloat("OVERLAP_MAX_SECONDS", 10),
		OverlapMultiplier: getEnvFloat("OVERLAP_MULTIPLIER", 1.5),

		StreamBufferSize:   getEnvInt("STREAM_BUFFER_SIZE", 1000),
		StreamKeepAlive:    getEnvDuration("STREAM_KEEPALIVE", 15*time.Second),
		StreamTimeoutBase:  getEnvDuration("STREAM_TIMEOUT_BASE", 5*time.Minute),
		StreamTimeoutScene: getEnvDuration("STREAM_TIMEOUT_PER_SCENE", 10*time.Second),
		StreamTimeoutMax:   getEnvDuration("STREAM_TIMEOUT_MAX", 30*time.Minute),
		StreamRetention:    getEnvDuration("STREAM_RETENTION", 30*time.Minute),
		ProgressMaxEntries: getEnvInt("PROGRESS_MAX_ENTRIES", 500),
		ProgressIdleTTL:    getEnvDuration("PROGRESS_IDLE_TTL", 2*time.Hour),
		WorkerStaleAfter:   getEnvDuration("WORKER_STALE_AFTER", 15*time.Minute),
		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", 30*time.Second),
	}

	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("ACCESS_KEY is required")
	}

	if cfg.RemoteCacheDriver == "" {
		switch {
		case cfg.DatabaseURL != "":
			cfg.RemoteCacheDriver = RemoteCachePostgres
		case cfg.RedisURL != "":
			cfg.RemoteCacheDriver = RemoteCacheRedis
		default:
			cfg.RemoteCacheDriver = RemoteCacheNone
		}
	}
	switch cfg.RemoteCacheDriver {
	case RemoteCacheNone:
	case RemoteCachePostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres cache driver")
		}
	case RemoteCacheRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required for the redis cache driver")
		}
	default:
		return nil, fmt.Errorf("unsupported REMOTE_CACHE_DRIVER %q", cfg.RemoteCacheDriver)
	}

	// a retrying batch refreshes its snapshot between attempts, so the
	// longest quiet stretch is one attempt plus the largest jittered backoff
	if quiet := cfg.RetryAttemptTimeout + cfg.RetryMaxDelay*6/5; cfg.WorkerStaleAfter <= quiet {
		return nil, fmt.Errorf("WORKER_STALE_AFTER (%s) must exceed RETRY_ATTEMPT_TIMEOUT plus backoff (%s)", cfg.WorkerStaleAfter, quiet)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvDuration accepts Go duration syntax ("90s", "2h") or a bare number
// of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

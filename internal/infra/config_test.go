package infra

import (
	"testing"
	"time"
)

func TestLoadConfigRequiresAccessKey(t *testing.T) {
	t.Setenv("ACCESS_KEY", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig should fail without ACCESS_KEY")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ACCESS_KEY", "secret")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("REMOTE_CACHE_DRIVER", "")
	t.Setenv("PORT", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port = %q", cfg.Port)
	}
	if cfg.RemoteCacheDriver != RemoteCacheNone {
		t.Fatalf("RemoteCacheDriver = %q, want %q", cfg.RemoteCacheDriver, RemoteCacheNone)
	}
	if cfg.CompletedJobTTL != 7*24*time.Hour || cfg.FailedJobTTL != 48*time.Hour {
		t.Fatalf("TTLs = %v / %v", cfg.CompletedJobTTL, cfg.FailedJobTTL)
	}
	if cfg.HTTPWriteTimeout != 0 {
		t.Fatalf("HTTPWriteTimeout = %v, streams need no write deadline", cfg.HTTPWriteTimeout)
	}
}

func TestLoadConfigRemoteDriverSelection(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		want    string
		wantErr bool
	}{
		{name: "postgres inferred", env: map[string]string{"DATABASE_URL": "postgres://example"}, want: RemoteCachePostgres},
		{name: "redis inferred", env: map[string]string{"REDIS_URL": "redis://localhost:6379/0"}, want: RemoteCacheRedis},
		{name: "explicit redis wins", env: map[string]string{"DATABASE_URL": "postgres://example", "REDIS_URL": "redis://r", "REMOTE_CACHE_DRIVER": "Redis"}, want: RemoteCacheRedis},
		{name: "redis without url", env: map[string]string{"REMOTE_CACHE_DRIVER": "redis"}, wantErr: true},
		{name: "unknown driver", env: map[string]string{"REMOTE_CACHE_DRIVER": "mongo"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ACCESS_KEY", "secret")
			for _, key := range []string{"DATABASE_URL", "REDIS_URL", "REMOTE_CACHE_DRIVER"} {
				t.Setenv(key, tc.env[key])
			}
			cfg, err := LoadConfig()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got driver %q", cfg.RemoteCacheDriver)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadConfig returned error: %v", err)
			}
			if cfg.RemoteCacheDriver != tc.want {
				t.Fatalf("RemoteCacheDriver = %q, want %q", cfg.RemoteCacheDriver, tc.want)
			}
		})
	}
}

func TestLoadConfigWorkerStaleAfterOutlastsAttempt(t *testing.T) {
	cases := []struct {
		name       string
		staleAfter string
		wantErr    bool
	}{
		{name: "default", staleAfter: ""},
		{name: "shorter than an attempt", staleAfter: "4m", wantErr: true},
		{name: "attempt plus backoff", staleAfter: "5m36s", wantErr: true},
		{name: "comfortably longer", staleAfter: "10m"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ACCESS_KEY", "secret")
			t.Setenv("REMOTE_CACHE_DRIVER", "")
			t.Setenv("DATABASE_URL", "")
			t.Setenv("REDIS_URL", "")
			t.Setenv("RETRY_ATTEMPT_TIMEOUT", "5m")
			t.Setenv("RETRY_MAX_DELAY", "30s")
			t.Setenv("WORKER_STALE_AFTER", tc.staleAfter)
			_, err := LoadConfig()
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("LoadConfig returned error: %v", err)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	cases := []struct {
		value string
		want  time.Duration
	}{
		{"", time.Minute},
		{"90s", 90 * time.Second},
		{"2h", 2 * time.Hour},
		{"45", 45 * time.Second},
		{"soon", time.Minute},
	}
	for _, tc := range cases {
		t.Setenv("SOME_DURATION", tc.value)
		if got := getEnvDuration("SOME_DURATION", time.Minute); got != tc.want {
			t.Errorf("getEnvDuration(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("SOME_LIST", " https://a.example , ,https://b.example")
	got := getEnvList("SOME_LIST", nil)
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("getEnvList = %q", got)
	}
	t.Setenv("SOME_LIST", "")
	if got := getEnvList("SOME_LIST", []string{"en"}); len(got) != 1 || got[0] != "en" {
		t.Fatalf("fallback = %q", got)
	}
}

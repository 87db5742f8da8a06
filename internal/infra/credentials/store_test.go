package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type stubExecutor struct {
	token string
	err   error
	exec  struct {
		query string
		args  []any
	}
}

func (s *stubExecutor) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.exec.query = query
	s.exec.args = args
	return pgconn.CommandTag{}, s.err
}

func (s *stubExecutor) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return stubRow{token: s.token, err: s.err}
}

func (s *stubExecutor) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

type stubRow struct {
	token string
	err   error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) == 0 {
		return errors.New("no dest")
	}
	ptr, ok := dest[0].(*string)
	if !ok {
		return errors.New("invalid dest")
	}
	*ptr = r.token
	return nil
}

func TestGeminiAPIKey(t *testing.T) {
	store := NewStore(&stubExecutor{token: " abc123 "})
	key, err := store.GeminiAPIKey(context.Background())
	if err != nil {
		t.Fatalf("GeminiAPIKey error: %v", err)
	}
	if key != "abc123" {
		t.Fatalf("expected abc123, got %q", key)
	}
}

func TestGeminiAPIKey_NoRows(t *testing.T) {
	store := NewStore(&stubExecutor{err: pgx.ErrNoRows})
	key, err := store.GeminiAPIKey(context.Background())
	if err != nil {
		t.Fatalf("GeminiAPIKey error: %v", err)
	}
	if key != "" {
		t.Fatalf("expected empty key, got %q", key)
	}
}

func TestSetGeminiAPIKey(t *testing.T) {
	exec := &stubExecutor{}
	store := NewStore(exec)
	if err := store.SetGeminiAPIKey(context.Background(), "secret"); err != nil {
		t.Fatalf("SetGeminiAPIKey error: %v", err)
	}
	if len(exec.exec.args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(exec.exec.args))
	}
	if v, ok := exec.exec.args[1].(string); !ok || v != "secret" {
		t.Fatalf("expected secret argument, got %T %v", exec.exec.args[1], exec.exec.args[1])
	}
}

func TestSetGeminiAPIKeyEmpty(t *testing.T) {
	store := NewStore(&stubExecutor{})
	if err := store.SetGeminiAPIKey(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestResolveGeminiAPIKeyPrefersEnvironment(t *testing.T) {
	store := NewStore(&stubExecutor{token: "stored"})
	key, err := store.ResolveGeminiAPIKey(context.Background(), " from-env ")
	if err != nil || key != "from-env" {
		t.Fatalf("ResolveGeminiAPIKey = %q, %v", key, err)
	}
	key, err = store.ResolveGeminiAPIKey(context.Background(), "")
	if err != nil || key != "stored" {
		t.Fatalf("ResolveGeminiAPIKey fallback = %q, %v", key, err)
	}
}

func TestSetGeminiAPIKeyRecordsFingerprint(t *testing.T) {
	exec := &stubExecutor{}
	store := NewStore(exec)
	store.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }
	if err := store.SetGeminiAPIKey(context.Background(), "AIzaSecret1234"); err != nil {
		t.Fatalf("SetGeminiAPIKey error: %v", err)
	}
	raw, ok := exec.exec.args[2].([]byte)
	if !ok {
		t.Fatalf("properties arg is %T", exec.exec.args[2])
	}
	var props map[string]string
	if err := json.Unmarshal(raw, &props); err != nil {
		t.Fatalf("unmarshal properties: %v", err)
	}
	if props["fingerprint"] != "****1234" || props["rotated_at"] != "2024-05-01T00:00:00Z" {
		t.Fatalf("properties = %v", props)
	}
	if strings.Contains(string(raw), "Secret") {
		t.Fatal("properties leak the key")
	}
}

func TestDeleteGeminiAPIKey(t *testing.T) {
	exec := &stubExecutor{}
	if err := NewStore(exec).DeleteGeminiAPIKey(context.Background()); err != nil {
		t.Fatalf("DeleteGeminiAPIKey error: %v", err)
	}
	if len(exec.exec.args) != 1 || exec.exec.args[0] != ProviderGemini {
		t.Fatalf("args = %v", exec.exec.args)
	}
}

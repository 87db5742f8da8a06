package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"scenejobs/internal/infra"
	"scenejobs/internal/sqlinline"
)

const (
	ProviderGemini = "gemini"
)

// Store keeps API keys in Postgres so deployments can rotate them without
// touching the environment.
type Store struct {
	sql infra.SQLExecutor
	now func() time.Time
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql, now: time.Now}
}

// EnsureSchema creates the credentials table if it is missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.sql.Exec(ctx, sqlinline.QEnsureCredentials)
	return err
}

func (s *Store) GeminiAPIKey(ctx context.Context) (string, error) {
	return s.Token(ctx, ProviderGemini)
}

// Token returns the stored token for provider, or "" when none is stored.
func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectCredential, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}

func (s *Store) SetGeminiAPIKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("gemini api key is required")
	}
	return s.upsert(ctx, ProviderGemini, key, map[string]any{
		"fingerprint": fingerprint(key),
		"rotated_at":  s.now().UTC().Format(time.RFC3339),
	})
}

// DeleteGeminiAPIKey removes the stored key.
func (s *Store) DeleteGeminiAPIKey(ctx context.Context) error {
	_, err := s.sql.Exec(ctx, sqlinline.QDeleteCredential, ProviderGemini)
	return err
}

// ResolveGeminiAPIKey prefers the environment value and falls back to the
// stored key.
func (s *Store) ResolveGeminiAPIKey(ctx context.Context, fromEnv string) (string, error) {
	if key := strings.TrimSpace(fromEnv); key != "" {
		return key, nil
	}
	return s.GeminiAPIKey(ctx)
}

func (s *Store) upsert(ctx context.Context, provider, token string, props map[string]any) error {
	payload := props
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertCredential, provider, token, raw)
	return err
}

// fingerprint is a short, non-secret tail used to tell keys apart in logs.
func fingerprint(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

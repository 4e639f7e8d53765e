// Package apikeys provides Postgres-backed bearer-token credentials for the
// HTTP evaluate surface, adapted from the teacher's project-scoped API key
// admin tooling and generalized to the caller-ID model (spec.md §1: these
// keys authenticate *callers of the evaluation API*, never admin
// mutations).
package apikeys

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wardenhq/warden/internal/middleware"
)

// Key is a stored bearer-token credential's metadata. It carries no
// secret; the raw secret is returned exactly once, by CreateKey.
type Key struct {
	ID        string
	CallerID  string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Store manages API keys in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an already-connected pgxpool.Pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the api_keys table if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			caller_id TEXT NOT NULL,
			key_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			revoked_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure api_keys schema: %w", err)
	}
	return nil
}

// ValidateKey returns the caller ID bound to a non-revoked key ID if
// rawSecret matches the stored hash.
func (s *Store) ValidateKey(ctx context.Context, id, rawSecret string) (string, error) {
	var keyHash, callerID string
	if err := s.pool.QueryRow(ctx, `
		SELECT key_hash, caller_id FROM api_keys
		WHERE id = $1 AND revoked_at IS NULL
	`, id).Scan(&keyHash, &callerID); err != nil {
		return "", fmt.Errorf("validate api key: %w", err)
	}
	if !middleware.APIKeyMatchesHash(keyHash, rawSecret) {
		return "", fmt.Errorf("api key %q: %w", id, pgx.ErrNoRows)
	}
	return callerID, nil
}

// CreateKey generates a new key ID/secret pair bound to callerID, storing a
// bcrypt hash of the secret. The raw secret is returned exactly once.
func (s *Store) CreateKey(ctx context.Context, callerID string) (id, secret string, err error) {
	id, err = randomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}
	secret, err = randomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}
	hash, err := middleware.HashAPIKey(secret)
	if err != nil {
		return "", "", err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, caller_id, key_hash) VALUES ($1, $2, $3)
	`, id, callerID, hash)
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}
	return id, secret, nil
}

// ListKeys returns metadata (never secrets) for every non-revoked key
// belonging to callerID.
func (s *Store) ListKeys(ctx context.Context, callerID string) ([]Key, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, caller_id, created_at FROM api_keys
		WHERE caller_id = $1 AND revoked_at IS NULL
		ORDER BY created_at
	`, callerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]Key, 0)
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.ID, &k.CallerID, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}
	return keys, nil
}

// RevokeKey soft-deletes a key scoped to callerID.
func (s *Store) RevokeKey(ctx context.Context, callerID, keyID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = now()
		WHERE id = $1 AND caller_id = $2 AND revoked_at IS NULL
	`, keyID, callerID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("revoke api key %q: %w", keyID, pgx.ErrNoRows)
	}
	return nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

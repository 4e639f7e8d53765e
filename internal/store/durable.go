package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// durableRetryDelays are the five backoff steps, growing linearly from 10ms
// to 50ms, that spec.md §4.3 mandates for "busy"/"locked"/"timeout" write
// failures.
var durableRetryDelays = []time.Duration{
	10 * time.Millisecond,
	20 * time.Millisecond,
	30 * time.Millisecond,
	40 * time.Millisecond,
	50 * time.Millisecond,
}

// Durable is the relational adapter over the magick_features table (C3):
// one row per flag, a JSON data column holding every attribute.
type Durable struct {
	pool *pgxpool.Pool
}

// NewDurable wraps an already-connected pgxpool.Pool.
func NewDurable(pool *pgxpool.Pool) *Durable {
	return &Durable{pool: pool}
}

// EnsureSchema creates the magick_features table if absent. Idempotent;
// intended to be called once at startup behind the process's own
// single-instance guarantee (goose migrations are the authoritative path —
// this exists so the store package degrades gracefully without them).
func (d *Durable) EnsureSchema(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS magick_features (
			id BIGSERIAL PRIMARY KEY,
			feature_name TEXT NOT NULL UNIQUE,
			data JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return adapterErr("durable", "ensure_schema", err)
	}
	return nil
}

// GetAll reads a flag's full attribute map, or (nil, nil) on miss.
func (d *Durable) GetAll(ctx context.Context, flagName string) (map[string]any, error) {
	var raw []byte
	err := d.pool.QueryRow(ctx, `
		SELECT data FROM magick_features WHERE feature_name = $1
	`, flagName).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, adapterErr("durable", "get", err)
	}
	var attrs map[string]any
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, adapterErr("durable", "get", err)
	}
	return attrs, nil
}

// SetAll upserts a flag's full attribute map, retrying transient failures
// per spec.md §4.3's five-step backoff.
func (d *Durable) SetAll(ctx context.Context, flagName string, attrs map[string]any) error {
	payload, err := json.Marshal(attrs)
	if err != nil {
		return adapterErr("durable", "set", err)
	}

	return withDurableRetry(ctx, func() error {
		_, err := d.pool.Exec(ctx, `
			INSERT INTO magick_features (feature_name, data, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (feature_name)
			DO UPDATE SET data = EXCLUDED.data, updated_at = now()
		`, flagName, payload)
		return err
	})
}

// Delete removes a flag row.
func (d *Durable) Delete(ctx context.Context, flagName string) error {
	return withDurableRetry(ctx, func() error {
		_, err := d.pool.Exec(ctx, `DELETE FROM magick_features WHERE feature_name = $1`, flagName)
		return err
	})
}

// ListNames returns every flag name in the table, used to warm the Engine
// registry at startup.
func (d *Durable) ListNames(ctx context.Context) ([]string, error) {
	rows, err := d.pool.Query(ctx, `SELECT feature_name FROM magick_features ORDER BY feature_name`)
	if err != nil {
		return nil, adapterErr("durable", "list", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, adapterErr("durable", "list", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, adapterErr("durable", "list", err)
	}
	return names, nil
}

func withDurableRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= len(durableRetryDelays); attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransientDurableErr(lastErr) || attempt == len(durableRetryDelays) {
			return adapterErr("durable", "write", lastErr)
		}
		select {
		case <-ctx.Done():
			return adapterErr("durable", "write", ctx.Err())
		case <-time.After(durableRetryDelays[attempt]):
		}
	}
	return adapterErr("durable", "write", lastErr)
}

func isTransientDurableErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"busy", "locked", "timeout", "deadline exceeded", "connection reset"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

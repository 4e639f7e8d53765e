package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const maxEventBatchSize = 1000

// FlagEvent records a single mutation (create, update, enable, disable,
// delete) against a flag, stored in the flag_events table and streamed to
// external consumers over Server-Sent Events.
type FlagEvent struct {
	EventID   int64           `json:"event_id"`
	RequestID string          `json:"request_id"`
	FlagName  string          `json:"flag_name"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

// EventLog is the Postgres-backed change feed for flag mutations (the
// spec's supplemented feature, not part of C1-C9's storage tiers).
type EventLog struct {
	pool *pgxpool.Pool
}

// NewEventLog wraps an already-connected pgxpool.Pool.
func NewEventLog(pool *pgxpool.Pool) *EventLog {
	return &EventLog{pool: pool}
}

// EnsureSchema creates the flag_events table if absent.
func (l *EventLog) EnsureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS flag_events (
			event_id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			flag_name TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return adapterErr("events", "ensure_schema", err)
	}
	_, err = l.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS flag_events_flag_name_idx ON flag_events (flag_name)`)
	if err != nil {
		return adapterErr("events", "ensure_schema", err)
	}
	return nil
}

// Append inserts a new event row. requestID ties a batch of events from a
// single mutation together; a fresh one is generated if empty.
func (l *EventLog) Append(ctx context.Context, requestID, flagName, eventType string, attrs map[string]any) error {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return adapterErr("events", "append", err)
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO flag_events (request_id, flag_name, event_type, payload)
		VALUES ($1, $2, $3, $4)
	`, requestID, flagName, eventType, payload)
	if err != nil {
		return adapterErr("events", "append", err)
	}
	return nil
}

// ListSince returns up to 1000 events with IDs greater than eventID, ordered
// by event ID.
func (l *EventLog) ListSince(ctx context.Context, eventID int64) ([]FlagEvent, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT event_id, request_id, flag_name, event_type, payload, created_at::text
		FROM flag_events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, eventID, maxEventBatchSize)
	if err != nil {
		return nil, adapterErr("events", "list", err)
	}
	return scanEvents(rows)
}

// ListSinceForFlag is like ListSince but scoped to a single flag name.
func (l *EventLog) ListSinceForFlag(ctx context.Context, eventID int64, flagName string) ([]FlagEvent, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT event_id, request_id, flag_name, event_type, payload, created_at::text
		FROM flag_events
		WHERE event_id > $1 AND flag_name = $2
		ORDER BY event_id
		LIMIT $3
	`, eventID, flagName, maxEventBatchSize)
	if err != nil {
		return nil, adapterErr("events", "list", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]FlagEvent, error) {
	defer rows.Close()

	events := make([]FlagEvent, 0)
	for rows.Next() {
		var e FlagEvent
		if err := rows.Scan(&e.EventID, &e.RequestID, &e.FlagName, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, adapterErr("events", "list", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, adapterErr("events", "list", err)
	}
	return events, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/settld/pkg/outbox"
)

// SQLiteDeliveryStore mirrors delivery records into SQLite for operational
// listing (dead-letter dashboards, reconciliation tooling). It is a read
// replica of the in-memory delivery projection, refreshed on state change.
type SQLiteDeliveryStore struct {
	db *sql.DB
}

// NewSQLiteDeliveryStore migrates and wraps a database handle.
func NewSQLiteDeliveryStore(db *sql.DB) (*SQLiteDeliveryStore, error) {
	s := &SQLiteDeliveryStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDeliveryStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS deliveries (
		delivery_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		dedupe_key TEXT NOT NULL,
		scope_key TEXT,
		order_seq INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		destination_id TEXT,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at DATETIME,
		last_error TEXT,
		created_at DATETIME,
		UNIQUE (tenant_id, dedupe_key)
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_state ON deliveries(tenant_id, state);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Upsert writes the current state of a delivery.
func (s *SQLiteDeliveryStore) Upsert(ctx context.Context, d outbox.Delivery) error {
	query := `
	INSERT INTO deliveries (
		delivery_id, tenant_id, dedupe_key, scope_key, order_seq, priority,
		destination_id, state, attempts, next_attempt_at, last_error, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (delivery_id) DO UPDATE SET
		state = excluded.state,
		attempts = excluded.attempts,
		next_attempt_at = excluded.next_attempt_at,
		last_error = excluded.last_error`

	_, err := s.db.ExecContext(ctx, query,
		d.DeliveryID, d.Tenant, d.DedupeKey, d.ScopeKey, d.OrderSeq, d.Priority,
		d.DestinationID, string(d.State), d.Attempts,
		d.NextAttemptAt.UTC().Format(time.RFC3339Nano), d.LastError,
		d.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: upserting delivery %s: %w", d.DeliveryID, err)
	}
	return nil
}

// ListByState returns deliveries for a tenant in one state, oldest first.
func (s *SQLiteDeliveryStore) ListByState(ctx context.Context, tenant string, state outbox.DeliveryState, limit int) ([]outbox.Delivery, error) {
	query := `
	SELECT delivery_id, tenant_id, dedupe_key, scope_key, order_seq, priority,
	       destination_id, state, attempts, next_attempt_at, last_error, created_at
	FROM deliveries
	WHERE tenant_id = ? AND state = ?
	ORDER BY created_at ASC
	LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, tenant, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []outbox.Delivery
	for rows.Next() {
		var (
			d             outbox.Delivery
			state         string
			nextAttemptAt string
			lastError     sql.NullString
			createdAt     string
		)
		if err := rows.Scan(&d.DeliveryID, &d.Tenant, &d.DedupeKey, &d.ScopeKey,
			&d.OrderSeq, &d.Priority, &d.DestinationID, &state, &d.Attempts,
			&nextAttemptAt, &lastError, &createdAt); err != nil {
			return nil, err
		}
		d.State = outbox.DeliveryState(state)
		d.LastError = lastError.String
		d.NextAttemptAt = parseTime(nextAttemptAt)
		d.CreatedAt = parseTime(createdAt)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

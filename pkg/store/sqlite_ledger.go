package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/settld/pkg/ledger"
)

// SQLiteLedgerStore mirrors posted ledger entries into SQLite so
// reconciliation tooling can query by memo prefix without holding the
// in-memory projection.
type SQLiteLedgerStore struct {
	db *sql.DB
}

// NewSQLiteLedgerStore migrates and wraps a database handle.
func NewSQLiteLedgerStore(db *sql.DB) (*SQLiteLedgerStore, error) {
	s := &SQLiteLedgerStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteLedgerStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		entry_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		at DATETIME NOT NULL,
		memo TEXT NOT NULL,
		postings JSON NOT NULL,
		hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_memo ON ledger_entries(tenant_id, memo);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Insert records a posted entry. Entries are immutable; re-inserting the
// same id during a log replay is a no-op.
func (s *SQLiteLedgerStore) Insert(ctx context.Context, tenant string, e ledger.Entry) error {
	postings, err := json.Marshal(e.Postings)
	if err != nil {
		return fmt.Errorf("store: encoding postings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (entry_id, tenant_id, at, memo, postings, hash)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entry_id) DO NOTHING`,
		e.ID, tenant, e.At.UTC().Format(time.RFC3339Nano), e.Memo, string(postings), e.Hash)
	if err != nil {
		return fmt.Errorf("store: inserting ledger entry %s: %w", e.ID, err)
	}
	return nil
}

// ListByMemoPrefix returns a tenant's entries whose memo starts with the
// prefix, in posting order.
func (s *SQLiteLedgerStore) ListByMemoPrefix(ctx context.Context, tenant, prefix string, limit int) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, at, memo, postings, hash
		 FROM ledger_entries
		 WHERE tenant_id = ? AND memo LIKE ? || '%'
		 ORDER BY at ASC
		 LIMIT ?`,
		tenant, prefix, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ledger.Entry
	for rows.Next() {
		var (
			e        ledger.Entry
			at       string
			postings string
		)
		if err := rows.Scan(&e.ID, &at, &e.Memo, &postings, &e.Hash); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(postings), &e.Postings); err != nil {
			return nil, fmt.Errorf("store: corrupt postings JSON in entry %s: %w", e.ID, err)
		}
		e.At = parseTime(at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

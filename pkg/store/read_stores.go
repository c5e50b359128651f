package store

import (
	"database/sql"
	"fmt"
)

// ReadStores bundles the SQLite read models over one database file. They
// mirror in-memory projections and are rebuildable from the durable log, so
// losing the file costs queries, never correctness.
type ReadStores struct {
	db *sql.DB

	Deliveries *SQLiteDeliveryStore
	Ledger     *SQLiteLedgerStore
}

// OpenReadStores opens (or creates) the read-model database at path and
// migrates every store.
func OpenReadStores(path string) (*ReadStores, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening read-model db: %w", err)
	}

	deliveries, err := NewSQLiteDeliveryStore(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrating deliveries: %w", err)
	}
	ledgerStore, err := NewSQLiteLedgerStore(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrating ledger entries: %w", err)
	}

	return &ReadStores{db: db, Deliveries: deliveries, Ledger: ledgerStore}, nil
}

// Close releases the underlying database handle.
func (r *ReadStores) Close() error {
	return r.db.Close()
}

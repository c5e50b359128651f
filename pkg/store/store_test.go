package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/settld/pkg/ledger"
	"github.com/Mindburn-Labs/settld/pkg/outbox"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRepoTenantScoping(t *testing.T) {
	r := NewRepo[string]()
	r.Put("t1", "a", "t1-a")
	r.Put("t1", "b", "t1-b")
	r.Put("t2", "a", "t2-a")

	v, ok := r.Get("t1", "a")
	require.True(t, ok)
	assert.Equal(t, "t1-a", v)

	_, ok = r.Get("t3", "a")
	assert.False(t, ok)

	assert.Equal(t, []string{"t1-a", "t1-b"}, r.List("t1"))
	assert.Equal(t, 1, r.Len("t2"))
}

func TestSQLiteDeliveryStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteDeliveryStore(openSQLite(t))
	require.NoError(t, err)

	d := outbox.Delivery{
		DeliveryID: "d1", Tenant: "t1", DedupeKey: "k1", ScopeKey: "job:1",
		OrderSeq: 1, DestinationID: "dest", State: outbox.DeliveryPending,
		NextAttemptAt: time.Now(), CreatedAt: time.Now(),
	}
	require.NoError(t, s.Upsert(ctx, d))

	d.State = outbox.DeliveryDead
	d.Attempts = 8
	d.LastError = "downstream unavailable"
	require.NoError(t, s.Upsert(ctx, d))

	dead, err := s.ListByState(ctx, "t1", outbox.DeliveryDead, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "d1", dead[0].DeliveryID)
	assert.Equal(t, 8, dead[0].Attempts)
	assert.Equal(t, "downstream unavailable", dead[0].LastError)

	pending, err := s.ListByState(ctx, "t1", outbox.DeliveryPending, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSQLiteLedgerStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteLedgerStore(openSQLite(t))
	require.NoError(t, err)

	entry := ledger.Entry{
		ID: "e1", At: time.Now(), Memo: "settlement:s1:lock",
		Postings: []ledger.Posting{
			{AccountID: "payer_available", AmountCents: -5000},
			{AccountID: "escrow_liability", AmountCents: 5000},
		},
		Hash: "h1",
	}
	require.NoError(t, s.Insert(ctx, "t1", entry))

	// Replay tolerance: re-inserting the same id is a no-op, not a second row.
	require.NoError(t, s.Insert(ctx, "t1", entry))

	got, err := s.ListByMemoPrefix(ctx, "t1", "settlement:", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, entry.Postings, got[0].Postings)

	none, err := s.ListByMemoPrefix(ctx, "t2", "settlement:", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeliveryUpsertPropagatesDBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &SQLiteDeliveryStore{db: db}

	mock.ExpectExec("INSERT INTO deliveries").WillReturnError(sql.ErrConnDone)
	err = s.Upsert(context.Background(), outbox.Delivery{DeliveryID: "d1", Tenant: "t1", DedupeKey: "k"})
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

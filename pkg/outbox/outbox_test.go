package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/settld/pkg/crypto"
)

// memCursors is a test cursor store; production uses the WAL counter stream.
type memCursors struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

func newMemCursors() *memCursors { return &memCursors{cursors: make(map[string]uint64)} }

func (c *memCursors) Cursor(tenant string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[tenant]
}

func (c *memCursors) Advance(_ context.Context, tenant string, to uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if to > c.cursors[tenant] {
		c.cursors[tenant] = to
	}
	return nil
}

type sinkFunc func(ctx context.Context, d Delivery) error

func (f sinkFunc) Deliver(ctx context.Context, d Delivery) error { return f(ctx, d) }

func TestDrainDispatchesInOrder(t *testing.T) {
	q := NewQueue()
	for i := uint64(1); i <= 3; i++ {
		q.Append(Entry{Index: i, Tenant: "t1", Topic: "notify", Kind: "job.updated"})
	}

	var got []uint64
	w := NewWorker(q, newMemCursors(), NewDeliveryStore(), nil, WorkerOptions{DispatchRatePerSec: 10000})
	w.Handle("notify", func(ctx context.Context, e Entry) error {
		got = append(got, e.Index)
		return nil
	})

	require.NoError(t, w.Drain(context.Background(), 0))
	assert.Equal(t, []uint64{1, 2, 3}, got)
}

func TestDrainLeavesCursorOnFailure(t *testing.T) {
	q := NewQueue()
	cursors := newMemCursors()
	for i := uint64(1); i <= 3; i++ {
		q.Append(Entry{Index: i, Tenant: "t1", Topic: "notify"})
	}

	calls := 0
	w := NewWorker(q, cursors, NewDeliveryStore(), nil, WorkerOptions{DispatchRatePerSec: 10000})
	w.Handle("notify", func(ctx context.Context, e Entry) error {
		calls++
		if e.Index == 2 {
			return errors.New("downstream unavailable")
		}
		return nil
	})

	require.NoError(t, w.Drain(context.Background(), 0))
	assert.Equal(t, uint64(1), cursors.Cursor("t1"), "cursor parks before the failed entry")

	// Next pass retries entry 2 (now succeeding) and continues.
	w.Handle("notify", func(ctx context.Context, e Entry) error { return nil })
	require.NoError(t, w.Drain(context.Background(), 0))
	assert.Equal(t, uint64(3), cursors.Cursor("t1"))
}

func TestDrainRespectsMaxMessages(t *testing.T) {
	q := NewQueue()
	cursors := newMemCursors()
	for i := uint64(1); i <= 10; i++ {
		q.Append(Entry{Index: i, Tenant: "t1", Topic: "notify"})
	}

	w := NewWorker(q, cursors, NewDeliveryStore(), nil, WorkerOptions{DispatchRatePerSec: 10000})
	w.Handle("notify", func(ctx context.Context, e Entry) error { return nil })

	require.NoError(t, w.Drain(context.Background(), 4))
	assert.Equal(t, uint64(4), cursors.Cursor("t1"))
}

func TestDeliveryDedupe(t *testing.T) {
	s := NewDeliveryStore()
	d1, created, err := s.Create(Delivery{Tenant: "t1", DedupeKey: "job:1:dest:a", DestinationID: "a"})
	require.NoError(t, err)
	assert.True(t, created)

	d2, created, err := s.Create(Delivery{Tenant: "t1", DedupeKey: "job:1:dest:a", DestinationID: "a"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, d1.DeliveryID, d2.DeliveryID)

	// Same key, other tenant: independent.
	_, created, err = s.Create(Delivery{Tenant: "t2", DedupeKey: "job:1:dest:a", DestinationID: "a"})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestDeliveryOrderingUnderVariableLatency(t *testing.T) {
	s := NewDeliveryStore()
	// Created out of order and with different payload sizes; dispatch must
	// follow (scopeKey, orderSeq, priority).
	for _, seq := range []uint64{3, 1, 2} {
		_, _, err := s.Create(Delivery{
			Tenant:        "t1",
			DedupeKey:     fmt.Sprintf("job:1:%d", seq),
			ScopeKey:      "job:1",
			OrderSeq:      seq,
			DestinationID: "dest",
		})
		require.NoError(t, err)
	}

	var got []uint64
	w := NewWorker(NewQueue(), newMemCursors(), s, sinkFunc(func(ctx context.Context, d Delivery) error {
		// Variable latency must not reorder the dispatch sequence.
		time.Sleep(time.Duration(3-d.OrderSeq) * time.Millisecond)
		got = append(got, d.OrderSeq)
		return nil
	}), WorkerOptions{DispatchRatePerSec: 10000})

	require.NoError(t, w.DispatchDeliveries(context.Background(), 0))
	assert.Equal(t, []uint64{1, 2, 3}, got)
}

func TestDeliveryRetryAndDeadLetter(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	s := NewDeliveryStore().WithClock(clock)
	_, _, err := s.Create(Delivery{Tenant: "t1", DedupeKey: "d1", DestinationID: "dest"})
	require.NoError(t, err)

	policy := BackoffPolicy{BaseMs: 100, MaxMs: 1000, MaxJitterMs: 0, MaxAttempts: 3}
	w := NewWorker(NewQueue(), newMemCursors(), s, sinkFunc(func(ctx context.Context, d Delivery) error {
		return errors.New("boom")
	}), WorkerOptions{Backoff: policy, DispatchRatePerSec: 10000})
	w.WithClock(clock)

	for i := 0; i < policy.MaxAttempts; i++ {
		require.NoError(t, w.DispatchDeliveries(context.Background(), 0))
		now = now.Add(2 * time.Second) // past any backoff
	}

	dead := s.ListDead("t1")
	require.Len(t, dead, 1)
	assert.Equal(t, DeliveryDead, dead[0].State)
	assert.Equal(t, policy.MaxAttempts, dead[0].Attempts)
	assert.Contains(t, dead[0].LastError, "boom")

	// No further retries once dead.
	require.NoError(t, w.DispatchDeliveries(context.Background(), 0))
	assert.Equal(t, policy.MaxAttempts, mustGet(t, s, dead[0].DeliveryID).Attempts)

	// Operator requeue resets the cycle.
	require.NoError(t, s.Requeue(dead[0].DeliveryID))
	assert.Equal(t, DeliveryPending, mustGet(t, s, dead[0].DeliveryID).State)
}

func mustGet(t *testing.T, s *DeliveryStore, id string) *Delivery {
	t.Helper()
	d, err := s.Get(id)
	require.NoError(t, err)
	return d
}

func TestWorkerHooksFireOnDispatchAndDeadLetter(t *testing.T) {
	q := NewQueue()
	for i := uint64(1); i <= 3; i++ {
		q.Append(Entry{Index: i, Tenant: "t1", Topic: "notify"})
	}
	s := NewDeliveryStore()
	_, _, err := s.Create(Delivery{Tenant: "t1", DedupeKey: "d1", DestinationID: "dest"})
	require.NoError(t, err)

	dispatched, dead := 0, 0
	policy := BackoffPolicy{BaseMs: 1, MaxMs: 1, MaxJitterMs: 0, MaxAttempts: 1}
	w := NewWorker(q, newMemCursors(), s, sinkFunc(func(ctx context.Context, d Delivery) error {
		return errors.New("boom")
	}), WorkerOptions{
		Backoff:            policy,
		DispatchRatePerSec: 10000,
		OnDispatched:       func(ctx context.Context, e Entry) { dispatched++ },
		OnDeadLetter:       func(ctx context.Context, d Delivery) { dead++ },
	})
	w.Handle("notify", func(ctx context.Context, e Entry) error { return nil })

	require.NoError(t, w.Drain(context.Background(), 0))
	assert.Equal(t, 3, dispatched, "one hook call per drained entry")

	// MaxAttempts 1: the first failure dead-letters immediately.
	require.NoError(t, w.DispatchDeliveries(context.Background(), 0))
	assert.Equal(t, 1, dead)
	require.Len(t, s.ListDead("t1"), 1)
}

func TestDeliveryObserverSeesStateChanges(t *testing.T) {
	s := NewDeliveryStore()
	var states []DeliveryState
	s.SetObserver(func(d Delivery) { states = append(states, d.State) })

	d, _, err := s.Create(Delivery{Tenant: "t1", DedupeKey: "d1", DestinationID: "dest"})
	require.NoError(t, err)
	require.NoError(t, s.MarkDelivered(d.DeliveryID))

	// Deduped creation does not re-notify.
	_, created, err := s.Create(Delivery{Tenant: "t1", DedupeKey: "d1", DestinationID: "dest"})
	require.NoError(t, err)
	require.False(t, created)

	assert.Equal(t, []DeliveryState{DeliveryPending, DeliveryDelivered}, states)
}

func TestBackoffCurve(t *testing.T) {
	p := BackoffPolicy{BaseMs: 500, MaxMs: 60_000, MaxJitterMs: 0, MaxAttempts: 8}
	assert.Equal(t, 500*time.Millisecond, p.Delay("d", 0))
	assert.Equal(t, 1000*time.Millisecond, p.Delay("d", 1))
	assert.Equal(t, 2000*time.Millisecond, p.Delay("d", 2))
	assert.Equal(t, 60_000*time.Millisecond, p.Delay("d", 30))

	jittered := BackoffPolicy{BaseMs: 500, MaxMs: 60_000, MaxJitterMs: 250, MaxAttempts: 8}
	d1 := jittered.Delay("d", 1)
	d2 := jittered.Delay("d", 1)
	assert.Equal(t, d1, d2, "jitter is deterministic per delivery and attempt")
}

func TestAckIdempotentAndVerified(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("dest-key")
	require.NoError(t, err)
	kr := crypto.NewKeyring()
	require.NoError(t, kr.Register("dest-key", signer.PublicKey()))

	s := NewDeliveryStore()
	d, _, err := s.Create(Delivery{
		Tenant: "t1", DedupeKey: "d1", DestinationID: "dest", ArtifactHash: "hash-1",
	})
	require.NoError(t, err)

	sig, err := signer.Sign([]byte(d.DeliveryID + "|hash-1"))
	require.NoError(t, err)
	ack := Ack{
		DeliveryID: d.DeliveryID, DestinationID: "dest", ArtifactHash: "hash-1",
		SignerKeyID: "dest-key", Signature: sig,
	}

	r1, err := s.Ack(ack, kr)
	require.NoError(t, err)
	r2, err := s.Ack(ack, kr)
	require.NoError(t, err)
	assert.Equal(t, r1, r2, "acking an acked delivery returns the original receipt")

	// Wrong destination rejected.
	bad := ack
	bad.DestinationID = "other"
	d2, _, err := s.Create(Delivery{Tenant: "t1", DedupeKey: "d2", DestinationID: "dest"})
	require.NoError(t, err)
	bad.DeliveryID = d2.DeliveryID
	_, err = s.Ack(bad, kr)
	assert.ErrorIs(t, err, ErrAckMismatch)
}

func TestAckUnknownSigner(t *testing.T) {
	s := NewDeliveryStore()
	d, _, err := s.Create(Delivery{Tenant: "t1", DedupeKey: "d1", DestinationID: "dest"})
	require.NoError(t, err)

	_, err = s.Ack(Ack{
		DeliveryID: d.DeliveryID, DestinationID: "dest",
		SignerKeyID: "ghost", Signature: "00",
	}, crypto.NewKeyring())
	assert.ErrorIs(t, err, crypto.ErrSignerUnknown)
}

package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// snapshotApplier is a minimal projection: upsert_snapshot ops build a map.
type snapshotApplier struct {
	state map[string]string
	seen  []string
}

type upsert struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func newSnapshotApplier() *snapshotApplier {
	return &snapshotApplier{state: make(map[string]string)}
}

func (a *snapshotApplier) Apply(rec *Record) error {
	a.seen = append(a.seen, rec.TxID)
	for _, op := range rec.Ops {
		if op.Kind != OpUpsertSnapshot {
			continue
		}
		var u upsert
		if err := json.Unmarshal(op.Data, &u); err != nil {
			return err
		}
		a.state[u.Key] = u.Value
	}
	return nil
}

func mustOp(t *testing.T, kind OpKind, v any) Op {
	t.Helper()
	op, err := NewOp(kind, v)
	require.NoError(t, err)
	return op
}

func TestCommitAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	a1 := newSnapshotApplier()
	log, err := Open(path, a1, nil)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = log.Commit(ctx, "t1", []Op{mustOp(t, OpUpsertSnapshot, upsert{"a", "1"})}, nil)
	require.NoError(t, err)
	_, err = log.Commit(ctx, "t1", []Op{mustOp(t, OpUpsertSnapshot, upsert{"a", "2"})}, nil)
	require.NoError(t, err)
	_, err = log.Commit(ctx, "t2", []Op{mustOp(t, OpUpsertSnapshot, upsert{"b", "9"})}, nil)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	// Restart: fresh projections must equal the original.
	a2 := newSnapshotApplier()
	log2, err := Open(path, a2, nil)
	require.NoError(t, err)
	defer log2.Close()

	assert.Equal(t, a1.state, a2.state)
	assert.Equal(t, a1.seen, a2.seen)
}

func TestDoubleReplayIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	a := newSnapshotApplier()
	log, err := Open(path, a, nil)
	require.NoError(t, err)
	_, err = log.Commit(context.Background(), "t1",
		[]Op{mustOp(t, OpUpsertSnapshot, upsert{"k", "v"})}, nil)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	// Simulate a duplicate flush: the same record appears twice in the file.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(data, data...), 0o600))

	a2 := newSnapshotApplier()
	log2, err := Open(path, a2, nil)
	require.NoError(t, err)
	defer log2.Close()

	assert.Len(t, a2.seen, 1, "duplicate record must not be re-applied")
	assert.Equal(t, map[string]string{"k": "v"}, a2.state)
}

func TestRejectsEmptyTx(t *testing.T) {
	log, err := Open(filepath.Join(t.TempDir(), "test.wal"), newSnapshotApplier(), nil)
	require.NoError(t, err)
	defer log.Close()

	_, err = log.Commit(context.Background(), "t1", nil, nil)
	assert.ErrorIs(t, err, ErrEmptyTx)
}

func TestRejectsUnknownLogVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	rec := fmt.Sprintf(`{"logVersion":99,"at":"2026-01-01T00:00:00Z","txId":"x","ops":[{"kind":"counter","data":{"name":"n","value":1}}]}%s`, "\n")
	require.NoError(t, os.WriteFile(path, []byte(rec), 0o600))

	_, err := Open(path, newSnapshotApplier(), nil)
	assert.ErrorIs(t, err, ErrLogVersion)
}

func TestToleratesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	log, err := Open(path, newSnapshotApplier(), nil)
	require.NoError(t, err)
	_, err = log.Commit(context.Background(), "t1",
		[]Op{mustOp(t, OpUpsertSnapshot, upsert{"k", "v"})}, nil)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	// Crash mid-append leaves a truncated final line.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"logVersion":1,"at":"2026-`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	a := newSnapshotApplier()
	log2, err := Open(path, a, nil)
	require.NoError(t, err)
	defer log2.Close()
	assert.Equal(t, map[string]string{"k": "v"}, a.state)
}

func TestCountersSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	log, err := Open(path, newSnapshotApplier(), nil)
	require.NoError(t, err)

	v1, op1, err := log.AllocCounter("t1/outbox")
	require.NoError(t, err)
	v2, op2, err := log.AllocCounter("t1/outbox")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)
	assert.Equal(t, uint64(2), v2)

	_, err = log.Commit(context.Background(), "t1", []Op{op1, op2}, nil)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	log2, err := Open(path, newSnapshotApplier(), nil)
	require.NoError(t, err)
	defer log2.Close()

	v3, _, err := log2.AllocCounter("t1/outbox")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v3, "restart must not reuse sequence values")
}

func TestAuditOpSynthesized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	a := newSnapshotApplier()
	log, err := Open(path, a, nil)
	require.NoError(t, err)
	defer log.Close()

	var gotAudit *AuditOp
	auditApplier := applierFunc(func(rec *Record) error {
		for _, op := range rec.Ops {
			if op.Kind == OpAppendAudit {
				var ao AuditOp
				if err := json.Unmarshal(op.Data, &ao); err != nil {
					return err
				}
				gotAudit = &ao
			}
		}
		return nil
	})
	log.applier = auditApplier

	_, err = log.Commit(context.Background(), "t1",
		[]Op{mustOp(t, OpUpsertSnapshot, upsert{"k", "v"})},
		&AuditOp{Actor: "agent:alpha", Action: "task.create"})
	require.NoError(t, err)

	require.NotNil(t, gotAudit)
	assert.Equal(t, uint64(1), gotAudit.Seq)
	assert.Equal(t, "t1", gotAudit.Tenant)
	assert.Equal(t, "task.create", gotAudit.Action)
}

type applierFunc func(rec *Record) error

func (f applierFunc) Apply(rec *Record) error { return f(rec) }

func TestDrainHookRunsAfterCommit(t *testing.T) {
	log, err := Open(filepath.Join(t.TempDir(), "test.wal"), newSnapshotApplier(), nil)
	require.NoError(t, err)
	defer log.Close()

	drained := 0
	log.SetDrainHook(func(ctx context.Context) { drained++ })

	_, err = log.Commit(context.Background(), "t1",
		[]Op{mustOp(t, OpUpsertSnapshot, upsert{"k", "v"})}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, drained)
}

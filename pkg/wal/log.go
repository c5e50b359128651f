package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Applier applies one committed record to in-memory projections. Apply is
// called at most once per txId per process; it must either apply every op
// or fail without partial effects.
type Applier interface {
	Apply(rec *Record) error
}

// Log is the durable, ordered command log. All projections are rebuildable
// by replaying it from the beginning.
type Log struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	applier  Applier
	applied  map[string]struct{}
	counters map[string]uint64
	replayed int

	tenantMu sync.Map // tenant -> *sync.Mutex

	drainHook func(ctx context.Context)
	logger    *slog.Logger
	clock     func() time.Time
}

// Open opens (or creates) the log at path and replays every durable record
// through applier before accepting writes. A record with an unknown
// logVersion fails Open.
func Open(path string, applier Applier, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("wal: creating log dir: %w", err)
	}

	l := &Log{
		path:     path,
		applier:  applier,
		applied:  make(map[string]struct{}),
		counters: make(map[string]uint64),
		logger:   logger,
		clock:    time.Now,
	}
	if err := l.replay(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("wal: opening log: %w", err)
	}
	l.f = f
	return l, nil
}

// WithClock overrides the clock for testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// SetDrainHook registers a hook invoked after every successful commit,
// outside all log locks. The outbox worker uses this for synchronous
// bounded draining.
func (l *Log) SetDrainHook(hook func(ctx context.Context)) {
	l.drainHook = hook
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func (l *Log) replay() error {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("wal: opening log for replay: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var pending []byte
	line := 0
	for scanner.Scan() {
		line++
		// A torn tail from a crash mid-append is tolerated; a torn record
		// followed by more records is corruption.
		if pending != nil {
			return fmt.Errorf("wal: corrupt record at line %d", line-1)
		}

		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			pending = append([]byte(nil), raw...)
			continue
		}
		if rec.LogVersion != LogVersion {
			return fmt.Errorf("%w: record %s has logVersion %d, want %d",
				ErrLogVersion, rec.TxID, rec.LogVersion, LogVersion)
		}
		if err := l.applyLocked(&rec); err != nil {
			return fmt.Errorf("wal: replaying record %s: %w", rec.TxID, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("wal: scanning log: %w", err)
	}
	if pending != nil {
		l.logger.Warn("wal: dropping torn record at log tail", "path", l.path)
	}

	l.replayed = len(l.applied)
	l.logger.Info("wal: replay complete", "path", l.path, "records", l.replayed)
	return nil
}

// Replayed returns the number of durable records applied during Open.
func (l *Log) Replayed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.replayed
}

// applyLocked applies a record exactly once per txId: counters first (so
// sequence values are recovered even if the applier has no counter
// interest), then the applier, then the applied-set mark.
func (l *Log) applyLocked(rec *Record) error {
	if _, done := l.applied[rec.TxID]; done {
		return nil
	}
	for _, op := range rec.Ops {
		if op.Kind != OpCounter {
			continue
		}
		var c CounterOp
		if err := json.Unmarshal(op.Data, &c); err != nil {
			return fmt.Errorf("wal: decoding counter op: %w", err)
		}
		if c.Value > l.counters[c.Name] {
			l.counters[c.Name] = c.Value
		}
	}
	if err := l.applier.Apply(rec); err != nil {
		return err
	}
	l.applied[rec.TxID] = struct{}{}
	return nil
}

// AllocCounter reserves the next value of a named sequence and returns the
// op that persists the allocation. The reservation survives a failed commit
// as a gap, never as a reused value.
func (l *Log) AllocCounter(name string) (uint64, Op, error) {
	l.mu.Lock()
	l.counters[name]++
	value := l.counters[name]
	l.mu.Unlock()

	op, err := NewOp(OpCounter, CounterOp{Name: name, Value: value})
	if err != nil {
		return 0, Op{}, err
	}
	return value, op, nil
}

// SetCounter durably records a named counter at a value; replay max-merges,
// so a stale write never moves a counter backward. The outbox cursor is
// persisted through here; the drain hook is deliberately not invoked so a
// drain pass can record progress without re-entering itself.
func (l *Log) SetCounter(ctx context.Context, name string, value uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	op, err := NewOp(OpCounter, CounterOp{Name: name, Value: value})
	if err != nil {
		return err
	}
	rec := &Record{
		LogVersion: LogVersion,
		At:         l.clock().UTC(),
		TxID:       uuid.NewString(),
		Ops:        []Op{op},
	}
	if err := l.append(rec); err != nil {
		return err
	}
	l.mu.Lock()
	err = l.applyLocked(rec)
	l.mu.Unlock()
	return err
}

// Counter returns the current value of a named sequence.
func (l *Log) Counter(name string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counters[name]
}

// Commit durably persists a transaction and applies it to projections.
// Commits for one tenant are serialized: no two transactions interleave
// their apply phase within a tenant shard.
func (l *Log) Commit(ctx context.Context, tenant string, ops []Op, audit *AuditOp) (string, error) {
	if len(ops) == 0 {
		return "", ErrEmptyTx
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if audit != nil {
		seq, counterOp, err := l.AllocCounter(tenant + "/audit")
		if err != nil {
			return "", err
		}
		audit.Seq = seq
		audit.Tenant = tenant
		auditOp, err := NewOp(OpAppendAudit, audit)
		if err != nil {
			return "", err
		}
		ops = append(ops, counterOp, auditOp)
	}

	rec := &Record{
		LogVersion: LogVersion,
		At:         l.clock().UTC(),
		TxID:       uuid.NewString(),
		Ops:        ops,
	}

	mu := l.lockTenant(tenant)
	defer mu.Unlock()

	if err := l.append(rec); err != nil {
		return "", err
	}

	l.mu.Lock()
	err := l.applyLocked(rec)
	l.mu.Unlock()
	if err != nil {
		// The record is durable but its apply failed; replay will surface
		// the same failure deterministically. Never swallow it.
		return "", fmt.Errorf("wal: applying committed record %s: %w", rec.TxID, err)
	}

	l.logger.Debug("wal: committed", "txId", rec.TxID, "tenant", tenant, "ops", len(rec.Ops))

	if l.drainHook != nil {
		l.drainHook(ctx)
	}
	return rec.TxID, nil
}

// append durably persists the record before any apply: write, newline, fsync.
func (l *Log) append(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("wal: encoding record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return fmt.Errorf("wal: log is closed")
	}
	if _, err := l.f.Write(data); err != nil {
		return fmt.Errorf("wal: appending record: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("wal: syncing log: %w", err)
	}
	return nil
}

func (l *Log) lockTenant(tenant string) *sync.Mutex {
	v, _ := l.tenantMu.LoadOrStore(tenant, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu
}

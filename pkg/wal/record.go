// Package wal implements the durable, ordered write-ahead command log.
//
// A Record is the unit of durability and atomicity: it is persisted and
// fsynced before any of its operations touch in-memory projections, and on
// startup every durable record is replayed in file order before the log
// accepts new writes. Projections are pure functions of the record stream.
package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// LogVersion is the current record schema version. Replay hard-fails on any
// other value; there is no silent skip.
const LogVersion = 1

// ErrLogVersion indicates a durable record carries an unsupported logVersion.
var ErrLogVersion = errors.New("wal: unsupported log version")

// ErrEmptyTx indicates a transaction with no operations.
var ErrEmptyTx = errors.New("wal: transaction has no operations")

// OpKind identifies how an operation mutates projections.
type OpKind string

const (
	OpUpsertSnapshot OpKind = "upsert_snapshot"
	OpAppendChained  OpKind = "append_chained"
	OpAppendAudit    OpKind = "append_audit"
	OpAppendOutbox   OpKind = "append_outbox"
	OpPutIdempotency OpKind = "put_idempotency"
	OpCounter        OpKind = "counter"
)

// Op is one typed operation descriptor inside a transaction. Data is opaque
// to the log; the Applier decodes it per kind.
type Op struct {
	Kind OpKind          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// NewOp encodes v as the data of an operation.
func NewOp(kind OpKind, v any) (Op, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Op{}, fmt.Errorf("wal: encoding %s op: %w", kind, err)
	}
	return Op{Kind: kind, Data: data}, nil
}

// Record is one durable log record.
type Record struct {
	LogVersion int       `json:"logVersion"`
	At         time.Time `json:"at"`
	TxID       string    `json:"txId"`
	Ops        []Op      `json:"ops"`
}

// CounterOp is the payload of an OpCounter operation. Sequence counters are
// persisted in the log itself so a restart never reuses a value.
type CounterOp struct {
	Name  string `json:"name"`
	Value uint64 `json:"value"`
}

// AuditOp is the payload of an OpAppendAudit operation.
type AuditOp struct {
	Seq    uint64         `json:"seq"`
	Tenant string         `json:"tenant"`
	Actor  string         `json:"actor"`
	Action string         `json:"action"`
	Detail map[string]any `json:"detail,omitempty"`
}

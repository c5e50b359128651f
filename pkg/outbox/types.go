// Package outbox implements the transactional outbox and the reliable
// delivery worker. Entries are appended only as operations inside a
// committed write-ahead-log transaction, so the notification and the fact
// that produced it are durable atomically. A worker drains entries with
// at-least-once, in-order-per-tenant semantics; deliveries derived from
// entries carry dedupe keys and ordering keys, bounded retry with backoff,
// and a dead-letter state with operator visibility.
package outbox

import (
	"encoding/json"
	"time"
)

// Entry is one immutable outbox record, enqueued in the same commit as the
// fact that produced it.
type Entry struct {
	Index     uint64          `json:"outboxIndex"`
	Tenant    string          `json:"tenantId"`
	Topic     string          `json:"topic"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// DeliveryState is the lifecycle state of a delivery.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryAcked     DeliveryState = "acked"
	DeliveryDead      DeliveryState = "dead"
)

// Delivery is a unit of outbound work derived from an outbox entry.
// DedupeKey is unique per tenant: re-creating a delivery with the same key
// returns the existing record. Ordering is (ScopeKey, OrderSeq, Priority,
// DeliveryID) ascending.
type Delivery struct {
	DeliveryID    string          `json:"deliveryId"`
	Tenant        string          `json:"tenantId"`
	DedupeKey     string          `json:"dedupeKey"`
	ScopeKey      string          `json:"scopeKey"`
	OrderSeq      uint64          `json:"orderSeq"`
	Priority      int             `json:"priority"`
	DestinationID string          `json:"destinationId"`
	ArtifactHash  string          `json:"artifactHash,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	State         DeliveryState   `json:"state"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	LastError     string          `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	AckedAt       time.Time       `json:"ackedAt,omitempty"`
}

// Ack is an inbound acknowledgement from a destination.
type Ack struct {
	DeliveryID    string    `json:"deliveryId"`
	DestinationID string    `json:"destinationId"`
	ArtifactHash  string    `json:"artifactHash,omitempty"`
	ReceivedAt    time.Time `json:"receivedAt,omitempty"`
	SignerKeyID   string    `json:"signerKeyId"`
	Signature     string    `json:"signature"`
}

// Receipt is the stored result of an acknowledgement. Acking an
// already-acked delivery returns the original receipt.
type Receipt struct {
	DeliveryID   string    `json:"deliveryId"`
	ArtifactHash string    `json:"artifactHash,omitempty"`
	AckedAt      time.Time `json:"ackedAt"`
}

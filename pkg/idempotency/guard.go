// Package idempotency makes retried writes safe. Two independent
// mechanisms, both mandatory on money-moving endpoints:
//
//   - an idempotency key deduplicating retried requests by fingerprint of
//     the normalized body, replaying the stored response on exact repeats
//     and rejecting repeats with a different body;
//   - an expected-prior-chain-hash precondition on append-style endpoints,
//     the optimistic-concurrency substitute for locking.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/settld/pkg/canonical"
)

var (
	// ErrConflict: same idempotency key, different request body.
	ErrConflict = errors.New("idempotency: key reused with a different request body")

	// ErrMissingPrecondition: an append endpoint was called without the
	// expected-prior-chain-hash header value.
	ErrMissingPrecondition = errors.New("idempotency: expected prior chain hash is required")

	// ErrPreconditionMismatch: the supplied expected hash is not the
	// stream's current head; the caller must re-read and resubmit.
	ErrPreconditionMismatch = errors.New("idempotency: expected prior chain hash does not match stream head")
)

// Record is the stored outcome of a first use of an idempotency key.
type Record struct {
	Fingerprint string          `json:"fingerprint"`
	Response    json.RawMessage `json:"response"`
}

// Store persists idempotency records keyed by tenant/endpoint/key.
type Store interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	Put(ctx context.Context, key string, rec Record) error
}

// Guard checks idempotency keys against a store.
type Guard struct {
	store Store
}

// NewGuard creates a guard over the given store.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// StorageKey scopes an idempotency key per tenant and endpoint.
func StorageKey(tenant, endpoint, key string) string {
	return tenant + "|" + endpoint + "|" + key
}

// Fingerprint computes the canonical-form digest of a request body.
func Fingerprint(body any) (string, error) {
	h, err := canonical.Hash(body)
	if err != nil {
		return "", fmt.Errorf("idempotency: fingerprinting body: %w", err)
	}
	return h, nil
}

// Check resolves a key against the store. It returns the stored response
// when the key was already used with an identical body (replay, no side
// effects), ErrConflict when the body differs, and (nil, fingerprint) for
// first use.
func (g *Guard) Check(ctx context.Context, tenant, endpoint, key string, body any) (json.RawMessage, string, error) {
	if key == "" {
		return nil, "", fmt.Errorf("idempotency: key is required on %s", endpoint)
	}
	fingerprint, err := Fingerprint(body)
	if err != nil {
		return nil, "", err
	}

	rec, found, err := g.store.Get(ctx, StorageKey(tenant, endpoint, key))
	if err != nil {
		return nil, "", err
	}
	if !found {
		return nil, fingerprint, nil
	}
	if rec.Fingerprint != fingerprint {
		return nil, "", fmt.Errorf("%w: endpoint %s", ErrConflict, endpoint)
	}
	return rec.Response, fingerprint, nil
}

// CheckPrecondition enforces the expected-prior-chain-hash contract.
func CheckPrecondition(expected, streamHead string) error {
	if expected == "" {
		return ErrMissingPrecondition
	}
	if expected != streamHead {
		return fmt.Errorf("%w: expected %s, head %s", ErrPreconditionMismatch, expected, streamHead)
	}
	return nil
}

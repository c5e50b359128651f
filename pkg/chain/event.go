// Package chain implements the hash-chained, signed event envelope used by
// every append-only stream in the system: job events, agent-run events, the
// identity-transparency log, and the governance log. All four are this one
// mechanism parameterized by stream id and payload schema.
//
// The wire shape (field names, hash algorithm) is a compatibility contract:
// events are persisted and returned over the API boundary verbatim.
package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/settld/pkg/canonical"
	"github.com/Mindburn-Labs/settld/pkg/crypto"
)

// GenesisHash is the prevChainHash sentinel for the first event of a stream.
const GenesisHash = "genesis"

var (
	// ErrChainBreak indicates prevChainHash does not match the stream head,
	// or a stored hash fails recomputation.
	ErrChainBreak = errors.New("chain: hash chain break")

	// ErrSignatureInvalid indicates the detached signature does not verify
	// against the named key.
	ErrSignatureInvalid = errors.New("chain: signature invalid")
)

// Event is one link in an append-only per-stream hash chain.
type Event struct {
	ID            string          `json:"id"`
	StreamID      string          `json:"streamId"`
	Type          string          `json:"type"`
	At            time.Time       `json:"at"`
	Actor         string          `json:"actor"`
	Payload       json.RawMessage `json:"payload"`
	PayloadHash   string          `json:"payloadHash"`
	PrevChainHash string          `json:"prevChainHash"`
	ChainHash     string          `json:"chainHash"`
	SignerKeyID   string          `json:"signerKeyId,omitempty"`
	Signature     string          `json:"signature,omitempty"`
}

// NewDraft builds an unsigned event: canonicalizes the payload, computes
// payloadHash, and binds the draft to its predecessor via chainHash.
func NewDraft(streamID, eventType string, at time.Time, actor string, payload any, prevChainHash string) (*Event, error) {
	if streamID == "" || eventType == "" {
		return nil, fmt.Errorf("chain: stream id and type are required")
	}
	if prevChainHash == "" {
		return nil, fmt.Errorf("chain: prevChainHash is required (use GenesisHash for the first event)")
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	canonicalPayload, err := canonical.CanonicalizeRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("chain: payload not canonicalizable: %w", err)
	}

	ev := &Event{
		ID:            uuid.NewString(),
		StreamID:      streamID,
		Type:          eventType,
		At:            at.UTC(),
		Actor:         actor,
		Payload:       canonicalPayload,
		PayloadHash:   canonical.HashBytes(canonicalPayload),
		PrevChainHash: prevChainHash,
	}

	hash, err := computeChainHash(ev)
	if err != nil {
		return nil, err
	}
	ev.ChainHash = hash
	return ev, nil
}

// Sign attaches a detached signature over the chain hash.
func (e *Event) Sign(signer crypto.Signer) error {
	sig, err := signer.Sign([]byte(e.ChainHash))
	if err != nil {
		return fmt.Errorf("chain: signing failed: %w", err)
	}
	e.SignerKeyID = signer.KeyID()
	e.Signature = sig
	return nil
}

// Recompute re-derives payloadHash and chainHash from stored fields and
// reports whether both match the stored values.
func (e *Event) Recompute() error {
	canonicalPayload, err := canonical.CanonicalizeRaw(e.Payload)
	if err != nil {
		return fmt.Errorf("%w: payload not canonicalizable: %v", ErrChainBreak, err)
	}
	if got := canonical.HashBytes(canonicalPayload); got != e.PayloadHash {
		return fmt.Errorf("%w: payloadHash mismatch on event %s", ErrChainBreak, e.ID)
	}
	hash, err := computeChainHash(e)
	if err != nil {
		return err
	}
	if hash != e.ChainHash {
		return fmt.Errorf("%w: chainHash mismatch on event %s", ErrChainBreak, e.ID)
	}
	return nil
}

// chainHash covers the identifying fields plus the predecessor hash. The
// event id and signature are deliberately outside the hash: ids are
// transport-level, signatures sign the hash itself.
func computeChainHash(e *Event) (string, error) {
	hash, err := canonical.Hash(map[string]any{
		"streamId":      e.StreamID,
		"type":          e.Type,
		"at":            e.At.UTC().Format(time.RFC3339Nano),
		"actor":         e.Actor,
		"payloadHash":   e.PayloadHash,
		"prevChainHash": e.PrevChainHash,
	})
	if err != nil {
		return "", fmt.Errorf("chain: hashing failed: %w", err)
	}
	return hash, nil
}

func encodePayload(payload any) ([]byte, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	if raw, ok := payload.([]byte); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("chain: payload marshal failed: %w", err)
	}
	return b, nil
}

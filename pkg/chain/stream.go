package chain

import (
	"fmt"

	"github.com/Mindburn-Labs/settld/pkg/crypto"
)

// Stream is an in-memory projection of one append-only event stream.
// Append-only: no operation removes or mutates a prior event.
type Stream struct {
	ID     string
	events []Event
}

// NewStream creates an empty stream.
func NewStream(id string) *Stream {
	return &Stream{ID: id}
}

// Head returns the chain hash of the last event, or GenesisHash when empty.
func (s *Stream) Head() string {
	if len(s.events) == 0 {
		return GenesisHash
	}
	return s.events[len(s.events)-1].ChainHash
}

// Len returns the number of events in the stream.
func (s *Stream) Len() int { return len(s.events) }

// Events returns a copy of the stream's events in append order.
func (s *Stream) Events() []Event {
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Append validates and appends one event:
//
//	(a) ev.PrevChainHash must equal the current head,
//	(b) payloadHash and chainHash must survive recomputation,
//	(c) the signature must verify against the named key in the keyring.
//
// Any failure leaves the stream unchanged.
func (s *Stream) Append(ev Event, keyring *crypto.Keyring) error {
	if ev.StreamID != s.ID {
		return fmt.Errorf("chain: event stream %q does not match stream %q", ev.StreamID, s.ID)
	}
	if ev.PrevChainHash != s.Head() {
		return fmt.Errorf("%w: prevChainHash %s, stream head %s", ErrChainBreak, ev.PrevChainHash, s.Head())
	}
	if err := ev.Recompute(); err != nil {
		return err
	}
	if ev.SignerKeyID == "" || ev.Signature == "" {
		return fmt.Errorf("%w: event %s is unsigned", ErrSignatureInvalid, ev.ID)
	}
	ok, err := keyring.Verify(ev.SignerKeyID, ev.Signature, []byte(ev.ChainHash))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: event %s, key %s", ErrSignatureInvalid, ev.ID, ev.SignerKeyID)
	}

	s.events = append(s.events, ev)
	return nil
}

// Verify walks the whole stream, checking linkage, hashes, and signatures.
func (s *Stream) Verify(keyring *crypto.Keyring) error {
	return VerifyEvents(s.events, keyring)
}

// VerifyEvents validates a stored event sequence as a complete chain.
func VerifyEvents(events []Event, keyring *crypto.Keyring) error {
	prev := GenesisHash
	for i := range events {
		ev := &events[i]
		if ev.PrevChainHash != prev {
			return fmt.Errorf("%w: at index %d expected prev %s, got %s", ErrChainBreak, i, prev, ev.PrevChainHash)
		}
		if err := ev.Recompute(); err != nil {
			return err
		}
		ok, err := keyring.Verify(ev.SignerKeyID, ev.Signature, []byte(ev.ChainHash))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: at index %d, key %s", ErrSignatureInvalid, i, ev.SignerKeyID)
		}
		prev = ev.ChainHash
	}
	return nil
}

package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/settld/pkg/crypto"
)

func newTestSigner(t *testing.T, keyID string) (*crypto.Ed25519Signer, *crypto.Keyring) {
	t.Helper()
	s, err := crypto.NewEd25519Signer(keyID)
	require.NoError(t, err)
	kr := crypto.NewKeyring()
	require.NoError(t, kr.Register(keyID, s.PublicKey()))
	return s, kr
}

func appendEvent(t *testing.T, s *Stream, signer *crypto.Ed25519Signer, kr *crypto.Keyring, eventType string, payload any) Event {
	t.Helper()
	draft, err := NewDraft(s.ID, eventType, time.Now(), "agent:alpha", payload, s.Head())
	require.NoError(t, err)
	require.NoError(t, draft.Sign(signer))
	require.NoError(t, s.Append(*draft, kr))
	return *draft
}

func TestChainLinkage(t *testing.T) {
	signer, kr := newTestSigner(t, "key-1")
	s := NewStream("job:123")

	for i := 0; i < 5; i++ {
		appendEvent(t, s, signer, kr, "job.updated", map[string]any{"seq": i})
	}

	events := s.Events()
	require.Len(t, events, 5)
	assert.Equal(t, GenesisHash, events[0].PrevChainHash)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].ChainHash, events[i].PrevChainHash)
	}
	assert.NoError(t, s.Verify(kr))
}

func TestAppendRejectsChainBreak(t *testing.T) {
	signer, kr := newTestSigner(t, "key-1")
	s := NewStream("job:123")
	appendEvent(t, s, signer, kr, "job.created", map[string]any{"title": "t"})

	draft, err := NewDraft(s.ID, "job.updated", time.Now(), "agent:alpha", map[string]any{}, GenesisHash)
	require.NoError(t, err)
	require.NoError(t, draft.Sign(signer))

	err = s.Append(*draft, kr)
	assert.ErrorIs(t, err, ErrChainBreak)
	assert.Equal(t, 1, s.Len())
}

func TestAppendRejectsTamperedPayload(t *testing.T) {
	signer, kr := newTestSigner(t, "key-1")
	s := NewStream("run:9")

	draft, err := NewDraft(s.ID, "run.started", time.Now(), "agent:alpha", map[string]any{"n": 1}, s.Head())
	require.NoError(t, err)
	require.NoError(t, draft.Sign(signer))

	draft.Payload = []byte(`{"n":2}`)
	err = s.Append(*draft, kr)
	assert.ErrorIs(t, err, ErrChainBreak)
	assert.Equal(t, 0, s.Len())
}

func TestAppendRejectsUnknownSigner(t *testing.T) {
	signer, _ := newTestSigner(t, "key-1")
	_, otherRing := newTestSigner(t, "key-2")
	s := NewStream("run:9")

	draft, err := NewDraft(s.ID, "run.started", time.Now(), "agent:alpha", map[string]any{}, s.Head())
	require.NoError(t, err)
	require.NoError(t, draft.Sign(signer))

	err = s.Append(*draft, otherRing)
	assert.ErrorIs(t, err, crypto.ErrSignerUnknown)
	assert.Equal(t, 0, s.Len())
}

func TestAppendRejectsForgedSignature(t *testing.T) {
	signer, kr := newTestSigner(t, "key-1")
	s := NewStream("run:9")

	draft, err := NewDraft(s.ID, "run.started", time.Now(), "agent:alpha", map[string]any{}, s.Head())
	require.NoError(t, err)
	require.NoError(t, draft.Sign(signer))
	// Signature from the right key over the wrong message.
	forged, err := signer.Sign([]byte("something else"))
	require.NoError(t, err)
	draft.Signature = forged

	err = s.Append(*draft, kr)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestRecomputeReproducesStoredHashes(t *testing.T) {
	signer, kr := newTestSigner(t, "key-1")
	s := NewStream("governance")
	ev := appendEvent(t, s, signer, kr, "policy.bound", map[string]any{"b": 2, "a": 1})

	stored := s.Events()[0]
	assert.Equal(t, ev.ChainHash, stored.ChainHash)
	assert.NoError(t, stored.Recompute())
}

func TestPayloadHashOrderIndependent(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	d1, err := NewDraft("s", "t", at, "a", map[string]any{"x": 1, "y": "z"}, GenesisHash)
	require.NoError(t, err)
	d2, err := NewDraft("s", "t", at, "a", map[string]any{"y": "z", "x": 1}, GenesisHash)
	require.NoError(t, err)
	assert.Equal(t, d1.PayloadHash, d2.PayloadHash)
	assert.Equal(t, d1.ChainHash, d2.ChainHash)
}

func TestVerifyEventsDetectsMidChainTamper(t *testing.T) {
	signer, kr := newTestSigner(t, "key-1")
	s := NewStream("job:7")
	for i := 0; i < 3; i++ {
		appendEvent(t, s, signer, kr, "job.updated", map[string]any{"i": i})
	}

	events := s.Events()
	events[1].Payload = []byte(`{"i":99}`)
	assert.ErrorIs(t, VerifyEvents(events, kr), ErrChainBreak)
}

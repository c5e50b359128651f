package settlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/settld/pkg/crypto"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func lockedSettlement(t *testing.T) *Settlement {
	t.Helper()
	s, err := Lock("run-1", "agent:payer", "agent:payee", 5000, 72*time.Hour, t0)
	require.NoError(t, err)
	return s
}

func autoPolicy() Policy {
	return Policy{
		Mode:                PolicyAutomatic,
		GreenReleaseRatePct: 100,
		AmberReleaseRatePct: 50,
		RedReleaseRatePct:   0,
		DisputeWindowHours:  72,
	}
}

func TestLock(t *testing.T) {
	s := lockedSettlement(t)
	assert.Equal(t, StatusLocked, s.Status)
	assert.Equal(t, DisputeNone, s.DisputeStatus)
	assert.Equal(t, t0.Add(72*time.Hour), s.DisputeWindowEndsAt)

	_, err := Lock("run-1", "p", "a", 0, time.Hour, t0)
	assert.Error(t, err)
	_, err = Lock("run-1", "p", "a", -5, time.Hour, t0)
	assert.Error(t, err)
}

func TestAutoResolveGreenFullRelease(t *testing.T) {
	s := lockedSettlement(t)
	require.NoError(t, s.AutoResolve(autoPolicy(), VerificationGreen, t0.Add(time.Hour)))

	assert.Equal(t, StatusReleased, s.Status)
	assert.Equal(t, int64(5000), s.ReleasedAmountCents)
	assert.Equal(t, int64(0), s.RefundedAmountCents)
	assert.Equal(t, "automatic", s.DecisionStatus)
	assert.NotEmpty(t, s.DecisionPolicyHash)
}

func TestAutoResolveRedFullRefund(t *testing.T) {
	s := lockedSettlement(t)
	require.NoError(t, s.AutoResolve(autoPolicy(), VerificationRed, t0))
	assert.Equal(t, StatusRefunded, s.Status)
	assert.Equal(t, int64(5000), s.RefundedAmountCents)
}

func TestAutoResolveAmberSplit(t *testing.T) {
	s := lockedSettlement(t)
	require.NoError(t, s.AutoResolve(autoPolicy(), VerificationAmber, t0))
	assert.Equal(t, StatusReleased, s.Status)
	assert.Equal(t, int64(2500), s.ReleasedAmountCents)
	assert.Equal(t, int64(2500), s.RefundedAmountCents)
}

func TestResolveExactlyOnce(t *testing.T) {
	s := lockedSettlement(t)
	require.NoError(t, s.AutoResolve(autoPolicy(), VerificationGreen, t0))

	// Identical outcome: idempotent no-op.
	d, err := Decide(autoPolicy(), 5000, VerificationGreen)
	require.NoError(t, err)
	assert.NoError(t, s.Resolve(d, "manual", t0))

	// Different outcome: conflict.
	other, err := Decide(autoPolicy(), 5000, VerificationRed)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Resolve(other, "manual", t0), ErrAlreadyResolved)
	assert.Equal(t, StatusReleased, s.Status)
}

func TestAutoResolveRefusedManualPolicy(t *testing.T) {
	s := lockedSettlement(t)
	p := autoPolicy()
	p.Mode = PolicyManual
	assert.Error(t, s.AutoResolve(p, VerificationGreen, t0))
	assert.Equal(t, StatusLocked, s.Status)
}

func TestAutoResolveBlockedByOpenDispute(t *testing.T) {
	s := lockedSettlement(t)
	require.NoError(t, s.OpenDispute(t0.Add(time.Hour)))
	assert.ErrorIs(t, s.AutoResolve(autoPolicy(), VerificationGreen, t0.Add(2*time.Hour)), ErrDisputeOpen)
	assert.Equal(t, StatusLocked, s.Status)
}

func TestDisputeWindow(t *testing.T) {
	s := lockedSettlement(t)
	assert.ErrorIs(t, s.OpenDispute(t0.Add(73*time.Hour)), ErrDisputeWindowClosed)
	assert.Equal(t, DisputeNone, s.DisputeStatus)

	require.NoError(t, s.OpenDispute(t0.Add(71*time.Hour)))
	assert.Equal(t, DisputeOpen, s.DisputeStatus)
	assert.Equal(t, LevelCounterparty, s.DisputeLevel)
}

func TestEscalationMonotonic(t *testing.T) {
	s := lockedSettlement(t)
	require.NoError(t, s.OpenDispute(t0.Add(time.Hour)))

	require.NoError(t, s.Escalate(LevelArbiter))
	assert.ErrorIs(t, s.Escalate(LevelCounterparty), ErrEscalationBackward)
	assert.ErrorIs(t, s.Escalate(LevelArbiter), ErrEscalationBackward)
	require.NoError(t, s.Escalate(LevelExternal))
	assert.Equal(t, LevelExternal, s.DisputeLevel)
}

func TestCloseDisputeRequiresOutcome(t *testing.T) {
	s := lockedSettlement(t)
	require.NoError(t, s.OpenDispute(t0.Add(time.Hour)))
	assert.Error(t, s.CloseDispute(""))
	require.NoError(t, s.CloseDispute("counterparty_agreement"))
	assert.Equal(t, DisputeClosed, s.DisputeStatus)
}

func TestVerdictSignAndVerify(t *testing.T) {
	arbiter, err := crypto.NewEd25519Signer("arbiter-1")
	require.NoError(t, err)
	kr := crypto.NewKeyring()
	require.NoError(t, kr.Register("arbiter-1", arbiter.PublicKey()))

	v := &Verdict{
		CaseID: "case-1", SettlementID: "s-1", Level: LevelArbiter.String(),
		Outcome: "release_full", DecidedBy: "arbiter-1", At: t0,
	}
	require.NoError(t, v.Sign(arbiter))
	assert.NoError(t, v.Verify(kr))

	// Tampered outcome fails hash recomputation.
	tampered := *v
	tampered.Outcome = "refund_full"
	assert.Error(t, tampered.Verify(kr))

	// Unknown signer leaves settlement state untouched by the caller.
	unknown := *v
	unknown.SignerKeyID = "ghost"
	assert.ErrorIs(t, unknown.Verify(kr), crypto.ErrSignerUnknown)
}

func TestUnverifiableVerdictLeavesStateUnchanged(t *testing.T) {
	arbiter, err := crypto.NewEd25519Signer("arbiter-1")
	require.NoError(t, err)

	s := lockedSettlement(t)
	require.NoError(t, s.OpenDispute(t0.Add(time.Hour)))
	require.NoError(t, s.Escalate(LevelArbiter))

	v := &Verdict{
		CaseID: "case-1", SettlementID: s.SettlementID, Level: LevelArbiter.String(),
		Outcome: "release_full", DecidedBy: "arbiter-1", At: t0,
	}
	require.NoError(t, v.Sign(arbiter))

	// Arbiter key never registered: verification fails, dispute stays open.
	err = v.Verify(crypto.NewKeyring())
	require.Error(t, err)
	assert.Equal(t, DisputeOpen, s.DisputeStatus)
	assert.Equal(t, StatusLocked, s.Status)
}

func TestReplayReproducesDecision(t *testing.T) {
	s := lockedSettlement(t)
	require.NoError(t, s.AutoResolve(autoPolicy(), VerificationGreen, t0))
	assert.NoError(t, s.Replay(autoPolicy(), VerificationGreen))

	// Different inputs do not reproduce the stored outcome.
	assert.ErrorIs(t, s.Replay(autoPolicy(), VerificationRed), ErrReplayMismatch)

	altered := autoPolicy()
	altered.GreenReleaseRatePct = 90
	assert.ErrorIs(t, s.Replay(altered, VerificationGreen), ErrReplayMismatch)
}

func TestReplayManualResolution(t *testing.T) {
	s := lockedSettlement(t)
	p := autoPolicy()
	hash, err := p.Hash()
	require.NoError(t, err)

	// An arbiter split no policy derivation would produce.
	require.NoError(t, s.Resolve(Decision{
		Status:              StatusReleased,
		ReleasedAmountCents: 2500,
		RefundedAmountCents: 2500,
		PolicyHash:          hash,
	}, DecisionManual, t0))

	// Not policy-derived, so the split is not recomputed against the
	// policy; only the pinned inputs are checked.
	assert.NoError(t, s.Replay(p, VerificationGreen))

	altered := p
	altered.GreenReleaseRatePct = 90
	assert.ErrorIs(t, s.Replay(altered, VerificationGreen), ErrReplayMismatch)

	// A stored split that does not cover the escrow is an integrity fault
	// regardless of decision mode.
	s.RefundedAmountCents = 0
	assert.ErrorIs(t, s.Replay(p, VerificationGreen), ErrReplayMismatch)
}

func TestDecideRounding(t *testing.T) {
	p := autoPolicy()
	p.AmberReleaseRatePct = 33
	d, err := Decide(p, 100, VerificationAmber)
	require.NoError(t, err)
	assert.Equal(t, int64(33), d.ReleasedAmountCents)
	assert.Equal(t, int64(67), d.RefundedAmountCents)
	assert.Equal(t, int64(100), d.ReleasedAmountCents+d.RefundedAmountCents)
}

func TestPolicyHashStable(t *testing.T) {
	h1, err := autoPolicy().Hash()
	require.NoError(t, err)
	h2, err := autoPolicy().Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	other := autoPolicy()
	other.AmberReleaseRatePct = 51
	h3, err := other.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

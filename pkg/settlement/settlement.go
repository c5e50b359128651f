// Package settlement implements the escrow settlement state machine: funds
// locked against a run, a deterministic release/refund policy replayed from
// immutable inputs, and the dispute/arbitration sub-lifecycle.
package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the escrow lifecycle state.
type Status string

const (
	StatusLocked   Status = "locked"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// DisputeStatus is the orthogonal dispute sub-state.
type DisputeStatus string

const (
	DisputeNone   DisputeStatus = "none"
	DisputeOpen   DisputeStatus = "open"
	DisputeClosed DisputeStatus = "closed"
)

// EscalationLevel orders dispute escalation; levels never move backward.
type EscalationLevel int

const (
	LevelNone EscalationLevel = iota
	LevelCounterparty
	LevelArbiter
	LevelExternal
)

// String returns the wire name of a level.
func (l EscalationLevel) String() string {
	switch l {
	case LevelCounterparty:
		return "l1_counterparty"
	case LevelArbiter:
		return "l2_arbiter"
	case LevelExternal:
		return "l3_external"
	default:
		return "none"
	}
}

// Decision modes recorded on a resolved settlement.
const (
	DecisionAutomatic = "automatic"
	DecisionManual    = "manual"
)

// VerificationStatus is the run's terminal verification outcome.
type VerificationStatus string

const (
	VerificationGreen VerificationStatus = "green"
	VerificationAmber VerificationStatus = "amber"
	VerificationRed   VerificationStatus = "red"
)

var (
	// ErrAlreadyResolved: the settlement left locked exactly once; a second
	// resolution to a different outcome is a conflict.
	ErrAlreadyResolved = errors.New("settlement: already resolved")

	// ErrNotLocked: the operation requires a locked settlement.
	ErrNotLocked = errors.New("settlement: not locked")

	// ErrDisputeWindowClosed: disputes only open before disputeWindowEndsAt.
	ErrDisputeWindowClosed = errors.New("settlement: dispute window closed")

	// ErrDisputeOpen: automatic resolution is blocked while a dispute is open.
	ErrDisputeOpen = errors.New("settlement: dispute open")

	// ErrEscalationBackward: escalation levels are monotonic.
	ErrEscalationBackward = errors.New("settlement: escalation cannot move backward")

	// ErrReplayMismatch: recomputing the decision from immutable inputs did
	// not reproduce the stored outcome. Integrity fault, never overwritten.
	ErrReplayMismatch = errors.New("settlement: policy replay mismatch")
)

// Settlement tracks escrowed funds for one run. Immutable after resolution
// except for dispute sub-fields while a dispute is open within the window.
type Settlement struct {
	SettlementID string `json:"settlementId"`
	RunID        string `json:"runId"`
	PayerAgentID string `json:"payerAgentId"`
	AgentID      string `json:"agentId"`
	AmountCents  int64  `json:"amountCents"`

	Status              Status    `json:"status"`
	LockedAt            time.Time `json:"lockedAt"`
	ResolvedAt          time.Time `json:"resolvedAt,omitempty"`
	ReleasedAmountCents int64     `json:"releasedAmountCents"`
	RefundedAmountCents int64     `json:"refundedAmountCents"`

	DisputeStatus       DisputeStatus   `json:"disputeStatus"`
	DisputeWindowEndsAt time.Time       `json:"disputeWindowEndsAt"`
	DisputeLevel        EscalationLevel `json:"disputeLevel"`
	DisputeOutcome      string          `json:"disputeOutcome,omitempty"`

	DecisionStatus     string `json:"decisionStatus,omitempty"` // "automatic" | "manual"
	DecisionPolicyHash string `json:"decisionPolicyHash,omitempty"`
}

// Lock creates a settlement in the locked state. The caller escrows the
// funds with a matching ledger posting in the same transaction.
func Lock(runID, payerAgentID, agentID string, amountCents int64, disputeWindow time.Duration, now time.Time) (*Settlement, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("settlement: amount must be positive, got %d", amountCents)
	}
	if runID == "" || payerAgentID == "" || agentID == "" {
		return nil, fmt.Errorf("settlement: run and agent ids are required")
	}
	return &Settlement{
		SettlementID:        uuid.NewString(),
		RunID:               runID,
		PayerAgentID:        payerAgentID,
		AgentID:             agentID,
		AmountCents:         amountCents,
		Status:              StatusLocked,
		LockedAt:            now.UTC(),
		DisputeStatus:       DisputeNone,
		DisputeWindowEndsAt: now.Add(disputeWindow).UTC(),
	}, nil
}

// Resolve applies a decision exactly once. mode is DecisionAutomatic or
// DecisionManual. Resolving an already-resolved settlement is a no-op when
// the outcome is identical and a conflict otherwise.
func (s *Settlement) Resolve(d Decision, mode string, now time.Time) error {
	if s.Status != StatusLocked {
		if s.Status == d.Status &&
			s.ReleasedAmountCents == d.ReleasedAmountCents &&
			s.RefundedAmountCents == d.RefundedAmountCents {
			return nil
		}
		return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, s.SettlementID, s.Status)
	}
	if d.ReleasedAmountCents+d.RefundedAmountCents != s.AmountCents {
		return fmt.Errorf("settlement: decision splits %d+%d, settlement holds %d",
			d.ReleasedAmountCents, d.RefundedAmountCents, s.AmountCents)
	}

	s.Status = d.Status
	s.ReleasedAmountCents = d.ReleasedAmountCents
	s.RefundedAmountCents = d.RefundedAmountCents
	s.DecisionStatus = mode
	s.DecisionPolicyHash = d.PolicyHash
	s.ResolvedAt = now.UTC()
	return nil
}

// AutoResolve applies the policy's deterministic decision when the policy
// mode is automatic and no dispute is open.
func (s *Settlement) AutoResolve(p Policy, vs VerificationStatus, now time.Time) error {
	if s.Status != StatusLocked {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, s.SettlementID, s.Status)
	}
	if p.Mode != PolicyAutomatic {
		return fmt.Errorf("settlement: policy mode is %s, automatic resolution refused", p.Mode)
	}
	if s.DisputeStatus == DisputeOpen {
		return fmt.Errorf("%w: settlement %s", ErrDisputeOpen, s.SettlementID)
	}
	d, err := Decide(p, s.AmountCents, vs)
	if err != nil {
		return err
	}
	return s.Resolve(d, DecisionAutomatic, now)
}

// OpenDispute enters the dispute sub-state. Legal only while locked and
// before the dispute window closes.
func (s *Settlement) OpenDispute(now time.Time) error {
	if s.Status != StatusLocked {
		return fmt.Errorf("%w: %s is %s", ErrNotLocked, s.SettlementID, s.Status)
	}
	if s.DisputeStatus != DisputeNone {
		return fmt.Errorf("settlement: dispute already %s on %s", s.DisputeStatus, s.SettlementID)
	}
	if !now.Before(s.DisputeWindowEndsAt) {
		return fmt.Errorf("%w: window ended %s", ErrDisputeWindowClosed, s.DisputeWindowEndsAt.Format(time.RFC3339))
	}
	s.DisputeStatus = DisputeOpen
	s.DisputeLevel = LevelCounterparty
	return nil
}

// Escalate raises an open dispute to a higher level. Never backward.
func (s *Settlement) Escalate(to EscalationLevel) error {
	if s.DisputeStatus != DisputeOpen {
		return fmt.Errorf("settlement: no open dispute on %s", s.SettlementID)
	}
	if to <= s.DisputeLevel {
		return fmt.Errorf("%w: at %s, requested %s", ErrEscalationBackward, s.DisputeLevel, to)
	}
	if to > LevelExternal {
		return fmt.Errorf("settlement: invalid escalation level %d", to)
	}
	s.DisputeLevel = to
	return nil
}

// CloseDispute records the dispute outcome. The caller must have verified
// any required verdict first (see Verdict.Verify); at the arbiter and
// external levels a verdict is mandatory.
func (s *Settlement) CloseDispute(outcome string) error {
	if s.DisputeStatus != DisputeOpen {
		return fmt.Errorf("settlement: no open dispute on %s", s.SettlementID)
	}
	if outcome == "" {
		return fmt.Errorf("settlement: dispute resolution outcome is required")
	}
	s.DisputeStatus = DisputeClosed
	s.DisputeOutcome = outcome
	return nil
}

// Replay re-checks the stored decision against its immutable inputs. An
// automatic decision is re-derived from the policy and must reproduce the
// stored split exactly. A manual decision is attested by its governance
// record, not derived from the policy, so only the pinned policy hash and
// the split-covers-amount invariant are checkable. A mismatch is a
// reportable integrity fault, never a silent overwrite.
func (s *Settlement) Replay(p Policy, vs VerificationStatus) error {
	if s.Status == StatusLocked {
		return fmt.Errorf("settlement: %s not resolved yet", s.SettlementID)
	}
	hash, err := p.Hash()
	if err != nil {
		return err
	}
	if hash != s.DecisionPolicyHash {
		return fmt.Errorf("%w: policy hash %s, stored %s", ErrReplayMismatch, hash, s.DecisionPolicyHash)
	}
	if s.ReleasedAmountCents+s.RefundedAmountCents != s.AmountCents {
		return fmt.Errorf("%w: stored split %d+%d does not cover %d",
			ErrReplayMismatch, s.ReleasedAmountCents, s.RefundedAmountCents, s.AmountCents)
	}
	if s.DecisionStatus != DecisionAutomatic {
		return nil
	}

	d, err := Decide(p, s.AmountCents, vs)
	if err != nil {
		return err
	}
	if d.Status != s.Status ||
		d.ReleasedAmountCents != s.ReleasedAmountCents ||
		d.RefundedAmountCents != s.RefundedAmountCents {
		return fmt.Errorf("%w: recomputed %s (%d/%d), stored %s (%d/%d)",
			ErrReplayMismatch,
			d.Status, d.ReleasedAmountCents, d.RefundedAmountCents,
			s.Status, s.ReleasedAmountCents, s.RefundedAmountCents)
	}
	return nil
}

package market

import (
	"errors"

	"github.com/Mindburn-Labs/settld/pkg/chain"
	"github.com/Mindburn-Labs/settld/pkg/crypto"
	"github.com/Mindburn-Labs/settld/pkg/idempotency"
	"github.com/Mindburn-Labs/settld/pkg/ledger"
	"github.com/Mindburn-Labs/settld/pkg/settlement"
	"github.com/Mindburn-Labs/settld/pkg/wal"
)

// Stable reason codes for the API boundary. Package sentinel errors map to
// these at the edge; internal callers keep matching with errors.Is.
const (
	ReasonChainBreak           = "CHAIN_BREAK"
	ReasonSignatureInvalid     = "SIGNATURE_INVALID"
	ReasonSignerUnknown        = "SIGNER_UNKNOWN"
	ReasonIdempotencyConflict  = "IDEMPOTENCY_CONFLICT"
	ReasonMissingPrecondition  = "MISSING_PRECONDITION"
	ReasonPreconditionMismatch = "PRECONDITION_MISMATCH"
	ReasonLedgerImbalance      = "LEDGER_IMBALANCE"
	ReasonDisputeWindowClosed  = "DISPUTE_WINDOW_CLOSED"
	ReasonSettlementResolved   = "SETTLEMENT_RESOLVED"
	ReasonReplayMismatch       = "REPLAY_MISMATCH"
	ReasonLogVersion           = "LOG_VERSION_UNSUPPORTED"
	ReasonInternal             = "INTERNAL"
)

// ReasonCode maps an error to its stable reason code.
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, chain.ErrChainBreak):
		return ReasonChainBreak
	case errors.Is(err, chain.ErrSignatureInvalid):
		return ReasonSignatureInvalid
	case errors.Is(err, crypto.ErrSignerUnknown):
		return ReasonSignerUnknown
	case errors.Is(err, idempotency.ErrConflict):
		return ReasonIdempotencyConflict
	case errors.Is(err, idempotency.ErrMissingPrecondition):
		return ReasonMissingPrecondition
	case errors.Is(err, idempotency.ErrPreconditionMismatch):
		return ReasonPreconditionMismatch
	case errors.Is(err, ledger.ErrImbalance):
		return ReasonLedgerImbalance
	case errors.Is(err, settlement.ErrDisputeWindowClosed):
		return ReasonDisputeWindowClosed
	case errors.Is(err, settlement.ErrAlreadyResolved):
		return ReasonSettlementResolved
	case errors.Is(err, settlement.ErrReplayMismatch):
		return ReasonReplayMismatch
	case errors.Is(err, wal.ErrLogVersion):
		return ReasonLogVersion
	default:
		return ReasonInternal
	}
}

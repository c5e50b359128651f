package settlement

import (
	"fmt"

	"github.com/Mindburn-Labs/settld/pkg/canonical"
)

// PolicyMode controls whether decisions apply without operator action.
type PolicyMode string

const (
	PolicyAutomatic PolicyMode = "automatic"
	PolicyManual    PolicyMode = "manual"
)

// Policy is a release/refund policy bound to an agreement. Its canonical
// hash is recorded with every decision so the decision is re-derivable from
// immutable inputs.
type Policy struct {
	Mode                PolicyMode `json:"mode"`
	GreenReleaseRatePct int        `json:"greenReleaseRatePct"`
	AmberReleaseRatePct int        `json:"amberReleaseRatePct"`
	RedReleaseRatePct   int        `json:"redReleaseRatePct"`
	DisputeWindowHours  int        `json:"disputeWindowHours"`
}

// Hash returns the canonical-form digest of the policy.
func (p Policy) Hash() (string, error) {
	return canonical.Hash(p)
}

// Validate checks mode and rate bounds.
func (p Policy) Validate() error {
	if p.Mode != PolicyAutomatic && p.Mode != PolicyManual {
		return fmt.Errorf("settlement: policy mode must be automatic or manual, got %q", p.Mode)
	}
	for _, pct := range []int{p.GreenReleaseRatePct, p.AmberReleaseRatePct, p.RedReleaseRatePct} {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("settlement: release rate %d out of range [0,100]", pct)
		}
	}
	return nil
}

// Decision is a computed release/refund split.
type Decision struct {
	Status              Status `json:"status"`
	ReleasedAmountCents int64  `json:"releasedAmountCents"`
	RefundedAmountCents int64  `json:"refundedAmountCents"`
	PolicyHash          string `json:"policyHash"`
}

// Decide computes the deterministic split for a verification status.
// Amounts are integer cents; the release share rounds down and the
// remainder refunds. A decision with any released amount resolves to
// released, a full refund resolves to refunded.
func Decide(p Policy, amountCents int64, vs VerificationStatus) (Decision, error) {
	if err := p.Validate(); err != nil {
		return Decision{}, err
	}
	var pct int
	switch vs {
	case VerificationGreen:
		pct = p.GreenReleaseRatePct
	case VerificationAmber:
		pct = p.AmberReleaseRatePct
	case VerificationRed:
		pct = p.RedReleaseRatePct
	default:
		return Decision{}, fmt.Errorf("settlement: unknown verification status %q", vs)
	}

	hash, err := p.Hash()
	if err != nil {
		return Decision{}, err
	}

	released := amountCents * int64(pct) / 100
	d := Decision{
		ReleasedAmountCents: released,
		RefundedAmountCents: amountCents - released,
		PolicyHash:          hash,
	}
	if released > 0 {
		d.Status = StatusReleased
	} else {
		d.Status = StatusRefunded
	}
	return d, nil
}

package settlement

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/settld/pkg/canonical"
	"github.com/Mindburn-Labs/settld/pkg/crypto"
)

// Verdict is a signed arbitration outcome. Verdicts are chained onto the
// governance stream by the marketplace service so they can be replayed and
// audited later.
type Verdict struct {
	CaseID       string    `json:"caseId"`
	SettlementID string    `json:"settlementId"`
	Level        string    `json:"level"`
	Outcome      string    `json:"outcome"`
	DecidedBy    string    `json:"decidedBy"`
	At           time.Time `json:"at"`
	Hash         string    `json:"hash"`
	SignerKeyID  string    `json:"signerKeyId"`
	Signature    string    `json:"signature"`
}

// ComputeHash returns the canonical digest of the verdict content (hash and
// signature fields excluded).
func (v *Verdict) ComputeHash() (string, error) {
	return canonical.Hash(map[string]any{
		"caseId":       v.CaseID,
		"settlementId": v.SettlementID,
		"level":        v.Level,
		"outcome":      v.Outcome,
		"decidedBy":    v.DecidedBy,
		"at":           v.At.UTC().Format(time.RFC3339Nano),
	})
}

// Sign computes the hash and attaches a detached signature over it.
func (v *Verdict) Sign(signer crypto.Signer) error {
	hash, err := v.ComputeHash()
	if err != nil {
		return err
	}
	sig, err := signer.Sign([]byte(hash))
	if err != nil {
		return fmt.Errorf("settlement: signing verdict: %w", err)
	}
	v.Hash = hash
	v.SignerKeyID = signer.KeyID()
	v.Signature = sig
	return nil
}

// Verify recomputes the hash and checks the signature against the named
// registered key. Any failure leaves the caller's settlement state
// untouched by construction: verification happens before state changes.
func (v *Verdict) Verify(keyring *crypto.Keyring) error {
	hash, err := v.ComputeHash()
	if err != nil {
		return err
	}
	if hash != v.Hash {
		return fmt.Errorf("settlement: verdict %s hash mismatch", v.CaseID)
	}
	ok, err := keyring.Verify(v.SignerKeyID, v.Signature, []byte(hash))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("settlement: verdict %s signature invalid for key %s", v.CaseID, v.SignerKeyID)
	}
	return nil
}

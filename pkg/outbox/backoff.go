package outbox

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy bounds delivery retries: exponential backoff with
// deterministic jitter, dead-lettering after MaxAttempts.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultBackoff is the documented default retry curve: 500ms base, doubled
// per attempt, capped at 60s, jitter up to 250ms, dead after 8 attempts.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{BaseMs: 500, MaxMs: 60_000, MaxJitterMs: 250, MaxAttempts: 8}
}

// Delay returns the backoff before the given attempt (0-based). Jitter is a
// PRF of the delivery id and attempt, so replays compute identical delays.
func (p BackoffPolicy) Delay(deliveryID string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}
	delay := p.BaseMs * factor
	if delay > p.MaxMs {
		delay = p.MaxMs
	}
	return time.Duration(delay+p.jitter(deliveryID, attempt)) * time.Millisecond
}

func (p BackoffPolicy) jitter(deliveryID string, attempt int) int64 {
	if p.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", deliveryID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(p.MaxJitterMs))
}

// Exhausted reports whether a delivery has used up its retry budget.
func (p BackoffPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

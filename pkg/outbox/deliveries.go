package outbox

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/settld/pkg/crypto"
)

var (
	// ErrDeliveryNotFound is returned for an unknown delivery id.
	ErrDeliveryNotFound = errors.New("outbox: delivery not found")

	// ErrAckMismatch: the acknowledgement does not match the stored
	// destination or artifact hash.
	ErrAckMismatch = errors.New("outbox: ack does not match delivery")
)

// DeliveryStore holds delivery records for one process. Creation is
// deduplicated per tenant by dedupe key: at most one logical delivery.
type DeliveryStore struct {
	mu       sync.RWMutex
	byID     map[string]*Delivery
	byDedupe map[string]string // tenant|dedupeKey -> deliveryID
	receipts map[string]Receipt
	observer func(Delivery)
	clock    func() time.Time
}

// NewDeliveryStore creates an empty store.
func NewDeliveryStore() *DeliveryStore {
	return &DeliveryStore{
		byID:     make(map[string]*Delivery),
		byDedupe: make(map[string]string),
		receipts: make(map[string]Receipt),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *DeliveryStore) WithClock(clock func() time.Time) *DeliveryStore {
	s.clock = clock
	return s
}

// SetObserver registers a callback invoked with a copy of every delivery
// whose state changes. Runs under the store lock; the observer must not
// call back into the store. Used for read-store mirrors.
func (s *DeliveryStore) SetObserver(fn func(Delivery)) {
	s.observer = fn
}

func (s *DeliveryStore) notify(d *Delivery) {
	if s.observer != nil {
		s.observer(*d)
	}
}

// Create registers a delivery. If the tenant already has a delivery with
// the same dedupe key, the existing record is returned unchanged.
func (s *DeliveryStore) Create(d Delivery) (*Delivery, bool, error) {
	if d.Tenant == "" || d.DedupeKey == "" {
		return nil, false, fmt.Errorf("outbox: tenant and dedupe key are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dedupe := d.Tenant + "|" + d.DedupeKey
	if id, ok := s.byDedupe[dedupe]; ok {
		existing := *s.byID[id]
		return &existing, false, nil
	}

	if d.DeliveryID == "" {
		d.DeliveryID = uuid.NewString()
	}
	d.State = DeliveryPending
	d.CreatedAt = s.clock()
	d.NextAttemptAt = d.CreatedAt

	stored := d
	s.byID[d.DeliveryID] = &stored
	s.byDedupe[dedupe] = d.DeliveryID
	s.notify(&stored)
	created := stored
	return &created, true, nil
}

// Get returns a copy of a delivery.
func (s *DeliveryStore) Get(id string) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeliveryNotFound, id)
	}
	out := *d
	return &out, nil
}

// Due returns pending deliveries whose next attempt is not after now, in
// business order: (ScopeKey, OrderSeq, Priority, DeliveryID) ascending.
func (s *DeliveryStore) Due(now time.Time, max int) []Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []Delivery
	for _, d := range s.byID {
		if d.State == DeliveryPending && !d.NextAttemptAt.After(now) {
			due = append(due, *d)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.ScopeKey != b.ScopeKey {
			return a.ScopeKey < b.ScopeKey
		}
		if a.OrderSeq != b.OrderSeq {
			return a.OrderSeq < b.OrderSeq
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.DeliveryID < b.DeliveryID
	})
	if max > 0 && len(due) > max {
		due = due[:max]
	}
	return due
}

// MarkDelivered transitions a pending delivery to delivered.
func (s *DeliveryStore) MarkDelivered(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeliveryNotFound, id)
	}
	d.State = DeliveryDelivered
	d.LastError = ""
	s.notify(d)
	return nil
}

// MarkFailed records a failed attempt and schedules the retry, or moves the
// delivery to dead once the policy's attempt budget is exhausted.
func (s *DeliveryStore) MarkFailed(id string, cause error, policy BackoffPolicy) (DeliveryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrDeliveryNotFound, id)
	}
	d.Attempts++
	if cause != nil {
		d.LastError = cause.Error()
	}
	if policy.Exhausted(d.Attempts) {
		d.State = DeliveryDead
		s.notify(d)
		return DeliveryDead, nil
	}
	d.NextAttemptAt = s.clock().Add(policy.Delay(d.DeliveryID, d.Attempts))
	s.notify(d)
	return DeliveryPending, nil
}

// Ack applies a destination-signed acknowledgement. The signature must
// verify against the destination's registered key, and the ack must match
// the stored destination and artifact hash. Acking an already-acked
// delivery returns the original receipt.
func (s *DeliveryStore) Ack(ack Ack, keyring *crypto.Keyring) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[ack.DeliveryID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeliveryNotFound, ack.DeliveryID)
	}

	if d.State == DeliveryAcked {
		r := s.receipts[d.DeliveryID]
		return &r, nil
	}

	if ack.DestinationID != d.DestinationID {
		return nil, fmt.Errorf("%w: destination %s", ErrAckMismatch, ack.DestinationID)
	}
	if d.ArtifactHash != "" && ack.ArtifactHash != d.ArtifactHash {
		return nil, fmt.Errorf("%w: artifact hash", ErrAckMismatch)
	}

	ok, err := keyring.Verify(ack.SignerKeyID, ack.Signature, []byte(ack.DeliveryID+"|"+ack.ArtifactHash))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("outbox: ack signature invalid for delivery %s", ack.DeliveryID)
	}

	ackedAt := ack.ReceivedAt
	if ackedAt.IsZero() {
		ackedAt = s.clock()
	}
	d.State = DeliveryAcked
	d.AckedAt = ackedAt
	s.notify(d)
	receipt := Receipt{DeliveryID: d.DeliveryID, ArtifactHash: d.ArtifactHash, AckedAt: ackedAt}
	s.receipts[d.DeliveryID] = receipt
	out := receipt
	return &out, nil
}

// ListDead returns dead-lettered deliveries for operator listing.
func (s *DeliveryStore) ListDead(tenant string) []Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Delivery
	for _, d := range s.byID {
		if d.State == DeliveryDead && (tenant == "" || d.Tenant == tenant) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeliveryID < out[j].DeliveryID })
	return out
}

// Requeue resets a dead delivery for another retry cycle. Operator action;
// attempts reset, dedupe key unchanged.
func (s *DeliveryStore) Requeue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeliveryNotFound, id)
	}
	if d.State != DeliveryDead {
		return fmt.Errorf("outbox: delivery %s is %s, only dead deliveries can be requeued", id, d.State)
	}
	d.State = DeliveryPending
	d.Attempts = 0
	d.LastError = ""
	d.NextAttemptAt = s.clock()
	s.notify(d)
	return nil
}

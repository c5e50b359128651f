// Package ledger implements a per-tenant double-entry ledger. Amounts are
// integer minor-currency units; no operation ever represents money as a
// floating-point value. The ledger is purely additive: entries are never
// edited or removed, corrections are posted as new balancing entries.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/settld/pkg/canonical"
)

// AccountType categorizes an account in the chart.
type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountRevenue   AccountType = "revenue"
	AccountExpense   AccountType = "expense"
	AccountReserve   AccountType = "reserve"
)

var (
	// ErrImbalance: postings do not sum to zero. Treated as a bug or
	// tampering; the entry is rejected outright.
	ErrImbalance = errors.New("ledger: entry postings do not balance")

	// ErrUnknownAccount: a posting names an account not in the chart.
	ErrUnknownAccount = errors.New("ledger: unknown account")
)

// Account is one account in a tenant's chart.
type Account struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Type AccountType `json:"type"`
}

// Posting moves a signed amount on one account.
type Posting struct {
	AccountID   string `json:"accountId"`
	AmountCents int64  `json:"amountCents"`
	Memo        string `json:"memo,omitempty"`
}

// Entry groups balanced postings. Hash is the canonical-form digest of the
// entry content, persisted for integrity checks on replay.
type Entry struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Memo     string    `json:"memo"`
	Postings []Posting `json:"postings"`
	Hash     string    `json:"hash"`
}

// Ledger is one tenant's journal plus running balances.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]Account
	entries  []Entry
	balances map[string]int64
	clock    func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		accounts: make(map[string]Account),
		balances: make(map[string]int64),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// AddAccount registers an account. Re-adding an identical account is a
// no-op; changing an existing account is rejected.
func (l *Ledger) AddAccount(acct Account) error {
	if acct.ID == "" {
		return fmt.Errorf("ledger: account id is required")
	}
	switch acct.Type {
	case AccountAsset, AccountLiability, AccountRevenue, AccountExpense, AccountReserve:
	default:
		return fmt.Errorf("ledger: invalid account type %q", acct.Type)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.accounts[acct.ID]; ok {
		if existing == acct {
			return nil
		}
		return fmt.Errorf("ledger: account %s already exists with different definition", acct.ID)
	}
	l.accounts[acct.ID] = acct
	return nil
}

// Account looks up an account by id.
func (l *Ledger) Account(id string) (Account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[id]
	return acct, ok
}

// NewEntry builds a balanced, hashed entry without posting it. Operations
// that persist entries through the command log build the entry first, put it
// in the durable record, and apply it to the projection with Restore, so a
// replay reconstructs the identical entry.
func NewEntry(postings []Posting, memo string, at time.Time) (Entry, error) {
	if len(postings) == 0 {
		return Entry{}, fmt.Errorf("ledger: entry requires at least one posting")
	}
	var sum int64
	for _, p := range postings {
		sum += p.AmountCents
	}
	if sum != 0 {
		return Entry{}, fmt.Errorf("%w: sum %d", ErrImbalance, sum)
	}

	entry := Entry{
		ID:       uuid.NewString(),
		At:       at.UTC(),
		Memo:     memo,
		Postings: append([]Posting(nil), postings...),
	}
	hash, err := canonical.Hash(map[string]any{
		"at":       entry.At.Format(time.RFC3339Nano),
		"memo":     entry.Memo,
		"postings": entry.Postings,
	})
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: hashing entry: %w", err)
	}
	entry.Hash = hash
	return entry, nil
}

// PostEntry appends a balanced entry and updates running balances.
func (l *Ledger) PostEntry(postings []Posting, memo string) (*Entry, error) {
	return l.PostEntryAt(postings, memo, time.Time{})
}

// PostEntryAt posts with an explicit timestamp; zero means now. Replay uses
// the recorded time so rebuilt entries hash identically.
func (l *Ledger) PostEntryAt(postings []Posting, memo string, at time.Time) (*Entry, error) {
	if len(postings) == 0 {
		return nil, fmt.Errorf("ledger: entry requires at least one posting")
	}
	var sum int64
	for _, p := range postings {
		sum += p.AmountCents
	}
	if sum != 0 {
		return nil, fmt.Errorf("%w: sum %d", ErrImbalance, sum)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range postings {
		if _, ok := l.accounts[p.AccountID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, p.AccountID)
		}
	}

	if at.IsZero() {
		at = l.clock()
	}
	entry := Entry{
		ID:       uuid.NewString(),
		At:       at.UTC(),
		Memo:     memo,
		Postings: append([]Posting(nil), postings...),
	}
	hash, err := canonical.Hash(map[string]any{
		"at":       entry.At.Format(time.RFC3339Nano),
		"memo":     entry.Memo,
		"postings": entry.Postings,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: hashing entry: %w", err)
	}
	entry.Hash = hash

	l.entries = append(l.entries, entry)
	for _, p := range postings {
		l.balances[p.AccountID] += p.AmountCents
	}
	return &entry, nil
}

// Restore re-inserts an already-hashed entry during projection replay. The
// stored hash must survive recomputation.
func (l *Ledger) Restore(entry Entry) error {
	hash, err := canonical.Hash(map[string]any{
		"at":       entry.At.UTC().Format(time.RFC3339Nano),
		"memo":     entry.Memo,
		"postings": entry.Postings,
	})
	if err != nil {
		return fmt.Errorf("ledger: hashing entry: %w", err)
	}
	if hash != entry.Hash {
		return fmt.Errorf("ledger: entry %s integrity hash mismatch", entry.ID)
	}

	var sum int64
	for _, p := range entry.Postings {
		sum += p.AmountCents
	}
	if sum != 0 {
		return fmt.Errorf("%w: sum %d in entry %s", ErrImbalance, sum, entry.ID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	for _, p := range entry.Postings {
		l.balances[p.AccountID] += p.AmountCents
	}
	return nil
}

// Balance returns the running balance of an account.
func (l *Ledger) Balance(accountID string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[accountID]
}

// ListEntries returns entries whose memo starts with memoPrefix, in posting
// order. An empty prefix lists everything.
func (l *Ledger) ListEntries(memoPrefix string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if memoPrefix == "" || strings.HasPrefix(e.Memo, memoPrefix) {
			out = append(out, e)
		}
	}
	return out
}

// Reconcile recomputes every account balance from the journal and compares
// against the running balances. A mismatch is an integrity fault.
func (l *Ledger) Reconcile() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	recomputed := make(map[string]int64, len(l.balances))
	for _, e := range l.entries {
		for _, p := range e.Postings {
			recomputed[p.AccountID] += p.AmountCents
		}
	}
	for id, bal := range l.balances {
		if recomputed[id] != bal {
			return fmt.Errorf("ledger: account %s balance %d does not reconcile to journal sum %d", id, bal, recomputed[id])
		}
	}
	for id, sum := range recomputed {
		if l.balances[id] != sum {
			return fmt.Errorf("ledger: account %s journal sum %d missing from balances", id, sum)
		}
	}
	return nil
}

package market

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/settld/pkg/chain"
	"github.com/Mindburn-Labs/settld/pkg/crypto"
	"github.com/Mindburn-Labs/settld/pkg/idempotency"
	"github.com/Mindburn-Labs/settld/pkg/ledger"
	"github.com/Mindburn-Labs/settld/pkg/outbox"
	"github.com/Mindburn-Labs/settld/pkg/settlement"
	"github.com/Mindburn-Labs/settld/pkg/store"
	"github.com/Mindburn-Labs/settld/pkg/wal"
)

// Snapshot entity names used in upsert_snapshot ops.
const (
	entityTask          = "task"
	entityBid           = "bid"
	entityAgreement     = "agreement"
	entityRun           = "run"
	entityWallet        = "wallet"
	entitySettlement    = "settlement"
	entityPolicy        = "policy"
	entityLedgerAccount = "ledger_account"
	entityLedgerEntry   = "ledger_entry"
)

// defaultPolicyID is the per-tenant policy snapshot id.
const defaultPolicyID = "default"

// snapshotOp is the payload of an upsert_snapshot operation.
type snapshotOp struct {
	Entity string          `json:"entity"`
	Tenant string          `json:"tenantId"`
	ID     string          `json:"id"`
	Data   json.RawMessage `json:"data"`
}

// chainedOp is the payload of an append_chained operation.
type chainedOp struct {
	Tenant string      `json:"tenantId"`
	Event  chain.Event `json:"event"`
}

// idemPutOp is the payload of a put_idempotency operation.
type idemPutOp struct {
	Key    string             `json:"key"`
	Record idempotency.Record `json:"record"`
}

// signerPayload is the payload of an identity-stream registration event.
type signerPayload struct {
	KeyID     string `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

// Projections holds every in-memory view derived from the command log. All
// mutation happens in Apply; operations read through the accessors and
// express their writes as log operations.
type Projections struct {
	platform *crypto.Keyring

	tasks       *store.Repo[Task]
	bids        *store.Repo[Bid]
	agreements  *store.Repo[Agreement]
	runs        *store.Repo[Run]
	wallets     *store.Repo[Wallet]
	settlements *store.Repo[settlement.Settlement]
	policies    *store.Repo[settlement.Policy]

	mu       sync.RWMutex
	ledgers  map[string]*ledger.Ledger
	keyrings map[string]*crypto.Keyring
	streams  map[string]*chain.Stream // tenant|streamID
	audits   map[string][]wal.AuditOp

	onLedgerEntry func(tenant string, e ledger.Entry)

	queue *outbox.Queue
	idem  idempotency.Store
}

// NewProjections creates empty projections. platform holds the
// platform-owned signer keys every tenant trusts; each tenant gets its own
// keyring seeded from it, so keys registered by one tenant never verify
// another tenant's events, verdicts, or acks. Identity events register keys
// into the tenant keyring as they apply, so replay restores the full signer
// set before any dependent event is verified.
func NewProjections(platform *crypto.Keyring, idem idempotency.Store) *Projections {
	if idem == nil {
		idem = idempotency.NewMemoryStore()
	}
	return &Projections{
		platform:    platform,
		tasks:       store.NewRepo[Task](),
		bids:        store.NewRepo[Bid](),
		agreements:  store.NewRepo[Agreement](),
		runs:        store.NewRepo[Run](),
		wallets:     store.NewRepo[Wallet](),
		settlements: store.NewRepo[settlement.Settlement](),
		policies:    store.NewRepo[settlement.Policy](),
		ledgers:     make(map[string]*ledger.Ledger),
		keyrings:    make(map[string]*crypto.Keyring),
		streams:     make(map[string]*chain.Stream),
		audits:      make(map[string][]wal.AuditOp),
		queue:       outbox.NewQueue(),
		idem:        idem,
	}
}

// SetLedgerEntryHook registers a callback invoked after every ledger entry
// applies, at commit and at replay. Used for metrics and read-store mirrors.
func (p *Projections) SetLedgerEntryHook(h func(tenant string, e ledger.Entry)) {
	p.onLedgerEntry = h
}

// Apply applies one committed record in op order. Called by the log under
// its serialization guarantees, both at commit and replay.
func (p *Projections) Apply(rec *wal.Record) error {
	for i, op := range rec.Ops {
		if err := p.applyOp(op); err != nil {
			return fmt.Errorf("market: op %d (%s) in tx %s: %w", i, op.Kind, rec.TxID, err)
		}
	}
	return nil
}

func (p *Projections) applyOp(op wal.Op) error {
	switch op.Kind {
	case wal.OpCounter:
		// Owned by the log itself.
		return nil
	case wal.OpUpsertSnapshot:
		var s snapshotOp
		if err := json.Unmarshal(op.Data, &s); err != nil {
			return err
		}
		return p.applySnapshot(s)
	case wal.OpAppendChained:
		var c chainedOp
		if err := json.Unmarshal(op.Data, &c); err != nil {
			return err
		}
		return p.applyChained(c)
	case wal.OpAppendOutbox:
		var e outbox.Entry
		if err := json.Unmarshal(op.Data, &e); err != nil {
			return err
		}
		p.queue.Append(e)
		return nil
	case wal.OpPutIdempotency:
		var ip idemPutOp
		if err := json.Unmarshal(op.Data, &ip); err != nil {
			return err
		}
		return p.idem.Put(context.Background(), ip.Key, ip.Record)
	case wal.OpAppendAudit:
		var a wal.AuditOp
		if err := json.Unmarshal(op.Data, &a); err != nil {
			return err
		}
		p.mu.Lock()
		p.audits[a.Tenant] = append(p.audits[a.Tenant], a)
		p.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

func (p *Projections) applySnapshot(s snapshotOp) error {
	switch s.Entity {
	case entityTask:
		var v Task
		if err := json.Unmarshal(s.Data, &v); err != nil {
			return err
		}
		p.tasks.Put(s.Tenant, s.ID, v)
	case entityBid:
		var v Bid
		if err := json.Unmarshal(s.Data, &v); err != nil {
			return err
		}
		p.bids.Put(s.Tenant, s.ID, v)
	case entityAgreement:
		var v Agreement
		if err := json.Unmarshal(s.Data, &v); err != nil {
			return err
		}
		p.agreements.Put(s.Tenant, s.ID, v)
	case entityRun:
		var v Run
		if err := json.Unmarshal(s.Data, &v); err != nil {
			return err
		}
		p.runs.Put(s.Tenant, s.ID, v)
	case entityWallet:
		var v Wallet
		if err := json.Unmarshal(s.Data, &v); err != nil {
			return err
		}
		p.wallets.Put(s.Tenant, s.ID, v)
	case entitySettlement:
		var v settlement.Settlement
		if err := json.Unmarshal(s.Data, &v); err != nil {
			return err
		}
		p.settlements.Put(s.Tenant, s.ID, v)
	case entityPolicy:
		var v settlement.Policy
		if err := json.Unmarshal(s.Data, &v); err != nil {
			return err
		}
		p.policies.Put(s.Tenant, s.ID, v)
	case entityLedgerAccount:
		var v ledger.Account
		if err := json.Unmarshal(s.Data, &v); err != nil {
			return err
		}
		return p.ledgerFor(s.Tenant).AddAccount(v)
	case entityLedgerEntry:
		var v ledger.Entry
		if err := json.Unmarshal(s.Data, &v); err != nil {
			return err
		}
		if err := p.ledgerFor(s.Tenant).Restore(v); err != nil {
			return err
		}
		if p.onLedgerEntry != nil {
			p.onLedgerEntry(s.Tenant, v)
		}
	default:
		return fmt.Errorf("unknown snapshot entity %q", s.Entity)
	}
	return nil
}

// applyChained appends a chained event to its stream with full validation
// against the tenant's keyring. Identity registrations add their key first,
// so the very event announcing a key can be signed by it.
func (p *Projections) applyChained(c chainedOp) error {
	ev := c.Event
	keyring := p.keyringFor(c.Tenant)
	if ev.StreamID == StreamIdentity && ev.Type == "signer.registered" {
		var sp signerPayload
		if err := json.Unmarshal(ev.Payload, &sp); err != nil {
			return fmt.Errorf("decoding signer registration: %w", err)
		}
		if err := keyring.Register(sp.KeyID, sp.PublicKey); err != nil {
			return err
		}
	}

	p.mu.Lock()
	key := c.Tenant + "|" + ev.StreamID
	s, ok := p.streams[key]
	if !ok {
		s = chain.NewStream(ev.StreamID)
		p.streams[key] = s
	}
	p.mu.Unlock()

	return s.Append(ev, keyring)
}

func (p *Projections) keyringFor(tenant string) *crypto.Keyring {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.keyrings[tenant]
	if !ok {
		k = p.platform.Clone()
		p.keyrings[tenant] = k
	}
	return k
}

// Keyring returns a tenant's signer key registry: the platform keys plus
// every key the tenant's identity stream has registered.
func (p *Projections) Keyring(tenant string) *crypto.Keyring {
	return p.keyringFor(tenant)
}

func (p *Projections) ledgerFor(tenant string) *ledger.Ledger {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.ledgers[tenant]
	if !ok {
		l = ledger.New()
		p.ledgers[tenant] = l
	}
	return l
}

// Ledger returns a tenant's ledger, or nil before provisioning.
func (p *Projections) Ledger(tenant string) *ledger.Ledger {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ledgers[tenant]
}

// StreamHead returns the chain head of a tenant's stream; GenesisHash when
// the stream has no events yet.
func (p *Projections) StreamHead(tenant, streamID string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.streams[tenant+"|"+streamID]
	if !ok {
		return chain.GenesisHash
	}
	return s.Head()
}

// StreamEvents returns a copy of a tenant's stream in append order.
func (p *Projections) StreamEvents(tenant, streamID string) []chain.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.streams[tenant+"|"+streamID]
	if !ok {
		return nil
	}
	return s.Events()
}

// Provisioned reports whether EnsureTenant has committed for a tenant.
func (p *Projections) Provisioned(tenant string) bool {
	_, ok := p.policies.Get(tenant, defaultPolicyID)
	return ok
}

// Policy returns the tenant's settlement policy.
func (p *Projections) Policy(tenant string) (settlement.Policy, bool) {
	return p.policies.Get(tenant, defaultPolicyID)
}

// Task returns a tenant's task by id.
func (p *Projections) Task(tenant, id string) (Task, bool) { return p.tasks.Get(tenant, id) }

// Bid returns a tenant's bid by id.
func (p *Projections) Bid(tenant, id string) (Bid, bool) { return p.bids.Get(tenant, id) }

// Agreement returns a tenant's agreement by id.
func (p *Projections) Agreement(tenant, id string) (Agreement, bool) {
	return p.agreements.Get(tenant, id)
}

// Run returns a tenant's run by id.
func (p *Projections) Run(tenant, id string) (Run, bool) { return p.runs.Get(tenant, id) }

// Wallet returns a tenant's wallet for an agent; zero-balance when absent.
func (p *Projections) Wallet(tenant, agentID string) Wallet {
	w, ok := p.wallets.Get(tenant, agentID)
	if !ok {
		return Wallet{AgentID: agentID}
	}
	return w
}

// Settlement returns a tenant's settlement by id.
func (p *Projections) Settlement(tenant, id string) (settlement.Settlement, bool) {
	return p.settlements.Get(tenant, id)
}

// Outbox returns the outbox entry projection.
func (p *Projections) Outbox() *outbox.Queue { return p.queue }

// IdempotencyStore returns the store backing the guard.
func (p *Projections) IdempotencyStore() idempotency.Store { return p.idem }

// AuditTrail returns a tenant's audit records in commit order.
func (p *Projections) AuditTrail(tenant string) []wal.AuditOp {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]wal.AuditOp, len(p.audits[tenant]))
	copy(out, p.audits[tenant])
	return out
}

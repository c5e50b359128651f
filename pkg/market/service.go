package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/settld/pkg/canonical"
	"github.com/Mindburn-Labs/settld/pkg/chain"
	"github.com/Mindburn-Labs/settld/pkg/crypto"
	"github.com/Mindburn-Labs/settld/pkg/evidence"
	"github.com/Mindburn-Labs/settld/pkg/idempotency"
	"github.com/Mindburn-Labs/settld/pkg/ledger"
	"github.com/Mindburn-Labs/settld/pkg/observability"
	"github.com/Mindburn-Labs/settld/pkg/outbox"
	"github.com/Mindburn-Labs/settld/pkg/settlement"
	"github.com/Mindburn-Labs/settld/pkg/store"
	"github.com/Mindburn-Labs/settld/pkg/wal"
)

// Default chart of accounts, provisioned per tenant by EnsureTenant.
const (
	AccountPayerAvailable  = "payer_available"
	AccountEscrowLiability = "escrow_liability"
	AccountPayeePayable    = "payee_payable"
	AccountPlatformRevenue = "platform_revenue"
	AccountDisputeReserve  = "dispute_reserve"
)

var defaultAccounts = []ledger.Account{
	{ID: AccountPayerAvailable, Name: "Payer available funds", Type: ledger.AccountAsset},
	{ID: AccountEscrowLiability, Name: "Escrow holds", Type: ledger.AccountLiability},
	{ID: AccountPayeePayable, Name: "Payee payable", Type: ledger.AccountLiability},
	{ID: AccountPlatformRevenue, Name: "Platform revenue", Type: ledger.AccountRevenue},
	{ID: AccountDisputeReserve, Name: "Dispute reserve", Type: ledger.AccountReserve},
}

// DefaultPolicy is the settlement policy bound to a tenant at provisioning
// when no profile overrides it.
func DefaultPolicy() settlement.Policy {
	return settlement.Policy{
		Mode:                settlement.PolicyAutomatic,
		GreenReleaseRatePct: 100,
		AmberReleaseRatePct: 50,
		RedReleaseRatePct:   0,
		DisputeWindowHours:  72,
	}
}

// topicNotify is the outbox topic whose entries become deliveries.
const topicNotify = "notify"

// Endpoint names scope idempotency keys.
const (
	endpointCreateTask        = "tasks.create"
	endpointPlaceBid          = "bids.place"
	endpointAcceptBid         = "bids.accept"
	endpointAppendJobEvent    = "jobs.append"
	endpointAppendRunEvent    = "runs.append"
	endpointCompleteRun       = "runs.complete"
	endpointAttachEvidence    = "runs.evidence"
	endpointRegisterSigner    = "identity.register"
	endpointOpenDispute       = "disputes.open"
	endpointEscalateDispute   = "disputes.escalate"
	endpointCloseDispute      = "disputes.close"
	endpointResolveSettlement = "settlements.resolve"
)

// Options configures a Service.
type Options struct {
	// Signer signs platform-authored chain events. Must be stable across
	// restarts: replayed events verify against it. Generated when nil,
	// which only suits throwaway processes.
	Signer crypto.Signer

	// IdempotencyStore backs the guard; in-process projection when nil.
	IdempotencyStore idempotency.Store

	// Sink delivers due deliveries. Discards with a debug log when nil.
	Sink outbox.Sink

	// Evidence stores attached run evidence blobs. In-process when nil.
	Evidence evidence.Store

	// DefaultPolicy overrides the built-in settlement policy.
	DefaultPolicy *settlement.Policy

	// ReadStores mirrors deliveries and ledger entries into SQLite for
	// operational queries. Optional; the mirrors are rebuilt on replay.
	ReadStores *store.ReadStores

	Backoff            outbox.BackoffPolicy
	MaxDrain           int
	DispatchTimeout    time.Duration
	DispatchRatePerSec float64

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Service is the marketplace orchestration layer. One Service per process;
// operations for one tenant are serialized end to end, so a read-draft-commit
// sequence never races another writer of the same tenant.
type Service struct {
	log        *wal.Log
	proj       *Projections
	guard      *idempotency.Guard
	signer     crypto.Signer
	schemas    *SchemaSet
	deliveries *outbox.DeliveryStore
	worker     *outbox.Worker
	evidence   evidence.Store
	readStores *store.ReadStores

	defaultPolicy settlement.Policy
	metrics       *observability.Metrics
	logger        *slog.Logger
	clock         func() time.Time

	tenantMu sync.Map // tenant -> *sync.Mutex
}

// NewService opens (or replays) the command log at walPath and wires the
// projections, guard, and outbox worker.
func NewService(walPath string, opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	signer := opts.Signer
	if signer == nil {
		var err error
		signer, err = crypto.NewEd25519Signer("platform")
		if err != nil {
			return nil, err
		}
		logger.Warn("market: generated ephemeral platform signer; replay after restart will fail without a stable key")
	}

	keyring := crypto.NewKeyring()
	if err := keyring.Register(signer.KeyID(), signer.PublicKey()); err != nil {
		return nil, err
	}

	schemas, err := NewSchemaSet()
	if err != nil {
		return nil, err
	}

	policy := DefaultPolicy()
	if opts.DefaultPolicy != nil {
		policy = *opts.DefaultPolicy
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	proj := NewProjections(keyring, opts.IdempotencyStore)
	// Installed before Open so replayed entries hit the mirror and the
	// counter the same way freshly committed entries do.
	proj.SetLedgerEntryHook(func(tenant string, e ledger.Entry) {
		ctx := context.Background()
		if opts.Metrics != nil {
			opts.Metrics.LedgerEntries.Add(ctx, 1)
		}
		if opts.ReadStores != nil {
			if err := opts.ReadStores.Ledger.Insert(ctx, tenant, e); err != nil {
				logger.Warn("market: mirroring ledger entry failed", "entryId", e.ID, "error", err)
			}
		}
	})
	log, err := wal.Open(walPath, proj, logger)
	if err != nil {
		return nil, err
	}
	if opts.Metrics != nil && log.Replayed() > 0 {
		opts.Metrics.RecordsReplayed.Add(context.Background(), int64(log.Replayed()))
	}

	blobs := opts.Evidence
	if blobs == nil {
		blobs = evidence.NewMemoryStore()
	}

	s := &Service{
		log:           log,
		proj:          proj,
		guard:         idempotency.NewGuard(proj.IdempotencyStore()),
		signer:        signer,
		schemas:       schemas,
		deliveries:    outbox.NewDeliveryStore(),
		evidence:      blobs,
		readStores:    opts.ReadStores,
		defaultPolicy: policy,
		metrics:       opts.Metrics,
		logger:        logger,
		clock:         time.Now,
	}

	if opts.ReadStores != nil {
		s.deliveries.SetObserver(func(d outbox.Delivery) {
			if err := opts.ReadStores.Deliveries.Upsert(context.Background(), d); err != nil {
				logger.Warn("market: mirroring delivery failed", "deliveryId", d.DeliveryID, "error", err)
			}
		})
	}

	var onDispatched func(ctx context.Context, e outbox.Entry)
	var onDeadLetter func(ctx context.Context, d outbox.Delivery)
	if m := opts.Metrics; m != nil {
		onDispatched = func(ctx context.Context, _ outbox.Entry) { m.OutboxDispatched.Add(ctx, 1) }
		onDeadLetter = func(ctx context.Context, _ outbox.Delivery) { m.DeliveriesDead.Add(ctx, 1) }
	}

	sink := opts.Sink
	if sink == nil {
		sink = discardSink{logger: logger}
	}
	s.worker = outbox.NewWorker(proj.Outbox(), newWALCursors(log), s.deliveries, sink, outbox.WorkerOptions{
		Backoff:            opts.Backoff,
		DispatchTimeout:    opts.DispatchTimeout,
		DispatchRatePerSec: opts.DispatchRatePerSec,
		Logger:             logger,
		OnDispatched:       onDispatched,
		OnDeadLetter:       onDeadLetter,
	})
	s.worker.Handle(topicNotify, s.createDelivery)

	maxDrain := opts.MaxDrain
	if maxDrain == 0 {
		maxDrain = 256
	}
	log.SetDrainHook(func(ctx context.Context) {
		if err := s.worker.Drain(ctx, maxDrain); err != nil {
			logger.Warn("market: outbox drain failed", "error", err)
		}
		if err := s.worker.DispatchDeliveries(ctx, maxDrain); err != nil {
			logger.Warn("market: delivery dispatch failed", "error", err)
		}
	})
	return s, nil
}

// WithClock overrides every component clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	s.log.WithClock(clock)
	s.worker.WithClock(clock)
	s.deliveries.WithClock(clock)
	return s
}

// Close closes the command log and, when configured, the read-model db.
func (s *Service) Close() error {
	err := s.log.Close()
	if s.readStores != nil {
		if cerr := s.readStores.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ReadStores returns the SQLite read models, nil unless configured.
func (s *Service) ReadStores() *store.ReadStores { return s.readStores }

// Keyring returns a tenant's signer key registry: the platform keys plus
// the keys the tenant's identity stream has registered.
func (s *Service) Keyring(tenant string) *crypto.Keyring { return s.proj.Keyring(tenant) }

// Projections returns the read side.
func (s *Service) Projections() *Projections { return s.proj }

// Worker returns the outbox worker, for externally triggered drains.
func (s *Service) Worker() *outbox.Worker { return s.worker }

// Deliveries returns the delivery store.
func (s *Service) Deliveries() *outbox.DeliveryStore { return s.deliveries }

// EnsureTenant provisions the tenant's ledger chart and default settlement
// policy. Idempotent; invoked at the start of every tenant-scoped operation.
func (s *Service) EnsureTenant(ctx context.Context, tenant string) error {
	mu := s.lockTenant(tenant)
	defer mu.Unlock()
	return s.ensureTenantLocked(ctx, tenant)
}

func (s *Service) ensureTenantLocked(ctx context.Context, tenant string) error {
	if tenant == "" {
		return fmt.Errorf("market: tenant id is required")
	}
	if s.proj.Provisioned(tenant) {
		return nil
	}

	ops := make([]wal.Op, 0, len(defaultAccounts)+1)
	for _, acct := range defaultAccounts {
		op, err := snapOp(entityLedgerAccount, tenant, acct.ID, acct)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}
	op, err := snapOp(entityPolicy, tenant, defaultPolicyID, s.defaultPolicy)
	if err != nil {
		return err
	}
	ops = append(ops, op)

	_, err = s.commit(ctx, tenant, ops, &wal.AuditOp{Actor: "system", Action: "tenant.provisioned"})
	if err != nil {
		return err
	}
	s.logger.Info("market: tenant provisioned", "tenant", tenant)
	return nil
}

// CreateTask publishes a task offer and opens its job stream.
func (s *Service) CreateTask(ctx context.Context, tenant, actor, idemKey string, req TaskRequest) (*Task, error) {
	mu := s.lockTenant(tenant)
	defer mu.Unlock()
	if err := s.ensureTenantLocked(ctx, tenant); err != nil {
		return nil, err
	}
	stored, fp, err := s.guard.Check(ctx, tenant, endpointCreateTask, idemKey, req)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return replay[Task](s, ctx, stored)
	}

	if req.Title == "" {
		return nil, fmt.Errorf("market: task title is required")
	}
	if req.BudgetCents <= 0 {
		return nil, fmt.Errorf("market: task budget must be positive, got %d", req.BudgetCents)
	}

	now := s.clock()
	task := Task{
		TaskID:      uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		BudgetCents: req.BudgetCents,
		Status:      TaskOpen,
		CreatedBy:   actor,
		CreatedAt:   now.UTC(),
	}

	taskOp, err := snapOp(entityTask, tenant, task.TaskID, task)
	if err != nil {
		return nil, err
	}
	_, evOp, err := s.appendSigned(tenant, JobStreamID(task.TaskID), "job.created", actor, map[string]any{
		"taskId":      task.TaskID,
		"title":       task.Title,
		"budgetCents": task.BudgetCents,
	}, chain.GenesisHash)
	if err != nil {
		return nil, err
	}
	ops, err := withIdem(tenant, endpointCreateTask, idemKey, fp, task, taskOp, evOp)
	if err != nil {
		return nil, err
	}

	audit := &wal.AuditOp{Actor: actor, Action: "task.created", Detail: map[string]any{"taskId": task.TaskID}}
	if _, err := s.commit(ctx, tenant, ops, audit); err != nil {
		return nil, err
	}
	return &task, nil
}

// PlaceBid records an agent's bid on an open task.
func (s *Service) PlaceBid(ctx context.Context, tenant, actor, idemKey string, req BidRequest) (*Bid, error) {
	mu := s.lockTenant(tenant)
	defer mu.Unlock()
	if err := s.ensureTenantLocked(ctx, tenant); err != nil {
		return nil, err
	}
	stored, fp, err := s.guard.Check(ctx, tenant, endpointPlaceBid, idemKey, req)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return replay[Bid](s, ctx, stored)
	}

	task, ok := s.proj.Task(tenant, req.TaskID)
	if !ok {
		return nil, fmt.Errorf("market: task %s not found", req.TaskID)
	}
	if task.Status != TaskOpen {
		return nil, fmt.Errorf("market: task %s is %s, bids closed", task.TaskID, task.Status)
	}
	if req.AgentID == "" {
		return nil, fmt.Errorf("market: bidder agent id is required")
	}
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("market: bid amount must be positive, got %d", req.AmountCents)
	}

	bid := Bid{
		BidID:       uuid.NewString(),
		TaskID:      task.TaskID,
		AgentID:     req.AgentID,
		AmountCents: req.AmountCents,
		Note:        req.Note,
		Status:      BidOpen,
		CreatedAt:   s.clock().UTC(),
	}

	bidOp, err := snapOp(entityBid, tenant, bid.BidID, bid)
	if err != nil {
		return nil, err
	}
	_, evOp, err := s.appendSigned(tenant, JobStreamID(task.TaskID), "job.bid_placed", actor, map[string]any{
		"bidId":       bid.BidID,
		"agentId":     bid.AgentID,
		"amountCents": bid.AmountCents,
	}, s.proj.StreamHead(tenant, JobStreamID(task.TaskID)))
	if err != nil {
		return nil, err
	}
	ops, err := withIdem(tenant, endpointPlaceBid, idemKey, fp, bid, bidOp, evOp)
	if err != nil {
		return nil, err
	}

	audit := &wal.AuditOp{Actor: actor, Action: "bid.placed", Detail: map[string]any{"bidId": bid.BidID, "taskId": task.TaskID}}
	if _, err := s.commit(ctx, tenant, ops, audit); err != nil {
		return nil, err
	}
	return &bid, nil
}

// AcceptBid awards a task: it creates the agreement and run, locks the
// escrow settlement, posts the escrow hold to the ledger, and notifies the
// awarded agent through the outbox, all in one committed record.
func (s *Service) AcceptBid(ctx context.Context, tenant, actor, idemKey, taskID, bidID string) (*Agreement, error) {
	mu := s.lockTenant(tenant)
	defer mu.Unlock()
	if err := s.ensureTenantLocked(ctx, tenant); err != nil {
		return nil, err
	}
	body := map[string]string{"taskId": taskID, "bidId": bidID}
	stored, fp, err := s.guard.Check(ctx, tenant, endpointAcceptBid, idemKey, body)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return replay[Agreement](s, ctx, stored)
	}

	task, ok := s.proj.Task(tenant, taskID)
	if !ok {
		return nil, fmt.Errorf("market: task %s not found", taskID)
	}
	if task.Status != TaskOpen {
		return nil, fmt.Errorf("market: task %s is already %s", taskID, task.Status)
	}
	bid, ok := s.proj.Bid(tenant, bidID)
	if !ok || bid.TaskID != taskID {
		return nil, fmt.Errorf("market: bid %s not found on task %s", bidID, taskID)
	}
	if bid.Status != BidOpen {
		return nil, fmt.Errorf("market: bid %s is already %s", bidID, bid.Status)
	}
	policy, ok := s.proj.Policy(tenant)
	if !ok {
		return nil, fmt.Errorf("market: tenant %s has no settlement policy", tenant)
	}
	policyHash, err := policy.Hash()
	if err != nil {
		return nil, err
	}

	now := s.clock()
	runID := uuid.NewString()
	window := time.Duration(policy.DisputeWindowHours) * time.Hour
	if window == 0 {
		window = 72 * time.Hour
	}
	stl, err := settlement.Lock(runID, task.CreatedBy, bid.AgentID, bid.AmountCents, window, now)
	if err != nil {
		return nil, err
	}

	terms := AgreementTerms{
		TaskID:       taskID,
		BidID:        bidID,
		PayerAgentID: task.CreatedBy,
		AgentID:      bid.AgentID,
		AmountCents:  bid.AmountCents,
		PolicyHash:   policyHash,
	}
	termsHash, err := canonical.Hash(terms)
	if err != nil {
		return nil, err
	}
	agreement := Agreement{
		AgreementID:  uuid.NewString(),
		TaskID:       taskID,
		BidID:        bidID,
		PayerAgentID: task.CreatedBy,
		AgentID:      bid.AgentID,
		AmountCents:  bid.AmountCents,
		TermsHash:    termsHash,
		RunID:        runID,
		SettlementID: stl.SettlementID,
		CreatedAt:    now.UTC(),
	}
	run := Run{
		RunID:        runID,
		AgreementID:  agreement.AgreementID,
		TaskID:       taskID,
		AgentID:      bid.AgentID,
		SettlementID: stl.SettlementID,
		Status:       RunRunning,
		StartedAt:    now.UTC(),
	}

	entry, err := ledger.NewEntry([]ledger.Posting{
		{AccountID: AccountPayerAvailable, AmountCents: -bid.AmountCents},
		{AccountID: AccountEscrowLiability, AmountCents: bid.AmountCents},
	}, "settlement:"+stl.SettlementID+":lock", now)
	if err != nil {
		return nil, err
	}
	payerWallet := s.proj.Wallet(tenant, task.CreatedBy)
	payerWallet.BalanceCents -= bid.AmountCents

	task.Status = TaskAwarded
	bid.Status = BidAccepted

	var ops []wal.Op
	for _, snap := range []struct {
		entity, id string
		v          any
	}{
		{entityTask, task.TaskID, task},
		{entityBid, bid.BidID, bid},
		{entityAgreement, agreement.AgreementID, agreement},
		{entityRun, run.RunID, run},
		{entitySettlement, stl.SettlementID, *stl},
		{entityWallet, payerWallet.AgentID, payerWallet},
		{entityLedgerEntry, entry.ID, entry},
	} {
		op, err := snapOp(snap.entity, tenant, snap.id, snap.v)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	_, jobOp, err := s.appendSigned(tenant, JobStreamID(taskID), "job.awarded", actor, map[string]any{
		"agreementId": agreement.AgreementID,
		"bidId":       bidID,
		"agentId":     bid.AgentID,
	}, s.proj.StreamHead(tenant, JobStreamID(taskID)))
	if err != nil {
		return nil, err
	}
	_, runOp, err := s.appendSigned(tenant, RunStreamID(runID), "run.started", actor, map[string]any{
		"runId":       runID,
		"agreementId": agreement.AgreementID,
	}, chain.GenesisHash)
	if err != nil {
		return nil, err
	}
	ops = append(ops, jobOp, runOp)

	notifyOps, err := s.notifyOps(tenant, Notification{
		Kind:          "agreement.accepted",
		ScopeKey:      JobStreamID(taskID),
		DestinationID: bid.AgentID,
		Data:          map[string]any{"agreementId": agreement.AgreementID, "runId": runID},
	})
	if err != nil {
		return nil, err
	}
	ops = append(ops, notifyOps...)

	ops, err = withIdem(tenant, endpointAcceptBid, idemKey, fp, agreement, ops...)
	if err != nil {
		return nil, err
	}

	audit := &wal.AuditOp{Actor: actor, Action: "bid.accepted", Detail: map[string]any{
		"agreementId":  agreement.AgreementID,
		"settlementId": stl.SettlementID,
		"amountCents":  bid.AmountCents,
	}}
	if _, err := s.commit(ctx, tenant, ops, audit); err != nil {
		return nil, err
	}
	return &agreement, nil
}

// AppendJobEvent appends a caller-authored event to a task's job stream.
// The caller states the chain head they observed; a mismatch is a conflict.
func (s *Service) AppendJobEvent(ctx context.Context, tenant, actor, idemKey, taskID, eventType string, payload json.RawMessage, expectedPrior string) (*chain.Event, error) {
	if _, ok := s.proj.Task(tenant, taskID); !ok {
		return nil, fmt.Errorf("market: task %s not found", taskID)
	}
	return s.appendExternal(ctx, tenant, actor, idemKey, endpointAppendJobEvent, JobStreamID(taskID), eventType, payload, expectedPrior)
}

// AppendRunEvent appends a caller-authored event to a run's stream.
func (s *Service) AppendRunEvent(ctx context.Context, tenant, actor, idemKey, runID, eventType string, payload json.RawMessage, expectedPrior string) (*chain.Event, error) {
	if _, ok := s.proj.Run(tenant, runID); !ok {
		return nil, fmt.Errorf("market: run %s not found", runID)
	}
	return s.appendExternal(ctx, tenant, actor, idemKey, endpointAppendRunEvent, RunStreamID(runID), eventType, payload, expectedPrior)
}

func (s *Service) appendExternal(ctx context.Context, tenant, actor, idemKey, endpoint, streamID, eventType string, payload json.RawMessage, expectedPrior string) (*chain.Event, error) {
	mu := s.lockTenant(tenant)
	defer mu.Unlock()
	if err := s.ensureTenantLocked(ctx, tenant); err != nil {
		return nil, err
	}
	body := map[string]any{
		"streamId":      streamID,
		"type":          eventType,
		"payload":       payload,
		"expectedPrior": expectedPrior,
	}
	stored, fp, err := s.guard.Check(ctx, tenant, endpoint, idemKey, body)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return replay[chain.Event](s, ctx, stored)
	}

	head := s.proj.StreamHead(tenant, streamID)
	if err := idempotency.CheckPrecondition(expectedPrior, head); err != nil {
		return nil, err
	}

	ev, evOp, err := s.appendSigned(tenant, streamID, eventType, actor, payload, head)
	if err != nil {
		return nil, err
	}
	ops, err := withIdem(tenant, endpoint, idemKey, fp, ev, evOp)
	if err != nil {
		return nil, err
	}

	audit := &wal.AuditOp{Actor: actor, Action: "event.appended", Detail: map[string]any{"streamId": streamID, "type": eventType}}
	if _, err := s.commit(ctx, tenant, ops, audit); err != nil {
		return nil, err
	}
	return ev, nil
}

// EvidenceAttachment is the response of AttachEvidence: where the blob
// lives plus the run-stream event that cites it.
type EvidenceAttachment struct {
	Ref   evidence.Ref `json:"ref"`
	Event chain.Event  `json:"event"`
}

// AttachEvidence stores an evidence blob and records its content hash on
// the run's stream. The blob itself is external; the chained event is the
// durable citation, so a fetched blob is always verified against the hash
// the stream recorded.
func (s *Service) AttachEvidence(ctx context.Context, tenant, actor, idemKey, runID, name string, data []byte, expectedPrior string) (*EvidenceAttachment, error) {
	mu := s.lockTenant(tenant)
	defer mu.Unlock()
	if err := s.ensureTenantLocked(ctx, tenant); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("market: evidence name is required")
	}
	contentHash := canonical.HashBytes(data)
	body := map[string]any{
		"runId":         runID,
		"name":          name,
		"contentHash":   contentHash,
		"expectedPrior": expectedPrior,
	}
	stored, fp, err := s.guard.Check(ctx, tenant, endpointAttachEvidence, idemKey, body)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return replay[EvidenceAttachment](s, ctx, stored)
	}

	run, ok := s.proj.Run(tenant, runID)
	if !ok {
		return nil, fmt.Errorf("market: run %s not found", runID)
	}
	if run.Status == RunCompleted {
		return nil, fmt.Errorf("market: run %s already completed", runID)
	}
	head := s.proj.StreamHead(tenant, RunStreamID(runID))
	if err := idempotency.CheckPrecondition(expectedPrior, head); err != nil {
		return nil, err
	}

	// A commit failure after Put orphans the blob; the orphan is never
	// cited by any stream, so it is unreachable garbage, not corruption.
	ref, err := s.evidence.Put(ctx, tenant+"/"+runID+"/"+name, data)
	if err != nil {
		return nil, err
	}

	ev, evOp, err := s.appendSigned(tenant, RunStreamID(runID), "run.evidence_attached", actor, map[string]any{
		"runId": runID,
		"name":  name,
		"key":   ref.Key,
		"hash":  ref.Hash,
	}, head)
	if err != nil {
		return nil, err
	}

	attachment := EvidenceAttachment{Ref: ref, Event: *ev}
	ops, err := withIdem(tenant, endpointAttachEvidence, idemKey, fp, attachment, evOp)
	if err != nil {
		return nil, err
	}

	audit := &wal.AuditOp{Actor: actor, Action: "evidence.attached", Detail: map[string]any{
		"runId": runID,
		"name":  name,
		"hash":  ref.Hash,
	}}
	if _, err := s.commit(ctx, tenant, ops, audit); err != nil {
		return nil, err
	}
	return &attachment, nil
}

// GetEvidence fetches evidence bytes by ref, verifying the content hash.
func (s *Service) GetEvidence(ctx context.Context, ref evidence.Ref) ([]byte, error) {
	return s.evidence.Get(ctx, ref)
}

// RunOutcome is the response of CompleteRun.
type RunOutcome struct {
	Run        Run                   `json:"run"`
	Settlement settlement.Settlement `json:"settlement"`
	Event      chain.Event           `json:"event"`
}

// CompleteRun records the run's terminal verification status and, when the
// tenant's policy is automatic and no dispute is open, resolves the escrow:
// release/refund ledger postings, wallet updates, a governance event, and an
// outbox notification, atomically with the run completion itself.
func (s *Service) CompleteRun(ctx context.Context, tenant, actor, idemKey, runID string, verification settlement.VerificationStatus, expectedPrior string) (*RunOutcome, error) {
	mu := s.lockTenant(tenant)
	defer mu.Unlock()
	if err := s.ensureTenantLocked(ctx, tenant); err != nil {
		return nil, err
	}
	body := map[string]any{"runId": runID, "verificationStatus": verification, "expectedPrior": expectedPrior}
	stored, fp, err := s.guard.Check(ctx, tenant, endpointCompleteRun, idemKey, body)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return replay[RunOutcome](s, ctx, stored)
	}

	switch verification {
	case settlement.VerificationGreen, settlement.VerificationAmber, settlement.VerificationRed:
	default:
		return nil, fmt.Errorf("market: invalid verification status %q", verification)
	}

	run, ok := s.proj.Run(tenant, runID)
	if !ok {
		return nil, fmt.Errorf("market: run %s not found", runID)
	}
	if run.Status == RunCompleted {
		return nil, fmt.Errorf("market: run %s already completed", runID)
	}
	stl, ok := s.proj.Settlement(tenant, run.SettlementID)
	if !ok {
		return nil, fmt.Errorf("market: settlement %s not found for run %s", run.SettlementID, runID)
	}
	policy, ok := s.proj.Policy(tenant)
	if !ok {
		return nil, fmt.Errorf("market: tenant %s has no settlement policy", tenant)
	}

	head := s.proj.StreamHead(tenant, RunStreamID(runID))
	if err := idempotency.CheckPrecondition(expectedPrior, head); err != nil {
		return nil, err
	}

	now := s.clock()
	ev, evOp, err := s.appendSigned(tenant, RunStreamID(runID), "run.completed", actor, map[string]any{
		"runId":              runID,
		"verificationStatus": string(verification),
	}, head)
	if err != nil {
		return nil, err
	}

	run.Status = RunCompleted
	run.VerificationStatus = string(verification)
	run.CompletedAt = now.UTC()
	runOp, err := snapOp(entityRun, tenant, run.RunID, run)
	if err != nil {
		return nil, err
	}
	ops := []wal.Op{evOp, runOp}

	if policy.Mode == settlement.PolicyAutomatic && stl.Status == settlement.StatusLocked && stl.DisputeStatus != settlement.DisputeOpen {
		if err := stl.AutoResolve(policy, verification, now); err != nil {
			return nil, err
		}
		resOps, err := s.resolutionOps(tenant, &stl, now)
		if err != nil {
			return nil, err
		}
		ops = append(ops, resOps...)
	}
	stlOp, err := snapOp(entitySettlement, tenant, stl.SettlementID, stl)
	if err != nil {
		return nil, err
	}
	ops = append(ops, stlOp)

	outcome := RunOutcome{Run: run, Settlement: stl, Event: *ev}
	ops, err = withIdem(tenant, endpointCompleteRun, idemKey, fp, outcome, ops...)
	if err != nil {
		return nil, err
	}

	audit := &wal.AuditOp{Actor: actor, Action: "run.completed", Detail: map[string]any{
		"runId":              runID,
		"verificationStatus": string(verification),
		"settlementStatus":   string(stl.Status),
	}}
	if _, err := s.commit(ctx, tenant, ops, audit); err != nil {
		return nil, err
	}
	return &outcome, nil
}

// ResolveSettlement applies an explicit manual resolution. Resolving to the
// already-recorded outcome is a no-op; any other re-resolution conflicts.
func (s *Service) ResolveSettlement(ctx context.Context, tenant, actor, idemKey, settlementID string, status settlement.Status, releasedCents, refundedCents int64) (*settlement.Settlement, error) {
	mu := s.lockTenant(tenant)
	defer mu.Unlock()
	if err := s.ensureTenantLocked(ctx, tenant); err != nil {
		return nil, err
	}
	body := map[string]any{
		"settlementId":        settlementID,
		"status":              status,
		"releasedAmountCents": releasedCents,
		"refundedAmountCents": refundedCents,
	}
	stored, fp, err := s.guard.Check(ctx, tenant, endpointResolveSettlement, idemKey, body)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return replay[settlement.Settlement](s, ctx, stored)
	}

	stl, ok := s.proj.Settlement(tenant, settlementID)
	if !ok {
		return nil, fmt.Errorf("market: settlement %s not found", settlementID)
	}
	policy, _ := s.proj.Policy(tenant)
	policyHash, err := policy.Hash()
	if err != nil {
		return nil, err
	}

	wasLocked := stl.Status == settlement.StatusLocked
	now := s.clock()
	d := settlement.Decision{
		Status:              status,
		ReleasedAmountCents: releasedCents,
		RefundedAmountCents: refundedCents,
		PolicyHash:          policyHash,
	}
	if err := stl.Resolve(d, settlement.DecisionManual, now); err != nil {
		return nil, err
	}
	if !wasLocked {
		// Idempotent re-resolution to the identical outcome.
		return &stl, nil
	}

	ops, err := s.resolutionOps(tenant, &stl, now)
	if err != nil {
		return nil, err
	}
	stlOp, err := snapOp(entitySettlement, tenant, stl.SettlementID, stl)
	if err != nil {
		return nil, err
	}
	ops = append(ops, stlOp)
	ops, err = withIdem(tenant, endpointResolveSettlement, idemKey, fp, stl, ops...)
	if err != nil {
		return nil, err
	}

	audit := &wal.AuditOp{Actor: actor, Action: "settlement.resolved", Detail: map[string]any{
		"settlementId": settlementID,
		"status":       string(stl.Status),
	}}
	if _, err := s.commit(ctx, tenant, ops, audit); err != nil {
		return nil, err
	}
	return &stl, nil
}

// resolutionOps builds the side effects of a settlement leaving locked: the
// release/refund ledger entry, wallet updates, a governance event, and an
// outbox notification. The settlement must already carry its decision.
func (s *Service) resolutionOps(tenant string, stl *settlement.Settlement, now time.Time) ([]wal.Op, error) {
	var postings []ledger.Posting
	if stl.ReleasedAmountCents > 0 {
		postings = append(postings,
			ledger.Posting{AccountID: AccountEscrowLiability, AmountCents: -stl.ReleasedAmountCents},
			ledger.Posting{AccountID: AccountPayeePayable, AmountCents: stl.ReleasedAmountCents},
		)
	}
	if stl.RefundedAmountCents > 0 {
		postings = append(postings,
			ledger.Posting{AccountID: AccountEscrowLiability, AmountCents: -stl.RefundedAmountCents},
			ledger.Posting{AccountID: AccountPayerAvailable, AmountCents: stl.RefundedAmountCents},
		)
	}

	var ops []wal.Op
	if len(postings) > 0 {
		entry, err := ledger.NewEntry(postings, "settlement:"+stl.SettlementID+":resolve", now)
		if err != nil {
			return nil, err
		}
		entryOp, err := snapOp(entityLedgerEntry, tenant, entry.ID, entry)
		if err != nil {
			return nil, err
		}
		ops = append(ops, entryOp)
	}

	if stl.ReleasedAmountCents > 0 {
		payee := s.proj.Wallet(tenant, stl.AgentID)
		payee.BalanceCents += stl.ReleasedAmountCents
		op, err := snapOp(entityWallet, tenant, payee.AgentID, payee)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if stl.RefundedAmountCents > 0 {
		payer := s.proj.Wallet(tenant, stl.PayerAgentID)
		payer.BalanceCents += stl.RefundedAmountCents
		op, err := snapOp(entityWallet, tenant, payer.AgentID, payer)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	_, evOp, err := s.appendSigned(tenant, StreamGovernance, "settlement.resolved", "system", map[string]any{
		"settlementId":        stl.SettlementID,
		"status":              string(stl.Status),
		"releasedAmountCents": stl.ReleasedAmountCents,
		"refundedAmountCents": stl.RefundedAmountCents,
	}, s.proj.StreamHead(tenant, StreamGovernance))
	if err != nil {
		return nil, err
	}
	ops = append(ops, evOp)

	notifyOps, err := s.notifyOps(tenant, Notification{
		Kind:          "settlement.resolved",
		ScopeKey:      "settlement:" + stl.SettlementID,
		DestinationID: stl.AgentID,
		Data: map[string]any{
			"settlementId":        stl.SettlementID,
			"status":              string(stl.Status),
			"releasedAmountCents": stl.ReleasedAmountCents,
			"refundedAmountCents": stl.RefundedAmountCents,
		},
	})
	if err != nil {
		return nil, err
	}
	return append(ops, notifyOps...), nil
}

// RegisterSignerKey records a signer key in the identity-transparency
// stream. The key becomes usable for event and verdict verification once
// the record applies.
func (s *Service) RegisterSignerKey(ctx context.Context, tenant, actor, idemKey, keyID, pubKeyHex string) (*chain.Event, error) {
	mu := s.lockTenant(tenant)
	defer mu.Unlock()
	if err := s.ensureTenantLocked(ctx, tenant); err != nil {
		return nil, err
	}
	body := map[string]string{"keyId": keyID, "publicKey": pubKeyHex}
	stored, fp, err := s.guard.Check(ctx, tenant, endpointRegisterSigner, idemKey, body)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return replay[chain.Event](s, ctx, stored)
	}

	keyring := s.proj.Keyring(tenant)
	if keyring.Has(keyID) {
		existing, err := keyring.PublicKey(keyID)
		if err != nil {
			return nil, err
		}
		if existing != pubKeyHex {
			return nil, fmt.Errorf("market: key id %q already registered with a different key", keyID)
		}
	}

	ev, evOp, err := s.appendSigned(tenant, StreamIdentity, "signer.registered", actor, map[string]any{
		"keyId":     keyID,
		"publicKey": pubKeyHex,
	}, s.proj.StreamHead(tenant, StreamIdentity))
	if err != nil {
		return nil, err
	}
	ops, err := withIdem(tenant, endpointRegisterSigner, idemKey, fp, ev, evOp)
	if err != nil {
		return nil, err
	}

	audit := &wal.AuditOp{Actor: actor, Action: "signer.registered", Detail: map[string]any{"keyId": keyID}}
	if _, err := s.commit(ctx, tenant, ops, audit); err != nil {
		return nil, err
	}
	return ev, nil
}

// OpenDispute enters the dispute sub-state on a locked settlement within
// its dispute window.
func (s *Service) OpenDispute(ctx context.Context, tenant, actor, idemKey, settlementID, reason string) (*settlement.Settlement, error) {
	return s.disputeOp(ctx, tenant, actor, idemKey, endpointOpenDispute, settlementID,
		map[string]any{"settlementId": settlementID, "reason": reason},
		func(stl *settlement.Settlement, now time.Time) (string, map[string]any, error) {
			if err := stl.OpenDispute(now); err != nil {
				return "", nil, err
			}
			return "dispute.opened", map[string]any{"settlementId": settlementID, "reason": reason}, nil
		})
}

// EscalateDispute raises an open dispute to a higher level.
func (s *Service) EscalateDispute(ctx context.Context, tenant, actor, idemKey, settlementID string, to settlement.EscalationLevel) (*settlement.Settlement, error) {
	return s.disputeOp(ctx, tenant, actor, idemKey, endpointEscalateDispute, settlementID,
		map[string]any{"settlementId": settlementID, "level": to.String()},
		func(stl *settlement.Settlement, now time.Time) (string, map[string]any, error) {
			if err := stl.Escalate(to); err != nil {
				return "", nil, err
			}
			return "dispute.escalated", map[string]any{"settlementId": settlementID, "level": to.String()}, nil
		})
}

// CloseDispute closes an open dispute with an outcome. At the arbiter level
// and above a signed verdict is mandatory; an unverifiable signature leaves
// the settlement unchanged.
func (s *Service) CloseDispute(ctx context.Context, tenant, actor, idemKey, settlementID, outcome string, verdict *settlement.Verdict) (*settlement.Settlement, error) {
	mu := s.lockTenant(tenant)
	defer mu.Unlock()
	if err := s.ensureTenantLocked(ctx, tenant); err != nil {
		return nil, err
	}
	body := map[string]any{"settlementId": settlementID, "outcome": outcome, "verdict": verdict}
	stored, fp, err := s.guard.Check(ctx, tenant, endpointCloseDispute, idemKey, body)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return replay[settlement.Settlement](s, ctx, stored)
	}

	stl, ok := s.proj.Settlement(tenant, settlementID)
	if !ok {
		return nil, fmt.Errorf("market: settlement %s not found", settlementID)
	}
	if stl.DisputeLevel >= settlement.LevelArbiter {
		if verdict == nil {
			return nil, fmt.Errorf("market: dispute at %s requires a signed verdict", stl.DisputeLevel)
		}
		if verdict.SettlementID != settlementID {
			return nil, fmt.Errorf("market: verdict %s names settlement %s, not %s", verdict.CaseID, verdict.SettlementID, settlementID)
		}
		if err := verdict.Verify(s.proj.Keyring(tenant)); err != nil {
			return nil, err
		}
	}
	if err := stl.CloseDispute(outcome); err != nil {
		return nil, err
	}

	head := s.proj.StreamHead(tenant, StreamGovernance)
	closeEv, closeOp, err := s.appendSigned(tenant, StreamGovernance, "dispute.closed", actor, map[string]any{
		"settlementId": settlementID,
		"outcome":      outcome,
	}, head)
	if err != nil {
		return nil, err
	}
	ops := []wal.Op{closeOp}

	if verdict != nil {
		// The verdict chains onto the close event within the same record.
		_, verdictOp, err := s.appendSigned(tenant, StreamGovernance, "verdict.recorded", actor, verdict, closeEv.ChainHash)
		if err != nil {
			return nil, err
		}
		ops = append(ops, verdictOp)
	}

	stlOp, err := snapOp(entitySettlement, tenant, stl.SettlementID, stl)
	if err != nil {
		return nil, err
	}
	ops = append(ops, stlOp)
	ops, err = withIdem(tenant, endpointCloseDispute, idemKey, fp, stl, ops...)
	if err != nil {
		return nil, err
	}

	audit := &wal.AuditOp{Actor: actor, Action: "dispute.closed", Detail: map[string]any{
		"settlementId": settlementID,
		"outcome":      outcome,
	}}
	if _, err := s.commit(ctx, tenant, ops, audit); err != nil {
		return nil, err
	}
	return &stl, nil
}

// disputeOp is the shared open/escalate skeleton: load, mutate a copy,
// append a governance event, snapshot, commit.
func (s *Service) disputeOp(ctx context.Context, tenant, actor, idemKey, endpoint, settlementID string, body map[string]any, mutate func(*settlement.Settlement, time.Time) (string, map[string]any, error)) (*settlement.Settlement, error) {
	mu := s.lockTenant(tenant)
	defer mu.Unlock()
	if err := s.ensureTenantLocked(ctx, tenant); err != nil {
		return nil, err
	}
	stored, fp, err := s.guard.Check(ctx, tenant, endpoint, idemKey, body)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return replay[settlement.Settlement](s, ctx, stored)
	}

	stl, ok := s.proj.Settlement(tenant, settlementID)
	if !ok {
		return nil, fmt.Errorf("market: settlement %s not found", settlementID)
	}
	now := s.clock()
	eventType, payload, err := mutate(&stl, now)
	if err != nil {
		return nil, err
	}

	_, evOp, err := s.appendSigned(tenant, StreamGovernance, eventType, actor, payload, s.proj.StreamHead(tenant, StreamGovernance))
	if err != nil {
		return nil, err
	}
	stlOp, err := snapOp(entitySettlement, tenant, stl.SettlementID, stl)
	if err != nil {
		return nil, err
	}
	ops, err := withIdem(tenant, endpoint, idemKey, fp, stl, evOp, stlOp)
	if err != nil {
		return nil, err
	}

	audit := &wal.AuditOp{Actor: actor, Action: eventType, Detail: map[string]any{"settlementId": settlementID}}
	if _, err := s.commit(ctx, tenant, ops, audit); err != nil {
		return nil, err
	}
	return &stl, nil
}

// ReplaySettlement re-checks a resolved settlement's decision against its
// immutable inputs. Automatic decisions are re-derived from the policy and
// the run's recorded verification status; manual decisions only check the
// pinned policy hash and amount coverage.
func (s *Service) ReplaySettlement(tenant, settlementID string) error {
	stl, ok := s.proj.Settlement(tenant, settlementID)
	if !ok {
		return fmt.Errorf("market: settlement %s not found", settlementID)
	}
	policy, ok := s.proj.Policy(tenant)
	if !ok {
		return fmt.Errorf("market: tenant %s has no settlement policy", tenant)
	}
	var vs settlement.VerificationStatus
	if stl.DecisionStatus == settlement.DecisionAutomatic {
		run, ok := s.proj.Run(tenant, stl.RunID)
		if !ok || run.VerificationStatus == "" {
			return fmt.Errorf("market: run %s has no recorded verification status", stl.RunID)
		}
		vs = settlement.VerificationStatus(run.VerificationStatus)
	}
	return stl.Replay(policy, vs)
}

// Balance returns a tenant's running balance for one account.
func (s *Service) Balance(tenant, accountID string) int64 {
	l := s.proj.Ledger(tenant)
	if l == nil {
		return 0
	}
	return l.Balance(accountID)
}

// LedgerEntries lists a tenant's ledger entries by memo prefix.
func (s *Service) LedgerEntries(tenant, memoPrefix string) []ledger.Entry {
	l := s.proj.Ledger(tenant)
	if l == nil {
		return nil
	}
	return l.ListEntries(memoPrefix)
}

// Reconcile verifies a tenant's running balances against the journal.
func (s *Service) Reconcile(tenant string) error {
	l := s.proj.Ledger(tenant)
	if l == nil {
		return nil
	}
	return l.Reconcile()
}

// StreamHead returns the current chain head of a tenant's stream, for
// callers composing an expected-prior-chain-hash precondition.
func (s *Service) StreamHead(tenant, streamID string) string {
	return s.proj.StreamHead(tenant, streamID)
}

// StreamEvents returns a tenant's stream in append order.
func (s *Service) StreamEvents(tenant, streamID string) []chain.Event {
	return s.proj.StreamEvents(tenant, streamID)
}

// AckDelivery applies a destination-signed acknowledgement, verified
// against the delivery tenant's keyring.
func (s *Service) AckDelivery(ack outbox.Ack) (*outbox.Receipt, error) {
	d, err := s.deliveries.Get(ack.DeliveryID)
	if err != nil {
		return nil, err
	}
	return s.deliveries.Ack(ack, s.proj.Keyring(d.Tenant))
}

// DeadDeliveries lists a tenant's dead-lettered deliveries.
func (s *Service) DeadDeliveries(tenant string) []outbox.Delivery {
	return s.deliveries.ListDead(tenant)
}

// RequeueDelivery resets a dead delivery for another retry cycle.
func (s *Service) RequeueDelivery(id string) error {
	return s.deliveries.Requeue(id)
}

// createDelivery is the notify-topic handler: it derives a delivery from
// the outbox entry. The dedupe key is the entry index, so a redrained entry
// maps onto the same logical delivery.
func (s *Service) createDelivery(ctx context.Context, e outbox.Entry) error {
	var n Notification
	if err := json.Unmarshal(e.Payload, &n); err != nil {
		return fmt.Errorf("market: decoding notification in entry %d: %w", e.Index, err)
	}
	_, _, err := s.deliveries.Create(outbox.Delivery{
		Tenant:        e.Tenant,
		DedupeKey:     fmt.Sprintf("outbox:%d", e.Index),
		ScopeKey:      n.ScopeKey,
		OrderSeq:      e.Index,
		DestinationID: n.DestinationID,
		ArtifactHash:  n.ArtifactHash,
		Payload:       e.Payload,
	})
	return err
}

// appendSigned drafts, validates, and signs a platform-authored event, and
// wraps it as a log operation.
func (s *Service) appendSigned(tenant, streamID, eventType, actor string, payload any, prev string) (*chain.Event, wal.Op, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, wal.Op{}, fmt.Errorf("market: encoding %s payload: %w", eventType, err)
	}
	if err := s.schemas.Validate(eventType, raw); err != nil {
		return nil, wal.Op{}, err
	}
	ev, err := chain.NewDraft(streamID, eventType, s.clock(), actor, json.RawMessage(raw), prev)
	if err != nil {
		return nil, wal.Op{}, err
	}
	if err := ev.Sign(s.signer); err != nil {
		return nil, wal.Op{}, err
	}
	op, err := wal.NewOp(wal.OpAppendChained, chainedOp{Tenant: tenant, Event: *ev})
	if err != nil {
		return nil, wal.Op{}, err
	}
	return ev, op, nil
}

// notifyOps allocates the next outbox index and wraps the entry with its
// counter op, so the index allocation is durable with the entry.
func (s *Service) notifyOps(tenant string, n Notification) ([]wal.Op, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("market: encoding notification: %w", err)
	}
	index, counterOp, err := s.log.AllocCounter(tenant + "/outbox")
	if err != nil {
		return nil, err
	}
	entry := outbox.Entry{
		Index:     index,
		Tenant:    tenant,
		Topic:     topicNotify,
		Kind:      n.Kind,
		Payload:   payload,
		CreatedAt: s.clock().UTC(),
	}
	entryOp, err := wal.NewOp(wal.OpAppendOutbox, entry)
	if err != nil {
		return nil, err
	}
	return []wal.Op{counterOp, entryOp}, nil
}

// commit writes one record and bumps the committed-transaction counter.
func (s *Service) commit(ctx context.Context, tenant string, ops []wal.Op, audit *wal.AuditOp) (string, error) {
	txID, err := s.log.Commit(ctx, tenant, ops, audit)
	if err != nil {
		return "", err
	}
	if s.metrics != nil {
		s.metrics.TxCommitted.Add(ctx, 1)
	}
	return txID, nil
}

func (s *Service) lockTenant(tenant string) *sync.Mutex {
	v, _ := s.tenantMu.LoadOrStore(tenant, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu
}

// replay decodes a stored idempotent response.
func replay[T any](s *Service, ctx context.Context, stored json.RawMessage) (*T, error) {
	if s.metrics != nil {
		s.metrics.IdempotentReplays.Add(ctx, 1)
	}
	var v T
	if err := json.Unmarshal(stored, &v); err != nil {
		return nil, fmt.Errorf("market: corrupt stored idempotent response: %w", err)
	}
	return &v, nil
}

// snapOp wraps an entity state as an upsert_snapshot operation.
func snapOp(entity, tenant, id string, v any) (wal.Op, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return wal.Op{}, fmt.Errorf("market: encoding %s snapshot: %w", entity, err)
	}
	return wal.NewOp(wal.OpUpsertSnapshot, snapshotOp{Entity: entity, Tenant: tenant, ID: id, Data: data})
}

// withIdem appends the put_idempotency op recording the response for a key.
func withIdem(tenant, endpoint, key, fingerprint string, response any, ops ...wal.Op) ([]wal.Op, error) {
	resp, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("market: encoding response: %w", err)
	}
	op, err := wal.NewOp(wal.OpPutIdempotency, idemPutOp{
		Key:    idempotency.StorageKey(tenant, endpoint, key),
		Record: idempotency.Record{Fingerprint: fingerprint, Response: resp},
	})
	if err != nil {
		return nil, err
	}
	return append(ops, op), nil
}

// discardSink is the default delivery sink: it drops deliveries with a
// debug log. Production wires a real sink through Options.
type discardSink struct {
	logger *slog.Logger
}

func (d discardSink) Deliver(ctx context.Context, del outbox.Delivery) error {
	d.logger.Debug("market: delivery discarded, no sink configured", "deliveryId", del.DeliveryID)
	return nil
}

// Package market is the marketplace service: task offers, bids, agreements,
// runs, and wallets, orchestrated over the write-ahead log, the chained
// event streams, the escrow settlement machine, the double-entry ledger,
// and the transactional outbox. Every mutating operation is tenant-scoped,
// idempotency-guarded, and committed as one atomic log record.
package market

import (
	"time"
)

// TaskStatus is the lifecycle state of a task offer.
type TaskStatus string

const (
	TaskOpen    TaskStatus = "open"
	TaskAwarded TaskStatus = "awarded"
)

// Task is a published unit of work agents can bid on.
type Task struct {
	TaskID      string     `json:"taskId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	BudgetCents int64      `json:"budgetCents"`
	Status      TaskStatus `json:"status"`
	CreatedBy   string     `json:"createdBy"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// TaskRequest is the caller-supplied body for CreateTask.
type TaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	BudgetCents int64  `json:"budgetCents"`
}

// BidStatus is the lifecycle state of a bid.
type BidStatus string

const (
	BidOpen     BidStatus = "open"
	BidAccepted BidStatus = "accepted"
)

// Bid is one agent's offer to perform a task for an amount.
type Bid struct {
	BidID       string    `json:"bidId"`
	TaskID      string    `json:"taskId"`
	AgentID     string    `json:"agentId"`
	AmountCents int64     `json:"amountCents"`
	Note        string    `json:"note,omitempty"`
	Status      BidStatus `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

// BidRequest is the caller-supplied body for PlaceBid.
type BidRequest struct {
	TaskID      string `json:"taskId"`
	AgentID     string `json:"agentId"`
	AmountCents int64  `json:"amountCents"`
	Note        string `json:"note,omitempty"`
}

// AgreementTerms is the content the terms hash covers. The hash binds the
// exact task, bid, parties, amount, and policy in force at acceptance.
type AgreementTerms struct {
	TaskID       string `json:"taskId"`
	BidID        string `json:"bidId"`
	PayerAgentID string `json:"payerAgentId"`
	AgentID      string `json:"agentId"`
	AmountCents  int64  `json:"amountCents"`
	PolicyHash   string `json:"policyHash"`
}

// Agreement binds an accepted bid to its run and escrow settlement.
type Agreement struct {
	AgreementID  string    `json:"agreementId"`
	TaskID       string    `json:"taskId"`
	BidID        string    `json:"bidId"`
	PayerAgentID string    `json:"payerAgentId"`
	AgentID      string    `json:"agentId"`
	AmountCents  int64     `json:"amountCents"`
	TermsHash    string    `json:"termsHash"`
	RunID        string    `json:"runId"`
	SettlementID string    `json:"settlementId"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RunStatus is the lifecycle state of an agent run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
)

// Run is one execution of an agreement by the awarded agent.
type Run struct {
	RunID              string    `json:"runId"`
	AgreementID        string    `json:"agreementId"`
	TaskID             string    `json:"taskId"`
	AgentID            string    `json:"agentId"`
	SettlementID       string    `json:"settlementId"`
	Status             RunStatus `json:"status"`
	VerificationStatus string    `json:"verificationStatus,omitempty"` // green|amber|red, set at completion
	StartedAt          time.Time `json:"startedAt"`
	CompletedAt        time.Time `json:"completedAt,omitempty"`
}

// Wallet is the per-agent balance projection, mirroring the ledger flows
// that touch the agent.
type Wallet struct {
	AgentID      string `json:"agentId"`
	BalanceCents int64  `json:"balanceCents"`
}

// Notification is the payload of an outbox notify entry. The delivery
// derived from it inherits the scope and destination for ordering.
type Notification struct {
	Kind          string         `json:"kind"`
	ScopeKey      string         `json:"scopeKey"`
	DestinationID string         `json:"destinationId"`
	ArtifactHash  string         `json:"artifactHash,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// Stream ids. Job and run streams are per-entity; identity and governance
// are one stream per tenant.
const (
	StreamIdentity   = "identity"
	StreamGovernance = "governance"
)

// JobStreamID returns the chained-stream id for a task's job events.
func JobStreamID(taskID string) string { return "job:" + taskID }

// RunStreamID returns the chained-stream id for a run's events.
func RunStreamID(runID string) string { return "run:" + runID }

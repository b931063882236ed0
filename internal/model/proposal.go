package model

import (
	"time"
)

// Proposal status constants
const (
	ProposalStatusPending  = "PENDING"  // Awaiting a human decision
	ProposalStatusApproved = "APPROVED" // Approved, handed to execution
	ProposalStatusRejected = "REJECTED" // Rejected by the user
	ProposalStatusExpired  = "EXPIRED"  // Expiry deadline passed undecided
)

// Proposal action constants
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
)

// Decision constants (the subset of statuses a user can choose)
const (
	DecisionApproved = "APPROVED"
	DecisionRejected = "REJECTED"
)

// Proposal represents a single trade recommendation produced by the
// analysis engine and awaiting a human decision. ID is globally unique
// and is the merge key everywhere; proposals are never deleted, only
// superseded in place by status transitions.
type Proposal struct {
	ID       string  `json:"id"`
	Symbol   string  `json:"symbol"`
	Action   string  `json:"action"` // BUY, SELL
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`

	// Rationale
	Reason   string `json:"reason"`
	Strategy string `json:"strategy"`

	// Status
	Status string `json:"status"` // PENDING, APPROVED, REJECTED, EXPIRED

	// Timestamps
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IsPending reports whether the proposal is still open for a decision.
func (p *Proposal) IsPending() bool {
	return p.Status == ProposalStatusPending
}

// IsExpired reports whether the proposal's deadline has passed at the
// given instant. A proposal without a deadline never expires.
func (p *Proposal) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// ValidAction reports whether s is a recognized proposal action.
func ValidAction(s string) bool {
	return s == ActionBuy || s == ActionSell
}

// ValidDecision reports whether s is a recognized decision value.
func ValidDecision(s string) bool {
	return s == DecisionApproved || s == DecisionRejected
}

// Decision represents a user's response to a proposal. At most one
// decision exists per proposal; the system of record rejects repeats.
type Decision struct {
	ProposalID string `json:"proposal_id"`
	Decision   string `json:"decision"` // APPROVED, REJECTED
	Notes      string `json:"notes,omitempty"`
}

// DecisionRequest is the request body for submitting a decision.
type DecisionRequest struct {
	Decision string `json:"decision" binding:"required,oneof=APPROVED REJECTED"`
	Notes    string `json:"notes"`
}

// DecisionResult is the outcome of a submitted decision. Executed and
// ExecutionError are independent of whether the decision itself was
// recorded: a recorded decision with a failed downstream order comes
// back as Executed=false plus the execution error, and the proposal
// keeps its decided status.
type DecisionResult struct {
	Decision       Decision `json:"decision"`
	Proposal       Proposal `json:"proposal"`
	Executed       bool     `json:"executed"`
	ExecutionError string   `json:"execution_error,omitempty"`
}

// ExecutionFailed reports whether the decision was recorded but the
// downstream execution step failed.
func (r *DecisionResult) ExecutionFailed() bool {
	return !r.Executed && r.ExecutionError != ""
}

// TradeLog is a single execution/audit line streamed by the server
// after decisions and engine activity.
type TradeLog struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"` // info, warn, error
	Message   string    `json:"message"`
	Symbol    string    `json:"symbol,omitempty"`
	OrderID   string    `json:"order_id,omitempty"`
}

// Trade log level constants
const (
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

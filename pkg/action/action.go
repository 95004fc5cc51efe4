// Package action implements the action lifecycle described in spec.md §4.9:
// proposals created from an agent's diagnosis, validated, dual-authorized,
// scheduled, retried with backoff, and recorded once executed.
package action

import "time"

// Status is an ActionProposal's lifecycle state.
type Status string

const (
	StatusProposed  Status = "proposed"
	StatusValidated Status = "validated"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Type is the source of an action, determining how it's validated and
// executed.
type Type string

const (
	TypeSubject  Type = "subject"
	TypeTool     Type = "tool"
	TypeWorkflow Type = "workflow"
)

// WorkflowStatus is a WorkflowProposal's lifecycle state.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
	WorkflowCancelled  WorkflowStatus = "cancelled"
)

// Proposal is a proposed action awaiting validation, authorization, and
// execution. It carries the dual-identity fields dispatcher and pkg/authz
// need to verify both requester permission and agent capability before
// anything runs.
type Proposal struct {
	ID           int64   `db:"id"`
	TicketID     *int64  `db:"ticket_id"`
	ActionName   string  `db:"action_name"`
	ActionType   Type    `db:"action_type"`
	Parameters   string  `db:"parameters"` // JSON-encoded map[string]any
	Reason       string  `db:"reason"`
	Status       Status  `db:"status"`
	ProposedAt   time.Time `db:"proposed_at"`
	ProposedBy   string  `db:"proposed_by"` // "agent" | "user"

	RequesterID   string  `db:"requester_id"`
	RequesterType string  `db:"requester_type"` // "user" | "system" | "agent"
	AgentID       *string `db:"agent_id"`

	ApprovedAt       *time.Time `db:"approved_at"`
	ApprovedBy       *string    `db:"approved_by"`
	RejectedAt       *time.Time `db:"rejected_at"`
	RejectedBy       *string    `db:"rejected_by"`
	RejectionReason  *string    `db:"rejection_reason"`

	WorkflowID           *int64 `db:"workflow_id"`
	ExecutionOrder       int    `db:"execution_order"`
	DependsOnProposalID  *int64 `db:"depends_on_proposal_id"`

	ScheduledAt *time.Time `db:"scheduled_at"`

	RetryCount  int        `db:"retry_count"`
	MaxRetries  int        `db:"max_retries"`
	NextRetryAt *time.Time `db:"next_retry_at"`
	LastError   *string    `db:"last_error"`
}

// IsApproved reports whether the proposal has been approved.
func (p *Proposal) IsApproved() bool {
	return p.ApprovedAt != nil
}

// IsTerminal reports whether the proposal has reached a status it will
// never leave (completed, failed with retries exhausted, or cancelled).
func (p *Proposal) IsTerminal() bool {
	switch p.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return p.NextRetryAt == nil
	default:
		return false
	}
}

// Workflow groups related Proposals executed in dependency order.
type Workflow struct {
	ID          int64          `db:"id"`
	Name        string         `db:"name"`
	Description string         `db:"description"`
	TicketID    *int64         `db:"ticket_id"`
	Status      WorkflowStatus `db:"status"`
	CreatedAt   time.Time      `db:"created_at"`
}

// Record is the execution record for one attempt at a Proposal. A Proposal
// retried after failure gets a new Record per attempt, all sharing
// ProposalID.
type Record struct {
	ID           int64      `db:"id"`
	ProposalID   int64      `db:"proposal_id"`
	StartedAt    *time.Time `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	Success      *bool      `db:"success"`
	ErrorMessage *string    `db:"error_message"`
	ResultData   *string    `db:"result_data"` // JSON-encoded map[string]any
}

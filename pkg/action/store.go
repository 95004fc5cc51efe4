package action

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/codeready-toolchain/operant/pkg/database"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrations returns the embedded schema for the actions store.
func Migrations() ([]database.Migration, error) {
	return database.LoadMigrations(migrationsFS, "migrations")
}

// ErrNotFound is returned when a proposal, workflow, or record id doesn't exist.
var ErrNotFound = errors.New("action record not found")

// ErrAlreadyDecided is returned by Approve/Reject when the proposal has
// already been approved or rejected.
var ErrAlreadyDecided = errors.New("proposal has already been approved or rejected")

// Store is the persistent action store described in spec.md §4.9.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an already-migrated actions database handle.
func NewStore(client *database.Client) *Store {
	return &Store{db: client.DB()}
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// proposalRow mirrors the on-disk shape of the proposals table.
type proposalRow struct {
	ID         int64   `db:"id"`
	TicketID   *int64  `db:"ticket_id"`
	ActionName string  `db:"action_name"`
	ActionType string  `db:"action_type"`
	Parameters string  `db:"parameters"`
	Reason     string  `db:"reason"`
	Status     string  `db:"status"`
	ProposedAt string  `db:"proposed_at"`
	ProposedBy string  `db:"proposed_by"`

	RequesterID   string  `db:"requester_id"`
	RequesterType string  `db:"requester_type"`
	AgentID       *string `db:"agent_id"`

	ApprovedAt      *string `db:"approved_at"`
	ApprovedBy      *string `db:"approved_by"`
	RejectedAt      *string `db:"rejected_at"`
	RejectedBy      *string `db:"rejected_by"`
	RejectionReason *string `db:"rejection_reason"`

	WorkflowID          *int64 `db:"workflow_id"`
	ExecutionOrder      int    `db:"execution_order"`
	DependsOnProposalID *int64 `db:"depends_on_proposal_id"`

	ScheduledAt *string `db:"scheduled_at"`

	RetryCount  int     `db:"retry_count"`
	MaxRetries  int     `db:"max_retries"`
	NextRetryAt *string `db:"next_retry_at"`
	LastError   *string `db:"last_error"`
}

func (r *proposalRow) toProposal() (*Proposal, error) {
	proposedAt, err := parseTime(r.ProposedAt)
	if err != nil {
		return nil, fmt.Errorf("parse proposed_at: %w", err)
	}
	approvedAt, err := parseTimePtr(r.ApprovedAt)
	if err != nil {
		return nil, fmt.Errorf("parse approved_at: %w", err)
	}
	rejectedAt, err := parseTimePtr(r.RejectedAt)
	if err != nil {
		return nil, fmt.Errorf("parse rejected_at: %w", err)
	}
	scheduledAt, err := parseTimePtr(r.ScheduledAt)
	if err != nil {
		return nil, fmt.Errorf("parse scheduled_at: %w", err)
	}
	nextRetryAt, err := parseTimePtr(r.NextRetryAt)
	if err != nil {
		return nil, fmt.Errorf("parse next_retry_at: %w", err)
	}

	return &Proposal{
		ID:                  r.ID,
		TicketID:            r.TicketID,
		ActionName:          r.ActionName,
		ActionType:          Type(r.ActionType),
		Parameters:          r.Parameters,
		Reason:              r.Reason,
		Status:              Status(r.Status),
		ProposedAt:          proposedAt,
		ProposedBy:          r.ProposedBy,
		RequesterID:         r.RequesterID,
		RequesterType:       r.RequesterType,
		AgentID:             r.AgentID,
		ApprovedAt:          approvedAt,
		ApprovedBy:          r.ApprovedBy,
		RejectedAt:          rejectedAt,
		RejectedBy:          r.RejectedBy,
		RejectionReason:     r.RejectionReason,
		WorkflowID:          r.WorkflowID,
		ExecutionOrder:      r.ExecutionOrder,
		DependsOnProposalID: r.DependsOnProposalID,
		ScheduledAt:         scheduledAt,
		RetryCount:          r.RetryCount,
		MaxRetries:          r.MaxRetries,
		NextRetryAt:         nextRetryAt,
		LastError:           r.LastError,
	}, nil
}

func rowsToProposals(rows []proposalRow) ([]*Proposal, error) {
	out := make([]*Proposal, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toProposal()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// CreateProposal inserts a newly proposed action, as emitted by the agent
// loop after a diagnosis recommends one.
func (s *Store) CreateProposal(ctx context.Context, p *Proposal) (*Proposal, error) {
	now := time.Now()
	if p.ProposedAt.IsZero() {
		p.ProposedAt = now
	}
	if p.ProposedBy == "" {
		p.ProposedBy = "agent"
	}
	if p.RequesterID == "" {
		p.RequesterID = "unknown"
	}
	if p.RequesterType == "" {
		p.RequesterType = "agent"
	}
	if p.Status == "" {
		p.Status = StatusProposed
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO proposals
			(ticket_id, action_name, action_type, parameters, reason, status,
			 proposed_at, proposed_by, requester_id, requester_type, agent_id,
			 workflow_id, execution_order, depends_on_proposal_id, scheduled_at,
			 max_retries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.TicketID, p.ActionName, string(p.ActionType), p.Parameters, p.Reason, string(p.Status),
		formatTime(p.ProposedAt), p.ProposedBy, p.RequesterID, p.RequesterType, p.AgentID,
		p.WorkflowID, p.ExecutionOrder, p.DependsOnProposalID, formatTimePtr(p.ScheduledAt),
		p.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("insert proposal: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetProposal(ctx, id)
}

// CreateWorkflow inserts a new WorkflowProposal.
func (s *Store) CreateWorkflow(ctx context.Context, w *Workflow) (*Workflow, error) {
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.Status == "" {
		w.Status = WorkflowPending
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (name, description, ticket_id, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		w.Name, w.Description, w.TicketID, string(w.Status), formatTime(w.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert workflow: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetWorkflow(ctx, id)
}

// GetProposal retrieves one proposal by id.
func (s *Store) GetProposal(ctx context.Context, id int64) (*Proposal, error) {
	var r proposalRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM proposals WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: proposal id=%d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return r.toProposal()
}

// GetWorkflow retrieves one workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id int64) (*Workflow, error) {
	var w Workflow
	err := s.db.GetContext(ctx, &w, `SELECT * FROM workflows WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: workflow id=%d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return &w, nil
}

// ListByStatus returns every proposal in the given status, oldest first —
// dispatcher callers rely on this ordering to preserve proposal order
// within a ticket.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*Proposal, error) {
	var rows []proposalRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM proposals WHERE status = ? ORDER BY proposed_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list proposals by status: %w", err)
	}
	return rowsToProposals(rows)
}

// ListByTicket returns every proposal associated with a ticket.
func (s *Store) ListByTicket(ctx context.Context, ticketID int64) ([]*Proposal, error) {
	var rows []proposalRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM proposals WHERE ticket_id = ? ORDER BY proposed_at ASC`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("list proposals by ticket: %w", err)
	}
	return rowsToProposals(rows)
}

// ListDueForExecution returns validated, approved proposals whose
// scheduled_at has elapsed (or is unset) and whose dependency (if any) has
// completed — the dispatcher's per-tick work queue.
func (s *Store) ListDueForExecution(ctx context.Context, now time.Time) ([]*Proposal, error) {
	var rows []proposalRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT p.* FROM proposals p
		WHERE p.status = 'validated'
		  AND p.approved_at IS NOT NULL
		  AND (p.scheduled_at IS NULL OR p.scheduled_at <= ?)
		  AND (p.depends_on_proposal_id IS NULL OR EXISTS (
		        SELECT 1 FROM proposals dep
		        WHERE dep.id = p.depends_on_proposal_id AND dep.status = 'completed'
		      ))
		ORDER BY p.execution_order ASC, p.proposed_at ASC`,
		formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list proposals due for execution: %w", err)
	}
	return rowsToProposals(rows)
}

// ListDueForRetry returns failed proposals whose backoff has elapsed.
func (s *Store) ListDueForRetry(ctx context.Context, now time.Time) ([]*Proposal, error) {
	var rows []proposalRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM proposals
		WHERE status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at ASC`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list proposals due for retry: %w", err)
	}
	return rowsToProposals(rows)
}

// MarkValidated transitions a proposal from proposed to validated.
func (s *Store) MarkValidated(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, StatusValidated)
}

// Approve records approval, required before ListDueForExecution will
// surface the proposal.
func (s *Store) Approve(ctx context.Context, id int64, approvedBy string) error {
	p, err := s.GetProposal(ctx, id)
	if err != nil {
		return err
	}
	if p.ApprovedAt != nil || p.RejectedAt != nil {
		return fmt.Errorf("%w: id=%d", ErrAlreadyDecided, id)
	}
	now := formatTime(time.Now())
	_, err = s.db.ExecContext(ctx,
		`UPDATE proposals SET approved_at = ?, approved_by = ? WHERE id = ?`, now, approvedBy, id)
	if err != nil {
		return fmt.Errorf("approve proposal: %w", err)
	}
	return nil
}

// Reject records rejection and cancels the proposal.
func (s *Store) Reject(ctx context.Context, id int64, rejectedBy, reason string) error {
	p, err := s.GetProposal(ctx, id)
	if err != nil {
		return err
	}
	if p.ApprovedAt != nil || p.RejectedAt != nil {
		return fmt.Errorf("%w: id=%d", ErrAlreadyDecided, id)
	}
	now := formatTime(time.Now())
	_, err = s.db.ExecContext(ctx,
		`UPDATE proposals SET rejected_at = ?, rejected_by = ?, rejection_reason = ?, status = 'cancelled'
		 WHERE id = ?`, now, rejectedBy, reason, id)
	if err != nil {
		return fmt.Errorf("reject proposal: %w", err)
	}
	return nil
}

// Cancel halts a proposal unconditionally — the dispatcher's kill-switch path.
func (s *Store) Cancel(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, StatusCancelled)
}

// CancelAllPending cancels every proposal still in proposed or validated
// status and returns how many were cancelled. Used by pkg/safety for both
// the kill switch and the quieter "switching to observe mode" cancellation.
func (s *Store) CancelAllPending(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET status = 'cancelled' WHERE status IN ('proposed', 'validated')`)
	if err != nil {
		return 0, fmt.Errorf("cancel all pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Store) setStatus(ctx context.Context, id int64, status Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE proposals SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set proposal status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	return nil
}

// BeginExecution transitions a proposal to executing and opens a new
// execution Record for it.
func (s *Store) BeginExecution(ctx context.Context, proposalID int64) (*Record, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx, `UPDATE proposals SET status = 'executing' WHERE id = ?`, proposalID); err != nil {
		return nil, fmt.Errorf("mark proposal executing: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO action_records (proposal_id, started_at) VALUES (?, ?)`, proposalID, now)
	if err != nil {
		return nil, fmt.Errorf("insert action record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.GetRecord(ctx, id)
}

// CompleteExecution records a successful attempt and marks the proposal completed.
func (s *Store) CompleteExecution(ctx context.Context, recordID int64, resultData *string) error {
	return s.finishExecution(ctx, recordID, true, nil, resultData, StatusCompleted, nil)
}

// FailExecution records a failed attempt. If nextRetryAt is non-nil, the
// proposal stays "failed" with retry scheduling fields populated so
// ListDueForRetry picks it back up; pass nil once retries are exhausted to
// leave it terminally failed, per Open Question resolution (no
// auto-requeue once a marker is terminal).
func (s *Store) FailExecution(ctx context.Context, recordID int64, errMsg string, nextRetryAt *time.Time) error {
	e := errMsg
	return s.finishExecution(ctx, recordID, false, &e, nil, StatusFailed, nextRetryAt)
}

func (s *Store) finishExecution(ctx context.Context, recordID int64, success bool, errMsg, resultData *string, status Status, nextRetryAt *time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var rec Record
	if err := tx.GetContext(ctx, &rec, `SELECT * FROM action_records WHERE id = ?`, recordID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: record id=%d", ErrNotFound, recordID)
		}
		return fmt.Errorf("get record: %w", err)
	}

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx, `
		UPDATE action_records SET completed_at = ?, success = ?, error_message = ?, result_data = ?
		WHERE id = ?`, now, success, errMsg, resultData, recordID); err != nil {
		return fmt.Errorf("update action record: %w", err)
	}

	if success {
		if _, err := tx.ExecContext(ctx, `UPDATE proposals SET status = ? WHERE id = ?`,
			string(status), rec.ProposalID); err != nil {
			return fmt.Errorf("update proposal status: %w", err)
		}
	} else {
		retryCount := 0
		if err := tx.GetContext(ctx, &retryCount, `SELECT retry_count FROM proposals WHERE id = ?`, rec.ProposalID); err != nil {
			return fmt.Errorf("read retry_count: %w", err)
		}
		if nextRetryAt != nil {
			retryCount++
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE proposals SET status = ?, last_error = ?, retry_count = ?, next_retry_at = ?
			WHERE id = ?`, string(status), errMsg, retryCount, formatTimePtr(nextRetryAt), rec.ProposalID); err != nil {
			return fmt.Errorf("update proposal retry state: %w", err)
		}
	}

	return tx.Commit()
}

// GetRecord retrieves one execution record by id.
func (s *Store) GetRecord(ctx context.Context, id int64) (*Record, error) {
	var r Record
	err := s.db.GetContext(ctx, &r, `SELECT * FROM action_records WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: record id=%d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return &r, nil
}

// ListRecordsByProposal returns every execution attempt for a proposal, in
// attempt order — used for audit trails and session risk scoring.
func (s *Store) ListRecordsByProposal(ctx context.Context, proposalID int64) ([]*Record, error) {
	var rows []Record
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM action_records WHERE proposal_id = ? ORDER BY id ASC`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list records by proposal: %w", err)
	}
	out := make([]*Record, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

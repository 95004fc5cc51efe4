// Package dispatcher implements the action lifecycle orchestration
// described in spec.md §4.9: propose, validate, authorize, execute, and
// retry-schedule one ActionProposal at a time, with every transition
// passing through the safety controller and audit log first. Grounded
// directly on the original's ActionExecutor
// (operator_core/actions/executor.py) — propose_action, propose_workflow,
// validate_proposal, execute_proposal, schedule_next_retry, and
// cancel_proposal all have a one-to-one method here.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codeready-toolchain/operant/pkg/action"
	"github.com/codeready-toolchain/operant/pkg/audit"
	"github.com/codeready-toolchain/operant/pkg/authz"
	"github.com/codeready-toolchain/operant/pkg/config"
	"github.com/codeready-toolchain/operant/pkg/registry"
	"github.com/codeready-toolchain/operant/pkg/risk"
	"github.com/codeready-toolchain/operant/pkg/safety"
	"github.com/codeready-toolchain/operant/pkg/subject"
	"github.com/codeready-toolchain/operant/pkg/validate"
)

// ErrAlreadyTerminal is returned by CancelProposal when the proposal has
// already reached a state it cannot leave.
var ErrAlreadyTerminal = errors.New("proposal already in a terminal state")

// ErrWorkflowNotDirectlyExecutable is returned by ExecuteProposal for a
// proposal whose ActionType is workflow — only its member proposals run.
var ErrWorkflowNotDirectlyExecutable = errors.New("workflow proposals are not directly executable")

// ApprovalRequiredError mirrors the original's ApprovalRequiredError: a
// proposal whose action definition requires approval (or whose session
// risk has escalated the requirement) cannot execute until approved.
type ApprovalRequiredError struct {
	ProposalID int64
	ActionName string
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("proposal %d (%s) requires approval before execution", e.ProposalID, e.ActionName)
}

// Recommendation is one action an agent wants proposed, whether standalone
// or as a member of a workflow.
type Recommendation struct {
	ActionName    string
	Parameters    map[string]any
	Reason        string
	RequesterID   string
	RequesterType string // "user" | "system" | "agent"
	AgentID       *string
	ProposedBy    string // "agent" | "user"
}

// Dispatcher orchestrates the full action lifecycle over one action.Store,
// consulting the registry for definitions, the safety controller and dual
// authorization checker before any side effect, and the auditor for every
// transition.
type Dispatcher struct {
	store    *action.Store
	registry *registry.ActionRegistry
	safety   *safety.Controller
	authz    *authz.Checker
	auditor  *audit.Auditor
	retryCfg *config.RetryConfig
	riskCfg  *config.RiskConfig

	subjectExecutor subject.ActionExecutor
	toolExecutor    subject.ActionExecutor

	mu       sync.Mutex
	sessions map[string]*risk.Tracker
}

// New builds a Dispatcher. subjectExecutor handles proposals whose
// ActionType is "subject"; toolExecutor (pkg/toolexec.Executor, typically)
// handles "tool". Either may be nil if that action type is never proposed.
func New(
	store *action.Store,
	reg *registry.ActionRegistry,
	safetyCtl *safety.Controller,
	authzChecker *authz.Checker,
	auditor *audit.Auditor,
	retryCfg *config.RetryConfig,
	riskCfg *config.RiskConfig,
	subjectExecutor subject.ActionExecutor,
	toolExecutor subject.ActionExecutor,
) *Dispatcher {
	return &Dispatcher{
		store:           store,
		registry:        reg,
		safety:          safetyCtl,
		authz:           authzChecker,
		auditor:         auditor,
		retryCfg:        retryCfg,
		riskCfg:         riskCfg,
		subjectExecutor: subjectExecutor,
		toolExecutor:    toolExecutor,
		sessions:        make(map[string]*risk.Tracker),
	}
}

// sessionKey generalizes the original's per-conversation session id: this
// operator scores risk per ticket, since a ticket is the unit an agent
// diagnoses and proposes actions against. Actions proposed with no ticket
// (ad hoc, operator-driven) share one "adhoc" session.
func sessionKey(ticketID *int64) string {
	if ticketID == nil {
		return "adhoc"
	}
	return fmt.Sprintf("ticket-%d", *ticketID)
}

// SessionRisk returns the risk tracker for a session, creating one on
// first use.
func (d *Dispatcher) SessionRisk(ticketID *int64) *risk.Tracker {
	key := sessionKey(ticketID)

	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.sessions[key]
	if !ok {
		t = risk.NewTracker(key, d.riskCfg)
		d.sessions[key] = t
	}
	return t
}

// ProposeAction records one Recommendation as a new Proposal in
// StatusProposed, looking up the action's type from the registry and
// auditing the creation. Mirrors propose_action.
func (d *Dispatcher) ProposeAction(ctx context.Context, rec Recommendation, ticketID *int64, now time.Time) (*action.Proposal, error) {
	if err := d.safety.CheckCanExecute(); err != nil {
		return nil, err
	}

	def, err := d.registry.GetDefinition(ctx, rec.ActionName)
	if err != nil {
		return nil, err
	}

	paramsJSON, err := json.Marshal(rec.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encode action parameters: %w", err)
	}

	p := &action.Proposal{
		TicketID:      ticketID,
		ActionName:    def.Name,
		ActionType:    action.Type(def.ActionType),
		Parameters:    string(paramsJSON),
		Reason:        rec.Reason,
		Status:        action.StatusProposed,
		ProposedAt:    now,
		ProposedBy:    rec.ProposedBy,
		RequesterID:   rec.RequesterID,
		RequesterType: rec.RequesterType,
		AgentID:       rec.AgentID,
		MaxRetries:    d.retryCfg.MaxRetries,
	}

	created, err := d.store.CreateProposal(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("create proposal: %w", err)
	}

	if err := d.auditor.LogProposalCreated(ctx, created); err != nil {
		return nil, fmt.Errorf("audit proposal creation: %w", err)
	}
	return created, nil
}

// ProposeWorkflow creates a Workflow row and one Proposal per
// recommendation, in order, each depending on the previous — the
// dependency gate ListDueForExecution checks. Unlike the original, which
// hardcodes every workflow member's action_type to "subject", each
// member's type is resolved from the registry individually: a workflow
// can legitimately mix subject-native steps with general tool calls (e.g.
// a diagnosis-driven restart followed by a log-tail check).
func (d *Dispatcher) ProposeWorkflow(ctx context.Context, name, description string, ticketID *int64, recs []Recommendation, now time.Time) (*action.Workflow, []*action.Proposal, error) {
	if err := d.safety.CheckCanExecute(); err != nil {
		return nil, nil, err
	}
	if len(recs) == 0 {
		return nil, nil, errors.New("workflow must contain at least one recommendation")
	}

	wf, err := d.store.CreateWorkflow(ctx, &action.Workflow{
		Name:        name,
		Description: description,
		TicketID:    ticketID,
		Status:      action.WorkflowPending,
		CreatedAt:   now,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create workflow: %w", err)
	}

	proposals := make([]*action.Proposal, 0, len(recs))
	var previousID *int64
	for i, rec := range recs {
		def, err := d.registry.GetDefinition(ctx, rec.ActionName)
		if err != nil {
			return wf, proposals, fmt.Errorf("workflow member %d: %w", i, err)
		}

		paramsJSON, err := json.Marshal(rec.Parameters)
		if err != nil {
			return wf, proposals, fmt.Errorf("encode workflow member %d parameters: %w", i, err)
		}

		p := &action.Proposal{
			TicketID:            ticketID,
			ActionName:          def.Name,
			ActionType:          action.Type(def.ActionType),
			Parameters:          string(paramsJSON),
			Reason:              rec.Reason,
			Status:              action.StatusProposed,
			ProposedAt:          now,
			ProposedBy:          rec.ProposedBy,
			RequesterID:         rec.RequesterID,
			RequesterType:       rec.RequesterType,
			AgentID:             rec.AgentID,
			WorkflowID:          &wf.ID,
			ExecutionOrder:      i,
			DependsOnProposalID: previousID,
			MaxRetries:          d.retryCfg.MaxRetries,
		}

		created, err := d.store.CreateProposal(ctx, p)
		if err != nil {
			return wf, proposals, fmt.Errorf("create workflow member %d: %w", i, err)
		}
		if err := d.auditor.LogProposalCreated(ctx, created); err != nil {
			return wf, proposals, fmt.Errorf("audit workflow member %d: %w", i, err)
		}

		proposals = append(proposals, created)
		previousID = &created.ID
	}

	return wf, proposals, nil
}

// ValidateProposal re-checks a proposal's parameters against the
// registry's current definition — definitions can drift between proposal
// creation and this call, via a config reload or subject restart — and
// marks it StatusValidated on success. Mirrors validate_proposal.
func (d *Dispatcher) ValidateProposal(ctx context.Context, proposalID int64) (*action.Proposal, error) {
	if err := d.safety.CheckCanExecute(); err != nil {
		return nil, err
	}

	p, err := d.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != action.StatusProposed {
		return nil, fmt.Errorf("proposal %d is %s, not proposed", p.ID, p.Status)
	}

	def, err := d.registry.GetDefinition(ctx, p.ActionName)
	if err != nil {
		return nil, err
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(p.Parameters), &params); err != nil {
		return nil, fmt.Errorf("decode proposal parameters: %w", err)
	}
	if err := validate.ActionParams(*def, params); err != nil {
		return nil, err
	}

	if err := d.store.MarkValidated(ctx, p.ID); err != nil {
		return nil, fmt.Errorf("mark validated: %w", err)
	}
	if err := d.auditor.LogValidationPassed(ctx, p.ID); err != nil {
		return nil, fmt.Errorf("audit validation: %w", err)
	}

	p.Status = action.StatusValidated
	return p, nil
}

// requiresApproval reports whether p must be approved before execution,
// either because its action definition demands it or because the
// session's current risk score has escalated the requirement
// (config.RiskConfig.EscalatesApproval).
func (d *Dispatcher) requiresApproval(ctx context.Context, p *action.Proposal, now time.Time) (bool, error) {
	def, err := d.registry.GetDefinition(ctx, p.ActionName)
	if err != nil {
		return false, err
	}
	if def.RequiresApproval {
		return true, nil
	}
	if !d.riskCfg.EscalatesApproval {
		return false, nil
	}

	tracker := d.SessionRisk(p.TicketID)
	_, level := tracker.CalculateRiskScore(now)
	return level == risk.LevelHigh || level == risk.LevelCritical, nil
}

// ExecuteProposal runs one validated (or retry-due) proposal's action
// through the safety gate, the dual authorization check, and the
// appropriate executor, recording a Record either way. Mirrors
// execute_proposal.
func (d *Dispatcher) ExecuteProposal(ctx context.Context, proposalID int64, now time.Time) (*action.Record, error) {
	if err := d.safety.CheckCanExecute(); err != nil {
		return nil, err
	}

	p, err := d.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.ActionType == action.TypeWorkflow {
		return nil, ErrWorkflowNotDirectlyExecutable
	}
	if p.Status != action.StatusValidated && p.Status != action.StatusFailed {
		return nil, fmt.Errorf("proposal %d is %s, not ready to execute", p.ID, p.Status)
	}

	needsApproval, err := d.requiresApproval(ctx, p, now)
	if err != nil {
		return nil, err
	}
	if needsApproval && !p.IsApproved() {
		return nil, &ApprovalRequiredError{ProposalID: p.ID, ActionName: p.ActionName}
	}

	if err := d.authz.CheckDualAuthorization(p); err != nil {
		return nil, err
	}

	executor, err := d.executorFor(p.ActionType)
	if err != nil {
		return nil, err
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(p.Parameters), &params); err != nil {
		return nil, fmt.Errorf("decode proposal parameters: %w", err)
	}

	rec, err := d.store.BeginExecution(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("begin execution: %w", err)
	}
	if err := d.auditor.LogExecutionStarted(ctx, p.ID, p.RequesterID, p.AgentID); err != nil {
		return nil, fmt.Errorf("audit execution start: %w", err)
	}

	result, execErr := executor.Execute(ctx, p.ActionName, params)

	tracker := d.SessionRisk(p.TicketID)
	tracker.AddAction(p.ActionName, now)

	durationMS := time.Since(now).Milliseconds()
	if execErr == nil {
		resultJSON, err := json.Marshal(result)
		if err != nil {
			return rec, fmt.Errorf("encode execution result: %w", err)
		}
		resultStr := string(resultJSON)
		if err := d.store.CompleteExecution(ctx, rec.ID, &resultStr); err != nil {
			return rec, fmt.Errorf("complete execution: %w", err)
		}
		if err := d.auditor.LogExecutionCompleted(ctx, p.ID, true, "", durationMS, result); err != nil {
			return rec, fmt.Errorf("audit execution completion: %w", err)
		}
		return rec, nil
	}

	nextRetryAt := d.scheduleRetryIfEligible(p, now)
	if err := d.store.FailExecution(ctx, rec.ID, execErr.Error(), nextRetryAt); err != nil {
		return rec, fmt.Errorf("fail execution: %w", err)
	}
	if err := d.auditor.LogExecutionCompleted(ctx, p.ID, false, execErr.Error(), durationMS, nil); err != nil {
		return rec, fmt.Errorf("audit execution failure: %w", err)
	}
	return rec, execErr
}

func (d *Dispatcher) executorFor(t action.Type) (subject.ActionExecutor, error) {
	switch t {
	case action.TypeTool:
		if d.toolExecutor == nil {
			return nil, errors.New("no tool executor configured")
		}
		return d.toolExecutor, nil
	case action.TypeSubject:
		if d.subjectExecutor == nil {
			return nil, errors.New("no subject executor configured")
		}
		return d.subjectExecutor, nil
	default:
		return nil, fmt.Errorf("unhandled action type %q", t)
	}
}

// scheduleRetryIfEligible returns the next retry time for p, or nil if
// its retries are exhausted (p.RetryCount >= p.MaxRetries), matching
// ScheduleNextRetry's standalone logic but folded into the failure path
// since FailExecution needs the decision inline.
func (d *Dispatcher) scheduleRetryIfEligible(p *action.Proposal, now time.Time) *time.Time {
	if p.RetryCount >= p.MaxRetries {
		return nil
	}
	at := now.Add(d.nextRetryDelay(p.RetryCount))
	return &at
}

// ScheduleNextRetry computes the next retry time for a failed proposal
// without mutating it, for callers (e.g. a scheduling preview) that want
// the delay before committing to a failure record. Mirrors
// schedule_next_retry.
func (d *Dispatcher) ScheduleNextRetry(proposalID int64, retryCount int, now time.Time) *time.Time {
	if retryCount >= d.retryCfg.MaxRetries {
		return nil
	}
	at := now.Add(d.nextRetryDelay(retryCount))
	return &at
}

// nextRetryDelay computes the delay before the (retryCount+1)th attempt
// using an exponential backoff schedule seeded from config.RetryConfig:
// base delay, multiplicative factor, a cap, and proportional jitter.
func (d *Dispatcher) nextRetryDelay(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryCfg.BaseDelay
	b.Multiplier = d.retryCfg.Factor
	b.MaxInterval = d.retryCfg.MaxDelay
	b.RandomizationFactor = d.retryCfg.JitterFraction
	b.Reset()

	var delay time.Duration
	for i := 0; i <= retryCount; i++ {
		delay = b.NextBackOff()
	}
	if delay > d.retryCfg.MaxDelay {
		delay = d.retryCfg.MaxDelay
	}
	return delay
}

// CancelProposal cancels a non-terminal proposal and audits the reason.
// Mirrors cancel_proposal.
func (d *Dispatcher) CancelProposal(ctx context.Context, proposalID int64, reason string) error {
	p, err := d.store.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if p.IsTerminal() {
		return fmt.Errorf("%w: proposal %d is %s", ErrAlreadyTerminal, p.ID, p.Status)
	}

	if err := d.store.Cancel(ctx, p.ID); err != nil {
		return fmt.Errorf("cancel proposal: %w", err)
	}
	if err := d.auditor.LogCancelled(ctx, p.ID, reason); err != nil {
		return fmt.Errorf("audit cancellation: %w", err)
	}
	return nil
}

// DueForExecution returns proposals validated and scheduled (or already
// due) whose dependencies, if any, have completed — the set the agent
// daemon's tick loop should drain.
func (d *Dispatcher) DueForExecution(ctx context.Context, now time.Time) ([]*action.Proposal, error) {
	return d.store.ListDueForExecution(ctx, now)
}

// DueForRetry returns failed proposals whose next retry time has arrived.
func (d *Dispatcher) DueForRetry(ctx context.Context, now time.Time) ([]*action.Proposal, error) {
	return d.store.ListDueForRetry(ctx, now)
}

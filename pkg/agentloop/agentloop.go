// Package agentloop runs the daemon that turns open tickets into diagnoses
// and, where an executor is wired and the safety controller allows it,
// proposed/validated/executed remediation. Grounded on spec.md §4.10 and
// original_source/agent/runner.py's AgentRunner: same daemon shape as the
// monitor loop (tarsy's pkg/queue/worker.go pattern), same per-tick sequence
// (diagnose open tickets sequentially, then drain scheduled actions, then
// drain retry-eligible actions, then sleep).
package agentloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/operant/pkg/contextgather"
	"github.com/codeready-toolchain/operant/pkg/diagnosis"
	"github.com/codeready-toolchain/operant/pkg/dispatcher"
	"github.com/codeready-toolchain/operant/pkg/safety"
	"github.com/codeready-toolchain/operant/pkg/subject"
	"github.com/codeready-toolchain/operant/pkg/ticket"
)

// defaultVerificationDelay is how long the loop waits after executing a
// recommendation before re-observing, matching runner.py's
// _verify_action_result 5s wait.
const defaultVerificationDelay = 5 * time.Second

// Diagnoser is the subset of pkg/diagnosis.Client the loop depends on.
// Declared as an interface so tests can substitute a fake instead of making
// real LLM calls.
type Diagnoser interface {
	Diagnose(ctx context.Context, dc *contextgather.DiagnosisContext) (*diagnosis.Output, error)
}

// Status mirrors pkg/monitor.Status so both daemons report health the same
// shape.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusTicking Status = "ticking"
	StatusStopped Status = "stopped"
)

// Health is a point-in-time snapshot of the loop's run statistics, mirroring
// the counters AgentRunner kept (_tickets_processed, _tickets_diagnosed,
// _actions_proposed, _actions_verified).
type Health struct {
	Status            Status
	LastTickAt        time.Time
	LastError         string
	TicksRun          int
	TicketsDiagnosed  int
	ActionsProposed   int
	ActionsVerified   int
}

// Loop is the agent daemon for one subject.
type Loop struct {
	subjectName       string
	tickets           *ticket.Store
	gatherer          *contextgather.Gatherer
	diag              Diagnoser
	dispatch          *dispatcher.Dispatcher
	observer          subject.Observer
	safetyCtl         *safety.Controller
	interval          time.Duration
	verificationDelay time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.RWMutex
	health Health
}

// New builds an agent Loop. dispatch and safetyCtl may be nil: a nil
// dispatch means the loop only diagnoses tickets and never proposes
// actions, matching runner.py's "executor=None" observe-only v1 behavior.
func New(subjectName string, tickets *ticket.Store, gatherer *contextgather.Gatherer, diag Diagnoser, dispatch *dispatcher.Dispatcher, observer subject.Observer, safetyCtl *safety.Controller, interval time.Duration) *Loop {
	return &Loop{
		subjectName:       subjectName,
		tickets:           tickets,
		gatherer:          gatherer,
		diag:              diag,
		dispatch:          dispatch,
		observer:          observer,
		safetyCtl:         safetyCtl,
		interval:          interval,
		verificationDelay: defaultVerificationDelay,
		stopCh:            make(chan struct{}),
		health:            Health{Status: StatusIdle},
	}
}

// Start runs the loop until Stop is called or ctx is cancelled.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop signals the loop to exit and waits for it to do so.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// Health returns a snapshot of the loop's current state.
func (l *Loop) Health() Health {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.health
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	log := slog.Default().With("subject", l.subjectName, "component", "agentloop")

	for {
		select {
		case <-l.stopCh:
			l.setStatus(StatusStopped, "")
			return
		case <-ctx.Done():
			l.setStatus(StatusStopped, "")
			return
		default:
			l.tick(ctx, log)
			l.sleep(l.interval)
		}
	}
}

func (l *Loop) tick(ctx context.Context, log *slog.Logger) {
	now := time.Now()

	open, err := l.tickets.List(ctx, statusPtr(ticket.StatusOpen))
	if err != nil {
		log.Error("listing open tickets", "error", err)
		l.recordError(err)
		return
	}

	for _, t := range open {
		select {
		case <-l.stopCh:
			return
		default:
		}
		l.diagnoseTicket(ctx, log, t, now)
	}

	if l.dispatch != nil {
		l.drainScheduled(ctx, log, now)
		l.drainRetries(ctx, log, now)
	}

	l.mu.Lock()
	l.health.Status = StatusIdle
	l.health.LastTickAt = now
	l.health.LastError = ""
	l.health.TicksRun++
	l.mu.Unlock()
}

// diagnoseTicket implements spec.md §4.10 step 1 for a single ticket: gather
// context, call the LLM, handle the three terminal stop reasons, persist the
// diagnosis, then walk any recommended actions through propose/validate/
// execute.
func (l *Loop) diagnoseTicket(ctx context.Context, log *slog.Logger, t *ticket.Ticket, now time.Time) {
	dc, err := l.gatherer.Gather(ctx, t)
	if err != nil {
		log.Error("gathering diagnosis context", "ticket", t.ID, "error", err)
		return
	}

	out, err := l.diag.Diagnose(ctx, dc)
	if err != nil {
		if errors.Is(err, diagnosis.ErrRefused) {
			marker := "# Diagnosis Error\n\nThe model refused to provide a diagnosis for this ticket."
			if uerr := l.tickets.UpdateDiagnosis(ctx, t.ID, marker); uerr != nil {
				log.Error("recording refusal marker", "ticket", t.ID, "error", uerr)
			}
			return
		}
		// Any other failure (breaker open, network, rate limit) is
		// transient: leave the ticket open for the next tick, matching
		// runner.py's APIConnectionError/APIError handling.
		log.Error("diagnosing ticket", "ticket", t.ID, "error", err)
		return
	}

	md := diagnosis.FormatMarkdown(out)
	if err := l.tickets.UpdateDiagnosis(ctx, t.ID, md); err != nil {
		log.Error("persisting diagnosis", "ticket", t.ID, "error", err)
		return
	}

	l.mu.Lock()
	l.health.TicketsDiagnosed++
	l.mu.Unlock()

	if l.dispatch == nil || len(out.RecommendedActions) == 0 {
		return
	}

	l.actOnRecommendations(ctx, log, t.ID, out.RecommendedActions, now)
}

func (l *Loop) actOnRecommendations(ctx context.Context, log *slog.Logger, ticketID int64, recs []diagnosis.RecommendedAction, now time.Time) {
	for _, rec := range recs {
		if l.safetyCtl != nil && l.safetyCtl.IsObserveOnly() {
			log.Info("observe-only mode active, skipping remaining recommendations", "ticket", ticketID)
			return
		}

		proposal, err := l.dispatch.ProposeAction(ctx, dispatcher.Recommendation{
			ActionName:    rec.ActionName,
			Parameters:    rec.Parameters,
			Reason:        rec.Reason,
			RequesterID:   "agent",
			RequesterType: "agent",
			ProposedBy:    "agent",
		}, &ticketID, now)
		if err != nil {
			log.Error("proposing recommended action", "ticket", ticketID, "action", rec.ActionName, "error", err)
			continue
		}

		l.mu.Lock()
		l.health.ActionsProposed++
		l.mu.Unlock()

		if _, err := l.dispatch.ValidateProposal(ctx, proposal.ID); err != nil {
			log.Error("validating proposal", "proposal", proposal.ID, "error", err)
			continue
		}

		if _, err := l.dispatch.ExecuteProposal(ctx, proposal.ID, now); err != nil {
			var approvalErr *dispatcher.ApprovalRequiredError
			if errors.As(err, &approvalErr) {
				log.Info("action requires approval", "proposal", proposal.ID, "action", rec.ActionName)
				continue
			}
			if errors.Is(err, safety.ErrObserveOnly) {
				log.Info("observe-only mode engaged mid-execution, stopping", "ticket", ticketID)
				return
			}
			log.Error("executing proposal", "proposal", proposal.ID, "error", err)
			continue
		}

		l.verifyAndReobserve(ctx, log, proposal.ID, ticketID)
	}
}

// verifyAndReobserve waits verificationDelay then takes a fresh observation,
// matching runner.py's _verify_action_result: a full invariant re-check is
// left to the next monitor tick, this only confirms the subject is still
// reachable post-action.
func (l *Loop) verifyAndReobserve(ctx context.Context, log *slog.Logger, proposalID, ticketID int64) {
	l.sleep(l.verificationDelay)

	obs, err := l.observer.Observe(ctx)
	if err != nil {
		log.Warn("post-action re-observe failed", "proposal", proposalID, "ticket", ticketID, "error", err)
		return
	}

	l.mu.Lock()
	l.health.ActionsVerified++
	l.mu.Unlock()
	log.Info("post-action verification complete", "proposal", proposalID, "ticket", ticketID, "observed_keys", len(obs))
}

func (l *Loop) drainScheduled(ctx context.Context, log *slog.Logger, now time.Time) {
	due, err := l.dispatch.DueForExecution(ctx, now)
	if err != nil {
		log.Error("listing due scheduled actions", "error", err)
		return
	}
	for _, p := range due {
		if _, err := l.dispatch.ExecuteProposal(ctx, p.ID, now); err != nil {
			log.Error("executing scheduled action", "proposal", p.ID, "error", err)
		}
	}
}

func (l *Loop) drainRetries(ctx context.Context, log *slog.Logger, now time.Time) {
	due, err := l.dispatch.DueForRetry(ctx, now)
	if err != nil {
		log.Error("listing retry-eligible actions", "error", err)
		return
	}
	for _, p := range due {
		if _, err := l.dispatch.ExecuteProposal(ctx, p.ID, now); err != nil {
			log.Error("retrying action", "proposal", p.ID, "error", err)
		}
	}
}

func (l *Loop) recordError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.health.LastError = err.Error()
}

func (l *Loop) setStatus(status Status, errMsg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.health.Status = status
	if errMsg != "" {
		l.health.LastError = errMsg
	}
}

func (l *Loop) sleep(d time.Duration) {
	select {
	case <-l.stopCh:
	case <-time.After(d):
	}
}

func statusPtr(s ticket.Status) *ticket.Status { return &s }

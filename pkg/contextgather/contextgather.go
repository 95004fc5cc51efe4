// Package contextgather assembles everything the diagnosis client needs to
// reason about a ticket: the ticket itself, a fresh observation, and the
// history that gives an LLM enough evidence for a differential diagnosis.
//
// There is no single original source file for this assembly step — it is
// modeled on how operator_core.agent.runner built a DiagnosisContext before
// calling build_diagnosis_prompt: a fresh subject.Observe(), the ticket's own
// stored metric_snapshot, a bounded window of past tickets for the same
// invariant (db/tickets.py's history query shape, reused here via
// pkg/ticket.Store.ListByInvariant), and the registry's action definitions so
// the prompt can describe exactly what the agent is allowed to recommend.
package contextgather

import (
	"context"
	"encoding/json"

	"github.com/codeready-toolchain/operant/pkg/registry"
	"github.com/codeready-toolchain/operant/pkg/subject"
	"github.com/codeready-toolchain/operant/pkg/ticket"
)

// similarTicketLimit bounds how many past tickets for the same invariant are
// pulled into a diagnosis prompt. Unbounded history would blow out the
// prompt for invariants that flap often.
const similarTicketLimit = 5

// DiagnosisContext holds everything build_diagnosis_prompt needs to render a
// complete prompt for one ticket.
type DiagnosisContext struct {
	Ticket            *ticket.Ticket
	Observation       subject.Observation
	MetricSnapshot    map[string]any
	SimilarTickets    []*ticket.Ticket
	ActionDefinitions []subject.ActionDefinition
}

// Gatherer wires together the pieces a single subject exposes for context
// assembly: its live observer, the ticket history store, and the action
// registry describing what it can do.
type Gatherer struct {
	observer subject.Observer
	tickets  *ticket.Store
	registry *registry.ActionRegistry
}

// New builds a Gatherer for one subject.
func New(observer subject.Observer, tickets *ticket.Store, reg *registry.ActionRegistry) *Gatherer {
	return &Gatherer{observer: observer, tickets: tickets, registry: reg}
}

// Gather assembles a DiagnosisContext for t. A failure to take a fresh
// observation is not fatal — the prompt still has the ticket's own stored
// snapshot and history to work from — so Observe errors degrade the context
// rather than aborting it. Failures reading history or action definitions
// are returned, since those come from the local database and registry and a
// failure there signals a real problem worth surfacing to the caller.
func (g *Gatherer) Gather(ctx context.Context, t *ticket.Ticket) (*DiagnosisContext, error) {
	dc := &DiagnosisContext{Ticket: t}

	if obs, err := g.observer.Observe(ctx); err == nil {
		dc.Observation = obs
	}

	if t.MetricSnapshot != nil {
		var snapshot map[string]any
		if err := json.Unmarshal([]byte(*t.MetricSnapshot), &snapshot); err == nil {
			dc.MetricSnapshot = snapshot
		}
	}

	similar, err := g.tickets.ListByInvariant(ctx, t.InvariantName, similarTicketLimit)
	if err != nil {
		return nil, err
	}
	for _, s := range similar {
		if s.ID != t.ID {
			dc.SimilarTickets = append(dc.SimilarTickets, s)
		}
	}

	defs, err := g.registry.GetDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	dc.ActionDefinitions = defs

	return dc, nil
}

package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/codeready-toolchain/operant/pkg/action"
)

// Auditor is the high-level, event-shaped API the rest of the operator
// calls instead of LogEvent directly — one method per lifecycle moment,
// mirroring the proposal/validation/execution/cancellation/system-event
// vocabulary the dispatcher and safety controller emit.
type Auditor struct {
	store *Store
}

// NewAuditor wraps a Store with the convenience logging API.
func NewAuditor(store *Store) *Auditor {
	return &Auditor{store: store}
}

func (a *Auditor) LogProposalCreated(ctx context.Context, p *action.Proposal) error {
	var params map[string]any
	_ = json.Unmarshal([]byte(p.Parameters), &params)

	return a.store.LogEvent(ctx, &p.ID, EventProposed, map[string]any{
		"action_name": p.ActionName,
		"action_type": string(p.ActionType),
		"parameters":  params,
		"reason":      p.Reason,
	}, p.ProposedBy, p.ProposedAt)
}

func (a *Auditor) LogValidationPassed(ctx context.Context, proposalID int64) error {
	return a.store.LogEvent(ctx, &proposalID, EventValidated, nil, "system", time.Now())
}

func (a *Auditor) LogExecutionStarted(ctx context.Context, proposalID int64, requesterID string, agentID *string) error {
	data := map[string]any{"requester_id": requesterID}
	if agentID != nil {
		data["agent_id"] = *agentID
	}
	return a.store.LogEvent(ctx, &proposalID, EventExecuting, data, "system", time.Now())
}

func (a *Auditor) LogExecutionCompleted(ctx context.Context, proposalID int64, success bool, errMsg string, durationMS int64, result map[string]any) error {
	eventType := EventCompleted
	data := map[string]any{}
	if durationMS > 0 {
		data["duration_ms"] = durationMS
	}
	if success {
		if result != nil {
			data["result"] = result
		}
	} else {
		eventType = EventFailed
		if errMsg != "" {
			data["error"] = errMsg
		}
	}
	var payload map[string]any
	if len(data) > 0 {
		payload = data
	}
	return a.store.LogEvent(ctx, &proposalID, eventType, payload, "system", time.Now())
}

func (a *Auditor) LogCancelled(ctx context.Context, proposalID int64, reason string) error {
	return a.store.LogEvent(ctx, &proposalID, EventCancelled, map[string]any{"reason": reason}, "system", time.Now())
}

// LogKillSwitch records the kill-switch system event — proposalID is nil,
// matching the original's "system event" framing for anything that isn't
// scoped to one proposal.
func (a *Auditor) LogKillSwitch(ctx context.Context, cancelledCount int, containersKilled int) error {
	return a.store.LogEvent(ctx, nil, EventKillSwitch, map[string]any{
		"cancelled_count":   cancelledCount,
		"containers_killed": containersKilled,
	}, "system", time.Now())
}

func (a *Auditor) LogModeChange(ctx context.Context, oldMode, newMode string) error {
	return a.store.LogEvent(ctx, nil, EventModeChange, map[string]any{
		"old_mode": oldMode,
		"new_mode": newMode,
	}, "system", time.Now())
}

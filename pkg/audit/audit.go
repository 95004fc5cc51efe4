// Package audit implements the append-only action lifecycle log described
// in spec.md §4.9/§7: every proposal transition and every system event
// (kill switch, safety mode change) is recorded here, secrets redacted
// before the write ever happens.
package audit

import "time"

// EventType enumerates the lifecycle and system events the auditor logs.
type EventType string

const (
	EventProposed   EventType = "proposed"
	EventValidated  EventType = "validated"
	EventExecuting  EventType = "executing"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventCancelled  EventType = "cancelled"
	EventKillSwitch EventType = "kill_switch"
	EventModeChange EventType = "mode_change"
)

// Event is one row in the audit log.
type Event struct {
	ID         int64          `db:"id"`
	ProposalID *int64         `db:"proposal_id"` // nil for system-level events
	EventType  EventType      `db:"event_type"`
	EventData  string         `db:"event_data"` // JSON, already redacted
	Actor      string         `db:"actor"`      // "agent" | "user" | "system"
	Timestamp  time.Time      `db:"timestamp"`
}

// Package ticket implements the persistent incident store described in
// spec.md §4.2: deduplicated, auto-resolving tickets derived from
// checker violations.
package ticket

import "time"

// Status is one of the four lifecycle states a Ticket can be in.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusDiagnosed    Status = "diagnosed"
	StatusResolved     Status = "resolved"
)

// Ticket is the persistent incarnation of a violation.
type Ticket struct {
	ID              int64      `db:"id"`
	ViolationKey    string     `db:"violation_key"`
	InvariantName   string     `db:"invariant_name"`
	EntityID        *string    `db:"entity_id"`
	Message         string     `db:"message"`
	Severity        string     `db:"severity"`
	FirstSeen       time.Time  `db:"first_seen"`
	LastSeen        time.Time  `db:"last_seen"`
	Created         time.Time  `db:"created"`
	Updated         time.Time  `db:"updated"`
	Resolved        *time.Time `db:"resolved"`
	Status          Status     `db:"status"`
	Held            bool       `db:"held"`
	OccurrenceCount int        `db:"occurrence_count"`
	BatchKey        *string    `db:"batch_key"`
	MetricSnapshot  *string    `db:"metric_snapshot"` // JSON, nil if not captured
	Diagnosis       *string    `db:"diagnosis"`
	SubjectContext  *string    `db:"subject_context"`
}

// IsOpen reports whether the ticket is still actionable (not resolved).
func (t *Ticket) IsOpen() bool {
	return t.Status != StatusResolved
}

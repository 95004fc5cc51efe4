package subject

import (
	"sync"
	"time"
)

// GracePeriodTracker implements the grace-period semantics spec.md §4.1
// requires of every Checker: a condition must stay continuously violating
// for at least its configured grace duration before it is reported.
//
// Concrete Checker implementations hold one tracker and call Evaluate once
// per (invariant, entity) pair per tick; it is not a Checker itself since
// checkers additionally decide *which* conditions are currently violating
// from the Observation — that logic is subject-specific.
type GracePeriodTracker struct {
	mu        sync.Mutex
	firstSeen map[string]time.Time // key: invariant_name + "\x00" + entity_id
}

// NewGracePeriodTracker returns an empty tracker.
func NewGracePeriodTracker() *GracePeriodTracker {
	return &GracePeriodTracker{firstSeen: make(map[string]time.Time)}
}

func trackKey(invariantName string, entityID *string) string {
	entity := ""
	if entityID != nil {
		entity = *entityID
	}
	return invariantName + "\x00" + entity
}

// Evaluate reports whether a currently-violating condition should be
// emitted as a Violation right now, given its configured grace period.
// If the condition is not currently violating, callers must call Clear
// instead (not Evaluate) to drop any stale tracking.
func (t *GracePeriodTracker) Evaluate(invariantName string, entityID *string, grace time.Duration, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := trackKey(invariantName, entityID)
	first, tracked := t.firstSeen[key]
	if !tracked {
		t.firstSeen[key] = now
		first = now
	}

	return now.Sub(first) >= grace
}

// Clear drops tracking for a condition that is no longer violating.
func (t *GracePeriodTracker) Clear(invariantName string, entityID *string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.firstSeen, trackKey(invariantName, entityID))
}

// FirstSeen returns the recorded first-violating timestamp for a condition,
// used by callers to populate Violation.FirstSeen. Returns the zero time
// and false if nothing is tracked.
func (t *GracePeriodTracker) FirstSeen(invariantName string, entityID *string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.firstSeen[trackKey(invariantName, entityID)]
	return ts, ok
}

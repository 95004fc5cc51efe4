// Package subject defines the boundary between the operator core and the
// external distributed system it supervises. Concrete subjects (a specific
// database, rate limiter, message bus, …) implement these contracts; the
// operator core never knows more about a subject than what they expose
// here.
package subject

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Observation is an opaque keyed record produced by an Observer once per
// tick. Its schema is known only to the paired Checker. Never persisted —
// lifetime is one tick.
type Observation map[string]any

// Violation is a single invariant failure detected by a Checker on one
// tick. EntityID is nil for a cluster-wide condition.
type Violation struct {
	InvariantName string
	Message       string
	FirstSeen     time.Time
	LastSeen      time.Time
	EntityID      *string
	Severity      string
}

// ViolationKey is the deterministic fingerprint used for ticket
// deduplication: two violations with the same key in successive ticks are
// the same incident.
type ViolationKey string

// Key derives v's ViolationKey from (InvariantName, EntityID).
func (v Violation) Key() ViolationKey {
	entity := ""
	if v.EntityID != nil {
		entity = *v.EntityID
	}
	sum := sha256.Sum256([]byte(v.InvariantName + "\x00" + entity))
	return ViolationKey(hex.EncodeToString(sum[:16]))
}

// ParamDef describes one parameter an ActionDefinition accepts.
type ParamDef struct {
	Type        string // "string" | "number" | "bool" | "object"
	Description string
	Required    bool
	Default     any
}

// ActionDefinition describes one executable action, whether subject-native
// or a general tool from pkg/toolexec's catalog.
type ActionDefinition struct {
	Name             string
	Description      string
	Parameters       map[string]ParamDef
	ActionType       string // "subject" | "tool" | "workflow"
	RiskLevel        string // "low" | "medium" | "high"
	RequiresApproval bool
}

// Observer queries the subject for a point-in-time Observation. Failures
// are always transient from the monitor's perspective: a failed observe()
// produces a tick with no observation, no violations inferred, and no
// auto-resolve wave.
type Observer interface {
	Observe(ctx context.Context) (Observation, error)
}

// Checker evaluates an Observation against the subject's invariants and
// returns the violations currently in effect. Pure in its Observation
// argument but stateful across ticks: it owns the grace-period tracking
// described in spec — callers must reuse the same Checker instance across
// ticks, never recreate it.
type Checker interface {
	Check(ctx context.Context, obs Observation) ([]Violation, error)
}

// ActionExecutor performs one named, parameterized subject-native action.
// The dispatcher calls this for ActionProposals whose ActionType is
// "subject"; general tools go through pkg/toolexec instead.
type ActionExecutor interface {
	Execute(ctx context.Context, actionName string, parameters map[string]any) (map[string]any, error)
}

// ChaosInjector is the eval-harness-facing half of the subject contract:
// reset to a clean state, wait for health, snapshot state, inject and clean
// up chaos. A subject used only for monitoring (no eval harness) need not
// implement this.
type ChaosInjector interface {
	Reset(ctx context.Context) error
	WaitHealthy(ctx context.Context, timeout time.Duration) error
	CaptureState(ctx context.Context) (map[string]any, error)
	InjectChaos(ctx context.Context, chaosType string, params map[string]any) (map[string]any, error)
	CleanupChaos(ctx context.Context, metadata map[string]any) error
	GetChaosTypes(ctx context.Context) ([]string, error)
}

// Subject bundles everything one concrete subject implementation must
// provide to participate fully in monitoring, diagnosis-time action
// execution, and the eval harness. A subject that only wants to be
// monitored can implement just Observer + Checker + ActionDefinitions and
// leave ActionExecutor/ChaosInjector unimplemented (nil) — callers check
// for the narrower interfaces they need.
type Subject interface {
	Observer
	Checker
	Name() string
	ActionDefinitions(ctx context.Context) ([]ActionDefinition, error)
}

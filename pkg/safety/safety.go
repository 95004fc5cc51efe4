// Package safety implements the operator's execution gatekeeper described
// in spec.md §4.6: the observe/execute mode switch and the emergency kill
// switch that every action execution path must check before proceeding.
package safety

import (
	"context"
	"errors"
	"sync"

	"github.com/codeready-toolchain/operant/pkg/action"
	"github.com/codeready-toolchain/operant/pkg/audit"
)

// Mode is the operator's current execution posture.
type Mode string

const (
	// ModeObserve is the safe-by-default mode: actions may be proposed and
	// validated but never executed.
	ModeObserve Mode = "observe"
	// ModeExecute allows validated, approved proposals to run.
	ModeExecute Mode = "execute"
)

// ErrObserveOnly is returned by CheckCanExecute when the controller is in
// ModeObserve.
var ErrObserveOnly = errors.New("action execution blocked: observe-only mode is active")

// KillSwitchResult reports what a kill switch activation stopped.
type KillSwitchResult struct {
	PendingProposals int
	ContainersKilled int
	WorkCancelled    int
}

// Controller is the gatekeeper every action execution path must consult
// before proceeding. Safe by default: starts in ModeObserve.
type Controller struct {
	mu      sync.RWMutex
	mode    Mode
	actions *action.Store
	auditor *audit.Auditor
	killer  ContainerKiller
	work    *cancelRegistry
}

// NewController builds a Controller starting in ModeObserve. killer may be
// NoopContainerKiller{} when no container-backed tool execution is wired.
func NewController(actions *action.Store, auditor *audit.Auditor, killer ContainerKiller) *Controller {
	return &Controller{
		mode:    ModeObserve,
		actions: actions,
		auditor: auditor,
		killer:  killer,
		work:    newCancelRegistry(),
	}
}

// Mode returns the controller's current mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// IsObserveOnly reports whether actions are currently blocked.
func (c *Controller) IsObserveOnly() bool {
	return c.Mode() == ModeObserve
}

// CheckCanExecute returns ErrObserveOnly if the controller is in
// ModeObserve. Every dispatcher entry point — ProposeAction,
// ProposeWorkflow, ValidateProposal, and ExecuteProposal — calls this as
// its first statement, matching the observe-mode gate spanning the whole
// action lifecycle, not just execution.
func (c *Controller) CheckCanExecute() error {
	if c.IsObserveOnly() {
		return ErrObserveOnly
	}
	return nil
}

// SetMode changes the execution mode. Switching to ModeObserve cancels
// every non-terminal proposal — the same mechanism the kill switch uses,
// just without the container/work termination.
func (c *Controller) SetMode(ctx context.Context, mode Mode) error {
	c.mu.Lock()
	old := c.mode
	if old == mode {
		c.mu.Unlock()
		return nil
	}
	c.mode = mode
	c.mu.Unlock()

	if err := c.auditor.LogModeChange(ctx, string(old), string(mode)); err != nil {
		return err
	}

	if mode == ModeObserve {
		if _, err := c.actions.CancelAllPending(ctx); err != nil {
			return err
		}
	}
	return nil
}

// TrackWork registers a cancel func for in-flight action execution so the
// kill switch can abort it. Returns an untrack func the caller must defer
// once the work completes normally.
func (c *Controller) TrackWork(cancel context.CancelFunc) (untrack func()) {
	return c.work.register(cancel)
}

// KillSwitch is the emergency stop: cancel every pending proposal,
// force-kill operator-managed containers, cancel tracked in-flight work,
// flip to ModeObserve, and log one kill_switch audit event with counts.
func (c *Controller) KillSwitch(ctx context.Context) (KillSwitchResult, error) {
	pending, err := c.actions.CancelAllPending(ctx)
	if err != nil {
		return KillSwitchResult{}, err
	}

	containersKilled, _ := c.killer.KillManaged(ctx)
	workCancelled := c.work.cancelAll()

	c.mu.Lock()
	c.mode = ModeObserve
	c.mu.Unlock()

	if err := c.auditor.LogKillSwitch(ctx, pending, containersKilled); err != nil {
		return KillSwitchResult{}, err
	}

	return KillSwitchResult{
		PendingProposals: pending,
		ContainersKilled: containersKilled,
		WorkCancelled:    workCancelled,
	}, nil
}

// cancelRegistry tracks context.CancelFuncs for in-flight action
// execution — Go's analogue to the original's asyncio-task-cancellation
// step, since goroutines have no built-in cancel primitive except the
// context each one is started with.
type cancelRegistry struct {
	mu   sync.Mutex
	next int64
	fns  map[int64]context.CancelFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{fns: make(map[int64]context.CancelFunc)}
}

func (r *cancelRegistry) register(cancel context.CancelFunc) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	r.fns[id] = cancel
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.fns, id)
		r.mu.Unlock()
	}
}

func (r *cancelRegistry) cancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.fns {
		cancel()
	}
	n := len(r.fns)
	r.fns = make(map[int64]context.CancelFunc)
	return n
}

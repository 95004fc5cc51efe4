package safety

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/operant/pkg/action"
	"github.com/codeready-toolchain/operant/pkg/audit"
	"github.com/codeready-toolchain/operant/pkg/database"
	"github.com/codeready-toolchain/operant/pkg/redact"
)

type fakeKiller struct{ calls int }

func (f *fakeKiller) KillManaged(ctx context.Context) (int, error) {
	f.calls++
	return 2, nil
}

func newTestController(t *testing.T) (*Controller, *action.Store, *fakeKiller) {
	t.Helper()
	ctx := context.Background()

	actionMigrations, err := action.Migrations()
	require.NoError(t, err)
	actionClient, err := database.NewClient(ctx, database.Config{Path: ":memory:"}, actionMigrations)
	require.NoError(t, err)
	t.Cleanup(func() { _ = actionClient.Close() })
	actionStore := action.NewStore(actionClient)

	auditMigrations, err := audit.Migrations()
	require.NoError(t, err)
	auditClient, err := database.NewClient(ctx, database.Config{Path: ":memory:"}, auditMigrations)
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditClient.Close() })
	auditor := audit.NewAuditor(audit.NewStore(auditClient, redact.NewService(nil)))

	killer := &fakeKiller{}
	controller := NewController(actionStore, auditor, killer)
	return controller, actionStore, killer
}

func TestNewControllerStartsInObserveMode(t *testing.T) {
	controller, _, _ := newTestController(t)
	assert.Equal(t, ModeObserve, controller.Mode())
	assert.ErrorIs(t, controller.CheckCanExecute(), ErrObserveOnly)
}

func TestSetModeToExecuteAllowsExecution(t *testing.T) {
	controller, _, _ := newTestController(t)
	require.NoError(t, controller.SetMode(context.Background(), ModeExecute))
	assert.NoError(t, controller.CheckCanExecute())
}

func TestSetModeToObserveCancelsPendingProposals(t *testing.T) {
	controller, store, _ := newTestController(t)
	ctx := context.Background()
	require.NoError(t, controller.SetMode(ctx, ModeExecute))

	p, err := store.CreateProposal(ctx, &action.Proposal{ActionName: "a", Reason: "r"})
	require.NoError(t, err)

	require.NoError(t, controller.SetMode(ctx, ModeObserve))

	cancelled, err := store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, action.StatusCancelled, cancelled.Status)
}

func TestSetModeNoopWhenUnchanged(t *testing.T) {
	controller, _, _ := newTestController(t)
	require.NoError(t, controller.SetMode(context.Background(), ModeObserve))
	assert.Equal(t, ModeObserve, controller.Mode())
}

func TestKillSwitchCancelsProposalsKillsContainersAndFlipsMode(t *testing.T) {
	controller, store, killer := newTestController(t)
	ctx := context.Background()
	require.NoError(t, controller.SetMode(ctx, ModeExecute))

	p, err := store.CreateProposal(ctx, &action.Proposal{ActionName: "a", Reason: "r"})
	require.NoError(t, err)

	var cancelCalled bool
	_, cancel := context.WithCancel(ctx)
	untrack := controller.TrackWork(func() { cancelCalled = true; cancel() })
	defer untrack()

	result, err := controller.KillSwitch(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.PendingProposals)
	assert.Equal(t, 2, result.ContainersKilled)
	assert.Equal(t, 1, result.WorkCancelled)
	assert.True(t, cancelCalled)
	assert.Equal(t, 1, killer.calls)
	assert.Equal(t, ModeObserve, controller.Mode())

	cancelled, err := store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, action.StatusCancelled, cancelled.Status)
}

func TestTrackWorkUntrackPreventsDoubleCancel(t *testing.T) {
	controller, _, _ := newTestController(t)
	calls := 0
	untrack := controller.TrackWork(func() { calls++ })
	untrack()

	n := controller.work.cancelAll()
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, calls)
}

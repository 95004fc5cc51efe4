package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/operant/pkg/action"
	"github.com/codeready-toolchain/operant/pkg/audit"
	"github.com/codeready-toolchain/operant/pkg/authz"
	"github.com/codeready-toolchain/operant/pkg/config"
	"github.com/codeready-toolchain/operant/pkg/database"
	"github.com/codeready-toolchain/operant/pkg/redact"
	"github.com/codeready-toolchain/operant/pkg/registry"
	"github.com/codeready-toolchain/operant/pkg/safety"
	"github.com/codeready-toolchain/operant/pkg/subject"
)

// fakeSubject exposes one subject-native action, "restart_service", for
// tests that need a TypeSubject proposal alongside tool proposals.
type fakeSubject struct {
	requiresApproval bool
}

func (fakeSubject) Observe(ctx context.Context) (subject.Observation, error) { return nil, nil }
func (fakeSubject) Check(ctx context.Context, obs subject.Observation) ([]subject.Violation, error) {
	return nil, nil
}
func (fakeSubject) Name() string { return "fake" }
func (f fakeSubject) ActionDefinitions(ctx context.Context) ([]subject.ActionDefinition, error) {
	return []subject.ActionDefinition{
		{
			Name:             "restart_service",
			ActionType:       "subject",
			RiskLevel:        "medium",
			RequiresApproval: f.requiresApproval,
			Parameters: map[string]subject.ParamDef{
				"service": {Type: "string", Required: true},
			},
		},
		{
			Name:             "noop_tool",
			ActionType:       "tool",
			RiskLevel:        "low",
			RequiresApproval: false,
			Parameters:       map[string]subject.ParamDef{},
		},
	}, nil
}

// fakeExecutor records every Execute call and returns a canned result or
// error.
type fakeExecutor struct {
	calls   []string
	failNTimes int
	failed  int
	err     error
}

func (f *fakeExecutor) Execute(ctx context.Context, actionName string, parameters map[string]any) (map[string]any, error) {
	f.calls = append(f.calls, actionName)
	if f.failed < f.failNTimes {
		f.failed++
		if f.err != nil {
			return nil, f.err
		}
		return nil, errors.New("simulated failure")
	}
	return map[string]any{"ok": true}, nil
}

type testHarness struct {
	dispatcher  *Dispatcher
	actionStore *action.Store
	auditStore  *audit.Store
	safetyCtl   *safety.Controller
	subjectExec *fakeExecutor
	toolExec    *fakeExecutor
}

func newHarness(t *testing.T, requiresApproval bool) *testHarness {
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
	auditStore := audit.NewStore(auditClient, redact.NewService(nil))
	auditor := audit.NewAuditor(auditStore)

	safetyCtl := safety.NewController(actionStore, auditor, safety.NoopContainerKiller{})

	reg := registry.NewActionRegistry(fakeSubject{requiresApproval: requiresApproval}, nil, nil)
	authzChecker := authz.NewChecker(nil, nil)

	retryCfg := config.DefaultRetryConfig()
	riskCfg := config.DefaultRiskConfig()

	subjectExec := &fakeExecutor{}
	toolExec := &fakeExecutor{}

	d := New(actionStore, reg, safetyCtl, authzChecker, auditor, retryCfg, riskCfg, subjectExec, toolExec)

	return &testHarness{
		dispatcher:  d,
		actionStore: actionStore,
		auditStore:  auditStore,
		safetyCtl:   safetyCtl,
		subjectExec: subjectExec,
		toolExec:    toolExec,
	}
}

func baseRec(name string) Recommendation {
	return Recommendation{
		ActionName:    name,
		Parameters:    map[string]any{"service": "web"},
		Reason:        "invariant violated",
		RequesterID:   "agent-1",
		RequesterType: "agent",
		ProposedBy:    "agent",
	}
}

func TestProposeActionPersistsAndAudits(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, h.safetyCtl.SetMode(ctx, safety.ModeExecute))

	p, err := h.dispatcher.ProposeAction(ctx, baseRec("restart_service"), nil, now)
	require.NoError(t, err)
	assert.Equal(t, action.StatusProposed, p.Status)
	assert.Equal(t, action.TypeSubject, p.ActionType)

	events, err := h.auditStore.GetEvents(ctx, &p.ID, nil, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventProposed, events[0].EventType)
}

func TestProposeActionRejectsUnknownAction(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.safetyCtl.SetMode(ctx, safety.ModeExecute))

	_, err := h.dispatcher.ProposeAction(ctx, baseRec("not_a_real_action"), nil, time.Now())
	require.Error(t, err)
}

func TestProposeActionBlockedInObserveMode(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.dispatcher.ProposeAction(context.Background(), baseRec("restart_service"), nil, time.Now())
	require.ErrorIs(t, err, safety.ErrObserveOnly)
}

func TestProposeWorkflowBlockedInObserveMode(t *testing.T) {
	h := newHarness(t, false)
	_, _, err := h.dispatcher.ProposeWorkflow(context.Background(), "restart-then-check", "desc", nil,
		[]Recommendation{baseRec("restart_service")}, time.Now())
	require.ErrorIs(t, err, safety.ErrObserveOnly)
}

func TestValidateProposalBlockedInObserveMode(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.safetyCtl.SetMode(ctx, safety.ModeExecute))

	p, err := h.dispatcher.ProposeAction(ctx, baseRec("restart_service"), nil, time.Now())
	require.NoError(t, err)

	require.NoError(t, h.safetyCtl.SetMode(ctx, safety.ModeObserve))
	_, err = h.dispatcher.ValidateProposal(ctx, p.ID)
	require.ErrorIs(t, err, safety.ErrObserveOnly)
}

func TestProposeWorkflowChainsDependencies(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.safetyCtl.SetMode(ctx, safety.ModeExecute))

	wf, proposals, err := h.dispatcher.ProposeWorkflow(ctx, "restart-then-check", "desc", nil,
		[]Recommendation{baseRec("restart_service"), baseRec("noop_tool")}, time.Now())
	require.NoError(t, err)
	require.Len(t, proposals, 2)
	assert.Equal(t, action.WorkflowPending, wf.Status)
	assert.Nil(t, proposals[0].DependsOnProposalID)
	require.NotNil(t, proposals[1].DependsOnProposalID)
	assert.Equal(t, proposals[0].ID, *proposals[1].DependsOnProposalID)
	assert.Equal(t, action.TypeTool, proposals[1].ActionType)
}

func TestValidateProposalMarksValidated(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.safetyCtl.SetMode(ctx, safety.ModeExecute))

	p, err := h.dispatcher.ProposeAction(ctx, baseRec("restart_service"), nil, time.Now())
	require.NoError(t, err)

	validated, err := h.dispatcher.ValidateProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, action.StatusValidated, validated.Status)
}

func TestValidateProposalRejectsBadParameters(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.safetyCtl.SetMode(ctx, safety.ModeExecute))

	rec := baseRec("restart_service")
	rec.Parameters = map[string]any{} // missing required "service"
	p, err := h.dispatcher.ProposeAction(ctx, rec, nil, time.Now())
	require.NoError(t, err)

	_, err = h.dispatcher.ValidateProposal(ctx, p.ID)
	require.Error(t, err)
}

func TestExecuteProposalRequiresValidationFirst(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.safetyCtl.SetMode(ctx, safety.ModeExecute))

	p, err := h.dispatcher.ProposeAction(ctx, baseRec("restart_service"), nil, time.Now())
	require.NoError(t, err)

	_, err = h.dispatcher.ExecuteProposal(ctx, p.ID, time.Now())
	require.Error(t, err)
}

func TestExecuteProposalBlockedInObserveMode(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.safetyCtl.SetMode(ctx, safety.ModeExecute))

	p, err := h.dispatcher.ProposeAction(ctx, baseRec("restart_service"), nil, time.Now())
	require.NoError(t, err)
	_, err = h.dispatcher.ValidateProposal(ctx, p.ID)
	require.NoError(t, err)

	require.NoError(t, h.safetyCtl.SetMode(ctx, safety.ModeObserve))
	_, err = h.dispatcher.ExecuteProposal(ctx, p.ID, time.Now())
	require.ErrorIs(t, err, safety.ErrObserveOnly)
}

func TestExecuteProposalSucceedsAndRunsSubjectExecutor(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.safetyCtl.SetMode(ctx, safety.ModeExecute))

	p, err := h.dispatcher.ProposeAction(ctx, baseRec("restart_service"), nil, time.Now())
	require.NoError(t, err)
	_, err = h.dispatcher.ValidateProposal(ctx, p.ID)
	require.NoError(t, err)

	rec, err := h.dispatcher.ExecuteProposal(ctx, p.ID, time.Now())
	require.NoError(t, err)
	require.NotNil(t, rec.Success)
	assert.True(t, *rec.Success)
	assert.Equal(t, []string{"restart_service"}, h.subjectExec.calls)
	assert.Empty(t, h.toolExec.calls)
}

func TestExecuteProposalRoutesToolActionsToToolExecutor(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.safetyCtl.SetMode(ctx, safety.ModeExecute))

	p, err := h.dispatcher.ProposeAction(ctx, baseRec("noop_tool"), nil, time.Now())
	require.NoError(t, err)
	_, err = h.dispatcher.ValidateProposal(ctx, p.ID)
	require.NoError(t, err)

	_, err = h.dispatcher.ExecuteProposal(ctx, p.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"noop_tool"}, h.toolExec.calls)
}

func TestExecuteProposalRequiresApprovalWhenActionDemandsIt(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	require.NoError(t, h.safetyCtl.SetMode(ctx, safety.ModeExecute))

	p, err := h.dispatcher.ProposeAction(ctx, baseRec("restart_service"), nil, time.Now())
	require.NoError(t, err)
	_, err = h.dispatcher.ValidateProposal(ctx, p.ID)
	require.NoError(t, err)

	_, err = h.dispatcher.ExecuteProposal(ctx, p.ID, time.Now())
	require.Error(t, err)
	var approvalErr *ApprovalRequiredError
	require.ErrorAs(t, err, &approvalErr)

	require.NoError(t, h.actionStore.Approve(ctx, p.ID, "oncall"))
	rec, err := h.dispatcher.ExecuteProposal(ctx, p.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, *rec.Success)
}

func TestExecuteProposalSchedulesRetryOnFailure(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.safetyCtl.SetMode(ctx, safety.ModeExecute))
	h.subjectExec.failNTimes = 1

	p, err := h.dispatcher.ProposeAction(ctx, baseRec("restart_service"), nil, time.Now())
	require.NoError(t, err)
	_, err = h.dispatcher.ValidateProposal(ctx, p.ID)
	require.NoError(t, err)

	now := time.Now()
	_, err = h.dispatcher.ExecuteProposal(ctx, p.ID, now)
	require.Error(t, err)

	reloaded, err := h.actionStore.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, action.StatusFailed, reloaded.Status)
	require.NotNil(t, reloaded.NextRetryAt)
	assert.True(t, reloaded.NextRetryAt.After(now))
	assert.False(t, reloaded.IsTerminal())
}

func TestExecuteProposalExhaustsRetriesAndGoesTerminal(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.safetyCtl.SetMode(ctx, safety.ModeExecute))
	h.subjectExec.failNTimes = 999

	p, err := h.dispatcher.ProposeAction(ctx, baseRec("restart_service"), nil, time.Now())
	require.NoError(t, err)
	_, err = h.dispatcher.ValidateProposal(ctx, p.ID)
	require.NoError(t, err)

	for i := 0; i < config.DefaultRetryConfig().MaxRetries+1; i++ {
		reloaded, err := h.actionStore.GetProposal(ctx, p.ID)
		require.NoError(t, err)
		if reloaded.Status == action.StatusValidated || reloaded.Status == action.StatusFailed {
			_, _ = h.dispatcher.ExecuteProposal(ctx, p.ID, time.Now())
		}
	}

	final, err := h.actionStore.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, action.StatusFailed, final.Status)
	assert.Nil(t, final.NextRetryAt)
	assert.True(t, final.IsTerminal())
}

func TestCancelProposalMarksCancelledAndAudits(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.safetyCtl.SetMode(ctx, safety.ModeExecute))

	p, err := h.dispatcher.ProposeAction(ctx, baseRec("restart_service"), nil, time.Now())
	require.NoError(t, err)

	require.NoError(t, h.dispatcher.CancelProposal(ctx, p.ID, "no longer needed"))

	reloaded, err := h.actionStore.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, action.StatusCancelled, reloaded.Status)

	events, err := h.auditStore.GetEvents(ctx, &p.ID, nil, 10)
	require.NoError(t, err)
	found := false
	for _, e := range events {
		if e.EventType == audit.EventCancelled {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCancelProposalRejectsTerminalProposal(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.safetyCtl.SetMode(ctx, safety.ModeExecute))

	p, err := h.dispatcher.ProposeAction(ctx, baseRec("restart_service"), nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, h.dispatcher.CancelProposal(ctx, p.ID, "first cancel"))

	err = h.dispatcher.CancelProposal(ctx, p.ID, "second cancel")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyTerminal))
}

func TestScheduleNextRetryExponentialAndCapped(t *testing.T) {
	h := newHarness(t, false)
	now := time.Now()

	first := h.dispatcher.ScheduleNextRetry(1, 0, now)
	require.NotNil(t, first)
	assert.True(t, first.Sub(now) >= 4*time.Second)

	exhausted := h.dispatcher.ScheduleNextRetry(1, config.DefaultRetryConfig().MaxRetries, now)
	assert.Nil(t, exhausted)
}

func TestSessionRiskTracksExecutedActions(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.safetyCtl.SetMode(ctx, safety.ModeExecute))

	ticketID := int64(42)
	p, err := h.dispatcher.ProposeAction(ctx, baseRec("restart_service"), &ticketID, time.Now())
	require.NoError(t, err)
	_, err = h.dispatcher.ValidateProposal(ctx, p.ID)
	require.NoError(t, err)
	_, err = h.dispatcher.ExecuteProposal(ctx, p.ID, time.Now())
	require.NoError(t, err)

	tracker := h.dispatcher.SessionRisk(&ticketID)
	score, _ := tracker.CalculateRiskScore(time.Now())
	assert.Greater(t, score, 0.0)
}

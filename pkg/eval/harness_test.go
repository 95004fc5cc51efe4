package eval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/operant/pkg/audit"
	"github.com/codeready-toolchain/operant/pkg/database"
	"github.com/codeready-toolchain/operant/pkg/redact"
	"github.com/codeready-toolchain/operant/pkg/subject"
	"github.com/codeready-toolchain/operant/pkg/ticket"
)

type fakeChaosSubject struct {
	resetCalled   bool
	healthyCalls  int
	injectedType  string
	cleanupCalled bool
	finalState    map[string]any
}

func (f *fakeChaosSubject) Reset(ctx context.Context) error { f.resetCalled = true; return nil }
func (f *fakeChaosSubject) WaitHealthy(ctx context.Context, timeout time.Duration) error {
	f.healthyCalls++
	return nil
}
func (f *fakeChaosSubject) CaptureState(ctx context.Context) (map[string]any, error) {
	if f.finalState != nil {
		return f.finalState, nil
	}
	return map[string]any{"ok": true}, nil
}
func (f *fakeChaosSubject) InjectChaos(ctx context.Context, chaosType string, params map[string]any) (map[string]any, error) {
	f.injectedType = chaosType
	return map[string]any{"pid": float64(42)}, nil
}
func (f *fakeChaosSubject) CleanupChaos(ctx context.Context, metadata map[string]any) error {
	f.cleanupCalled = true
	return nil
}
func (f *fakeChaosSubject) GetChaosTypes(ctx context.Context) ([]string, error) {
	return []string{"node_kill"}, nil
}

var _ subject.ChaosInjector = (*fakeChaosSubject)(nil)

func newTestTicketStore(t *testing.T) *ticket.Store {
	t.Helper()
	migrations, err := ticket.Migrations()
	require.NoError(t, err)
	client, err := database.NewClient(context.Background(), database.Config{Path: ":memory:"}, migrations)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return ticket.NewStore(client)
}

func newTestAuditStore(t *testing.T) *audit.Store {
	t.Helper()
	migrations, err := audit.Migrations()
	require.NoError(t, err)
	client, err := database.NewClient(context.Background(), database.Config{Path: ":memory:"}, migrations)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return audit.NewStore(client, redact.NewService(nil))
}

func TestRunTrialBaselineSkipsTicketTracking(t *testing.T) {
	subj := &fakeChaosSubject{}
	tickets := newTestTicketStore(t)
	auditor := newTestAuditStore(t)

	trial, err := RunTrial(context.Background(), subj, tickets, auditor, "node_kill", nil, true)
	require.NoError(t, err)

	assert.True(t, subj.resetCalled)
	assert.True(t, subj.cleanupCalled)
	assert.Equal(t, "node_kill", subj.injectedType)
	assert.Nil(t, trial.TicketCreatedAt)
	assert.Nil(t, trial.ResolvedAt)
	assert.Empty(t, trial.Commands)
}

func TestRunTrialNonBaselineRecordsTicketResolutionAndCommands(t *testing.T) {
	shrinkTicketPolling(t)
	subj := &fakeChaosSubject{}
	tickets := newTestTicketStore(t)
	auditor := newTestAuditStore(t)
	ctx := context.Background()

	go func() {
		time.Sleep(8 * time.Millisecond)
		v := subject.Violation{InvariantName: "node_down", Message: "node is down", Severity: "high"}
		tk, err := tickets.CreateOrUpdateTicket(ctx, v, nil, nil)
		if err != nil {
			return
		}
		proposalID := int64(1)
		_ = auditor.LogEvent(ctx, &proposalID, audit.EventProposed, map[string]any{
			"action_name": "restart_service",
			"action_type": "remediation",
			"parameters":  map[string]any{"service": "shard-1"},
			"reason":      "node is down",
		}, "agent", time.Now())
		_ = tickets.Resolve(ctx, tk.ID)
	}()

	trial, err := RunTrial(ctx, subj, tickets, auditor, "node_kill", nil, false)
	require.NoError(t, err)

	require.NotNil(t, trial.TicketCreatedAt)
	require.NotNil(t, trial.ResolvedAt)
	require.Len(t, trial.Commands, 1)
	assert.Equal(t, "restart_service", trial.Commands[0].ActionName)
}

func TestRunTrialNonBaselineTimesOutQuietlyWhenTicketNeverResolved(t *testing.T) {
	shrinkTicketPolling(t)
	subj := &fakeChaosSubject{}
	tickets := newTestTicketStore(t)
	auditor := newTestAuditStore(t)

	trial, err := RunTrial(context.Background(), subj, tickets, auditor, "node_kill", nil, false)
	require.NoError(t, err)

	assert.Nil(t, trial.TicketCreatedAt)
	assert.Nil(t, trial.ResolvedAt)
	assert.Empty(t, trial.Commands)
}

func TestWaitForTicketResolutionReturnsOnceTicketCreatedAfterStartAndResolved(t *testing.T) {
	tickets := newTestTicketStore(t)
	ctx := context.Background()
	startedAfter := time.Now()

	go func() {
		time.Sleep(15 * time.Millisecond)
		v := subject.Violation{InvariantName: "node_down", Message: "node is down", Severity: "high"}
		tk, err := tickets.CreateOrUpdateTicket(ctx, v, nil, nil)
		if err != nil {
			return
		}
		_ = tickets.Resolve(ctx, tk.ID)
	}()

	createdAt, resolvedAt, err := waitForTicketResolution(ctx, tickets, startedAfter, time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, createdAt)
	require.NotNil(t, resolvedAt)
}

func TestWaitForTicketResolutionTimesOutQuietlyWhenNeverResolved(t *testing.T) {
	tickets := newTestTicketStore(t)
	ctx := context.Background()

	createdAt, resolvedAt, err := waitForTicketResolution(ctx, tickets, time.Now(), 20*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, createdAt)
	assert.Nil(t, resolvedAt)
}

func TestExpandCampaignMatrixWithoutBaseline(t *testing.T) {
	cfg := CampaignConfig{
		Subjects:             []string{"tikv"},
		ChaosTypes:           []ChaosSpec{{Type: "node_kill"}, {Type: "latency"}},
		TrialsPerCombination: 2,
	}

	specs := expandCampaignMatrix(cfg)

	assert.Len(t, specs, 4)
	for _, s := range specs {
		assert.False(t, s.Baseline)
	}
}

func TestExpandCampaignMatrixWithBaselineDoublesCombinations(t *testing.T) {
	cfg := CampaignConfig{
		Subjects:             []string{"tikv"},
		ChaosTypes:           []ChaosSpec{{Type: "node_kill"}},
		TrialsPerCombination: 3,
		IncludeBaseline:      true,
	}

	specs := expandCampaignMatrix(cfg)

	assert.Len(t, specs, 6)
	var baselineCount int
	for _, s := range specs {
		if s.Baseline {
			baselineCount++
		}
	}
	assert.Equal(t, 3, baselineCount)
}

func TestRunCampaignPersistsOneRowPerTrial(t *testing.T) {
	subj := &fakeChaosSubject{}
	tickets := newTestTicketStore(t)
	auditor := newTestAuditStore(t)
	store := newTestStore(t)

	campaignID, err := RunCampaign(context.Background(), subj, tickets, auditor, store, "tikv", "node_kill", 3, true)
	require.NoError(t, err)

	trials, err := store.GetTrials(context.Background(), campaignID)
	require.NoError(t, err)
	assert.Len(t, trials, 3)
}

// shrinkTicketPolling swaps the package's ticket-resolution timing down to
// millisecond scale for the duration of a test, so a non-baseline trial
// that never sees a matching ticket times out almost instantly instead of
// blocking for the real 300s window.
func shrinkTicketPolling(t *testing.T) {
	t.Helper()
	prevWindow, prevInterval := ticketResolutionWindow, ticketPollInterval
	ticketResolutionWindow = 20 * time.Millisecond
	ticketPollInterval = 5 * time.Millisecond
	t.Cleanup(func() {
		ticketResolutionWindow, ticketPollInterval = prevWindow, prevInterval
	})
}

func TestRunCampaignFromConfigRunsEveryTrialSpecConcurrently(t *testing.T) {
	shrinkTicketPolling(t)
	tickets := newTestTicketStore(t)
	auditor := newTestAuditStore(t)
	store := newTestStore(t)

	cfg := CampaignConfig{
		Name:                 "test",
		Subjects:             []string{"tikv"},
		ChaosTypes:           []ChaosSpec{{Type: "node_kill"}},
		TrialsPerCombination: 4,
		Parallel:             2,
		Variant:              "opus",
	}

	factory := func(subjectName string) (subject.ChaosInjector, error) {
		return &fakeChaosSubject{}, nil
	}

	campaignID, err := RunCampaignFromConfig(context.Background(), factory, tickets, auditor, store, cfg)
	require.NoError(t, err)

	campaign, err := store.GetCampaign(context.Background(), campaignID)
	require.NoError(t, err)
	assert.Equal(t, 4, campaign.TrialCount)
	assert.Equal(t, "opus", campaign.VariantName)

	trials, err := store.GetTrials(context.Background(), campaignID)
	require.NoError(t, err)
	assert.Len(t, trials, 4)
}

func TestRunCampaignFromConfigContinuesPastIndividualFailures(t *testing.T) {
	shrinkTicketPolling(t)
	tickets := newTestTicketStore(t)
	auditor := newTestAuditStore(t)
	store := newTestStore(t)

	cfg := CampaignConfig{
		Subjects:             []string{"tikv", "broken"},
		ChaosTypes:           []ChaosSpec{{Type: "node_kill"}},
		TrialsPerCombination: 1,
		Parallel:             2,
	}

	factory := func(subjectName string) (subject.ChaosInjector, error) {
		if subjectName == "broken" {
			return nil, errors.New("no such subject")
		}
		return &fakeChaosSubject{}, nil
	}

	campaignID, err := RunCampaignFromConfig(context.Background(), factory, tickets, auditor, store, cfg)
	require.NoError(t, err)

	trials, err := store.GetTrials(context.Background(), campaignID)
	require.NoError(t, err)
	assert.Len(t, trials, 1)
}

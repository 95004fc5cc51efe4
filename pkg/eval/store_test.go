package eval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/operant/pkg/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	migrations, err := Migrations()
	require.NoError(t, err)
	client, err := database.NewClient(context.Background(), database.Config{Path: ":memory:"}, migrations)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client)
}

func TestInsertAndGetCampaignRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertCampaign(ctx, &Campaign{
		SubjectName: "tikv",
		ChaosType:   "node_kill",
		TrialCount:  3,
		Baseline:    false,
		VariantName: "opus",
		CreatedAt:   time.Now(),
	})
	require.NoError(t, err)

	got, err := s.GetCampaign(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "tikv", got.SubjectName)
	assert.Equal(t, "node_kill", got.ChaosType)
	assert.Equal(t, 3, got.TrialCount)
	assert.False(t, got.Baseline)
	assert.Equal(t, "opus", got.VariantName)
}

func TestInsertAndGetTrialRoundTripsOptionalFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	campaignID, err := s.InsertCampaign(ctx, &Campaign{SubjectName: "tikv", ChaosType: "node_kill", TrialCount: 1, CreatedAt: time.Now()})
	require.NoError(t, err)

	trial := &Trial{
		CampaignID:      campaignID,
		StartedAt:       time.Now().Add(-time.Minute),
		ChaosInjectedAt: time.Now().Add(-30 * time.Second),
		EndedAt:         time.Now(),
		InitialState:    map[string]any{"stores": []any{"a"}},
		FinalState:      map[string]any{"stores": []any{"a"}},
		ChaosMetadata:   map[string]any{"pid": float64(123)},
		Commands: []CommandEntry{
			{ActionName: "restart_service", Parameters: map[string]any{"service": "shard-1"}, Success: true, Timestamp: time.Now()},
		},
	}
	id, err := s.InsertTrial(ctx, trial)
	require.NoError(t, err)

	got, err := s.GetTrial(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got.TicketCreatedAt)
	assert.Nil(t, got.ResolvedAt)
	require.Len(t, got.Commands, 1)
	assert.Equal(t, "restart_service", got.Commands[0].ActionName)

	now := time.Now()
	trial.TicketCreatedAt = &now
	trial.ResolvedAt = &now
	id2, err := s.InsertTrial(ctx, trial)
	require.NoError(t, err)

	got2, err := s.GetTrial(ctx, id2)
	require.NoError(t, err)
	require.NotNil(t, got2.TicketCreatedAt)
	require.NotNil(t, got2.ResolvedAt)
}

func TestGetTrialsOrdersByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	campaignID, err := s.InsertCampaign(ctx, &Campaign{SubjectName: "tikv", ChaosType: "node_kill", TrialCount: 2, CreatedAt: time.Now()})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := s.InsertTrial(ctx, &Trial{
			CampaignID:      campaignID,
			StartedAt:       time.Now(),
			ChaosInjectedAt: time.Now(),
			EndedAt:         time.Now(),
			InitialState:    map[string]any{},
			FinalState:      map[string]any{},
			ChaosMetadata:   map[string]any{},
		})
		require.NoError(t, err)
	}

	trials, err := s.GetTrials(ctx, campaignID)
	require.NoError(t, err)
	require.Len(t, trials, 2)
	assert.Less(t, trials[0].ID, trials[1].ID)
}

func TestFindBaselineCampaignReturnsNilWhenNoneExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.FindBaselineCampaign(ctx, "tikv", "node_kill")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = s.InsertCampaign(ctx, &Campaign{SubjectName: "tikv", ChaosType: "node_kill", TrialCount: 1, Baseline: true, CreatedAt: time.Now()})
	require.NoError(t, err)

	got, err = s.FindBaselineCampaign(ctx, "tikv", "node_kill")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Baseline)
}

func TestListCampaignsByVariantFiltersBaselineAndName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertCampaign(ctx, &Campaign{SubjectName: "tikv", ChaosType: "node_kill", TrialCount: 1, Baseline: true, CreatedAt: time.Now()})
	require.NoError(t, err)
	_, err = s.InsertCampaign(ctx, &Campaign{SubjectName: "tikv", ChaosType: "node_kill", TrialCount: 1, VariantName: "opus", CreatedAt: time.Now()})
	require.NoError(t, err)
	_, err = s.InsertCampaign(ctx, &Campaign{SubjectName: "tikv", ChaosType: "node_kill", TrialCount: 1, VariantName: "haiku", CreatedAt: time.Now()})
	require.NoError(t, err)

	all, err := s.ListCampaignsByVariant(ctx, "tikv", "node_kill", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, err := s.ListCampaignsByVariant(ctx, "tikv", "node_kill", []string{"opus"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "opus", filtered[0].VariantName)
}

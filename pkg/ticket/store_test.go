package ticket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/operant/pkg/database"
	"github.com/codeready-toolchain/operant/pkg/subject"
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

func testViolation(invariant string, entity *string, at time.Time) subject.Violation {
	return subject.Violation{
		InvariantName: invariant,
		Message:       "latency above threshold",
		FirstSeen:     at,
		LastSeen:      at,
		EntityID:      entity,
		Severity:      "warning",
	}
}

func TestCreateOrUpdateTicketInsertsNewTicket(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	tk, err := store.CreateOrUpdateTicket(ctx, testViolation("high_latency", nil, now), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, tk.Status)
	assert.Equal(t, 1, tk.OccurrenceCount)
	assert.False(t, tk.Held)
}

func TestCreateOrUpdateTicketDedupesOpenTicket(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now()

	v := testViolation("high_latency", nil, t0)
	first, err := store.CreateOrUpdateTicket(ctx, v, nil, nil)
	require.NoError(t, err)

	v2 := testViolation("high_latency", nil, t0.Add(time.Minute))
	v2.Message = "latency still above threshold"
	second, err := store.CreateOrUpdateTicket(ctx, v2, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.OccurrenceCount)
	assert.Equal(t, "latency still above threshold", second.Message)

	all, err := store.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCreateOrUpdateTicketReopensDiagnosedTicket(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now()

	v := testViolation("disk_full", nil, t0)
	tk, err := store.CreateOrUpdateTicket(ctx, v, nil, nil)
	require.NoError(t, err)

	require.NoError(t, store.UpdateDiagnosis(ctx, tk.ID, "root cause: log rotation disabled"))

	diagnosed, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDiagnosed, diagnosed.Status)

	reopened, err := store.CreateOrUpdateTicket(ctx, testViolation("disk_full", nil, t0.Add(time.Hour)), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, tk.ID, reopened.ID)
	assert.Equal(t, StatusOpen, reopened.Status)
	assert.Nil(t, reopened.Diagnosis)
	assert.False(t, reopened.Held)
}

func TestCreateOrUpdateTicketTracksEntitiesIndependently(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	node1, node2 := "node-1", "node-2"

	tk1, err := store.CreateOrUpdateTicket(ctx, testViolation("node_down", &node1, now), nil, nil)
	require.NoError(t, err)
	tk2, err := store.CreateOrUpdateTicket(ctx, testViolation("node_down", &node2, now), nil, nil)
	require.NoError(t, err)

	assert.NotEqual(t, tk1.ID, tk2.ID)
}

func TestResolveFailsWhenHeld(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tk, err := store.CreateOrUpdateTicket(ctx, testViolation("high_latency", nil, time.Now()), nil, nil)
	require.NoError(t, err)

	require.NoError(t, store.Hold(ctx, tk.ID))
	err = store.Resolve(ctx, tk.ID)
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, store.Unhold(ctx, tk.ID))
	require.NoError(t, store.Resolve(ctx, tk.ID))

	resolved, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	require.NotNil(t, resolved.Resolved)
}

func TestAutoResolveClearedSkipsHeldAndMissingKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	stillFiring := testViolation("high_latency", nil, now)
	cleared := testViolation("disk_full", nil, now)
	heldButCleared := testViolation("oom_risk", nil, now)

	tkStill, err := store.CreateOrUpdateTicket(ctx, stillFiring, nil, nil)
	require.NoError(t, err)
	tkCleared, err := store.CreateOrUpdateTicket(ctx, cleared, nil, nil)
	require.NoError(t, err)
	tkHeld, err := store.CreateOrUpdateTicket(ctx, heldButCleared, nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.Hold(ctx, tkHeld.ID))

	currentKeys := map[subject.ViolationKey]bool{
		stillFiring.Key(): true,
	}

	count, err := store.AutoResolveCleared(ctx, currentKeys)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	still, err := store.Get(ctx, tkStill.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, still.Status)

	clearedTk, err := store.Get(ctx, tkCleared.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, clearedTk.Status)

	heldTk, err := store.Get(ctx, tkHeld.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, heldTk.Status, "held tickets must survive auto-resolve even when cleared")
}

func TestListByInvariantOrdersMostRecentFirstAndRespectsLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	node1, node2, node3 := "node-1", "node-2", "node-3"
	_, err := store.CreateOrUpdateTicket(ctx, testViolation("node_down", &node1, now), nil, nil)
	require.NoError(t, err)
	_, err = store.CreateOrUpdateTicket(ctx, testViolation("node_down", &node2, now.Add(time.Second)), nil, nil)
	require.NoError(t, err)
	_, err = store.CreateOrUpdateTicket(ctx, testViolation("node_down", &node3, now.Add(2*time.Second)), nil, nil)
	require.NoError(t, err)

	results, err := store.ListByInvariant(ctx, "node_down", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "node-3", *results[0].EntityID)
	assert.Equal(t, "node-2", *results[1].EntityID)
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

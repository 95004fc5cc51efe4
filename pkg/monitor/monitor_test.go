package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/operant/pkg/database"
	"github.com/codeready-toolchain/operant/pkg/subject"
	"github.com/codeready-toolchain/operant/pkg/ticket"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTicketStore(t *testing.T) *ticket.Store {
	t.Helper()
	migrations, err := ticket.Migrations()
	require.NoError(t, err)
	client, err := database.NewClient(context.Background(), database.Config{Path: ":memory:"}, migrations)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return ticket.NewStore(client)
}

type fakeObserver struct {
	obs subject.Observation
	err error
}

func (f fakeObserver) Observe(ctx context.Context) (subject.Observation, error) { return f.obs, f.err }

type fakeChecker struct {
	violations []subject.Violation
	err        error
}

func (f fakeChecker) Check(ctx context.Context, obs subject.Observation) ([]subject.Violation, error) {
	return f.violations, f.err
}

func entity(s string) *string { return &s }

func TestTickCreatesTicketsFromViolations(t *testing.T) {
	store := newTestTicketStore(t)
	checker := fakeChecker{violations: []subject.Violation{
		{InvariantName: "replica_count", Message: "below minimum", EntityID: entity("shard-1"), Severity: "high"},
	}}
	l := New("fake-subject", fakeObserver{}, checker, store, time.Second)

	l.tick(context.Background(), noopLogger())

	tickets, err := store.List(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, "replica_count", tickets[0].InvariantName)

	h := l.Health()
	assert.Equal(t, 1, h.TicksRun)
	assert.Contains(t, h.LastHeartbeat, "1 violation")
}

func TestTickAutoResolvesClearedViolations(t *testing.T) {
	store := newTestTicketStore(t)
	v := subject.Violation{InvariantName: "disk_full", EntityID: entity("node-1"), Severity: "high"}

	firstTick := New("fake-subject", fakeObserver{}, fakeChecker{violations: []subject.Violation{v}}, store, time.Second)
	firstTick.tick(context.Background(), noopLogger())

	cleared := New("fake-subject", fakeObserver{}, fakeChecker{violations: nil}, store, time.Second)
	cleared.tick(context.Background(), noopLogger())

	tickets, err := store.List(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, ticket.StatusResolved, tickets[0].Status)
}

func TestTickSkipsTicketWorkOnObserveError(t *testing.T) {
	store := newTestTicketStore(t)
	l := New("fake-subject", fakeObserver{err: errors.New("scrape failed")}, fakeChecker{
		violations: []subject.Violation{{InvariantName: "should_not_run"}},
	}, store, time.Second)

	l.tick(context.Background(), noopLogger())

	tickets, err := store.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, tickets, "an observe failure must not create tickets")

	h := l.Health()
	assert.Equal(t, "scrape failed", h.LastError)
	assert.Equal(t, 0, h.TicksRun)
}

func TestTickSkipsAutoResolveOnObserveError(t *testing.T) {
	store := newTestTicketStore(t)
	v := subject.Violation{InvariantName: "disk_full", EntityID: entity("node-1"), Severity: "high"}

	good := New("fake-subject", fakeObserver{}, fakeChecker{violations: []subject.Violation{v}}, store, time.Second)
	good.tick(context.Background(), noopLogger())

	failing := New("fake-subject", fakeObserver{err: errors.New("timeout")}, fakeChecker{}, store, time.Second)
	failing.tick(context.Background(), noopLogger())

	tickets, err := store.List(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, ticket.StatusOpen, tickets[0].Status, "a failed observe must not trigger auto-resolve")
}

func TestHeartbeatMessageFormat(t *testing.T) {
	assert.Equal(t, "Check complete: all invariants passing", heartbeatMessage(0))
	assert.Equal(t, "Check complete: 3 violation(s)", heartbeatMessage(3))
}

func TestStopStopsTheLoop(t *testing.T) {
	store := newTestTicketStore(t)
	l := New("fake-subject", fakeObserver{}, fakeChecker{}, store, 10*time.Millisecond)

	l.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	l.Stop()

	h := l.Health()
	assert.Equal(t, StatusStopped, h.Status)
}

package subject

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGracePeriodTrackerSuppressesUntilGraceElapsed(t *testing.T) {
	tracker := NewGracePeriodTracker()
	t0 := time.Unix(0, 0)
	grace := 60 * time.Second

	assert.False(t, tracker.Evaluate("high_latency", nil, grace, t0))
	assert.False(t, tracker.Evaluate("high_latency", nil, grace, t0.Add(30*time.Second)))
	assert.True(t, tracker.Evaluate("high_latency", nil, grace, t0.Add(60*time.Second)))
}

func TestGracePeriodTrackerClearResetsFirstSeen(t *testing.T) {
	tracker := NewGracePeriodTracker()
	t0 := time.Unix(0, 0)
	grace := 10 * time.Second

	tracker.Evaluate("node_down", nil, grace, t0)
	tracker.Clear("node_down", nil)

	_, ok := tracker.FirstSeen("node_down", nil)
	assert.False(t, ok)

	assert.False(t, tracker.Evaluate("node_down", nil, grace, t0.Add(5*time.Second)))
}

func TestGracePeriodTrackerZeroGraceFiresImmediately(t *testing.T) {
	tracker := NewGracePeriodTracker()
	now := time.Unix(100, 0)
	assert.True(t, tracker.Evaluate("over_limit", nil, 0, now))
}

func TestGracePeriodTrackerTracksEntitiesIndependently(t *testing.T) {
	tracker := NewGracePeriodTracker()
	grace := 10 * time.Second
	now := time.Unix(0, 0)
	node1 := "node-1"
	node2 := "node-2"

	assert.False(t, tracker.Evaluate("node_down", &node1, grace, now))
	assert.False(t, tracker.Evaluate("node_down", &node2, grace, now.Add(5*time.Second)))
	assert.True(t, tracker.Evaluate("node_down", &node1, grace, now.Add(10*time.Second)))
	assert.False(t, tracker.Evaluate("node_down", &node2, grace, now.Add(10*time.Second)))
}

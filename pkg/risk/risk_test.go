package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/operant/pkg/config"
)

func testConfig() *config.RiskConfig {
	return &config.RiskConfig{
		ScoreWindow:     5 * time.Minute,
		RapidThreshold:  30 * time.Second,
		RapidMultiplier: 1.5,
		ActionScores: map[string]float64{
			"container_restart": 6,
			"container_exec":    8,
			"host_kill_process": 9,
		},
		EscalationBonus: map[string]float64{
			"restart,exec": 20,
		},
		ThresholdMedium:   10,
		ThresholdHigh:     25,
		ThresholdCritical: 50,
	}
}

func TestCalculateRiskScoreEmptyHistoryIsLow(t *testing.T) {
	tracker := NewTracker("session-1", testConfig())
	score, level := tracker.CalculateRiskScore(time.Now())
	assert.Equal(t, 0.0, score)
	assert.Equal(t, LevelLow, level)
}

func TestCalculateRiskScoreDropsEntriesOutsideWindow(t *testing.T) {
	tracker := NewTracker("session-1", testConfig())
	now := time.Now()
	tracker.AddAction("container_restart", now.Add(-10*time.Minute))

	score, level := tracker.CalculateRiskScore(now)
	assert.Equal(t, 0.0, score)
	assert.Equal(t, LevelLow, level)
}

func TestCalculateRiskScoreUnknownActionUsesDefault(t *testing.T) {
	tracker := NewTracker("session-1", testConfig())
	now := time.Now()
	tracker.AddAction("some_unlisted_action", now)

	score, _ := tracker.CalculateRiskScore(now)
	assert.Equal(t, float64(defaultActionScore), score)
}

func TestCalculateRiskScoreAppliesRapidMultiplierAtTwoRapidPairs(t *testing.T) {
	tracker := NewTracker("session-1", testConfig())
	now := time.Now()
	tracker.AddAction("container_restart", now)
	tracker.AddAction("container_restart", now.Add(5*time.Second))
	tracker.AddAction("container_restart", now.Add(10*time.Second))

	score, _ := tracker.CalculateRiskScore(now.Add(10 * time.Second))
	// base = 18, rapid_count = 2 -> frequency bonus = 18*0.5 = 9
	assert.Equal(t, 27.0, score)
}

func TestCalculateRiskScoreDetectsEscalationPattern(t *testing.T) {
	tracker := NewTracker("session-1", testConfig())
	now := time.Now()
	tracker.AddAction("container_restart", now)
	tracker.AddAction("container_exec", now.Add(time.Minute))

	score, level := tracker.CalculateRiskScore(now.Add(time.Minute))
	// base = 6 + 8 = 14, no rapid bonus (only one pair, >30s apart), pattern bonus = 20
	assert.Equal(t, 34.0, score)
	assert.Equal(t, LevelHigh, level)
}

func TestClassifyThresholds(t *testing.T) {
	tracker := NewTracker("session-1", testConfig())
	assert.Equal(t, LevelLow, tracker.classify(0))
	assert.Equal(t, LevelMedium, tracker.classify(10))
	assert.Equal(t, LevelHigh, tracker.classify(25))
	assert.Equal(t, LevelCritical, tracker.classify(50))
}

func TestHistoryReturnsNewestFirstAndRespectsLimit(t *testing.T) {
	tracker := NewTracker("session-1", testConfig())
	now := time.Now()
	tracker.AddAction("a", now)
	tracker.AddAction("b", now.Add(time.Second))
	tracker.AddAction("c", now.Add(2*time.Second))

	assert.Equal(t, []string{"c", "b", "a"}, tracker.History(0))
	assert.Equal(t, []string{"c", "b"}, tracker.History(2))
}

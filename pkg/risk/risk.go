// Package risk implements the session-level risk tracker described in
// spec.md §4.8: a rolling window of recent actions scored cumulatively,
// with bonuses for rapid succession and known escalation patterns.
package risk

import (
	"strings"
	"sync"
	"time"

	"github.com/codeready-toolchain/operant/pkg/config"
)

// Level is a session's classified risk tier.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

type actionEvent struct {
	name      string
	timestamp time.Time
}

// Tracker accumulates risk across actions within one session (one ticket's
// worth of diagnosis-triggered actions, typically). Not safe to share
// across sessions — callers keep one Tracker per session_id.
type Tracker struct {
	sessionID string
	cfg       *config.RiskConfig

	mu      sync.Mutex
	history []actionEvent
}

// NewTracker builds a Tracker scoring against cfg's constants.
func NewTracker(sessionID string, cfg *config.RiskConfig) *Tracker {
	return &Tracker{sessionID: sessionID, cfg: cfg}
}

// AddAction records one executed action at the given time.
func (t *Tracker) AddAction(actionName string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, actionEvent{name: actionName, timestamp: at})
}

func (t *Tracker) actionScore(name string) float64 {
	if score, ok := t.cfg.ActionScores[name]; ok {
		return score
	}
	return defaultActionScore
}

const defaultActionScore = 3

// CalculateRiskScore computes the cumulative score and level as of now,
// considering only actions within the configured score window.
func (t *Tracker) CalculateRiskScore(now time.Time) (float64, Level) {
	t.mu.Lock()
	history := make([]actionEvent, len(t.history))
	copy(history, t.history)
	t.mu.Unlock()

	if len(history) == 0 {
		return 0, LevelLow
	}

	cutoff := now.Add(-t.cfg.ScoreWindow)
	recent := make([]actionEvent, 0, len(history))
	for _, e := range history {
		if !e.timestamp.Before(cutoff) {
			recent = append(recent, e)
		}
	}
	if len(recent) == 0 {
		return 0, LevelLow
	}

	var baseScore float64
	for _, e := range recent {
		baseScore += t.actionScore(e.name)
	}

	rapidCount := 0
	for i := 1; i < len(recent); i++ {
		if recent[i].timestamp.Sub(recent[i-1].timestamp) < t.cfg.RapidThreshold {
			rapidCount++
		}
	}
	var frequencyBonus float64
	if rapidCount >= 2 {
		frequencyBonus = baseScore * (t.cfg.RapidMultiplier - 1.0)
	}

	patternBonus := t.escalationBonus(recent)

	total := baseScore + frequencyBonus + patternBonus
	return total, t.classify(total)
}

// escalationBonus scans consecutive actions for configured escalation
// patterns. Pattern keys are comma-joined substrings (e.g. "restart,exec");
// a window of N consecutive actions matches when action i's name contains
// token i, for every token in the pattern — generalizing the original's
// exact subject-specific sequences (docker_restart → docker_exec) across
// this operator's subject-agnostic tool names (container_restart,
// host_kill_process, …).
func (t *Tracker) escalationBonus(recent []actionEvent) float64 {
	var bonus float64
	for pattern, reward := range t.cfg.EscalationBonus {
		tokens := strings.Split(pattern, ",")
		if len(tokens) == 0 || len(tokens) > len(recent) {
			continue
		}
		for i := 0; i+len(tokens) <= len(recent); i++ {
			if matchesPattern(recent[i:i+len(tokens)], tokens) {
				bonus += reward
			}
		}
	}
	return bonus
}

func matchesPattern(window []actionEvent, tokens []string) bool {
	for j, token := range tokens {
		if !strings.Contains(window[j].name, strings.TrimSpace(token)) {
			return false
		}
	}
	return true
}

func (t *Tracker) classify(score float64) Level {
	switch {
	case score >= t.cfg.ThresholdCritical:
		return LevelCritical
	case score >= t.cfg.ThresholdHigh:
		return LevelHigh
	case score >= t.cfg.ThresholdMedium:
		return LevelMedium
	default:
		return LevelLow
	}
}

// History returns the most recent actions, newest first, truncated to
// limit (0 = unlimited).
func (t *Tracker) History(limit int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, len(t.history))
	for i, e := range t.history {
		names[len(t.history)-1-i] = e.name
	}
	if limit > 0 && limit < len(names) {
		names = names[:limit]
	}
	return names
}

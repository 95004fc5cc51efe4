package config

import "time"

// DefaultSizeThresholdTokens is unused directly here but documents the scale
// built-in defaults are calibrated against for diagnosis context payloads.
const DefaultSizeThresholdTokens = 4000

// builtinConfig bundles everything GetBuiltinConfig returns, mirroring the
// shape Initialize merges user YAML on top of.
type builtinConfig struct {
	Defaults *Defaults
	Subjects map[string]SubjectConfig
	Tools    map[string]ToolOverrideConfig
	Risk     *RiskConfig
	Retry    *RetryConfig
}

// GetBuiltinConfig returns the operator's compiled-in configuration: safe
// defaults for every knob a user config may omit entirely.
func GetBuiltinConfig() *builtinConfig {
	return &builtinConfig{
		Defaults: &Defaults{
			MonitorInterval: 30 * time.Second,
			AgentInterval:   30 * time.Second,
			SafetyMode:      "observe",
			ApprovalMode:    false,
		},
		Subjects: map[string]SubjectConfig{},
		Tools:    DefaultToolOverrides(),
		Risk:     DefaultRiskConfig(),
		Retry:    DefaultRetryConfig(),
	}
}

// DefaultToolOverrides seeds risk levels for the general tool catalog so an
// operator config never has to restate them to merely tweak one tool.
func DefaultToolOverrides() map[string]ToolOverrideConfig {
	approve := func(b bool) *bool { return &b }
	entries := []ToolOverrideConfig{
		{Name: "wait", RiskLevel: "low", RequiresApproval: approve(false)},
		{Name: "log_message", RiskLevel: "low", RequiresApproval: approve(false)},
		{Name: "container_inspect", RiskLevel: "low", RequiresApproval: approve(false)},
		{Name: "container_logs", RiskLevel: "low", RequiresApproval: approve(false)},
		{Name: "container_start", RiskLevel: "medium", RequiresApproval: approve(false)},
		{Name: "container_stop", RiskLevel: "medium", RequiresApproval: approve(false)},
		{Name: "container_restart", RiskLevel: "medium", RequiresApproval: approve(false)},
		{Name: "container_network_connect", RiskLevel: "medium", RequiresApproval: approve(false)},
		{Name: "container_network_disconnect", RiskLevel: "medium", RequiresApproval: approve(true)},
		{Name: "container_exec", RiskLevel: "high", RequiresApproval: approve(true)},
		{Name: "host_service_start", RiskLevel: "medium", RequiresApproval: approve(false)},
		{Name: "host_service_stop", RiskLevel: "high", RequiresApproval: approve(true)},
		{Name: "host_service_restart", RiskLevel: "medium", RequiresApproval: approve(false)},
		{Name: "host_kill_process", RiskLevel: "high", RequiresApproval: approve(true)},
		{Name: "execute_script", RiskLevel: "high", RequiresApproval: approve(true)},
	}
	result := make(map[string]ToolOverrideConfig, len(entries))
	for _, e := range entries {
		result[e.Name] = e
	}
	return result
}

// DefaultRiskConfig mirrors the original session risk tracker's constants:
// a 5-minute scoring window, a 30s rapid-action threshold with a 1.5x
// multiplier, and 0/10/25/50 level thresholds.
func DefaultRiskConfig() *RiskConfig {
	return &RiskConfig{
		ScoreWindow:     5 * time.Minute,
		RapidThreshold:  30 * time.Second,
		RapidMultiplier: 1.5,
		ActionScores: map[string]float64{
			"wait":                      1,
			"log_message":               1,
			"container_inspect":         1,
			"container_logs":            1,
			"container_start":           3,
			"container_stop":            4,
			"container_restart":         6,
			"container_network_connect": 3,
			"container_network_disconnect": 5,
			"container_exec":            8,
			"host_service_start":        3,
			"host_service_stop":         5,
			"host_service_restart":      6,
			"host_kill_process":         9,
			"execute_script":            8,
		},
		EscalationBonus: map[string]float64{
			"restart,exec": 5,
			"remove,remove": 8,
			"stop,start":    3,
		},
		ThresholdMedium:   10,
		ThresholdHigh:     25,
		ThresholdCritical: 50,
		EscalatesApproval: false,
	}
}

// DefaultRetryConfig mirrors spec.md §4.9's suggested exponential-backoff
// parameters: base 5s, factor 2, capped, with ±20% jitter.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		BaseDelay:      5 * time.Second,
		Factor:         2.0,
		MaxDelay:       5 * time.Minute,
		JitterFraction: 0.2,
	}
}

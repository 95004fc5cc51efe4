package config

import "time"

// InvariantConfig overrides the grace period and severity for one named
// invariant a checker evaluates. Subjects ship their own invariant set;
// this only lets an operator tune timing/severity without recompiling.
type InvariantConfig struct {
	Name     string        `yaml:"name" validate:"required"`
	Grace    time.Duration `yaml:"grace,omitempty"`
	Severity string        `yaml:"severity,omitempty"`
}

// SubjectConfig holds per-subject tuning: the monitor tick interval, the
// agent tick interval, and invariant overrides. The subject implementation
// itself is resolved by name from pkg/subject's registry, not from here.
type SubjectConfig struct {
	Name             string            `yaml:"name" validate:"required"`
	MonitorInterval  time.Duration     `yaml:"monitor_interval,omitempty"`
	AgentInterval    time.Duration     `yaml:"agent_interval,omitempty"`
	Invariants       []InvariantConfig `yaml:"invariants,omitempty"`
	SimilarTicketLog int               `yaml:"similar_ticket_count,omitempty"`
}

// ToolOverrideConfig lets an operator retune a general tool's risk level or
// approval requirement without touching pkg/registry's built-in catalog.
type ToolOverrideConfig struct {
	Name             string `yaml:"name" validate:"required"`
	RiskLevel        string `yaml:"risk_level,omitempty"`
	RequiresApproval *bool  `yaml:"requires_approval,omitempty"`
}

// RiskConfig configures the session risk tracker (pkg/risk).
type RiskConfig struct {
	ScoreWindow      time.Duration      `yaml:"score_window,omitempty"`
	RapidThreshold   time.Duration      `yaml:"rapid_threshold,omitempty"`
	RapidMultiplier  float64            `yaml:"rapid_multiplier,omitempty"`
	ActionScores     map[string]float64 `yaml:"action_scores,omitempty"`
	EscalationBonus  map[string]float64 `yaml:"escalation_bonus,omitempty"`
	ThresholdMedium  float64            `yaml:"threshold_medium,omitempty"`
	ThresholdHigh    float64            `yaml:"threshold_high,omitempty"`
	ThresholdCritical float64           `yaml:"threshold_critical,omitempty"`
	// EscalatesApproval resolves the spec's "risk vs approval gate" open
	// question: when true, a high/critical session score upgrades the
	// effective approval requirement for the next action in that session.
	EscalatesApproval bool `yaml:"escalates_approval"`
}

// RetryConfig configures the action dispatcher's backoff schedule.
type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries,omitempty"`
	BaseDelay       time.Duration `yaml:"base_delay,omitempty"`
	Factor          float64       `yaml:"factor,omitempty"`
	MaxDelay        time.Duration `yaml:"max_delay,omitempty"`
	JitterFraction  float64       `yaml:"jitter_fraction,omitempty"`
}

// Defaults holds top-level operational defaults that apply unless a subject
// or CLI flag overrides them.
type Defaults struct {
	MonitorInterval time.Duration `yaml:"monitor_interval,omitempty"`
	AgentInterval   time.Duration `yaml:"agent_interval,omitempty"`
	SafetyMode      string        `yaml:"safety_mode,omitempty"` // "observe" | "execute"
	ApprovalMode    bool          `yaml:"approval_mode,omitempty"`
	LLMProvider     string        `yaml:"llm_provider,omitempty"`
}

// OperantYAMLConfig represents the complete operant.yaml file structure.
type OperantYAMLConfig struct {
	Defaults *Defaults             `yaml:"defaults"`
	Subjects map[string]SubjectConfig `yaml:"subjects"`
	Tools    map[string]ToolOverrideConfig `yaml:"tools"`
	Risk     *RiskConfig           `yaml:"risk"`
	Retry    *RetryConfig          `yaml:"retry"`
}

// LLMProvidersYAMLConfig represents the llm-providers.yaml file structure.
type LLMProvidersYAMLConfig struct {
	LLMProviders map[string]LLMProviderConfig `yaml:"llm_providers"`
}

// ConfigStats summarizes loaded configuration, used for a startup log line.
type ConfigStats struct {
	Subjects     int
	Tools        int
	LLMProviders int
}

// Config is the fully loaded, validated, ready-to-use configuration.
type Config struct {
	configDir string

	Defaults *Defaults
	Risk     *RiskConfig
	Retry    *RetryConfig

	SubjectRegistry     *SubjectConfigRegistry
	ToolOverrideRegistry *ToolOverrideRegistry
	LLMProviderRegistry *LLMProviderRegistry
}

// Stats returns summary counts for logging.
func (c *Config) Stats() ConfigStats {
	return ConfigStats{
		Subjects:     c.SubjectRegistry.Len(),
		Tools:        c.ToolOverrideRegistry.Len(),
		LLMProviders: c.LLMProviderRegistry.Len(),
	}
}

// ConfigDir returns the directory configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

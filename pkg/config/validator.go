package config

import "fmt"

// Validator performs cross-cutting validation over a fully loaded Config.
type Validator struct {
	cfg *Config
}

// NewValidator constructs a Validator bound to cfg.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll runs every validation check, returning the first failure.
func (v *Validator) ValidateAll() error {
	if err := v.validateDefaults(); err != nil {
		return err
	}
	if err := v.validateRisk(); err != nil {
		return err
	}
	if err := v.validateRetry(); err != nil {
		return err
	}
	return nil
}

func (v *Validator) validateDefaults() error {
	d := v.cfg.Defaults
	if d == nil {
		return NewValidationError("defaults", "defaults", "", ErrMissingRequiredField)
	}
	switch d.SafetyMode {
	case "observe", "execute":
	default:
		return NewValidationError("defaults", "defaults", "safety_mode",
			fmt.Errorf("%w: %q (want observe|execute)", ErrInvalidValue, d.SafetyMode))
	}
	if d.MonitorInterval <= 0 {
		return NewValidationError("defaults", "defaults", "monitor_interval", ErrInvalidValue)
	}
	if d.AgentInterval <= 0 {
		return NewValidationError("defaults", "defaults", "agent_interval", ErrInvalidValue)
	}
	return nil
}

func (v *Validator) validateRisk() error {
	r := v.cfg.Risk
	if r == nil {
		return NewValidationError("risk", "risk", "", ErrMissingRequiredField)
	}
	if r.ThresholdMedium >= r.ThresholdHigh || r.ThresholdHigh >= r.ThresholdCritical {
		return NewValidationError("risk", "risk", "thresholds",
			fmt.Errorf("%w: medium < high < critical required", ErrInvalidValue))
	}
	if r.RapidMultiplier < 1 {
		return NewValidationError("risk", "risk", "rapid_multiplier", ErrInvalidValue)
	}
	return nil
}

func (v *Validator) validateRetry() error {
	r := v.cfg.Retry
	if r == nil {
		return NewValidationError("retry", "retry", "", ErrMissingRequiredField)
	}
	if r.MaxRetries < 0 {
		return NewValidationError("retry", "retry", "max_retries", ErrInvalidValue)
	}
	if r.Factor <= 1 {
		return NewValidationError("retry", "retry", "factor", ErrInvalidValue)
	}
	if r.JitterFraction < 0 || r.JitterFraction > 1 {
		return NewValidationError("retry", "retry", "jitter_fraction", ErrInvalidValue)
	}
	return nil
}

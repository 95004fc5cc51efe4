package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration. This
// is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load operant.yaml and llm-providers.yaml from configDir.
//  2. Expand environment variables.
//  3. Merge built-in + user-defined configuration.
//  4. Build in-memory registries.
//  5. Validate all configuration.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("configuration initialized",
		"subjects", stats.Subjects,
		"tools", stats.Tools,
		"llm_providers", stats.LLMProviders)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	operantYAML, err := loader.loadOperantYAML()
	if err != nil {
		return nil, NewLoadError("operant.yaml", err)
	}

	llmProviders, err := loader.loadLLMProvidersYAML()
	if err != nil {
		return nil, NewLoadError("llm-providers.yaml", err)
	}

	builtin := GetBuiltinConfig()

	subjects := mergeSubjects(builtin.Subjects, operantYAML.Subjects)
	tools := mergeTools(builtin.Tools, operantYAML.Tools)
	llmProvidersMerged := mergeLLMProviders(map[string]LLMProviderConfig{}, llmProviders)

	subjectRegistry := NewSubjectConfigRegistry(subjects)
	toolRegistry := NewToolOverrideRegistry(tools)
	llmRegistry := NewLLMProviderRegistry(llmProvidersMerged)

	defaults := operantYAML.Defaults
	if defaults == nil {
		defaults = &Defaults{}
	}
	if defaults.MonitorInterval == 0 {
		defaults.MonitorInterval = builtin.Defaults.MonitorInterval
	}
	if defaults.AgentInterval == 0 {
		defaults.AgentInterval = builtin.Defaults.AgentInterval
	}
	if defaults.SafetyMode == "" {
		defaults.SafetyMode = builtin.Defaults.SafetyMode
	}

	risk := builtin.Risk
	if operantYAML.Risk != nil {
		if err := mergo.Merge(risk, operantYAML.Risk, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge risk config: %w", err)
		}
	}

	retry := builtin.Retry
	if operantYAML.Retry != nil {
		if err := mergo.Merge(retry, operantYAML.Retry, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retry config: %w", err)
		}
	}

	return &Config{
		configDir:            configDir,
		Defaults:             defaults,
		Risk:                 risk,
		Retry:                retry,
		SubjectRegistry:      subjectRegistry,
		ToolOverrideRegistry: toolRegistry,
		LLMProviderRegistry:  llmRegistry,
	}, nil
}

func validate(cfg *Config) error {
	v := NewValidator(cfg)
	return v.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadOperantYAML() (*OperantYAMLConfig, error) {
	var cfg OperantYAMLConfig
	cfg.Subjects = make(map[string]SubjectConfig)
	cfg.Tools = make(map[string]ToolOverrideConfig)

	if err := l.loadYAML("operant.yaml", &cfg); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return &cfg, nil
		}
		return nil, err
	}
	return &cfg, nil
}

func (l *configLoader) loadLLMProvidersYAML() (map[string]LLMProviderConfig, error) {
	var cfg LLMProvidersYAMLConfig
	cfg.LLMProviders = make(map[string]LLMProviderConfig)

	if err := l.loadYAML("llm-providers.yaml", &cfg); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return cfg.LLMProviders, nil
		}
		return nil, err
	}
	return cfg.LLMProviders, nil
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
}

func TestInitializeAppliesBuiltinDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "observe", cfg.Defaults.SafetyMode)
	assert.False(t, cfg.Defaults.ApprovalMode)
	assert.Greater(t, cfg.ToolOverrideRegistry.Len(), 0)

	override, err := cfg.ToolOverrideRegistry.Get("execute_script")
	require.NoError(t, err)
	assert.Equal(t, "high", override.RiskLevel)
	require.NotNil(t, override.RequiresApproval)
	assert.True(t, *override.RequiresApproval)
}

func TestInitializeMergesUserOperantYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "operant.yaml", `
defaults:
  safety_mode: execute
  approval_mode: true
subjects:
  ratelimiter:
    monitor_interval: 10s
tools:
  execute_script:
    risk_level: medium
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "execute", cfg.Defaults.SafetyMode)
	assert.True(t, cfg.Defaults.ApprovalMode)

	subj, err := cfg.SubjectRegistry.Get("ratelimiter")
	require.NoError(t, err)
	assert.Equal(t, "ratelimiter", subj.Name)

	tool, err := cfg.ToolOverrideRegistry.Get("execute_script")
	require.NoError(t, err)
	assert.Equal(t, "medium", tool.RiskLevel)
}

func TestInitializeRejectsInvalidSafetyMode(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "operant.yaml", `
defaults:
  safety_mode: yolo
`)

	_, err := Initialize(context.Background(), dir)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestInitializeLoadsLLMProviders(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "llm-providers.yaml", `
llm_providers:
  claude:
    type: anthropic
    model: claude-opus-4-6
    api_key_env: ANTHROPIC_API_KEY
    max_output_tokens: 4096
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	provider, err := cfg.LLMProviderRegistry.Get("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-6", provider.Model)
}

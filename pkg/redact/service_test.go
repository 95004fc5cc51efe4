package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskToolResultRedactsBearerToken(t *testing.T) {
	s := NewService(nil)
	out := s.MaskToolResult("curl -H 'Authorization: Bearer abc123def456ghi789' https://example.com")
	assert.NotContains(t, out, "abc123def456ghi789")
	assert.Contains(t, out, "Bearer [REDACTED]")
}

func TestMaskToolResultRedactsKeyValueSecret(t *testing.T) {
	s := NewService(nil)
	out := s.MaskToolResult(`db_password=hunter2ReallyLong`)
	assert.NotContains(t, out, "hunter2ReallyLong")
}

func TestMaskToolResultLeavesBenignTextAlone(t *testing.T) {
	s := NewService(nil)
	in := "container restarted successfully, exit code 0"
	assert.Equal(t, in, s.MaskToolResult(in))
}

func TestMaskEventDataRedactsSensitiveKeysRecursively(t *testing.T) {
	s := NewService(nil)
	data := map[string]any{
		"action_name": "reset_counter",
		"parameters": map[string]any{
			"api_key": "sk-super-secret-value",
			"key":     "k1",
		},
	}

	masked := s.MaskEventData(data)

	params := masked["parameters"].(map[string]any)
	assert.Equal(t, "[REDACTED]", params["api_key"])
	assert.Equal(t, "k1", params["key"])
	assert.Equal(t, "reset_counter", masked["action_name"])
}

func TestMaskEventDataRedactsPatternsAtAnyDepth(t *testing.T) {
	s := NewService(nil)
	data := map[string]any{
		"action_name": "execute_script",
		"result": map[string]any{
			"stdout": "curl -H 'Authorization: Bearer abc123def456ghi789' https://example.com",
			"steps": []any{
				map[string]any{"log": "db_password=hunter2ReallyLong"},
			},
		},
	}

	masked := s.MaskEventData(data)

	result := masked["result"].(map[string]any)
	stdout := result["stdout"].(string)
	assert.NotContains(t, stdout, "abc123def456ghi789")
	assert.Contains(t, stdout, "Bearer [REDACTED]")

	steps := result["steps"].([]any)
	log := steps[0].(map[string]any)["log"].(string)
	assert.NotContains(t, log, "hunter2ReallyLong")
}

func TestMaskEventDataNilIsNil(t *testing.T) {
	s := NewService(nil)
	assert.Nil(t, s.MaskEventData(nil))
}

func TestKeyNameMaskerAppliesToOnlyStructuredData(t *testing.T) {
	m := NewKeyNameMasker(defaultSensitiveKeys())
	assert.True(t, m.AppliesTo(`{"password": "x"}`))
	assert.False(t, m.AppliesTo("plain text"))
}

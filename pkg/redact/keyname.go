package redact

import (
	"encoding/json"
	"strings"
)

const maskedValue = "[REDACTED]"

// KeyNameMasker walks parsed JSON objects and masks any value whose key
// matches a configured blacklist, regardless of what the value looks like.
// It is the structural counterpart to the regex patterns in pattern.go —
// the same division of labor tarsy's KubernetesSecretMasker used for
// structure-aware vs. sweep-style masking.
type KeyNameMasker struct {
	sensitiveKeys map[string]bool
}

// NewKeyNameMasker builds a masker from a blacklist of key names (case
// insensitive, matched as substrings of the actual key).
func NewKeyNameMasker(keys []string) *KeyNameMasker {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[strings.ToLower(k)] = true
	}
	return &KeyNameMasker{sensitiveKeys: set}
}

// Name returns the unique identifier for this masker.
func (m *KeyNameMasker) Name() string { return "key_name" }

// AppliesTo performs a lightweight check: only JSON-object-shaped input is
// worth structurally walking.
func (m *KeyNameMasker) AppliesTo(data string) bool {
	trimmed := strings.TrimSpace(data)
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

// Mask parses data as JSON, masks sensitive keys recursively, and
// re-serializes. Returns the original data on any parse error (defensive).
func (m *KeyNameMasker) Mask(data string) string {
	var value any
	if err := json.Unmarshal([]byte(data), &value); err != nil {
		return data
	}

	masked := m.MaskValue(value)

	out, err := json.Marshal(masked)
	if err != nil {
		return data
	}
	return string(out)
}

// MaskValue recursively masks sensitive keys in an already-parsed
// map[string]any / []any / scalar tree, used directly by audit.Event
// persistence (which never round-trips through a JSON string).
func (m *KeyNameMasker) MaskValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			if m.isSensitive(key) {
				result[key] = maskedValue
				continue
			}
			result[key] = m.MaskValue(val)
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			result[i] = m.MaskValue(val)
		}
		return result
	default:
		return v
	}
}

func (m *KeyNameMasker) isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for sensitive := range m.sensitiveKeys {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

package redact

import "log/slog"

// Service applies secret redaction. Created once at startup (singleton);
// thread-safe and stateless aside from its compiled patterns.
type Service struct {
	patterns map[string]*CompiledPattern
	keyName  *KeyNameMasker
}

// NewService builds a Service with the built-in pattern set and key-name
// blacklist, plus any extra key names an operator configured.
func NewService(extraKeys []string) *Service {
	keys := append(defaultSensitiveKeys(), extraKeys...)
	s := &Service{
		patterns: compileBuiltinPatterns(),
		keyName:  NewKeyNameMasker(keys),
	}
	slog.Info("redaction service initialized",
		"compiled_patterns", len(s.patterns), "sensitive_keys", len(keys))
	return s
}

// MaskToolResult redacts a tool's raw text output before it is logged or
// stored in an ActionRecord. Fail-closed: if masking itself errors (it
// shouldn't, since regex replace can't fail), callers still get a string
// back, never a panic — matching spec.md §9's "applied everywhere an
// action's raw payload would otherwise be persisted."
func (s *Service) MaskToolResult(content string) string {
	if content == "" {
		return content
	}
	masked := content
	if s.keyName.AppliesTo(masked) {
		masked = s.keyName.Mask(masked)
	}
	for _, p := range s.patterns {
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}
	return masked
}

// MaskObservation redacts free-text fields surfaced from an observation
// before they're logged (e.g. in a heartbeat or diagnosis context). It
// applies exactly the same masking as MaskToolResult.
func (s *Service) MaskObservation(text string) string {
	return s.MaskToolResult(text)
}

// MaskEventData recursively redacts a parsed audit event_data tree
// (map[string]any / []any / scalars) before it is marshaled for
// persistence. This is the ordering spec.md §7 requires: redact, then
// serialize, then write — never the reverse. Both mechanisms run at every
// depth: the key-name blacklist first, then the regex pattern sweep, so a
// secret pattern nested under an unlisted key (e.g. a captured
// docker_exec stdout blob under data["result"]["stdout"]) is still caught.
func (s *Service) MaskEventData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	masked := s.keyName.MaskValue(data)
	result, ok := s.maskPatternsValue(masked).(map[string]any)
	if !ok {
		return data
	}
	return result
}

// maskPatternsValue walks a map[string]any / []any / scalar tree, applying
// the regex pattern set to every leaf string, mirroring
// KeyNameMasker.MaskValue's recursion shape.
func (s *Service) maskPatternsValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			result[key] = s.maskPatternsValue(val)
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			result[i] = s.maskPatternsValue(val)
		}
		return result
	case string:
		for _, p := range s.patterns {
			v = p.Regex.ReplaceAllString(v, p.Replacement)
		}
		return v
	default:
		return v
	}
}

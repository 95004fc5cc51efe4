package redact

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// builtinPattern is the uncompiled form used to seed the default pattern set.
type builtinPattern struct {
	Name        string
	Pattern     string
	Replacement string
	Description string
}

// builtinPatterns is the operator's default secret pattern set: API keys,
// bearer tokens, key=value secrets, and AWS-style access keys. The set is
// fixed: NewService accepts extra sensitive key names but no extra patterns.
func builtinPatterns() []builtinPattern {
	return []builtinPattern{
		{
			Name:        "bearer_token",
			Pattern:     `(?i)bearer\s+[a-z0-9._\-]{10,}`,
			Replacement: "Bearer [REDACTED]",
			Description: "HTTP Authorization bearer tokens",
		},
		{
			Name:        "api_key_assignment",
			Pattern:     `(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[a-z0-9_\-]{12,}['"]?`,
			Replacement: "$1=[REDACTED]",
			Description: "api_key=... style assignments",
		},
		{
			Name:        "generic_secret_assignment",
			Pattern:     `(?i)(password|passwd|secret|token)\s*[:=]\s*['"]?[^\s'"]{6,}['"]?`,
			Replacement: "$1=[REDACTED]",
			Description: "password/secret/token=... style assignments",
		},
		{
			Name:        "aws_access_key",
			Pattern:     `AKIA[0-9A-Z]{16}`,
			Replacement: "[REDACTED_AWS_KEY]",
			Description: "AWS access key IDs",
		},
	}
}

// compileBuiltinPatterns compiles the default pattern set. Invalid patterns
// are logged and skipped (none should be, since they're operator-authored).
func compileBuiltinPatterns() map[string]*CompiledPattern {
	compiled := make(map[string]*CompiledPattern)
	for _, p := range builtinPatterns() {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("failed to compile built-in redaction pattern, skipping",
				"pattern", p.Name, "error", err)
			continue
		}
		compiled[p.Name] = &CompiledPattern{
			Name:        p.Name,
			Regex:       re,
			Replacement: p.Replacement,
			Description: p.Description,
		}
	}
	return compiled
}

// defaultSensitiveKeys is the key-name blacklist applied recursively to
// nested map values regardless of regex matches — catches secrets whose
// value doesn't look like a known pattern but whose key name gives it away.
func defaultSensitiveKeys() []string {
	return []string{
		"password", "passwd", "secret", "token", "api_key", "apikey",
		"access_key", "private_key", "client_secret", "auth", "credential",
		"credentials",
	}
}

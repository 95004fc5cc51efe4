package toolexec

import (
	"fmt"
	"regexp"
	"strings"
)

// maxScriptSize mirrors the original's 10000-char cap on execute_script
// content — well past anything a remediation script legitimately needs,
// and small enough to keep the diagnosis-time validation itself cheap.
const maxScriptSize = 10000

// secretPatterns catches hardcoded credentials the way the original's
// validator does: assignment to a name that looks like a secret.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(password|passwd|secret|api_key|apikey|token)\s*[:=]\s*['"][^'"]+['"]`),
}

// pythonDangerousPatterns and bashDangerousPatterns are substring
// deny-lists for constructs that let a script escape its own stated
// purpose (arbitrary code execution, process replacement, raw sockets).
var pythonDangerousPatterns = []string{
	"eval(", "exec(", "__import__(", "os.system(", "subprocess.", "compile(",
}

var bashDangerousPatterns = []string{
	"eval ", "eval\t", "$(curl", "$(wget", "> /dev/sd", "mkfs", ":(){ :|:& };:",
}

// ValidationResult reports whether script content passed one validation
// layer.
type ValidationResult struct {
	Valid bool
	Error string
}

// ScriptValidator runs the multi-layer checks execute_script applies
// before ever starting a sandbox: size, known-secret, and dangerous
// construct scans. Syntax is checked separately (bash -n at execution
// time; Python has no equivalent cheap pre-check so is skipped here and
// left to surface as a sandboxed runtime error).
type ScriptValidator struct{}

// Validate runs every content-based layer for scriptType ("python" or
// "bash"). Layer order matches the original: size first (cheapest),
// then secret scan, then the type-specific dangerous-pattern deny-list.
func (ScriptValidator) Validate(content, scriptType string) ValidationResult {
	if len(content) > maxScriptSize {
		return ValidationResult{Valid: false, Error: fmt.Sprintf("script exceeds maximum size of %d characters", maxScriptSize)}
	}

	for _, p := range secretPatterns {
		if p.MatchString(content) {
			return ValidationResult{Valid: false, Error: "script appears to contain a hardcoded secret"}
		}
	}

	var dangerous []string
	switch scriptType {
	case "python":
		dangerous = pythonDangerousPatterns
	case "bash":
		dangerous = bashDangerousPatterns
	default:
		return ValidationResult{Valid: false, Error: fmt.Sprintf("invalid script_type %q: must be python or bash", scriptType)}
	}

	lower := strings.ToLower(content)
	for _, pattern := range dangerous {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return ValidationResult{Valid: false, Error: fmt.Sprintf("script contains a dangerous pattern: %s", pattern)}
		}
	}

	return ValidationResult{Valid: true}
}

package toolexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/docker/docker/api/types/container"
)

// scriptImages maps a script type to the sandbox's container image, same
// pairing as the original: a minimal, well-known base per interpreter.
var scriptImages = map[string]string{
	"python": "python:3.11-slim",
	"bash":   "bash:5.2-alpine",
}

// ExecutionResult is the outcome of a sandboxed script run.
type ExecutionResult struct {
	Success         bool
	Stdout          string
	Stderr          string
	ExitCode        int
	TimedOut        bool
	ValidationError string
}

const (
	scriptMaxTimeout     = 5 * time.Minute
	scriptDefaultTimeout = 60 * time.Second
)

// sandboxRunner runs one already-validated script in an isolated,
// resource-capped, network-disabled container and returns its captured
// output. Narrowed to an interface so tests can substitute a fake and
// never touch a real daemon.
type sandboxRunner interface {
	run(ctx context.Context, image string, command []string) (stdout, stderr string, exitCode int, err error)
}

// dockerSandboxRunner is the real sandbox backend: an ephemeral container
// with no network, capped memory/CPU/PIDs, a non-root user, and a
// read-only filesystem — the execute_script tool's entire security
// boundary lives here.
type dockerSandboxRunner struct {
	api dockerAPI
}

// Sandbox resource caps, matching the original's Docker run kwargs exactly:
// no network, 512MB memory, one CPU, a 100-process ceiling, non-root,
// read-only root filesystem, and removed on exit.
const (
	sandboxMemoryBytes = 512 * 1024 * 1024
	sandboxNanoCPUs    = 1_000_000_000
	sandboxPidsLimit   = 100
	sandboxUser        = "nobody"
)

func (d *dockerSandboxRunner) run(ctx context.Context, image string, command []string) (string, string, int, error) {
	pidsLimit := int64(sandboxPidsLimit)

	created, err := d.api.ContainerCreate(ctx,
		&container.Config{
			Image:  image,
			Cmd:    command,
			User:   sandboxUser,
			Tty:    false,
			Labels: map[string]string{"operant.managed": "true"},
		},
		&container.HostConfig{
			NetworkMode:    container.NetworkMode("none"),
			ReadonlyRootfs: true,
			AutoRemove:     false,
			Resources: container.Resources{
				Memory:    sandboxMemoryBytes,
				NanoCPUs:  sandboxNanoCPUs,
				PidsLimit: &pidsLimit,
			},
		},
		nil,
		"",
	)
	if err != nil {
		return "", "", 0, fmt.Errorf("create sandbox container: %w", err)
	}

	defer func() {
		_ = d.api.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
	}()

	if err := d.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", "", 0, fmt.Errorf("start sandbox container: %w", err)
	}

	statusCh, errCh := d.api.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			return "", "", 0, fmt.Errorf("wait sandbox container: %w", err)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		return "", "", 0, ctx.Err()
	}

	stdout, stderr, err := d.api.ContainerLogsSplit(context.Background(), created.ID)
	if err != nil {
		return "", "", exitCode, fmt.Errorf("fetch sandbox logs: %w", err)
	}
	return stdout, stderr, exitCode, nil
}

// ScriptExecutor runs the execute_script tool: validate, then (for bash)
// check syntax, then run in the sandbox, all bounded by a clamped
// timeout.
type ScriptExecutor struct {
	validator ScriptValidator
	runner    sandboxRunner
}

// NewScriptExecutor builds a ScriptExecutor backed by a real Docker
// sandbox.
func NewScriptExecutor(api dockerAPI) *ScriptExecutor {
	return &ScriptExecutor{runner: &dockerSandboxRunner{api: api}}
}

// Execute validates content, optionally checks bash syntax, then runs it
// in the sandbox with a timeout clamped to scriptMaxTimeout.
func (s *ScriptExecutor) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	content, err := requireString(params, "script_content")
	if err != nil {
		return nil, err
	}
	scriptType, err := requireString(params, "script_type")
	if err != nil {
		return nil, err
	}
	requested := optionalInt(params, "timeout", int(scriptDefaultTimeout.Seconds()))
	effective := time.Duration(requested) * time.Second
	if effective > scriptMaxTimeout || effective <= 0 {
		effective = scriptMaxTimeout
	}

	validation := s.validator.Validate(content, scriptType)
	if !validation.Valid {
		return resultMap(ExecutionResult{ValidationError: validation.Error}), nil
	}

	if scriptType == "bash" {
		if syntaxErr := validateBashSyntax(ctx, content); syntaxErr != "" {
			return resultMap(ExecutionResult{ValidationError: syntaxErr}), nil
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, effective)
	defer cancel()

	command := []string{scriptType, "-c", content}
	if scriptType == "python" {
		command = []string{"python", "-c", content}
	}

	stdout, stderr, exitCode, err := s.runner.run(runCtx, scriptImages[scriptType], command)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return resultMap(ExecutionResult{
			Stderr:   fmt.Sprintf("script execution timed out after %s", effective),
			ExitCode: -1,
			TimedOut: true,
		}), nil
	}
	if err != nil {
		return resultMap(ExecutionResult{Stderr: err.Error(), ExitCode: 1}), nil
	}

	return resultMap(ExecutionResult{
		Success:  exitCode == 0,
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
	}), nil
}

func resultMap(r ExecutionResult) map[string]any {
	return map[string]any{
		"success":          r.Success,
		"stdout":           r.Stdout,
		"stderr":           r.Stderr,
		"exit_code":        r.ExitCode,
		"timeout":          r.TimedOut,
		"validation_error": r.ValidationError,
	}
}

// validateBashSyntax runs `bash -n` against a temp file holding content,
// returning a non-empty error message on a syntax failure. Never executes
// the script — only parses it.
func validateBashSyntax(ctx context.Context, content string) string {
	f, err := os.CreateTemp("", "operant-script-*.sh")
	if err != nil {
		return fmt.Sprintf("bash syntax validation failed: %v", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		return fmt.Sprintf("bash syntax validation failed: %v", err)
	}
	f.Close()

	cmd := exec.CommandContext(ctx, "bash", "-n", f.Name())
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Sprintf("bash syntax error: %s", string(out))
	}
	return ""
}

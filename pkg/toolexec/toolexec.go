// Package toolexec implements the general tool catalog: action executors
// that are not specific to any one subject — container lifecycle, host
// service management, process control, sandboxed script execution, plus
// the two trivial always-available tools (wait, log_message). This is the
// generalTools argument pkg/registry.NewActionRegistry merges with a
// subject's native actions.
package toolexec

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/operant/pkg/subject"
)

// Executor routes a tool action name to its concrete implementation. It
// satisfies subject.ActionExecutor so the dispatcher can treat general
// tools identically to subject-native actions.
type Executor struct {
	docker *DockerExecutor
	host   *HostExecutor
	script *ScriptExecutor
	killer *ProcessKiller
}

// NewExecutor wires the three backing executors. Any of docker, host, or
// script may be nil if that backend is unavailable in the current
// deployment (e.g. no Docker socket) — calling one of its tools then
// fails with a clear error rather than a nil panic.
func NewExecutor(docker *DockerExecutor, host *HostExecutor, script *ScriptExecutor) *Executor {
	return &Executor{docker: docker, host: host, script: script, killer: NewProcessKiller()}
}

// Execute dispatches actionName to its implementation.
func (e *Executor) Execute(ctx context.Context, actionName string, parameters map[string]any) (map[string]any, error) {
	switch actionName {
	case "wait":
		return e.wait(ctx, parameters)
	case "log_message":
		return logMessage(parameters)

	case "container_start", "container_stop", "container_restart", "container_inspect",
		"container_logs", "container_network_connect", "container_network_disconnect", "container_exec":
		if e.docker == nil {
			return nil, fmt.Errorf("%w: %s needs a Docker backend, none configured", ErrBackendUnavailable, actionName)
		}
		return e.executeDocker(ctx, actionName, parameters)

	case "host_service_start", "host_service_stop", "host_service_restart":
		if e.host == nil {
			return nil, fmt.Errorf("%w: %s needs a host backend, none configured", ErrBackendUnavailable, actionName)
		}
		return e.executeHost(ctx, actionName, parameters)

	case "host_kill_process":
		return e.killer.KillProcess(ctx, parameters)

	case "execute_script":
		if e.script == nil {
			return nil, fmt.Errorf("%w: execute_script needs a script backend, none configured", ErrBackendUnavailable)
		}
		return e.script.Execute(ctx, parameters)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, actionName)
	}
}

// ErrUnknownTool is returned for an action name none of the general tools
// implement.
var ErrUnknownTool = fmt.Errorf("unknown general tool")

// ErrBackendUnavailable is returned when a tool is known but its backing
// executor was never configured for this deployment (e.g. no Docker
// socket reachable).
var ErrBackendUnavailable = fmt.Errorf("tool backend unavailable")

func (e *Executor) executeDocker(ctx context.Context, actionName string, params map[string]any) (map[string]any, error) {
	switch actionName {
	case "container_start":
		return e.docker.StartContainer(ctx, params)
	case "container_stop":
		return e.docker.StopContainer(ctx, params)
	case "container_restart":
		return e.docker.RestartContainer(ctx, params)
	case "container_inspect":
		return e.docker.InspectContainer(ctx, params)
	case "container_logs":
		return e.docker.ContainerLogs(ctx, params)
	case "container_network_connect":
		return e.docker.NetworkConnect(ctx, params)
	case "container_network_disconnect":
		return e.docker.NetworkDisconnect(ctx, params)
	default: // container_exec
		return e.docker.Exec(ctx, params)
	}
}

func (e *Executor) executeHost(ctx context.Context, actionName string, params map[string]any) (map[string]any, error) {
	switch actionName {
	case "host_service_start":
		return e.host.StartService(ctx, params)
	case "host_service_stop":
		return e.host.StopService(ctx, params)
	default: // host_service_restart
		return e.host.RestartService(ctx, params)
	}
}

func (e *Executor) wait(ctx context.Context, params map[string]any) (map[string]any, error) {
	seconds := optionalInt(params, "seconds", 1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(seconds) * time.Second):
	}
	return map[string]any{"waited_seconds": seconds}, nil
}

func logMessage(params map[string]any) (map[string]any, error) {
	message, err := requireString(params, "message")
	if err != nil {
		return nil, err
	}
	return map[string]any{"logged": true, "message": message}, nil
}

var _ subject.ActionExecutor = (*Executor)(nil)

// Definitions returns the static catalog of general tools, in the shape
// pkg/registry merges with a subject's native actions. Risk levels and
// approval requirements here are the floor — pkg/config.ToolOverrideRegistry
// can retune either per deployment.
func Definitions() []subject.ActionDefinition {
	str := func(desc string, required bool) subject.ParamDef {
		return subject.ParamDef{Type: "string", Description: desc, Required: required}
	}
	num := func(desc string, required bool, def any) subject.ParamDef {
		return subject.ParamDef{Type: "number", Description: desc, Required: required, Default: def}
	}

	return []subject.ActionDefinition{
		{
			Name:        "wait",
			Description: "Pause for a number of seconds before continuing diagnosis",
			Parameters: map[string]subject.ParamDef{
				"seconds": num("Seconds to wait", false, 1),
			},
			ActionType: "tool",
			RiskLevel:  "low",
		},
		{
			Name:        "log_message",
			Description: "Record a diagnostic note without taking any action",
			Parameters: map[string]subject.ParamDef{
				"message": str("Message to record", true),
			},
			ActionType: "tool",
			RiskLevel:  "low",
		},
		{
			Name:        "container_start",
			Description: "Start a stopped Docker container",
			Parameters: map[string]subject.ParamDef{
				"container_id": str("Container ID or name to start", true),
			},
			ActionType: "tool",
			RiskLevel:  "medium",
		},
		{
			Name:        "container_stop",
			Description: "Stop a running Docker container gracefully (SIGTERM then SIGKILL after timeout)",
			Parameters: map[string]subject.ParamDef{
				"container_id": str("Container ID or name to stop", true),
				"timeout":      num("Seconds to wait for graceful shutdown before SIGKILL", false, 10),
			},
			ActionType:       "tool",
			RiskLevel:        "high",
			RequiresApproval: true,
		},
		{
			Name:        "container_restart",
			Description: "Restart a Docker container (stop then start)",
			Parameters: map[string]subject.ParamDef{
				"container_id": str("Container ID or name to restart", true),
				"timeout":      num("Seconds to wait for graceful shutdown before SIGKILL", false, 10),
			},
			ActionType:       "tool",
			RiskLevel:        "high",
			RequiresApproval: true,
		},
		{
			Name:        "container_inspect",
			Description: "Get container status and configuration (read-only)",
			Parameters: map[string]subject.ParamDef{
				"container_id": str("Container ID or name to inspect", true),
			},
			ActionType: "tool",
			RiskLevel:  "low",
		},
		{
			Name:        "container_logs",
			Description: "Retrieve container logs with tail limit (max 10000 lines)",
			Parameters: map[string]subject.ParamDef{
				"container_id": str("Container ID or name to get logs from", true),
				"tail":         num("Number of lines to retrieve", false, 100),
				"since":        str("Only return logs since this time", false),
			},
			ActionType: "tool",
			RiskLevel:  "low",
		},
		{
			Name:        "container_network_connect",
			Description: "Connect container to a Docker network",
			Parameters: map[string]subject.ParamDef{
				"container_id": str("Container ID or name to connect", true),
				"network":      str("Network name or ID to connect to", true),
				"alias":        str("Optional network alias for the container", false),
			},
			ActionType: "tool",
			RiskLevel:  "medium",
		},
		{
			Name:        "container_network_disconnect",
			Description: "Disconnect container from a Docker network",
			Parameters: map[string]subject.ParamDef{
				"container_id": str("Container ID or name to disconnect", true),
				"network":      str("Network name or ID to disconnect from", true),
				"force":        subject.ParamDef{Type: "bool", Description: "Force disconnection even if container is running", Default: false},
			},
			ActionType:       "tool",
			RiskLevel:        "medium",
			RequiresApproval: true,
		},
		{
			Name:        "container_exec",
			Description: "Execute a command inside a running container with output capture",
			Parameters: map[string]subject.ParamDef{
				"container_id": str("Container ID or name to execute in", true),
				"command":      subject.ParamDef{Type: "object", Description: "Command to execute as a list of strings", Required: true},
				"user":         str("User to run command as", false),
				"workdir":      str("Working directory for command", false),
			},
			ActionType:       "tool",
			RiskLevel:        "high",
			RequiresApproval: true,
		},
		{
			Name:        "host_service_start",
			Description: "Start a whitelisted systemd service",
			Parameters: map[string]subject.ParamDef{
				"service_name": str("Service name (e.g. 'nginx')", true),
			},
			ActionType: "tool",
			RiskLevel:  "medium",
		},
		{
			Name:        "host_service_stop",
			Description: "Stop a whitelisted systemd service",
			Parameters: map[string]subject.ParamDef{
				"service_name": str("Service name to stop", true),
			},
			ActionType:       "tool",
			RiskLevel:        "high",
			RequiresApproval: true,
		},
		{
			Name:        "host_service_restart",
			Description: "Restart a whitelisted systemd service",
			Parameters: map[string]subject.ParamDef{
				"service_name": str("Service name to restart", true),
			},
			ActionType: "tool",
			RiskLevel:  "medium",
		},
		{
			Name:        "host_kill_process",
			Description: "Signal a host process, escalating from SIGTERM to SIGKILL if it survives the grace period; refuses init and kernel-thread PIDs",
			Parameters: map[string]subject.ParamDef{
				"pid":                  num("Process ID to signal", true, nil),
				"grace_period_seconds": num("Seconds to wait before escalating to SIGKILL", false, 10),
			},
			ActionType:       "tool",
			RiskLevel:        "high",
			RequiresApproval: true,
		},
		{
			Name:        "execute_script",
			Description: "Run a Python or Bash script in an isolated sandbox (no network, capped resources, read-only filesystem) after size, secret, and dangerous-pattern validation",
			Parameters: map[string]subject.ParamDef{
				"script_content": str("Script source to run", true),
				"script_type":    str("Either 'python' or 'bash'", true),
				"timeout":        num("Execution timeout in seconds (max 300)", false, 60),
			},
			ActionType:       "tool",
			RiskLevel:        "high",
			RequiresApproval: true,
		},
	}
}

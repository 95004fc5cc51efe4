package toolexec

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// maxLogTail mirrors the original's MAX_TAIL: container_logs silently caps
// an operator-requested tail at this many lines to bound memory use.
const maxLogTail = 10000

// dockerAPI is the slice of the Docker Engine API the container tools need.
// Narrowed to an interface so tests can fake it without a live daemon.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) ([]byte, error)
	NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error
	NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error
	ContainerExecCreate(ctx context.Context, containerID string, config container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (client.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, containerName string) (container.CreateResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerLogsSplit(ctx context.Context, containerID string) (stdout, stderr string, err error)
}

// liveDockerClient adapts *client.Client to dockerAPI, collecting
// ContainerLogs' streamed reader into a byte slice the way the original's
// python-on-whales wrapper returns logs as a single string.
type liveDockerClient struct {
	cli *client.Client
}

func (l *liveDockerClient) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	return l.cli.ContainerInspect(ctx, containerID)
}

func (l *liveDockerClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return l.cli.ContainerStart(ctx, containerID, options)
}

func (l *liveDockerClient) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	return l.cli.ContainerStop(ctx, containerID, options)
}

func (l *liveDockerClient) ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error {
	return l.cli.ContainerRestart(ctx, containerID, options)
}

func (l *liveDockerClient) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) ([]byte, error) {
	rc, err := l.cli.ContainerLogs(ctx, containerID, options)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return nil, err
	}
	return append(stdout.Bytes(), stderr.Bytes()...), nil
}

func (l *liveDockerClient) NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error {
	return l.cli.NetworkConnect(ctx, networkID, containerID, config)
}

func (l *liveDockerClient) NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error {
	return l.cli.NetworkDisconnect(ctx, networkID, containerID, force)
}

func (l *liveDockerClient) ContainerExecCreate(ctx context.Context, containerID string, config container.ExecOptions) (container.ExecCreateResponse, error) {
	return l.cli.ContainerExecCreate(ctx, containerID, config)
}

func (l *liveDockerClient) ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (client.HijackedResponse, error) {
	return l.cli.ContainerExecAttach(ctx, execID, options)
}

func (l *liveDockerClient) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	return l.cli.ContainerExecInspect(ctx, execID)
}

func (l *liveDockerClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, containerName string) (container.CreateResponse, error) {
	return l.cli.ContainerCreate(ctx, config, hostConfig, networkingConfig, nil, containerName)
}

func (l *liveDockerClient) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	return l.cli.ContainerWait(ctx, containerID, condition)
}

func (l *liveDockerClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	return l.cli.ContainerRemove(ctx, containerID, options)
}

func (l *liveDockerClient) ContainerLogsSplit(ctx context.Context, containerID string) (string, string, error) {
	rc, err := l.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", "", err
	}
	return stdout.String(), stderr.String(), nil
}

// DockerExecutor implements the container lifecycle tools: start, stop,
// restart, inspect, logs, network connect/disconnect, exec. Every
// operation is idempotent where the original specifies it (starting an
// already-running container, stopping an already-stopped one).
type DockerExecutor struct {
	api dockerAPI
}

// NewDockerExecutor opens a Docker client from the ambient environment
// (DOCKER_HOST, TLS certs, …), the same way pkg/safety's kill switch does.
func NewDockerExecutor() (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerExecutor{api: &liveDockerClient{cli: cli}}, nil
}

// API exposes the underlying client so callers can wire it into other
// executors (ScriptExecutor's sandbox runner) without opening a second
// Docker connection.
func (d *DockerExecutor) API() dockerAPI {
	return d.api
}

func requireString(params map[string]any, name string) (string, error) {
	v, ok := params[name]
	if !ok {
		return "", fmt.Errorf("missing required parameter %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q must be a string", name)
	}
	return s, nil
}

func optionalInt(params map[string]any, name string, def int) int {
	v, ok := params[name]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return def
}

func optionalString(params map[string]any, name string) string {
	v, ok := params[name]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// StartContainer starts a stopped container, or succeeds immediately if it
// is already running.
func (d *DockerExecutor) StartContainer(ctx context.Context, params map[string]any) (map[string]any, error) {
	containerID, err := requireString(params, "container_id")
	if err != nil {
		return nil, err
	}

	info, err := d.api.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", containerID, err)
	}
	if info.State == nil || !info.State.Running {
		if err := d.api.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
			return nil, fmt.Errorf("start %s: %w", containerID, err)
		}
		info, err = d.api.ContainerInspect(ctx, containerID)
		if err != nil {
			return nil, fmt.Errorf("re-inspect %s: %w", containerID, err)
		}
	}

	return map[string]any{
		"container_id": info.ID,
		"name":          info.Name,
		"state":         info.State.Status,
		"running":       info.State.Running,
	}, nil
}

// StopContainer stops a running container gracefully (SIGTERM, then
// SIGKILL after timeout seconds), or succeeds immediately if already
// stopped.
func (d *DockerExecutor) StopContainer(ctx context.Context, params map[string]any) (map[string]any, error) {
	containerID, err := requireString(params, "container_id")
	if err != nil {
		return nil, err
	}
	timeout := optionalInt(params, "timeout", 10)

	info, err := d.api.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", containerID, err)
	}
	if info.State != nil && info.State.Running {
		t := timeout
		if err := d.api.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &t}); err != nil {
			return nil, fmt.Errorf("stop %s: %w", containerID, err)
		}
		info, err = d.api.ContainerInspect(ctx, containerID)
		if err != nil {
			return nil, fmt.Errorf("re-inspect %s: %w", containerID, err)
		}
	}

	exitCode := 0
	if info.State != nil {
		exitCode = info.State.ExitCode
	}
	return map[string]any{
		"container_id":      info.ID,
		"name":               info.Name,
		"state":              info.State.Status,
		"exit_code":          exitCode,
		"graceful_shutdown":  exitCode == 143,
		"killed":             exitCode == 137,
	}, nil
}

// RestartContainer stops then starts a container in one engine call.
func (d *DockerExecutor) RestartContainer(ctx context.Context, params map[string]any) (map[string]any, error) {
	containerID, err := requireString(params, "container_id")
	if err != nil {
		return nil, err
	}
	timeout := optionalInt(params, "timeout", 10)

	t := timeout
	if err := d.api.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &t}); err != nil {
		return nil, fmt.Errorf("restart %s: %w", containerID, err)
	}

	info, err := d.api.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", containerID, err)
	}
	return map[string]any{
		"container_id": info.ID,
		"name":          info.Name,
		"state":         info.State.Status,
		"running":       info.State.Running,
	}, nil
}

// InspectContainer is read-only: status and configuration, never modifies
// state.
func (d *DockerExecutor) InspectContainer(ctx context.Context, params map[string]any) (map[string]any, error) {
	containerID, err := requireString(params, "container_id")
	if err != nil {
		return nil, err
	}

	info, err := d.api.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", containerID, err)
	}

	var startedAt any
	if info.State != nil && info.State.StartedAt != "" {
		startedAt = info.State.StartedAt
	}
	networks := make([]string, 0)
	if info.NetworkSettings != nil {
		for name := range info.NetworkSettings.Networks {
			networks = append(networks, name)
		}
	}

	image := ""
	if info.Config != nil {
		image = info.Config.Image
	}

	return map[string]any{
		"id":    info.ID,
		"name":  info.Name,
		"image": image,
		"state": map[string]any{
			"status":     info.State.Status,
			"running":    info.State.Running,
			"paused":     info.State.Paused,
			"exit_code":  info.State.ExitCode,
			"started_at": startedAt,
		},
		"networks": networks,
	}, nil
}

// ContainerLogs retrieves up to maxLogTail lines, always with timestamps,
// never following (would block indefinitely inside a daemon tick).
func (d *DockerExecutor) ContainerLogs(ctx context.Context, params map[string]any) (map[string]any, error) {
	containerID, err := requireString(params, "container_id")
	if err != nil {
		return nil, err
	}
	requestedTail := optionalInt(params, "tail", 100)
	since := optionalString(params, "since")

	effectiveTail := requestedTail
	if effectiveTail > maxLogTail {
		effectiveTail = maxLogTail
	}

	out, err := d.api.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(effectiveTail),
		Since:      since,
		Timestamps: true,
		Follow:     false,
	})
	if err != nil {
		return nil, fmt.Errorf("logs %s: %w", containerID, err)
	}

	lines := bytes.Count(out, []byte("\n"))
	return map[string]any{
		"container_id": containerID,
		"logs":         string(out),
		"line_count":   lines,
		"tail_limit":   effectiveTail,
		"truncated":    requestedTail > maxLogTail,
	}, nil
}

// NetworkConnect attaches a container to a network, with an optional
// alias.
func (d *DockerExecutor) NetworkConnect(ctx context.Context, params map[string]any) (map[string]any, error) {
	containerID, err := requireString(params, "container_id")
	if err != nil {
		return nil, err
	}
	networkName, err := requireString(params, "network")
	if err != nil {
		return nil, err
	}
	alias := optionalString(params, "alias")

	var endpointCfg *network.EndpointSettings
	if alias != "" {
		endpointCfg = &network.EndpointSettings{Aliases: []string{alias}}
	}
	if err := d.api.NetworkConnect(ctx, networkName, containerID, endpointCfg); err != nil {
		return nil, fmt.Errorf("connect %s to %s: %w", containerID, networkName, err)
	}

	return map[string]any{
		"container_id": containerID,
		"network":      networkName,
		"alias":        alias,
		"connected":    true,
	}, nil
}

// NetworkDisconnect detaches a container from a network.
func (d *DockerExecutor) NetworkDisconnect(ctx context.Context, params map[string]any) (map[string]any, error) {
	containerID, err := requireString(params, "container_id")
	if err != nil {
		return nil, err
	}
	networkName, err := requireString(params, "network")
	if err != nil {
		return nil, err
	}
	force, _ := params["force"].(bool)

	if err := d.api.NetworkDisconnect(ctx, networkName, containerID, force); err != nil {
		return nil, fmt.Errorf("disconnect %s from %s: %w", containerID, networkName, err)
	}

	return map[string]any{
		"container_id": containerID,
		"network":      networkName,
		"disconnected": true,
	}, nil
}

// Exec runs a command inside a running container, non-interactively.
// Errors from the command itself are captured in the result rather than
// returned as a Go error, matching the original's try/except-and-report
// shape — a failing command is a diagnosable result, not an executor
// failure.
func (d *DockerExecutor) Exec(ctx context.Context, params map[string]any) (map[string]any, error) {
	containerID, err := requireString(params, "container_id")
	if err != nil {
		return nil, err
	}
	rawCommand, ok := params["command"]
	if !ok {
		return nil, fmt.Errorf("missing required parameter %q", "command")
	}
	command, err := toStringSlice(rawCommand)
	if err != nil {
		return nil, err
	}
	user := optionalString(params, "user")
	workdir := optionalString(params, "workdir")

	result := map[string]any{
		"container_id": containerID,
		"command":      command,
	}

	created, err := d.api.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          command,
		User:         user,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	})
	if err != nil {
		result["success"] = false
		result["output"] = ""
		result["error"] = err.Error()
		return result, nil
	}

	attached, err := d.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: false})
	if err != nil {
		result["success"] = false
		result["output"] = ""
		result["error"] = err.Error()
		return result, nil
	}
	defer attached.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attached.Reader); err != nil {
		result["success"] = false
		result["output"] = ""
		result["error"] = err.Error()
		return result, nil
	}

	inspect, err := d.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		result["success"] = false
		result["output"] = stdout.String()
		result["error"] = err.Error()
		return result, nil
	}

	if inspect.ExitCode != 0 {
		result["success"] = false
		result["output"] = stdout.String()
		result["error"] = fmt.Sprintf("exit code %d: %s", inspect.ExitCode, stderr.String())
		return result, nil
	}

	result["success"] = true
	result["output"] = stdout.String()
	result["error"] = nil
	return result, nil
}

func toStringSlice(v any) ([]string, error) {
	switch vv := v.(type) {
	case []string:
		return vv, nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("command elements must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parameter %q must be a list of strings", "command")
	}
}

package toolexec

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDockerAPI struct {
	inspectResponses []container.InspectResponse // consumed in order, last one repeats
	startCalls       []string
	stopCalls        []string
	restartCalls     []string
	logsOut          []byte
	logsErr          error
	connectCalls     []string
	disconnectCalls  []string
	execExitCode     int
	execErr          error
}

func (f *fakeDockerAPI) nextInspect() container.InspectResponse {
	if len(f.inspectResponses) == 0 {
		return container.InspectResponse{}
	}
	resp := f.inspectResponses[0]
	if len(f.inspectResponses) > 1 {
		f.inspectResponses = f.inspectResponses[1:]
	}
	return resp
}

func (f *fakeDockerAPI) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	return f.nextInspect(), nil
}

func (f *fakeDockerAPI) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.startCalls = append(f.startCalls, containerID)
	return nil
}

func (f *fakeDockerAPI) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	f.stopCalls = append(f.stopCalls, containerID)
	return nil
}

func (f *fakeDockerAPI) ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error {
	f.restartCalls = append(f.restartCalls, containerID)
	return nil
}

func (f *fakeDockerAPI) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) ([]byte, error) {
	return f.logsOut, f.logsErr
}

func (f *fakeDockerAPI) NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error {
	f.connectCalls = append(f.connectCalls, networkID+"/"+containerID)
	return nil
}

func (f *fakeDockerAPI) NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error {
	f.disconnectCalls = append(f.disconnectCalls, networkID+"/"+containerID)
	return nil
}

func (f *fakeDockerAPI) ContainerExecCreate(ctx context.Context, containerID string, config container.ExecOptions) (container.ExecCreateResponse, error) {
	return container.ExecCreateResponse{ID: "exec-1"}, nil
}

func (f *fakeDockerAPI) ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (client.HijackedResponse, error) {
	conn, _ := net.Pipe()
	return client.HijackedResponse{Conn: conn, Reader: bufio.NewReader(strings.NewReader(""))}, nil
}

func (f *fakeDockerAPI) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	return container.ExecInspect{ExitCode: f.execExitCode}, f.execErr
}

func (f *fakeDockerAPI) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, containerName string) (container.CreateResponse, error) {
	return container.CreateResponse{ID: "sandbox-1"}, nil
}

func (f *fakeDockerAPI) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	ch := make(chan container.WaitResponse, 1)
	ch <- container.WaitResponse{StatusCode: 0}
	return ch, make(chan error, 1)
}

func (f *fakeDockerAPI) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	return nil
}

func (f *fakeDockerAPI) ContainerLogsSplit(ctx context.Context, containerID string) (string, string, error) {
	return "", "", nil
}

func TestStartContainerIsIdempotentWhenAlreadyRunning(t *testing.T) {
	running := container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    "c1",
			Name:  "/web",
			State: &container.State{Status: "running", Running: true},
		},
	}
	fake := &fakeDockerAPI{inspectResponses: []container.InspectResponse{running}}
	d := &DockerExecutor{api: fake}

	result, err := d.StartContainer(context.Background(), map[string]any{"container_id": "c1"})
	require.NoError(t, err)
	assert.Equal(t, true, result["running"])
	assert.Empty(t, fake.startCalls, "already-running container must not be started again")
}

func TestStartContainerStartsWhenStopped(t *testing.T) {
	stopped := container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: "c1", Name: "/web", State: &container.State{Status: "exited", Running: false}},
	}
	running := container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: "c1", Name: "/web", State: &container.State{Status: "running", Running: true}},
	}
	fake := &fakeDockerAPI{inspectResponses: []container.InspectResponse{stopped, running}}
	d := &DockerExecutor{api: fake}

	result, err := d.StartContainer(context.Background(), map[string]any{"container_id": "c1"})
	require.NoError(t, err)
	assert.Equal(t, true, result["running"])
	assert.Equal(t, []string{"c1"}, fake.startCalls)
}

func TestStopContainerClassifiesGracefulShutdown(t *testing.T) {
	running := container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: "c1", Name: "/web", State: &container.State{Status: "running", Running: true}},
	}
	stopped := container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: "c1", Name: "/web", State: &container.State{Status: "exited", Running: false, ExitCode: 143}},
	}
	fake := &fakeDockerAPI{inspectResponses: []container.InspectResponse{running, stopped}}
	d := &DockerExecutor{api: fake}

	result, err := d.StopContainer(context.Background(), map[string]any{"container_id": "c1"})
	require.NoError(t, err)
	assert.Equal(t, true, result["graceful_shutdown"])
	assert.Equal(t, false, result["killed"])
}

func TestContainerLogsCapsTailAtMax(t *testing.T) {
	fake := &fakeDockerAPI{logsOut: []byte("line1\nline2\n")}
	d := &DockerExecutor{api: fake}

	result, err := d.ContainerLogs(context.Background(), map[string]any{
		"container_id": "c1",
		"tail":         20000,
	})
	require.NoError(t, err)
	assert.Equal(t, maxLogTail, result["tail_limit"])
	assert.Equal(t, true, result["truncated"])
}

func TestNetworkConnectPassesAlias(t *testing.T) {
	fake := &fakeDockerAPI{}
	d := &DockerExecutor{api: fake}

	result, err := d.NetworkConnect(context.Background(), map[string]any{
		"container_id": "c1",
		"network":      "backend",
		"alias":        "db",
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["connected"])
	assert.Equal(t, []string{"backend/c1"}, fake.connectCalls)
}

func TestExecReportsNonZeroExitAsFailureNotError(t *testing.T) {
	fake := &fakeDockerAPI{execExitCode: 1}
	d := &DockerExecutor{api: fake}

	result, err := d.Exec(context.Background(), map[string]any{
		"container_id": "c1",
		"command":      []any{"false"},
	})
	require.NoError(t, err)
	assert.Equal(t, false, result["success"])
}

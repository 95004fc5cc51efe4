package safety

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// ContainerKiller force-terminates operator-managed containers during a
// kill switch. The docker SDK call can block past a cancelled context in
// some daemon states, so callers should bound it with a short timeout the
// way pkg/action's dispatcher bounds a subject call — the kill switch
// can't wait for a stuck daemon.
type ContainerKiller interface {
	KillManaged(ctx context.Context) (int, error)
}

// containerLabel marks containers the operator's toolexec package started,
// so the kill switch never touches unrelated containers on the host.
const containerLabel = "operant.managed=true"

// dockerKiller is the real ContainerKiller, backed by the Docker Engine API.
type dockerKiller struct {
	cli *client.Client
}

// NewDockerKiller opens a client from the environment (DOCKER_HOST, certs,
// …), matching the original's reliance on the ambient docker CLI context.
func NewDockerKiller() (ContainerKiller, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &dockerKiller{cli: cli}, nil
}

// KillManaged lists every container carrying containerLabel and sends each
// a SIGKILL. Docker unavailability is not an error here — a subprocess
// already-not-running Docker daemon should not abort the rest of the kill
// switch sequence (mode flip, audit log).
func (d *dockerKiller) KillManaged(ctx context.Context) (int, error) {
	f := filters.NewArgs(filters.Arg("label", containerLabel))
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{Filters: f})
	if err != nil {
		return 0, nil
	}

	killed := 0
	for _, c := range containers {
		if err := d.cli.ContainerKill(ctx, c.ID, "KILL"); err == nil {
			killed++
		}
	}
	return killed, nil
}

// NoopContainerKiller is used where no Docker-backed tool execution is
// configured — the kill switch still runs, it just has nothing to kill.
type NoopContainerKiller struct{}

func (NoopContainerKiller) KillManaged(ctx context.Context) (int, error) { return 0, nil }

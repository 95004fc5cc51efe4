package toolexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// serviceNamePattern is the path-traversal guard the original's
// ServiceWhitelist applies before ever looking a name up: systemd unit
// names are alphanumeric plus a small punctuation set.
var serviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)

// ServiceWhitelist restricts host_service_* tools to a fixed set of
// systemd unit names, so a diagnosis can never be tricked into managing
// an arbitrary unit (including systemd itself).
type ServiceWhitelist struct {
	allowed map[string]bool
}

// DefaultServiceWhitelist is used when no operator configuration overrides
// it — deliberately empty, so an operator must opt a service in before the
// agent can touch it.
func DefaultServiceWhitelist() *ServiceWhitelist {
	return NewServiceWhitelist(nil)
}

// NewServiceWhitelist builds a whitelist from the given service names.
func NewServiceWhitelist(services []string) *ServiceWhitelist {
	allowed := make(map[string]bool, len(services))
	for _, s := range services {
		allowed[s] = true
	}
	return &ServiceWhitelist{allowed: allowed}
}

// ValidateServiceName rejects anything that isn't a plain systemd unit
// name, before the whitelist membership check even runs.
func (w *ServiceWhitelist) ValidateServiceName(name string) error {
	if name == "" || !serviceNamePattern.MatchString(name) {
		return fmt.Errorf("invalid service name %q", name)
	}
	return nil
}

// IsAllowed reports whether name is in the whitelist.
func (w *ServiceWhitelist) IsAllowed(name string) bool {
	return w.allowed[name]
}

// HostExecutor implements the host_service_* tools via systemctl;
// host_kill_process is ProcessKiller's. Every systemctl invocation
// uses exec.CommandContext with array arguments — never a shell — so a
// service name can never be interpreted as a shell command.
type HostExecutor struct {
	whitelist *ServiceWhitelist
}

// NewHostExecutor builds a HostExecutor restricted to whitelist. A nil
// whitelist falls back to DefaultServiceWhitelist (allow nothing).
func NewHostExecutor(whitelist *ServiceWhitelist) *HostExecutor {
	if whitelist == nil {
		whitelist = DefaultServiceWhitelist()
	}
	return &HostExecutor{whitelist: whitelist}
}

func (h *HostExecutor) checkWhitelisted(serviceName string) error {
	if err := h.whitelist.ValidateServiceName(serviceName); err != nil {
		return err
	}
	if !h.whitelist.IsAllowed(serviceName) {
		return fmt.Errorf("service %q not in whitelist", serviceName)
	}
	return nil
}

func (h *HostExecutor) systemctl(ctx context.Context, verb, serviceName string) (stdout, stderr string, returnCode int, err error) {
	cmd := exec.CommandContext(ctx, "systemctl", verb, serviceName)
	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	code := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			return "", "", -1, fmt.Errorf("run systemctl %s %s: %w", verb, serviceName, runErr)
		}
	}
	return strings.TrimSpace(outBuf.String()), strings.TrimSpace(errBuf.String()), code, nil
}

func (h *HostExecutor) isActive(ctx context.Context, serviceName string) bool {
	stdout, _, _, err := h.systemctl(ctx, "is-active", serviceName)
	return err == nil && stdout == "active"
}

// StartService starts a whitelisted systemd unit.
func (h *HostExecutor) StartService(ctx context.Context, params map[string]any) (map[string]any, error) {
	serviceName, err := requireString(params, "service_name")
	if err != nil {
		return nil, err
	}
	if err := h.checkWhitelisted(serviceName); err != nil {
		return nil, err
	}

	stdout, stderr, code, err := h.systemctl(ctx, "start", serviceName)
	if err != nil {
		return nil, err
	}
	active := h.isActive(ctx, serviceName)

	return map[string]any{
		"service_name": serviceName,
		"command":      "start",
		"returncode":   code,
		"active":       active,
		"success":      code == 0 && active,
		"stdout":       stdout,
		"stderr":       stderr,
	}, nil
}

// StopService stops a whitelisted systemd unit.
func (h *HostExecutor) StopService(ctx context.Context, params map[string]any) (map[string]any, error) {
	serviceName, err := requireString(params, "service_name")
	if err != nil {
		return nil, err
	}
	if err := h.checkWhitelisted(serviceName); err != nil {
		return nil, err
	}

	stdout, stderr, code, err := h.systemctl(ctx, "stop", serviceName)
	if err != nil {
		return nil, err
	}
	active := h.isActive(ctx, serviceName)

	return map[string]any{
		"service_name": serviceName,
		"command":      "stop",
		"returncode":   code,
		"active":       active,
		"success":      code == 0 && !active,
		"stdout":       stdout,
		"stderr":       stderr,
	}, nil
}

// RestartService restarts a whitelisted systemd unit.
func (h *HostExecutor) RestartService(ctx context.Context, params map[string]any) (map[string]any, error) {
	serviceName, err := requireString(params, "service_name")
	if err != nil {
		return nil, err
	}
	if err := h.checkWhitelisted(serviceName); err != nil {
		return nil, err
	}

	stdout, stderr, code, err := h.systemctl(ctx, "restart", serviceName)
	if err != nil {
		return nil, err
	}
	active := h.isActive(ctx, serviceName)

	return map[string]any{
		"service_name": serviceName,
		"command":      "restart",
		"returncode":   code,
		"active":       active,
		"success":      code == 0 && active,
		"stdout":       stdout,
		"stderr":       stderr,
	}, nil
}

// processLister narrows gopsutil's package surface to what host_kill_process
// needs, so tests can fake it without real PIDs.
type processLister interface {
	find(pid int32) (processHandle, error)
}

type processHandle interface {
	Name() (string, error)
	Ppid() (int32, error)
	SendSignal(sig syscall.Signal) error
}

type gopsutilProcessLister struct{}

func (gopsutilProcessLister) find(pid int32) (processHandle, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	return gopsutilHandle{p}, nil
}

type gopsutilHandle struct{ p *process.Process }

func (h gopsutilHandle) Name() (string, error)              { return h.p.Name() }
func (h gopsutilHandle) Ppid() (int32, error)                { return h.p.Ppid() }
func (h gopsutilHandle) SendSignal(sig syscall.Signal) error { return h.p.SendSignal(sig) }

// ProcessKiller implements host_kill_process: SIGTERM first, escalating to
// SIGKILL if the process survives past a grace period, with a hard refusal
// for PID 1 and other init/kernel-thread PIDs the original calls out as
// never safe to touch.
type ProcessKiller struct {
	lister processLister
}

// NewProcessKiller builds the default, gopsutil-backed ProcessKiller.
func NewProcessKiller() *ProcessKiller {
	return &ProcessKiller{lister: gopsutilProcessLister{}}
}

// minKillablePID rejects PID 1 (init) and any PID gopsutil reports as a
// kernel thread (ppid 2 on Linux, the kthreadd parent).
const minKillablePID = 2
const kernelThreadPpid = 2

// KillProcess signals pid, escalating from SIGTERM to SIGKILL if it has
// not exited by the time gracePeriod elapses.
func (k *ProcessKiller) KillProcess(ctx context.Context, params map[string]any) (map[string]any, error) {
	pid := optionalInt(params, "pid", 0)
	if pid < minKillablePID {
		return nil, fmt.Errorf("refusing to signal pid %d: init and kernel processes are never killable", pid)
	}
	gracePeriod := time.Duration(optionalInt(params, "grace_period_seconds", 10)) * time.Second

	handle, err := k.lister.find(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("find pid %d: %w", pid, err)
	}
	if ppid, err := handle.Ppid(); err == nil && ppid == kernelThreadPpid {
		return nil, fmt.Errorf("refusing to signal pid %d: kernel thread", pid)
	}
	name, _ := handle.Name()

	if err := handle.SendSignal(syscall.SIGTERM); err != nil {
		return nil, fmt.Errorf("SIGTERM pid %d: %w", pid, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(gracePeriod):
	}

	if _, err := k.lister.find(int32(pid)); err != nil {
		return map[string]any{
			"pid":     pid,
			"name":    name,
			"signal":  "SIGTERM",
			"killed":  true,
			"escalated": false,
		}, nil
	}

	if err := handle.SendSignal(syscall.SIGKILL); err != nil {
		return nil, fmt.Errorf("SIGKILL pid %d: %w", pid, err)
	}
	return map[string]any{
		"pid":       pid,
		"name":      name,
		"signal":    "SIGKILL",
		"killed":    true,
		"escalated": true,
	}, nil
}

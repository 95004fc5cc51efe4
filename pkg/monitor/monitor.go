// Package monitor implements the monitor daemon loop described in
// spec.md §4.3/§5: observe, check, dedup into tickets, auto-resolve
// cleared violations, heartbeat, sleep. Structured like tarsy's
// pkg/queue/worker.go run()/sleep() pair — a stop channel plus
// time.After, not the original's asyncio.wait_for(shutdown.wait(), …).
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/operant/pkg/subject"
	"github.com/codeready-toolchain/operant/pkg/ticket"
)

// Status is the loop's current health state, surfaced on the health
// endpoint.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusTicking Status = "ticking"
	StatusStopped Status = "stopped"
)

// Health is a point-in-time snapshot of the monitor loop's condition.
type Health struct {
	Status       Status
	LastTickAt   time.Time
	LastError    string
	TicksRun     int
	LastHeartbeat string
}

// Loop runs one subject's observe/check/dedup cycle on a fixed interval
// until stopped.
type Loop struct {
	subjectName string
	observer    subject.Observer
	checker     subject.Checker
	tickets     *ticket.Store
	interval    time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.RWMutex
	health Health
}

// New builds a Loop for one subject. interval is the tick cadence;
// callers pass config.Defaults.MonitorInterval or a per-subject override.
func New(subjectName string, observer subject.Observer, checker subject.Checker, tickets *ticket.Store, interval time.Duration) *Loop {
	return &Loop{
		subjectName: subjectName,
		observer:    observer,
		checker:     checker,
		tickets:     tickets,
		interval:    interval,
		stopCh:      make(chan struct{}),
		health:      Health{Status: StatusIdle},
	}
}

// Start begins the tick loop in a goroutine.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop signals the loop to stop and waits for the in-flight tick to
// finish. Safe to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// Health returns a snapshot of the loop's current condition.
func (l *Loop) Health() Health {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.health
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	log := slog.With("subject", l.subjectName, "component", "monitor")
	log.Info("monitor loop started", "interval", l.interval)

	for {
		select {
		case <-l.stopCh:
			l.setStatus(StatusStopped, "")
			log.Info("monitor loop stopping")
			return
		case <-ctx.Done():
			l.setStatus(StatusStopped, "")
			log.Info("monitor loop stopping: context cancelled")
			return
		default:
		}

		l.tick(ctx, log)
		l.sleep(l.interval)
	}
}

// tick runs one observe/check/dedup/auto-resolve/heartbeat cycle. On an
// observe error it logs and returns without creating or resolving any
// ticket — spec.md §4.3 is explicit that "the loop never creates tickets
// for transient API failures"; only a successful observation can produce
// an auto-resolve wave, since an empty violation set from a failed
// observe would otherwise look identical to "everything healthy" and
// wrongly resolve every open ticket.
func (l *Loop) tick(ctx context.Context, log *slog.Logger) {
	l.setStatus(StatusTicking, "")

	obs, err := l.observer.Observe(ctx)
	if err != nil {
		log.Error("observe failed, skipping this tick's checks", "error", err)
		l.recordError(err)
		return
	}

	violations, err := l.checker.Check(ctx, obs)
	if err != nil {
		log.Error("check failed, skipping this tick's ticket updates", "error", err)
		l.recordError(err)
		return
	}

	now := time.Now()
	batchKey := fmt.Sprintf("%s-%d", l.subjectName, now.UnixNano())

	currentKeys := make(map[subject.ViolationKey]bool, len(violations))
	for _, v := range violations {
		currentKeys[v.Key()] = true
		if _, err := l.tickets.CreateOrUpdateTicket(ctx, v, nil, &batchKey); err != nil {
			log.Error("create_or_update_ticket failed", "invariant", v.InvariantName, "error", err)
		}
	}

	resolved, err := l.tickets.AutoResolveCleared(ctx, currentKeys)
	if err != nil {
		log.Error("auto_resolve_cleared failed", "error", err)
	}

	heartbeat := heartbeatMessage(len(violations))
	log.Info(heartbeat, "violations", len(violations), "auto_resolved", resolved)

	l.mu.Lock()
	l.health.Status = StatusIdle
	l.health.LastTickAt = now
	l.health.LastError = ""
	l.health.TicksRun++
	l.health.LastHeartbeat = heartbeat
	l.mu.Unlock()
}

// heartbeatMessage builds the human-readable heartbeat: "Check complete:
// all invariants passing" or "Check complete: K violation(s)". The number
// of invariants checked is not included; the Checker exposes no count.
func heartbeatMessage(violationCount int) string {
	if violationCount == 0 {
		return "Check complete: all invariants passing"
	}
	return fmt.Sprintf("Check complete: %d violation(s)", violationCount)
}

func (l *Loop) recordError(err error) {
	l.mu.Lock()
	l.health.Status = StatusIdle
	l.health.LastError = err.Error()
	l.mu.Unlock()
}

func (l *Loop) setStatus(status Status, errMsg string) {
	l.mu.Lock()
	l.health.Status = status
	if errMsg != "" {
		l.health.LastError = errMsg
	}
	l.mu.Unlock()
}

// sleep waits for d or until Stop is called, whichever comes first.
func (l *Loop) sleep(d time.Duration) {
	select {
	case <-l.stopCh:
	case <-time.After(d):
	}
}

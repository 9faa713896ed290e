package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Killer terminates a process tree. Every process gets SIGTERM first and
// SIGKILL when it is still alive after Attempts polls.
type Killer struct {
	Attempts int
	Interval time.Duration
	// Grace is waited after each process, so parents can reap their children.
	Grace time.Duration
}

func NewKiller() Killer {
	return Killer{
		Attempts: 10,
		Interval: time.Second,
		Grace:    5 * time.Second,
	}
}

// Kill terminates pid and all of its descendants, the root first. A process
// which does not exist anymore is skipped, so Kill may be called repeatedly.
// Waits end early when ctx is done, signals are sent regardless.
func (k Killer) Kill(ctx context.Context, pid int) {
	slog.InfoContext(ctx, "terminating process and all of its children", "pid", pid)
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		slog.WarnContext(ctx, "process does not exist", "pid", pid, "error", err)
		return
	}
	if !alive(ctx, root) {
		slog.WarnContext(ctx, "process is not running", "pid", pid)
		return
	}

	procs := append([]*process.Process{root}, descendants(ctx, root)...)
	pids := make([]int32, 0, len(procs))
	for _, p := range procs {
		pids = append(pids, p.Pid)
	}
	slog.DebugContext(ctx, "process tree", "pids", pids)

	for _, p := range procs {
		k.terminate(ctx, p)
	}
}

func (k Killer) terminate(ctx context.Context, p *process.Process) {
	slog.InfoContext(ctx, "terminating process", "pid", p.Pid)
	if err := p.TerminateWithContext(ctx); err != nil && !notRunning(err) {
		slog.WarnContext(ctx, "sending SIGTERM", "pid", p.Pid, "error", err)
	}

	attempts := 0
	for attempts < k.Attempts && alive(ctx, p) {
		attempts++
		slog.DebugContext(ctx, "waiting for process to terminate", "pid", p.Pid, "attempt", attempts)
		if !sleep(ctx, k.Interval) {
			break
		}
	}

	if alive(ctx, p) {
		slog.InfoContext(ctx, "sending SIGKILL", "pid", p.Pid, "attempts", attempts)
		if err := p.KillWithContext(ctx); err != nil && !notRunning(err) {
			slog.WarnContext(ctx, "sending SIGKILL", "pid", p.Pid, "error", err)
		}
	}

	sleep(ctx, k.Grace)
}

func descendants(ctx context.Context, p *process.Process) []*process.Process {
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return nil
	}
	var ret []*process.Process
	for _, child := range children {
		ret = append(ret, child)
		ret = append(ret, descendants(ctx, child)...)
	}
	return ret
}

// alive reports false for zombies, they are waiting for their parent only.
func alive(ctx context.Context, p *process.Process) bool {
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return !notRunning(err)
	}
	return !slices.Contains(status, process.Zombie)
}

func notRunning(err error) bool {
	return errors.Is(err, process.ErrorProcessNotRunning) ||
		errors.Is(err, os.ErrProcessDone) ||
		errors.Is(err, syscall.ESRCH) ||
		errors.Is(err, os.ErrNotExist)
}

// sleep returns false when ctx is done before d passes.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

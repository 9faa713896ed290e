package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/CZERTAINLY/run-ansible-pull/internal/model"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultRemainder    = 20
	defaultQueueSize    = 1024
)

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// Runner runs a single process to completion, timeout or cancellation. It
// polls the process every PollInterval and collects its combined
// stdout/stderr, which is read by a separate goroutine.
type Runner struct {
	PollInterval time.Duration
	// Remainder is the number of extra idle poll cycles used to collect
	// output flushed right before the process ended.
	Remainder int
	QueueSize int
	Killer    Killer
}

func NewRunner() Runner {
	return Runner{
		PollInterval: DefaultPollInterval,
		Remainder:    DefaultRemainder,
		QueueSize:    defaultQueueSize,
		Killer:       NewKiller(),
	}
}

// Run starts the command and waits until it exits or its timeout passes,
// then it kills the process tree. The returned state has nil ExitCode when
// the process timed out.
//
// Cancelling ctx kills the process tree too. Run returns an error wrapping
// context.Cause(ctx) in that case, so the caller can find out which signal
// ended the run.
func (r Runner) Run(ctx context.Context, proto Command) (model.RunState, error) {
	var state model.RunState
	if proto.Path == "" {
		return state, model.ErrNoCommand
	}
	if ctx.Err() != nil {
		return state, fmt.Errorf("running ansible-pull: %w", context.Cause(ctx))
	}
	if proto.Timeout <= 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
	}
	interval := r.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	// stdout and stderr share a single pipe, so the output keeps its order
	pr, pw, err := os.Pipe()
	if err != nil {
		return state, fmt.Errorf("creating output pipe: %w", err)
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Stdout = pw
	cmd.Stderr = pw
	// own process group, so a terminal ^C reaches us and not ansible directly
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	state.Started = time.Now()
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		state.Stopped = time.Now()
		return state, fmt.Errorf("starting %s: %w", proto.Path, err)
	}
	_ = pw.Close()
	state.PID = cmd.Process.Pid
	slog.InfoContext(ctx, "started ansible-pull process", "pid", state.PID, "command", proto.Path+" "+strings.Join(proto.Args, " "))

	// the pump and the reaper must survive ctx cancellation, the tree is killed first
	bgCtx, stopPump := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPump()

	queue := make(chan string, max(r.QueueSize, 1))
	exited := make(chan struct{})
	pumped := make(chan struct{})
	var waitErr error

	var g errgroup.Group
	g.Go(func() error {
		defer close(pumped)
		pump(bgCtx, pr, queue)
		return nil
	})
	g.Go(func() error {
		defer close(exited)
		waitErr = cmd.Wait()
		return nil
	})

	var out strings.Builder
	drain := func() (n int) {
		for {
			select {
			case line := <-queue:
				slog.InfoContext(ctx, line)
				out.WriteString(line)
				out.WriteByte('\n')
				n++
			default:
				return n
			}
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		cause     error
		ended     bool
		remainder = r.Remainder
		// idle cycles count against remainder, busy ones against budget
		budget = 10 * r.Remainder
	)
loop:
	for {
		n := drain()
		if !ended {
			select {
			case <-exited:
				ended = true
			default:
				if proto.Timeout > 0 && time.Since(state.Started) > proto.Timeout {
					state.TimedOut = true
					ended = true
				}
			}
		}
		if ended {
			if remainder <= 0 || budget <= 0 || (isClosed(exited) && isClosed(pumped) && len(queue) == 0) {
				break loop
			}
			if n == 0 || state.TimedOut {
				remainder--
			} else {
				budget--
			}
		}

		select {
		case <-ctx.Done():
			cause = context.Cause(ctx)
			break loop
		case <-ticker.C:
		}
	}

	switch {
	case cause != nil:
		slog.ErrorContext(ctx, "ansible-pull result: interrupted", "pid", state.PID, "cause", cause)
		r.Killer.Kill(bgCtx, state.PID)
	case state.TimedOut:
		slog.ErrorContext(ctx, "ansible-pull result: timeout", "pid", state.PID, "timeout", proto.Timeout)
		r.Killer.Kill(bgCtx, state.PID)
	}
	// a signal received while killing a timed out run still wins
	if cause == nil && ctx.Err() != nil {
		cause = context.Cause(ctx)
	}
	if cause != nil || state.TimedOut {
		// stragglers which left the tree, but not the process group. They
		// already had their SIGTERM from the cascade, hence SIGKILL.
		if err := syscall.Kill(-state.PID, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			slog.DebugContext(ctx, "killing process group", "pgid", state.PID, "error", err)
		}
	}
	if !isClosed(exited) {
		// the tree is gone or the kill was cut short, make sure Wait returns
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.WarnContext(ctx, "killing ansible-pull process", "pid", state.PID, "error", err)
		}
	}

	// descendants may still hold the write end, closing the read end ends the pump
	_ = pr.Close()
	stopPump()
	_ = g.Wait()
	drain()

	state.Stopped = time.Now()
	state.Output = out.String()

	if cause != nil {
		return state, fmt.Errorf("running ansible-pull: %w", cause)
	}
	if state.TimedOut {
		return state, nil
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		slog.WarnContext(ctx, "waiting for ansible-pull process", "pid", state.PID, "error", waitErr)
	}
	code := cmd.ProcessState.ExitCode()
	state.ExitCode = &code
	result := "Success"
	if code != 0 {
		result = "Failed"
	}
	slog.InfoContext(ctx, "ansible-pull result: "+result, "pid", state.PID, "exit_code", code)
	return state, nil
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

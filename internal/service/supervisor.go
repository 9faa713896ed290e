package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/CZERTAINLY/run-ansible-pull/internal/ansible"
	"github.com/CZERTAINLY/run-ansible-pull/internal/log"
	"github.com/CZERTAINLY/run-ansible-pull/internal/metrics"
	"github.com/CZERTAINLY/run-ansible-pull/internal/model"
	"github.com/CZERTAINLY/run-ansible-pull/internal/sensu"
)

const lockedMessage = "Instance already running."

// Reporter delivers the outcome of an attempt. It returns false when the
// event was not delivered, which never fails the run.
type Reporter interface {
	Send(ctx context.Context, status model.Status, output string) bool
}

// Supervisor runs ansible-pull once, or twice when the first attempt failed
// to sync the repository.
type Supervisor struct {
	Run      model.RunConfig
	DryRun   bool
	LockFile string
	// TmpDir is removed before the first attempt, it is ansible's remote_tmp.
	TmpDir   string
	Runner   Runner
	Reporter Reporter
	Metrics  *metrics.Textfile
}

// Do returns the exit code of the whole run. The error is non nil when the
// run could not finish: the lock is held, ansible-pull could not be started
// or ctx was cancelled. The exit code is meaningful in those cases too.
func (s Supervisor) Do(ctx context.Context) (int, error) {
	lock, err := AcquireLock(s.LockFile)
	if err != nil {
		s.Reporter.Send(ctx, model.StatusWarning, lockedMessage)
		slog.ErrorContext(ctx, "instance already running, quitting", "lock_file", s.LockFile, "error", err)
		return model.ExitLocked, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.WarnContext(ctx, "releasing lock", "lock_file", lock.Path(), "error", err)
		}
	}()

	run := s.Run
	if s.DryRun {
		argv := ansible.Command(run)
		slog.InfoContext(ctx, "dry run, not running ansible-pull", "command", strings.Join(argv, " "))
		return 0, nil
	}

	s.cleanTmpDir(ctx)

	exitCode := model.ExitUnknown
	for attempt := 1; ; attempt++ {
		if code, err := stopped(ctx); err != nil {
			return code, err
		}
		actx := log.ContextAttrs(ctx, slog.Int("attempt", attempt))
		state, err := s.attempt(actx, run)
		if err != nil {
			if code, serr := stopped(ctx); serr != nil {
				return code, err
			}
			return exitCode, err
		}
		if state.ExitCode != nil {
			exitCode = *state.ExitCode
		}

		res := ansible.Parse(state.Output)
		status := model.StatusCritical
		if state.ExitCode != nil && *state.ExitCode == 0 {
			status = model.StatusOK
		}
		again := retry(actx, attempt == 1, res, &run)
		if again {
			status = model.StatusWarning
		}

		s.Reporter.Send(actx, status, sensu.Summary(res, state.Runtime()))
		err = s.Metrics.Write(metrics.Sample{
			Attempt:  attempt,
			Status:   status,
			ExitCode: state.ExitCode,
			TimedOut: state.TimedOut,
			Runtime:  state.Runtime(),
			Finished: state.Stopped,
			Result:   res,
		})
		if err != nil {
			slog.WarnContext(actx, "writing metrics", "error", err)
		}

		// a signal received while reporting ends the run too
		if code, err := stopped(ctx); err != nil {
			slog.WarnContext(actx, "run interrupted after the attempt finished", "error", err)
			return code, err
		}
		if !again {
			return exitCode, nil
		}
	}
}

// stopped returns a non nil error when ctx is done. The exit code is the
// signal number for an interrupted run and 1 for any other cancellation.
func stopped(ctx context.Context) (int, error) {
	if ctx.Err() == nil {
		return 0, nil
	}
	cause := context.Cause(ctx)
	err := fmt.Errorf("running ansible-pull: %w", cause)
	var interrupted *model.InterruptedError
	if errors.As(cause, &interrupted) {
		return interrupted.ExitCode(), err
	}
	return 1, err
}

func (s Supervisor) attempt(ctx context.Context, run model.RunConfig) (model.RunState, error) {
	argv := ansible.Command(run)
	slog.InfoContext(ctx, "running ansible-pull", "command", strings.Join(argv, " "), "timeout", run.Timeout)

	path := argv[0]
	if run.Binary != "" {
		path = run.Binary
	}
	state, err := s.Runner.Run(ctx, Command{
		Path:    path,
		Args:    argv[1:],
		Timeout: run.Timeout,
	})
	if err != nil {
		return state, err
	}
	slog.InfoContext(ctx, "ansible-pull finished", "state", state)
	return state, nil
}

func (s Supervisor) cleanTmpDir(ctx context.Context) {
	if s.TmpDir == "" {
		return
	}
	if _, err := os.Stat(s.TmpDir); err != nil {
		return
	}
	slog.InfoContext(ctx, "removing ansible temporary directory", "path", s.TmpDir)
	if err := os.RemoveAll(s.TmpDir); err != nil {
		slog.WarnContext(ctx, "removing ansible temporary directory", "path", s.TmpDir, "error", err)
	}
}

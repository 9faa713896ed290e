package model

import (
	"log/slog"
	"time"
)

// RunState is the record of a single ansible-pull attempt.
type RunState struct {
	PID     int
	Started time.Time
	Stopped time.Time
	Output  string
	// ExitCode is nil when the process timed out or the code is not known yet.
	ExitCode *int
	TimedOut bool
}

// Runtime returns the elapsed time of the attempt.
func (s RunState) Runtime() time.Duration {
	if s.Stopped.IsZero() {
		return time.Since(s.Started)
	}
	return s.Stopped.Sub(s.Started)
}

func (s RunState) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("pid", s.PID),
		slog.Duration("runtime", s.Runtime()),
		slog.Bool("timed_out", s.TimedOut),
	}
	if s.ExitCode != nil {
		attrs = append(attrs, slog.Int("exit_code", *s.ExitCode))
	}
	return slog.GroupValue(attrs...)
}

// RunResult holds the facts extracted from an ansible-pull output. Every
// field is optional.
type RunResult struct {
	Git     *GitResult
	Recap   *PlayRecap
	Failure *PlayFailure
}

// GitResult is the outcome of the repository sync step.
//
// Success comes from the result word printed by ansible (SUCCESS/FAILED!),
// Failed from the "failed" field of the json body. They are independent
// signals and both are kept.
type GitResult struct {
	Host       string
	Success    bool
	Failed     bool
	Changed    bool
	Before     string
	After      string
	Msg        string
	ParseError string
}

// PlayRecap is the per host tally printed at the end of a play.
type PlayRecap struct {
	Host        string
	Ok          int
	Changed     int
	Unreachable int
	Failed      int
}

// PlayFailure describes the first failed (and not ignored) task.
type PlayFailure struct {
	RoleAndTask string
	Task        TaskFacts
	Exception   string
}

// TaskFacts is either a TaskRecord or a TaskParseError.
type TaskFacts interface {
	taskFacts()
}

// TaskRecord is the decoded json body of a failed task.
type TaskRecord struct {
	Msg          string
	ModuleStderr string
	// Fields holds the remaining keys; non-string values are kept as json text.
	Fields map[string]string
}

// TaskParseError replaces TaskRecord when the json body could not be decoded.
type TaskParseError struct {
	Reason string
}

func (TaskRecord) taskFacts()     {}
func (TaskParseError) taskFacts() {}

// Reportable says whether the failure should be reported. Ansible prints
// ignored failures too, so a failure only counts if the recap has failed tasks.
func (r RunResult) Reportable() bool {
	return r.Failure != nil && r.Recap != nil && r.Recap.Failed > 0
}

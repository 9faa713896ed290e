// Package metrics writes the outcome of the last ansible-pull attempt in the
// prometheus text format, to be picked by node_exporter's textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/CZERTAINLY/run-ansible-pull/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ansible_pull"

// Sample is the outcome of a single attempt.
type Sample struct {
	Attempt  int
	Status   model.Status
	ExitCode *int
	TimedOut bool
	Runtime  time.Duration
	Finished time.Time
	Result   model.RunResult
}

// Textfile overwrites a single file with every Write. A nil Textfile
// writes nothing.
type Textfile struct {
	path string
}

// NewTextfile returns nil for an empty path.
func NewTextfile(path string) *Textfile {
	if path == "" {
		return nil
	}
	return &Textfile{path: path}
}

func (t *Textfile) Path() string {
	if t == nil {
		return ""
	}
	return t.path
}

func (t *Textfile) Write(s Sample) error {
	if t == nil {
		return nil
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time the last attempt finished",
	}).Set(float64(s.Finished.Unix()))

	factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_duration_seconds",
		Help:      "Duration of the last attempt in seconds",
	}).Set(s.Runtime.Seconds())

	factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "attempt",
		Help:      "Number of the last attempt within its run, 2 means the run was retried",
	}).Set(float64(s.Attempt))

	factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "status",
		Help:      "Reported status of the last attempt (0 ok, 1 warning, 2 critical)",
	}).Set(float64(s.Status))

	timedOut := factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "timed_out",
		Help:      "Whether the last attempt was killed after its timeout",
	})
	if s.TimedOut {
		timedOut.Set(1)
	}

	// a missing exit code is better absent than a made up number
	if s.ExitCode != nil {
		factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exit_code",
			Help:      "Exit code of the last attempt",
		}).Set(float64(*s.ExitCode))
	}

	if git := s.Result.Git; git != nil {
		factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "git_success",
			Help:      "Whether the repository sync of the last attempt succeeded",
		}).Set(boolValue(git.Success))
		factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "git_changed",
			Help:      "Whether the repository sync of the last attempt brought new commits",
		}).Set(boolValue(git.Changed))
	}

	if recap := s.Result.Recap; recap != nil {
		tasks := factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Task counts from the play recap of the last attempt",
		}, []string{"host", "state"})
		tasks.WithLabelValues(recap.Host, "ok").Set(float64(recap.Ok))
		tasks.WithLabelValues(recap.Host, "changed").Set(float64(recap.Changed))
		tasks.WithLabelValues(recap.Host, "unreachable").Set(float64(recap.Unreachable))
		tasks.WithLabelValues(recap.Host, "failed").Set(float64(recap.Failed))
	}

	if err := prometheus.WriteToTextfile(t.path, reg); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", t.path, err)
	}
	return nil
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

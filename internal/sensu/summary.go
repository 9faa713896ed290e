package sensu

import (
	"fmt"
	"strings"
	"time"

	"github.com/CZERTAINLY/run-ansible-pull/internal/model"
)

// Summary formats the check output of an ansible-pull run: git failure, play
// failure, play recap and runtime, each on own line and only if known.
func Summary(res model.RunResult, runtime time.Duration) string {
	var lines []string

	if git := res.Git; git != nil && !git.Success && git.Msg != "" {
		lines = append(lines, fmt.Sprintf(`Git failed!: Message: "%s"`, git.Msg))
	}

	// a failure without failed tasks in the recap has been ignored by ansible
	if res.Reportable() {
		lines = append(lines, "Play failed!: "+playFailure(*res.Failure))
	}

	if recap := res.Recap; recap != nil {
		lines = append(lines, fmt.Sprintf("Play Recap: [%s] ok: %d, changed: %d, unreachable: %d, failed: %d",
			recap.Host,
			recap.Ok,
			recap.Changed,
			recap.Unreachable,
			recap.Failed,
		))
	}

	lines = append(lines, "Runtime: "+FormatRuntime(runtime))
	return strings.Join(lines, "\n")
}

func playFailure(f model.PlayFailure) string {
	var b strings.Builder
	b.WriteString("[" + f.RoleAndTask + "]")

	// TaskParseError carries neither message nor stderr
	var msg, stderr string
	if task, ok := f.Task.(model.TaskRecord); ok {
		msg, stderr = task.Msg, task.ModuleStderr
	}

	if msg != "" {
		fmt.Fprintf(&b, `, Message: "%s"`, msg)
	}
	if f.Exception != "" {
		fmt.Fprintf(&b, `, Exception: "%s"`, f.Exception)
	}
	if stderr != "" {
		fmt.Fprintf(&b, `, Module STDERR: "%s"`, stderr)
	}
	return b.String()
}

// FormatRuntime formats d as H:MM:SS, rounded down to whole seconds.
func FormatRuntime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}

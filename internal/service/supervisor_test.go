package service_test

import (
	"context"
	"fmt"
	"syscall"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/run-ansible-pull/internal/metrics"
	"github.com/CZERTAINLY/run-ansible-pull/internal/model"
	"github.com/CZERTAINLY/run-ansible-pull/internal/service"
	"github.com/stretchr/testify/require"
)

type event struct {
	status model.Status
	output string
}

type recorder struct {
	events []event
	// onSend is called after an event is recorded
	onSend func()
}

func (r *recorder) Send(_ context.Context, status model.Status, output string) bool {
	r.events = append(r.events, event{status: status, output: output})
	if r.onSend != nil {
		r.onSend()
	}
	return true
}

const checkoutFailed = `Starting Ansible Pull at 2024-01-10 10:00:01
localhost | FAILED! => {
    "changed": false,
    "failed": true,
    "msg": "Failed to checkout revision 'feature'"
}`

const success = `Starting Ansible Pull at 2024-01-10 10:00:01
localhost | SUCCESS => {
    "after": "3f1c2a7e5d0b4c1f9a8e6d2b7c3a1f0e9d8c7b6a",
    "before": "3f1c2a7e5d0b4c1f9a8e6d2b7c3a1f0e9d8c7b6a",
    "changed": false
}

PLAY RECAP *********************************************************************
localhost                  : ok=2    changed=0    unreachable=0    failed=0`

// fakeAnsible writes a script which records its arguments and prints the
// given outputs, one per invocation. The last output is repeated.
func fakeAnsible(t *testing.T, dir string, outputs ...string) (path string, argsFile string) {
	t.Helper()
	sh := lookSh(t)
	argsFile = filepath.Join(dir, "args")
	counter := filepath.Join(dir, "counter")

	var b strings.Builder
	fmt.Fprintf(&b, "#!%s\n", sh)
	fmt.Fprintf(&b, "echo \"$*\" >> '%s'\n", argsFile)
	fmt.Fprintf(&b, "n=$(cat '%s' 2>/dev/null || echo 0)\n", counter)
	fmt.Fprintf(&b, "echo $((n+1)) > '%s'\n", counter)
	b.WriteString("case $n in\n")
	for i, out := range outputs {
		pattern := fmt.Sprint(i)
		if i == len(outputs)-1 {
			pattern = "*"
		}
		code := 2
		if strings.Contains(out, "failed=0") {
			code = 0
		}
		fmt.Fprintf(&b, "%s)\ncat <<'OUTPUT'\n%s\nOUTPUT\nexit %d\n;;\n", pattern, out, code)
	}
	b.WriteString("esac\n")

	path = filepath.Join(dir, "ansible-pull")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o755))
	return path, argsFile
}

func invocations(t *testing.T, argsFile string) []string {
	t.Helper()
	b, err := os.ReadFile(argsFile)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
}

func newSupervisor(t *testing.T, dir, binary string) (service.Supervisor, *recorder) {
	t.Helper()
	workDir := filepath.Join(dir, "local")
	require.NoError(t, os.MkdirAll(workDir, 0o755))
	rec := &recorder{}
	return service.Supervisor{
		Run: model.RunConfig{
			WorkDir:      workDir,
			RepoURL:      "https://git.example.com/infra.git",
			PlaybookPath: "local.yml",
			Branch:       "feature",
			Timeout:      10 * time.Second,
			Binary:       binary,
		},
		LockFile: filepath.Join(dir, "lock"),
		TmpDir:   filepath.Join(dir, "tmp"),
		Runner:   testRunner(),
		Reporter: rec,
		Metrics:  metrics.NewTextfile(filepath.Join(dir, "ansible_pull.prom")),
	}, rec
}

// The tests in this file write executables, they do not run in parallel with
// tests which fork, otherwise exec may fail with ETXTBSY.

func TestSupervisor_Success(t *testing.T) {
	dir := t.TempDir()
	binary, argsFile := fakeAnsible(t, dir, success)
	sup, rec := newSupervisor(t, dir, binary)
	require.NoError(t, os.MkdirAll(filepath.Join(sup.TmpDir, "ansible-tmp-1"), 0o755))

	code, err := sup.Do(t.Context())
	require.NoError(t, err)
	require.Zero(t, code)

	require.Len(t, rec.events, 1)
	require.Equal(t, model.StatusOK, rec.events[0].status)
	require.True(t, strings.HasPrefix(rec.events[0].output,
		"Play Recap: [localhost] ok: 2, changed: 0, unreachable: 0, failed: 0\nRuntime: 0:00:0"))

	args := invocations(t, argsFile)
	require.Len(t, args, 1)
	require.Contains(t, args[0], "--checkout feature")
	require.True(t, strings.HasSuffix(args[0], "local.yml"))

	require.NoDirExists(t, sup.TmpDir)
	require.DirExists(t, sup.Run.WorkDir)
	require.FileExists(t, sup.Metrics.Path())
}

func TestSupervisor_PlayFailed(t *testing.T) {
	play, err := os.ReadFile(filepath.Join("..", "ansible", "testdata", "play_failed.txt"))
	require.NoError(t, err)

	dir := t.TempDir()
	binary, _ := fakeAnsible(t, dir, string(play))
	sup, rec := newSupervisor(t, dir, binary)

	code, err := sup.Do(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, code)

	require.Len(t, rec.events, 1)
	require.Equal(t, model.StatusCritical, rec.events[0].status)
	lines := strings.Split(rec.events[0].output, "\n")
	require.Len(t, lines, 3)
	require.Equal(t, `Play failed!: [webserver : restart nginx], Message: "MODULE FAILURE\nSee stdout/stderr for the exact error", Module STDERR: "Job for nginx.service failed"`, lines[0])
	require.Equal(t, "Play Recap: [localhost] ok: 5, changed: 1, unreachable: 0, failed: 2", lines[1])
	require.True(t, strings.HasPrefix(lines[2], "Runtime: "))

	prom, err := os.ReadFile(sup.Metrics.Path())
	require.NoError(t, err)
	require.Contains(t, string(prom), "ansible_pull_status 2\n")
	require.Contains(t, string(prom), "ansible_pull_exit_code 2\n")
}

func TestSupervisor_Retry(t *testing.T) {
	dir := t.TempDir()
	binary, argsFile := fakeAnsible(t, dir, checkoutFailed, success)
	sup, rec := newSupervisor(t, dir, binary)

	code, err := sup.Do(t.Context())
	require.NoError(t, err)
	require.Zero(t, code)

	require.Len(t, rec.events, 2)
	require.Equal(t, model.StatusWarning, rec.events[0].status)
	require.True(t, strings.HasPrefix(rec.events[0].output,
		`Git failed!: Message: "Failed to checkout revision 'feature'"`+"\nRuntime: "))
	require.Equal(t, model.StatusOK, rec.events[1].status)

	args := invocations(t, argsFile)
	require.Len(t, args, 2)
	require.Contains(t, args[0], "--checkout feature")
	require.Contains(t, args[1], "--checkout master")
	require.NoDirExists(t, sup.Run.WorkDir)

	prom, err := os.ReadFile(sup.Metrics.Path())
	require.NoError(t, err)
	require.Contains(t, string(prom), "ansible_pull_attempt 2\n")
}

func TestSupervisor_RetryOnce(t *testing.T) {
	dir := t.TempDir()
	binary, argsFile := fakeAnsible(t, dir, checkoutFailed)
	sup, rec := newSupervisor(t, dir, binary)

	code, err := sup.Do(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, code)

	require.Len(t, rec.events, 2)
	require.Equal(t, model.StatusWarning, rec.events[0].status)
	require.Equal(t, model.StatusCritical, rec.events[1].status)
	require.Len(t, invocations(t, argsFile), 2)
}

func TestSupervisor_Timeout(t *testing.T) {
	dir := t.TempDir()
	// ends the heredoc early to sleep in the middle of the script
	binary, _ := fakeAnsible(t, dir, "started\nOUTPUT\nsleep 30\ncat <<'OUTPUT'")
	sup, rec := newSupervisor(t, dir, binary)
	sup.Run.Timeout = 200 * time.Millisecond

	code, err := sup.Do(t.Context())
	require.NoError(t, err)
	require.Equal(t, model.ExitUnknown, code)

	require.Len(t, rec.events, 1)
	require.Equal(t, model.StatusCritical, rec.events[0].status)
	require.True(t, strings.HasPrefix(rec.events[0].output, "Runtime: 0:00:0"))

	prom, err := os.ReadFile(sup.Metrics.Path())
	require.NoError(t, err)
	require.Contains(t, string(prom), "ansible_pull_timed_out 1\n")
	require.NotContains(t, string(prom), "ansible_pull_exit_code")
}

func TestSupervisor_Locked(t *testing.T) {
	dir := t.TempDir()
	binary, argsFile := fakeAnsible(t, dir, success)
	sup, rec := newSupervisor(t, dir, binary)

	lock, err := service.AcquireLock(sup.LockFile)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lock.Release() })

	code, err := sup.Do(t.Context())
	require.ErrorIs(t, err, model.ErrInstanceRunning)
	require.Equal(t, model.ExitLocked, code)
	require.Equal(t, []event{{status: model.StatusWarning, output: "Instance already running."}}, rec.events)
	require.Empty(t, invocations(t, argsFile))
}

func TestSupervisor_DryRun(t *testing.T) {
	dir := t.TempDir()
	binary, argsFile := fakeAnsible(t, dir, success)
	sup, rec := newSupervisor(t, dir, binary)
	sup.DryRun = true

	code, err := sup.Do(t.Context())
	require.NoError(t, err)
	require.Zero(t, code)
	require.Empty(t, rec.events)
	require.Empty(t, invocations(t, argsFile))
	require.NoFileExists(t, sup.Metrics.Path())
}

func TestSupervisor_Interrupted(t *testing.T) {
	dir := t.TempDir()
	// ends the heredoc early to sleep in the middle of the script
	binary, argsFile := fakeAnsible(t, dir, "started\nOUTPUT\nsleep 30\ncat <<'OUTPUT'")
	sup, rec := newSupervisor(t, dir, binary)
	sup.Run.Timeout = time.Minute

	ctx, cancel := context.WithCancelCause(t.Context())
	t.Cleanup(func() { cancel(nil) })
	time.AfterFunc(300*time.Millisecond, func() {
		cancel(&model.InterruptedError{Signal: syscall.SIGTERM})
	})

	code, err := sup.Do(ctx)
	var interrupted *model.InterruptedError
	require.ErrorAs(t, err, &interrupted)
	require.Equal(t, int(syscall.SIGTERM), code)
	require.Empty(t, rec.events)
	require.Len(t, invocations(t, argsFile), 1)
	require.NoFileExists(t, sup.Metrics.Path())
}

func TestSupervisor_InterruptedWhileReporting(t *testing.T) {
	dir := t.TempDir()
	binary, argsFile := fakeAnsible(t, dir, checkoutFailed, success)
	sup, rec := newSupervisor(t, dir, binary)

	ctx, cancel := context.WithCancelCause(t.Context())
	t.Cleanup(func() { cancel(nil) })
	rec.onSend = func() {
		cancel(&model.InterruptedError{Signal: syscall.SIGTERM})
	}

	code, err := sup.Do(ctx)
	var interrupted *model.InterruptedError
	require.ErrorAs(t, err, &interrupted)
	require.Equal(t, int(syscall.SIGTERM), code)

	// the first attempt is reported, the retry never starts
	require.Len(t, rec.events, 1)
	require.Equal(t, model.StatusWarning, rec.events[0].status)
	require.Len(t, invocations(t, argsFile), 1)
}

func TestSupervisor_InterruptedWhileKilling(t *testing.T) {
	dir := t.TempDir()
	// ignores SIGTERM, so the timeout kill polls until SIGKILL
	binary, _ := fakeAnsible(t, dir, "started\nOUTPUT\ntrap '' TERM\nwhile :; do sleep 0.05; done\ncat <<'OUTPUT'")
	sup, rec := newSupervisor(t, dir, binary)
	sup.Run.Timeout = 200 * time.Millisecond
	sup.Runner.Killer = service.Killer{
		Attempts: 10,
		Interval: 50 * time.Millisecond,
		Grace:    200 * time.Millisecond,
	}

	ctx, cancel := context.WithCancelCause(t.Context())
	t.Cleanup(func() { cancel(nil) })
	// the timeout hits at 200ms, SIGKILL comes after 10 polls, about 800ms
	time.AfterFunc(500*time.Millisecond, func() {
		cancel(&model.InterruptedError{Signal: syscall.SIGINT})
	})

	start := time.Now()
	code, err := sup.Do(ctx)
	var interrupted *model.InterruptedError
	require.ErrorAs(t, err, &interrupted)
	require.Equal(t, int(syscall.SIGINT), code)
	require.Empty(t, rec.events)
	// the cascade ran to completion instead of jumping to SIGKILL
	require.GreaterOrEqual(t, time.Since(start), 700*time.Millisecond)
}

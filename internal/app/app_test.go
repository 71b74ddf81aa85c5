package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"scavenger/internal/storage"
	"scavenger/internal/task"
)

// fakeClaude answers the usage query and acts on markers in the prompt.
const fakeClaude = `#!/bin/sh
for a in "$@"; do last="$a"; done
case "$last" in
/usage) echo "opus: 5%"; exit 0 ;;
*@@hang@@*) exec sleep 60 ;;
*@@nap@@*) sleep 1; echo napped; exit 0 ;;
esac
echo ok
`

type testEnv struct {
	home string
	sigs chan os.Signal
	app  *App
}

// newTestEnv opens an App on a fresh home. open selects an active window
// around the current time; otherwise the window is empty and never admits.
func newTestEnv(t *testing.T, open bool) *testEnv {
	t.Helper()
	home := t.TempDir()
	writeConfig(t, home, open)
	return openEnv(t, home)
}

func openEnv(t *testing.T, home string) *testEnv {
	t.Helper()
	sigs := make(chan os.Signal, 4)
	a, err := Open(context.Background(), Options{Home: home, Quiet: true, Signals: sigs})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return &testEnv{home: home, sigs: sigs, app: a}
}

func writeConfig(t *testing.T, home string, open bool) {
	t.Helper()
	runner := filepath.Join(home, "claude.sh")
	if err := os.WriteFile(runner, []byte(fakeClaude), 0o755); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	start, end := "00:00", "00:00"
	if open {
		now := time.Now().UTC()
		start, end = now.Add(-time.Hour).Format("15:04"), now.Add(time.Hour).Format("15:04")
	}
	cfg := fmt.Sprintf(`{
  "active_hours": {"start": %q, "end": %q, "timezone": "UTC"},
  "limits": {"usage_limit_by_day": {}, "usage_limit_default": 100, "task_timeout_minutes": 1, "kill_grace": "200ms"},
  "claude_code": {"path": %q},
  "oracle": {"timeout": "5s", "min_interval": "0s"},
  "scheduler": {"tick_interval": "100ms"},
  "history": {"clean_schedule": "off"},
  "logging": {"level": "debug", "console": false}
}`, start, end, runner)
	if err := os.WriteFile(filepath.Join(home, "config.json"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
}

func (e *testEnv) add(t *testing.T, prompt string) task.Task {
	t.Helper()
	tk, err := e.app.Add(context.Background(), task.Draft{Prompt: prompt, Priority: task.DefaultPriority, WorkingDir: e.home})
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	return tk
}

func (e *testEnv) status(t *testing.T, id string) task.Task {
	t.Helper()
	tk, err := e.app.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	return tk
}

// run starts the daemon and returns its result channel.
func (e *testEnv) run() <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- e.app.Run(context.Background()) }()
	return errCh
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestAcquirePID(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "scavenger.pid")

	p, err := AcquirePID(path)
	if err != nil {
		t.Fatalf("AcquirePID error: %v", err)
	}
	if got, err := ReadPID(path); err != nil || got != os.Getpid() {
		t.Fatalf("ReadPID = %d, %v; want %d", got, err, os.Getpid())
	}
	if _, err := AcquirePID(path); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second AcquirePID error = %v, want ErrAlreadyRunning", err)
	}
	if err := p.Release(); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("marker still present after Release: %v", err)
	}
}

func TestAcquirePIDReplacesStaleMarker(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
	}{
		{"dead pid", "999999999\n"},
		{"garbage", "not-a-pid"},
		{"empty", ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "scavenger.pid")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("WriteFile error: %v", err)
			}
			p, err := AcquirePID(path)
			if err != nil {
				t.Fatalf("AcquirePID error: %v", err)
			}
			if p.PID() != os.Getpid() {
				t.Fatalf("PID = %d, want %d", p.PID(), os.Getpid())
			}
		})
	}
}

func TestReleaseKeepsForeignMarker(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "scavenger.pid")
	p, err := AcquirePID(path)
	if err != nil {
		t.Fatalf("AcquirePID error: %v", err)
	}
	if err := os.WriteFile(path, []byte("1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	if err := p.Release(); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("foreign marker removed: %v", err)
	}
}

func TestProcessAlive(t *testing.T) {
	t.Parallel()
	if !ProcessAlive(os.Getpid()) {
		t.Fatal("own process should be alive")
	}
	for _, pid := range []int{0, -1, 999999999} {
		if ProcessAlive(pid) {
			t.Fatalf("ProcessAlive(%d) = true, want false", pid)
		}
	}
}

func TestTaskCommands(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, false)
	ctx := context.Background()

	if _, err := e.app.Add(ctx, task.Draft{Prompt: "x", Priority: 11}); !errors.Is(err, task.ErrValidation) {
		t.Fatalf("Add(priority 11) error = %v, want ErrValidation", err)
	}
	if got, _ := e.app.List(ctx); len(got) != 0 {
		t.Fatalf("List = %d tasks after rejected add, want 0", len(got))
	}

	a := e.add(t, "first")
	b := e.add(t, "second")
	if a.Priority != task.DefaultPriority || a.Status != task.StatusPending {
		t.Fatalf("added task = %+v", a)
	}
	pending, err := e.app.List(ctx, task.StatusPending)
	if err != nil || len(pending) != 2 {
		t.Fatalf("List(pending) = %d, %v; want 2", len(pending), err)
	}

	for i := 0; i < 2; i++ {
		err := e.app.Remove(ctx, "nope")
		if !errors.Is(err, task.ErrNotFound) {
			t.Fatalf("Remove(nope) #%d error = %v, want ErrNotFound", i+1, err)
		}
		if task.ExitCode(err) != task.ExitNotFound {
			t.Fatalf("ExitCode = %d, want %d", task.ExitCode(err), task.ExitNotFound)
		}
	}
	if err := e.app.Remove(ctx, a.ID); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	left, _ := e.app.List(ctx)
	if len(left) != 1 || left[0].ID != b.ID {
		t.Fatalf("List after remove = %+v, want only %s", left, b.ID)
	}

	st, err := e.app.Status(ctx, false)
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	if st.Running || st.Counts[task.StatusPending] != 1 || st.Current != nil {
		t.Fatalf("Status = %+v", st)
	}
	if st.InWindow || st.Ceiling != 100 {
		t.Fatalf("Status window = %v ceiling = %v, want closed/100", st.InWindow, st.Ceiling)
	}
	if st.Usage != nil {
		t.Fatal("usage should not be queried without withUsage")
	}
}

func TestStatusWithUsage(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, true)
	st, err := e.app.Status(context.Background(), true)
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	if !st.InWindow {
		t.Fatalf("InWindow = false for window %s", st.Window)
	}
	if st.Usage == nil || st.Usage.Percent != 5 {
		t.Fatalf("Usage = %+v, want 5%% (err %q)", st.Usage, st.UsageErr)
	}
	if st.Remaining == nil || *st.Remaining != 95 {
		t.Fatalf("Remaining = %v, want 95", st.Remaining)
	}
}

func TestRunNowBypassesWindow(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, false)
	ctx := context.Background()
	tk := e.add(t, "quick job")

	got, err := e.app.RunNow(ctx, tk.ID)
	if err != nil {
		t.Fatalf("RunNow error: %v", err)
	}
	if got.Status != task.StatusCompleted || got.OutputSummary != "ok" {
		t.Fatalf("RunNow = %s %q, want completed \"ok\"", got.Status, got.OutputSummary)
	}
	if _, err := e.app.RunNow(ctx, tk.ID); !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("RunNow(completed) error = %v, want ErrInvalidTransition", err)
	}
	if _, err := e.app.RunNow(ctx, "missing"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("RunNow(missing) error = %v, want ErrNotFound", err)
	}

	day, err := e.app.HistoryDay(ctx, time.Now())
	if err != nil {
		t.Fatalf("HistoryDay error: %v", err)
	}
	if len(day.Executions) != 1 || day.Executions[0].TaskID != tk.ID {
		t.Fatalf("history = %+v, want one execution of %s", day.Executions, tk.ID)
	}
	stats, err := e.app.HistoryStats(ctx, 7)
	if err != nil || stats.TotalCompleted != 1 || stats.SuccessRate != 100 {
		t.Fatalf("HistoryStats = %+v, %v", stats, err)
	}
	if _, err := os.Stat(storage.TaskLogPath(e.app.Paths().TaskLogsDir, tk.ID)); err != nil {
		t.Fatalf("task log missing: %v", err)
	}
}

func TestRunNowConflictAcrossProcesses(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, false)
	other := openEnv(t, e.home)
	a := e.add(t, "@@hang@@")
	b := e.add(t, "second")

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		t   task.Task
		err error
	}
	done := make(chan result, 1)
	go func() {
		tk, err := e.app.RunNow(ctx, a.ID)
		done <- result{tk, err}
	}()
	waitFor(t, "task running", func() bool { return e.status(t, a.ID).Status == task.StatusRunning })

	_, err := other.app.RunNow(context.Background(), b.ID)
	if !errors.Is(err, task.ErrConflict) || task.ExitCode(err) != task.ExitConflict {
		t.Fatalf("RunNow(second) error = %v, want ErrConflict", err)
	}
	if got := e.status(t, b.ID); got.Status != task.StatusPending {
		t.Fatalf("second task status = %s, want pending", got.Status)
	}

	cancel()
	var res result
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("RunNow did not return after cancel")
	}
	if res.err != nil {
		t.Fatalf("RunNow error: %v", res.err)
	}
	if res.t.Status != task.StatusCancelled || !strings.Contains(res.t.Error, ErrInterrupted.Error()) {
		t.Fatalf("RunNow = %s %q, want cancelled by interruption", res.t.Status, res.t.Error)
	}
}

func TestCleanIsIdempotent(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, false)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -40)
	recent := time.Now().AddDate(0, 0, -1)
	for i, at := range []time.Time{old, recent} {
		at := at
		ex := storage.Execution{TaskID: "t" + strconv.Itoa(i), Status: task.StatusCompleted, StartedAt: &at, CompletedAt: &at}
		if err := e.app.history.Record(ctx, ex); err != nil {
			t.Fatalf("Record error: %v", err)
		}
	}
	logs := e.app.Paths().TaskLogsDir
	oldLog := storage.TaskLogPath(logs, "old")
	newLog := storage.TaskLogPath(logs, "new")
	for _, p := range []string{oldLog, newLog} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile error: %v", err)
		}
	}
	if err := os.Chtimes(oldLog, old, old); err != nil {
		t.Fatalf("Chtimes error: %v", err)
	}

	rep, err := e.app.Clean(ctx, 30)
	if err != nil {
		t.Fatalf("Clean error: %v", err)
	}
	if rep.HistoryDays != 1 || rep.TaskLogs != 1 {
		t.Fatalf("first Clean = %+v, want 1 day and 1 log", rep)
	}
	rep, err = e.app.Clean(ctx, 30)
	if err != nil {
		t.Fatalf("Clean error: %v", err)
	}
	if rep.HistoryDays != 0 || rep.TaskLogs != 0 {
		t.Fatalf("second Clean = %+v, want nothing removed", rep)
	}
	if _, err := os.Stat(newLog); err != nil {
		t.Fatalf("recent task log removed: %v", err)
	}
	days, err := e.app.HistoryRecent(ctx, 7)
	if err != nil || len(days) != 1 {
		t.Fatalf("HistoryRecent = %d days, %v; want 1", len(days), err)
	}
}

func TestStopDaemonNotRunning(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, false)
	ctx := context.Background()
	if _, err := e.app.StopDaemon(ctx, StopGraceful, time.Second); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("StopDaemon error = %v, want ErrNotRunning", err)
	}
	if err := os.WriteFile(e.app.Paths().PIDFile, []byte("999999999\n"), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	if _, err := e.app.StopDaemon(ctx, StopForced, time.Second); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("StopDaemon(stale) error = %v, want ErrNotRunning", err)
	}
}

func TestStopTimeoutCoversInFlightTask(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, false)
	tests := []struct {
		mode StopMode
		want time.Duration
	}{
		{StopGraceful, time.Minute + 200*time.Millisecond + DefaultStopTimeout},
		{StopForced, DefaultStopTimeout},
	}
	for _, tt := range tests {
		if got := e.app.StopTimeout(tt.mode); got != tt.want {
			t.Fatalf("StopTimeout(%s) = %v, want %v", tt.mode, got, tt.want)
		}
	}
}

func TestStopDaemonStillDraining(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, false)
	// Stands in for a daemon that keeps running its task after SIGTERM.
	cmd := exec.Command("sh", "-c", `trap "" TERM; sleep 5`)
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	// Give sh time to install the trap.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(e.app.Paths().PIDFile, []byte(strconv.Itoa(cmd.Process.Pid)+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	pid, err := e.app.StopDaemon(context.Background(), StopGraceful, 300*time.Millisecond)
	if !errors.Is(err, ErrStillDraining) {
		t.Fatalf("StopDaemon error = %v, want ErrStillDraining", err)
	}
	if pid != cmd.Process.Pid {
		t.Fatalf("pid = %d, want %d", pid, cmd.Process.Pid)
	}
}

func TestRunRefusesSecondInstance(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, false)
	marker := e.app.Paths().PIDFile
	if err := os.WriteFile(marker, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	err := e.app.Run(context.Background())
	if !errors.Is(err, ErrAlreadyRunning) || task.ExitCode(err) != task.ExitAlreadyRunning {
		t.Fatalf("Run error = %v, want ErrAlreadyRunning", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("live marker removed: %v", err)
	}
}

func TestRunGracefulStopFinishesTask(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, true)
	tk := e.add(t, "@@nap@@")
	errCh := e.run()

	waitFor(t, "task running", func() bool { return e.status(t, tk.ID).Status == task.StatusRunning })
	if _, err := os.Stat(e.app.Paths().PIDFile); err != nil {
		t.Fatalf("pid marker missing while running: %v", err)
	}
	e.sigs <- unix.SIGTERM

	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	got := e.status(t, tk.ID)
	if got.Status != task.StatusCompleted || got.OutputSummary != "napped" {
		t.Fatalf("task = %s %q, want completed \"napped\"", got.Status, got.OutputSummary)
	}
	if _, err := os.Stat(e.app.Paths().PIDFile); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("pid marker left behind: %v", err)
	}
}

func TestRunForcedStopCancelsTask(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		signals []os.Signal
	}{
		{"quit", []os.Signal{unix.SIGQUIT}},
		{"second term", []os.Signal{unix.SIGTERM, unix.SIGTERM}},
		{"term then quit", []os.Signal{unix.SIGINT, unix.SIGQUIT}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newTestEnv(t, true)
			tk := e.add(t, "@@hang@@")
			errCh := e.run()

			waitFor(t, "task running", func() bool { return e.status(t, tk.ID).Status == task.StatusRunning })
			for _, sig := range tt.signals {
				e.sigs <- sig
				time.Sleep(100 * time.Millisecond)
			}

			if err := waitRun(t, errCh); err != nil {
				t.Fatalf("Run error: %v", err)
			}
			got := e.status(t, tk.ID)
			if got.Status != task.StatusCancelled || !strings.Contains(got.Error, "forced shutdown") {
				t.Fatalf("task = %s %q, want cancelled by forced shutdown", got.Status, got.Error)
			}
			day, err := e.app.HistoryDay(context.Background(), time.Now())
			if err != nil || len(day.Executions) != 1 || day.Executions[0].Status != task.StatusCancelled {
				t.Fatalf("history = %+v, %v; want one cancelled execution", day.Executions, err)
			}
		})
	}
}

func TestRunRecoversInterruptedTask(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	writeConfig(t, home, false)
	stale := `[{"id":"deadbeef","prompt":"left over","priority":5,"working_dir":"/tmp","status":"running",` +
		`"created_at":"2024-01-01T00:00:00Z","started_at":"2024-01-01T00:00:00Z"}]`
	if err := os.WriteFile(filepath.Join(home, "tasks.json"), []byte(stale), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	e := openEnv(t, home)
	errCh := e.run()

	waitFor(t, "recovery", func() bool { return e.status(t, "deadbeef").Status == task.StatusFailed })
	e.sigs <- unix.SIGTERM
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	got := e.status(t, "deadbeef")
	if !strings.Contains(got.Error, "interrupted") {
		t.Fatalf("Error = %q, want mention of interruption", got.Error)
	}
	if got.CompletedAt == nil {
		t.Fatal("recovered task has no completion time")
	}
}

func TestOpenRejectsCorruptStore(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	writeConfig(t, home, false)
	if err := os.WriteFile(filepath.Join(home, "tasks.json"), []byte("[{broken"), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	_, err := Open(context.Background(), Options{Home: home, Quiet: true})
	if !errors.Is(err, storage.ErrCorruptStore) {
		t.Fatalf("Open error = %v, want ErrCorruptStore", err)
	}
}

func TestRunReloadsConfigOnSIGUSR1(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, false)
	tk := e.add(t, "after reload")
	errCh := e.run()

	time.Sleep(300 * time.Millisecond)
	if got := e.status(t, tk.ID); got.Status != task.StatusPending {
		t.Fatalf("task ran outside the window: %s", got.Status)
	}
	writeConfig(t, e.home, true)
	e.sigs <- unix.SIGUSR1

	waitFor(t, "task completed after reload", func() bool { return e.status(t, tk.ID).Status == task.StatusCompleted })
	e.sigs <- unix.SIGTERM
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run error: %v", err)
	}
}

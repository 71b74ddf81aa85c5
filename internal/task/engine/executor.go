package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"scavenger/internal/eventbus"
	"scavenger/internal/storage"
	"scavenger/internal/task"
	"scavenger/internal/usage"
	logx "scavenger/pkg/logx"
)

// Preamble is prefixed to every prompt so the runner never waits for input.
const Preamble = `[Autonomous execution mode]
- This task runs unattended. No user will answer questions.
- When a decision is needed, make the most reasonable choice yourself.
- When unsure, prefer the conservative option.
- If the task cannot be done, state the reason clearly and exit.
- Never wait for user input.

---

`

// Executor runs one runner process at a time under two watchdogs.
type Executor struct {
	mu  sync.RWMutex
	cfg Config

	log    logx.Logger
	bus    eventbus.Bus
	oracle usage.Oracle
	now    func() time.Time
}

// New returns an executor. bus and oracle may be nil; without an oracle no
// usage estimate is produced.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, oracle usage.Oracle) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{cfg: cfg.withDefaults(), log: log, bus: bus, oracle: oracle, now: time.Now}
}

// Apply swaps the config for subsequent runs. A run in flight keeps the
// config it started with.
func (e *Executor) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Executor) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Args returns the runner argv (without argv[0]) for prompt.
func Args(cfg Config, prompt string) []string {
	args := append([]string(nil), cfg.ExtraArgs...)
	return append(args, "--print", "--dangerously-skip-permissions", "-p", Preamble+prompt)
}

// Run executes t and blocks until the process is gone. It never returns with
// the process still alive. Cancelling ctx terminates the process group and
// yields StatusCancelled; context.Cause(ctx) becomes the error text.
//
// before is the usage reading taken at admission; when set, the oracle is
// re-read after the run and the difference becomes the usage estimate.
func (e *Executor) Run(ctx context.Context, t task.Task, before *usage.Reading) Result {
	cfg := e.Config()
	start := e.now()
	log := e.log.With(logx.String("task", t.ID))

	res := e.run(ctx, cfg, t, log)
	res.Duration = e.now().Sub(start)

	if before != nil && res.Status != task.StatusCancelled {
		res.UsageEstimate = e.estimate(ctx, *before)
	}

	e.publish(eventbus.TaskFinished, Event{
		TaskID:   t.ID,
		Status:   res.Status,
		Reason:   res.Reason,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
		Error:    res.Error,
	})
	log.Info("run finished",
		logx.String("status", string(res.Status)),
		logx.Int("exit_code", res.ExitCode),
		logx.Duration("took", res.Duration),
		logx.String("reason", string(res.Reason)),
	)
	return res
}

func (e *Executor) run(ctx context.Context, cfg Config, t task.Task, log logx.Logger) Result {
	res := Result{ExitCode: -1}

	var logw *lockedWriter
	if cfg.LogDir != "" {
		res.LogPath = storage.TaskLogPath(cfg.LogDir, t.ID)
		f, err := openTaskLog(res.LogPath)
		if err != nil {
			log.Warn("task log unavailable", logx.Err(err))
		} else {
			defer f.Close()
			logw = &lockedWriter{w: f}
			fmt.Fprintf(f, "=== task %s started %s ===\nworking_dir: %s\nprompt:\n%s\n---\n",
				t.ID, e.now().Format(time.RFC3339), t.WorkingDir, t.Prompt)
			defer func() {
				fmt.Fprintf(f, "\n=== task %s %s exit=%d %s ===\n", t.ID, res.Status, res.ExitCode, e.now().Format(time.RFC3339))
			}()
		}
	}

	stdout := newTail(tailBytes)
	stderr := newTail(tailBytes)
	activity := make(chan struct{}, 1)

	cmd := exec.Command(cfg.RunnerPath, Args(cfg, t.Prompt)...)
	cmd.Dir = t.WorkingDir
	cmd.Stdin = nil // /dev/null
	cmd.Stdout = &stream{log: logSink(logw), tail: stdout, activity: activity}
	cmd.Stderr = &stream{log: logSink(logw), tail: stderr, activity: activity}
	cmd.WaitDelay = cfg.KillGrace
	detach(cmd)

	if err := cmd.Start(); err != nil {
		res.Status = task.StatusFailed
		res.Err = fmt.Errorf("%w: %v", ErrProcessLaunch, err)
		res.Error = res.Err.Error()
		log.Error("runner launch failed", logx.Err(err), logx.String("path", cfg.RunnerPath))
		return res
	}
	e.publish(eventbus.TaskSpawned, Event{TaskID: t.ID, Status: task.StatusRunning})
	log.Info("runner started", logx.Int("pid", cmd.Process.Pid), logx.String("dir", t.WorkingDir))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	wall := time.NewTimer(cfg.Timeout)
	defer wall.Stop()
	var idleC <-chan time.Time
	var idle *time.Timer
	if cfg.IdleTimeout > 0 {
		idle = time.NewTimer(cfg.IdleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	var waitErr error
wait:
	for {
		select {
		case waitErr = <-done:
			break wait
		case <-activity:
			if idle != nil {
				idle.Reset(cfg.IdleTimeout)
			}
		case <-wall.C:
			res.Reason = StopWallClock
			log.Warn("wall-clock timeout, terminating", logx.Duration("timeout", cfg.Timeout))
			res.Killed, waitErr = terminate(cmd, done, cfg.KillGrace)
			break wait
		case <-idleC:
			res.Reason = StopIdle
			log.Warn("no output, terminating", logx.Duration("idle", cfg.IdleTimeout))
			res.Killed, waitErr = terminate(cmd, done, cfg.KillGrace)
			break wait
		case <-ctx.Done():
			res.Reason = StopCancelled
			log.Warn("run cancelled, terminating", logx.Err(context.Cause(ctx)))
			res.Killed, waitErr = terminate(cmd, done, cfg.KillGrace)
			break wait
		}
	}

	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if res.Reason == StopNone && errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() {
		// The runner exited 0 but a leftover child still held its output open.
		log.Warn("runner exited cleanly, output left open by a child process", logx.Duration("wait_delay", cfg.KillGrace))
		waitErr = nil
	}

	switch res.Reason {
	case StopWallClock:
		res.Status = task.StatusTimedOut
		res.Error = fmt.Sprintf("timed out (wall-clock): still running after %s", cfg.Timeout)
	case StopIdle:
		res.Status = task.StatusTimedOut
		res.Error = fmt.Sprintf("timed out (idle): no output for %s", cfg.IdleTimeout)
	case StopCancelled:
		res.Status = task.StatusCancelled
		res.Error = "cancelled"
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			res.Error = cause.Error()
		}
	default:
		if waitErr == nil {
			res.Status = task.StatusCompleted
			res.OutputSummary = task.Tail(stdout.String(), task.OutputSummaryMax)
			if res.OutputSummary == "" {
				res.OutputSummary = "Completed"
			}
			return res
		}
		res.Status = task.StatusFailed
		msg := task.Tail(stderr.String(), task.OutputSummaryMax)
		if msg == "" {
			msg = task.Tail(stdout.String(), task.OutputSummaryMax)
		}
		res.Error = strings.TrimSpace(fmt.Sprintf("exit code %d: %s", res.ExitCode, msg))
		if res.ExitCode < 0 {
			res.Error = strings.TrimSpace(fmt.Sprintf("%v: %s", waitErr, msg))
		}
	}
	if summary := task.Tail(stdout.String(), task.OutputSummaryMax); summary != "" {
		res.OutputSummary = summary
	}
	return res
}

func (e *Executor) estimate(ctx context.Context, before usage.Reading) *float64 {
	if e.oracle == nil {
		return nil
	}
	if inv, ok := e.oracle.(interface{ Invalidate() }); ok {
		inv.Invalidate()
	}
	// The run ctx may already be done on graceful stop; the oracle has its own timeout.
	after, err := e.oracle.Usage(context.WithoutCancel(ctx))
	if err != nil {
		e.log.Debug("usage estimate unavailable", logx.Err(err))
		return nil
	}
	d := after.Percent - before.Percent
	if d < 0 {
		// Budget reset between readings.
		return nil
	}
	return &d
}

func (e *Executor) publish(typ string, ev Event) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func openTaskLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// logSink avoids storing a typed nil in the stream's io.Writer.
func logSink(w *lockedWriter) io.Writer {
	if w == nil {
		return nil
	}
	return w
}

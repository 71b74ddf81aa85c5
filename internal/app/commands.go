package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"scavenger/internal/eventbus"
	"scavenger/internal/storage"
	"scavenger/internal/task"
	"scavenger/internal/usage"
	logx "scavenger/pkg/logx"
)

// DefaultStopTimeout bounds how long a forced stop waits for the daemon to
// exit. A graceful stop also allows for the in-flight task, see StopTimeout.
const DefaultStopTimeout = 30 * time.Second

func (a *App) Add(ctx context.Context, d task.Draft) (task.Task, error) {
	t, err := a.store.Add(ctx, d)
	if err != nil {
		return task.Task{}, err
	}
	a.log.Info("task added", logx.String("task", t.ID), logx.Int("priority", t.Priority), logx.String("dir", t.WorkingDir))
	return t, nil
}

// List returns tasks in insertion order, filtered by statuses when given.
func (a *App) List(ctx context.Context, statuses ...task.Status) ([]task.Task, error) {
	return a.store.List(ctx, statuses...)
}

func (a *App) Get(ctx context.Context, id string) (task.Task, error) {
	return a.store.Get(ctx, id)
}

func (a *App) Remove(ctx context.Context, id string) error {
	if err := a.store.Remove(ctx, id); err != nil {
		return err
	}
	a.log.Info("task removed", logx.String("task", id))
	return nil
}

// RunNow executes id in this process, bypassing the window and the budget.
// It fails with task.ErrConflict while any task is running, including one
// owned by the daemon. Cancelling ctx cancels the run; the task still ends
// in a recorded terminal status.
func (a *App) RunNow(ctx context.Context, id string) (task.Task, error) {
	stop := context.AfterFunc(ctx, func() { a.loop.Abort(ErrInterrupted) })
	defer stop()
	return a.loop.RunNow(context.WithoutCancel(ctx), id)
}

// Status is the daemon and queue overview printed by `status`.
type Status struct {
	Running bool                `json:"running"`
	PID     int                 `json:"pid,omitempty"`
	Counts  map[task.Status]int `json:"counts"`
	Current *task.Task          `json:"current,omitempty"`

	Now      time.Time `json:"now"`
	Window   string    `json:"window"`
	InWindow bool      `json:"in_window"`
	Ceiling  float64   `json:"ceiling"`

	// Set only when usage was requested.
	Usage     *usage.Reading `json:"usage,omitempty"`
	Remaining *float64       `json:"remaining,omitempty"`
	UsageErr  string         `json:"usage_error,omitempty"`
}

// Status reports liveness, queue counts and today's budget. withUsage also
// queries the oracle, which launches the runner CLI.
func (a *App) Status(ctx context.Context, withUsage bool) (Status, error) {
	now := a.now()
	st := Status{Now: now}
	if pid, err := ReadPID(a.paths.PIDFile); err == nil {
		st.PID = pid
		st.Running = ProcessAlive(pid)
	}

	counts, err := a.store.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	st.Counts = counts
	if cur, ok, err := a.store.Running(ctx); err != nil {
		return Status{}, err
	} else if ok {
		st.Current = &cur
	}

	p := a.adm.Policy()
	st.Window = fmt.Sprintf("%s-%s %s", p.Window.Start, p.Window.End, p.Window.Loc)
	st.InWindow = p.Window.Contains(now)
	st.Ceiling = p.Budget.CeilingFor(now)

	if withUsage {
		rem := a.adm.RemainingBudget(ctx, now)
		if rem.Known {
			r, v := rem.Reading, rem.Value
			st.Usage = &r
			st.Remaining = &v
		} else if rem.Err != nil {
			st.UsageErr = rem.Err.Error()
		}
	}
	return st, nil
}

func (a *App) HistoryDay(ctx context.Context, day time.Time) (storage.DayLog, error) {
	return a.history.Day(ctx, day)
}

// HistoryRecent returns up to days logs, newest first.
func (a *App) HistoryRecent(ctx context.Context, days int) ([]storage.DayLog, error) {
	return a.history.Recent(ctx, days, a.now())
}

func (a *App) HistoryStats(ctx context.Context, days int) (storage.Stats, error) {
	return storage.HistoryStats(ctx, a.history, days, a.now())
}

// CleanReport counts what a retention pass removed.
type CleanReport struct {
	KeepDays    int `json:"keep_days"`
	HistoryDays int `json:"history_days"`
	TaskLogs    int `json:"task_logs"`
}

// Clean removes history days and task logs older than keepDays. keepDays <= 0
// uses history.retention_days. Running it twice in a row removes nothing the
// second time.
func (a *App) Clean(ctx context.Context, keepDays int) (CleanReport, error) {
	if keepDays <= 0 {
		keepDays = a.cfgm.Get().RetentionDays()
	}
	now := a.now()
	rep := CleanReport{KeepDays: keepDays}

	n, err := a.history.Clean(ctx, keepDays, now)
	if err != nil {
		return rep, fmt.Errorf("clean history: %w", err)
	}
	rep.HistoryDays = n

	n, err = storage.CleanTaskLogs(a.paths.TaskLogsDir, now.AddDate(0, 0, -keepDays))
	if err != nil {
		return rep, fmt.Errorf("clean task logs: %w", err)
	}
	rep.TaskLogs = n

	a.publish(eventbus.HistoryCleaned, rep.HistoryDays)
	a.log.Info("retention pass done",
		logx.Int("keep_days", keepDays),
		logx.Int("history_days", rep.HistoryDays),
		logx.Int("task_logs", rep.TaskLogs),
	)
	return rep, nil
}

// maintenance is the scheduled retention job.
func (a *App) maintenance(ctx context.Context) error {
	_, err := a.Clean(ctx, 0)
	return err
}

// StopTimeout is the default wait for mode. A graceful stop lets the running
// task finish, so it covers the task timeout and kill grace as well.
func (a *App) StopTimeout(mode StopMode) time.Duration {
	if mode == StopForced {
		return DefaultStopTimeout
	}
	cfg := a.Config()
	return cfg.TaskTimeout() + cfg.KillGrace() + DefaultStopTimeout
}

// StopDaemon signals the recorded daemon (TERM for graceful, QUIT for forced)
// and waits until it exits or timeout passes. It returns the daemon's pid.
// A zero timeout means StopTimeout(mode). A graceful stop that outlasts the
// wait fails with ErrStillDraining; the daemon keeps shutting down.
func (a *App) StopDaemon(ctx context.Context, mode StopMode, timeout time.Duration) (int, error) {
	pid, err := ReadPID(a.paths.PIDFile)
	if errors.Is(err, os.ErrNotExist) || (err == nil && !ProcessAlive(pid)) {
		return 0, ErrNotRunning
	}
	if err != nil {
		return 0, err
	}
	sig := unix.SIGTERM
	if mode == StopForced {
		sig = unix.SIGQUIT
	}
	if err := unix.Kill(pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return pid, ErrNotRunning
		}
		return pid, fmt.Errorf("signal pid %d: %w", pid, err)
	}
	a.log.Info("stop requested", logx.Int("pid", pid), logx.String("mode", mode.String()))

	if timeout <= 0 {
		timeout = a.StopTimeout(mode)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for ProcessAlive(pid) {
		select {
		case <-ctx.Done():
			if mode == StopGraceful {
				return pid, fmt.Errorf("%w: pid %d after %s", ErrStillDraining, pid, timeout)
			}
			return pid, fmt.Errorf("daemon pid %d still running after %s", pid, timeout)
		case <-t.C:
		}
	}
	return pid, nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"scavenger/internal/app"
	"scavenger/internal/config"
	"scavenger/internal/storage"
	"scavenger/internal/task"
	logx "scavenger/pkg/logx"
)

var out io.Writer = os.Stdout

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// parseInterleaved parses flags that may follow positional arguments.
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var pos []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return pos, nil
		}
		pos = append(pos, args[0])
		args = args[1:]
	}
}

func cmdAdd(ctx context.Context, g globals, args []string) error {
	fs := newFlags("add")
	priority := fs.Int("p", task.DefaultPriority, "priority, 1 (highest) to 10")
	dir := fs.String("d", "", "working directory (default current)")
	pos, err := parseInterleaved(fs, args)
	if err != nil {
		return err
	}
	prompt := strings.Join(pos, " ")
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: prompt is required", task.ErrValidation)
	}
	wd := *dir
	if wd == "" {
		if wd, err = os.Getwd(); err != nil {
			return err
		}
	}
	if st, err := os.Stat(wd); err != nil || !st.IsDir() {
		return fmt.Errorf("%w: directory does not exist: %s", task.ErrValidation, wd)
	}

	return withApp(ctx, g, false, func(a *app.App) error {
		t, err := a.Add(ctx, task.Draft{Prompt: prompt, Priority: *priority, WorkingDir: wd})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Task added: %s\n", t.ID)
		fmt.Fprintf(out, "  Priority:  %d\n", t.Priority)
		fmt.Fprintf(out, "  Directory: %s\n", t.WorkingDir)
		fmt.Fprintf(out, "  Prompt:    %s\n", truncate(t.Prompt, 50))
		return nil
	})
}

func cmdList(ctx context.Context, g globals, args []string) error {
	fs := newFlags("list")
	all := fs.Bool("all", false, "include finished tasks")
	status := fs.String("status", "", "only tasks with this status")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var filter []task.Status
	switch {
	case *status != "":
		s, err := task.ParseStatus(*status)
		if err != nil {
			return err
		}
		filter = []task.Status{s}
	case !*all:
		filter = []task.Status{task.StatusPending, task.StatusRunning}
	}

	return withApp(ctx, g, false, func(a *app.App) error {
		tasks, err := a.List(ctx, filter...)
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(tasks)
		}
		if len(tasks) == 0 {
			fmt.Fprintln(out, "No tasks found.")
			return nil
		}
		printTasks(out, tasks)
		return nil
	})
}

func cmdRemove(ctx context.Context, g globals, args []string) error {
	id, err := oneArg("remove", args)
	if err != nil {
		return err
	}
	return withApp(ctx, g, false, func(a *app.App) error {
		if err := a.Remove(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(out, "Task removed: %s\n", id)
		return nil
	})
}

func cmdRunNow(ctx context.Context, g globals, args []string) error {
	id, err := oneArg("run-now", args)
	if err != nil {
		return err
	}
	return withApp(ctx, g, false, func(a *app.App) error {
		fmt.Fprintf(out, "Running task %s...\n", id)
		t, err := a.RunNow(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Task %s %s after %s\n", t.ID, t.Status, t.Duration().Round(time.Second))
		if t.Error != "" {
			fmt.Fprintf(out, "  Error:  %s\n", t.Error)
		}
		if t.OutputSummary != "" {
			fmt.Fprintf(out, "  Output: %s\n", t.OutputSummary)
		}
		fmt.Fprintf(out, "  Log:    %s\n", storage.TaskLogPath(a.Paths().TaskLogsDir, t.ID))
		if t.Status != task.StatusCompleted {
			return fmt.Errorf("task %s %s", t.ID, t.Status)
		}
		return nil
	})
}

func cmdStart(ctx context.Context, g globals, args []string) error {
	if err := newFlags("start").Parse(args); err != nil {
		return err
	}
	return withApp(ctx, g, true, func(a *app.App) error {
		return a.Run(ctx)
	})
}

func cmdStop(ctx context.Context, g globals, args []string) error {
	fs := newFlags("stop")
	force := fs.Bool("force", false, "cancel the in-flight task instead of waiting for it")
	timeout := fs.Duration("timeout", 0, "how long to wait for exit (default: task timeout plus grace when graceful)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	mode := app.StopGraceful
	if *force {
		mode = app.StopForced
	}
	return withApp(ctx, g, false, func(a *app.App) error {
		pid, err := a.StopDaemon(ctx, mode, *timeout)
		if errors.Is(err, app.ErrNotRunning) {
			fmt.Fprintln(out, "Daemon is not running.")
			return nil
		}
		if errors.Is(err, app.ErrStillDraining) {
			fmt.Fprintf(out, "Stop requested; daemon (pid %d) is still finishing its task.\n", pid)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Daemon stopped (pid %d, %s).\n", pid, mode)
		return nil
	})
}

func cmdStatus(ctx context.Context, g globals, args []string) error {
	fs := newFlags("status")
	withUsage := fs.Bool("usage", false, "query current usage (launches the runner)")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withApp(ctx, g, false, func(a *app.App) error {
		st, err := a.Status(ctx, *withUsage)
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(st)
		}
		printStatus(out, st)
		return nil
	})
}

func cmdHistory(ctx context.Context, g globals, args []string) error {
	fs := newFlags("history")
	days := fs.Int("days", 1, "number of days to show")
	date := fs.String("date", "", "show a single day (YYYY-MM-DD)")
	stats := fs.Bool("stats", false, "print aggregate stats instead of executions")
	logID := fs.String("log", "", "print the output log of a task")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withApp(ctx, g, false, func(a *app.App) error {
		switch {
		case *logID != "":
			b, err := os.ReadFile(storage.TaskLogPath(a.Paths().TaskLogsDir, *logID))
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: no log for task %s", task.ErrNotFound, *logID)
			}
			if err != nil {
				return err
			}
			_, err = out.Write(b)
			return err
		case *stats:
			st, err := a.HistoryStats(ctx, *days)
			if err != nil {
				return err
			}
			if *asJSON {
				return printJSON(st)
			}
			printStats(out, st)
			return nil
		}

		var logs []storage.DayLog
		if *date != "" {
			loc := time.Local
			if p, err := a.Config().Policy(); err == nil {
				loc = p.Window.Loc
			}
			day, err := time.ParseInLocation("2006-01-02", *date, loc)
			if err != nil {
				return fmt.Errorf("%w: date must be YYYY-MM-DD", task.ErrValidation)
			}
			dl, err := a.HistoryDay(ctx, day)
			if err != nil {
				return err
			}
			logs = []storage.DayLog{dl}
		} else {
			var err error
			if logs, err = a.HistoryRecent(ctx, *days); err != nil {
				return err
			}
		}
		if *asJSON {
			return printJSON(logs)
		}
		printHistory(out, logs)
		return nil
	})
}

func cmdClean(ctx context.Context, g globals, args []string) error {
	fs := newFlags("clean")
	keep := fs.Int("keep", 0, "days to keep (default history.retention_days)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withApp(ctx, g, false, func(a *app.App) error {
		rep, err := a.Clean(ctx, *keep)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Kept %d days: removed %d history files and %d task logs.\n", rep.KeepDays, rep.HistoryDays, rep.TaskLogs)
		return nil
	})
}

// cmdConfig works on the file alone so a broken config can still be inspected.
func cmdConfig(_ context.Context, g globals, args []string) error {
	action := "show"
	if len(args) > 0 {
		action = args[0]
	}
	base, err := config.BaseDir(g.home)
	if err != nil {
		return err
	}
	path := config.ResolvePaths(base).Config
	if g.config != "" {
		path = g.config
	}
	cfgm := config.NewConfigManager(path, logx.Nop())

	switch action {
	case "show":
		cfg, err := cfgm.Parse()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "# %s\n", path)
		return printJSON(cfg)
	case "validate":
		if _, err := cfgm.Load(); err != nil {
			return fmt.Errorf("%w: %v", task.ErrValidation, err)
		}
		fmt.Fprintf(out, "%s: ok\n", path)
		return nil
	case "init":
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s already exists", task.ErrConflict, path)
		}
		if err := cfgm.Save(config.Default()); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote default config to %s\n", path)
		return nil
	default:
		return fmt.Errorf("unknown config action %q (want show, validate or init)", action)
	}
}

func oneArg(name string, args []string) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", fmt.Errorf("usage: scavenger %s <id>", name)
	}
	return strings.TrimSpace(args[0]), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

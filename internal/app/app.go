package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sys/unix"

	"scavenger/internal/config"
	"scavenger/internal/eventbus"
	"scavenger/internal/observability/httpsrv"
	"scavenger/internal/observability/metrics"
	"scavenger/internal/runtime/supervisor"
	"scavenger/internal/storage"
	"scavenger/internal/task/admission"
	"scavenger/internal/task/engine"
	"scavenger/internal/task/scheduler"
	"scavenger/internal/usage"
	logx "scavenger/pkg/logx"
)

// Options configures Open. Zero values pick defaults.
type Options struct {
	// Home is the base directory. Empty resolves $SCAVENGER_HOME, then ~/.scavenger.
	Home string
	// ConfigPath overrides <home>/config.json.
	ConfigPath string
	// LogLevel overrides logging.level.
	LogLevel string
	// Quiet turns the console sink off; CLI commands print their own output.
	Quiet bool
	// Signals replaces OS signal delivery in Run.
	Signals <-chan os.Signal
	Now     func() time.Time
}

// App is the process-wide state shared by the daemon and the CLI commands.
// It is built by Open and released by Close.
type App struct {
	opts  Options
	paths config.Paths
	cfgm  *config.ConfigManager
	now   func() time.Time

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store   *storage.TaskStore
	history storage.History
	oracle  *usage.CommandOracle
	cached  *usage.CachedOracle
	adm     *admission.Controller
	exec    *engine.Executor
	loop    *scheduler.Loop
	maint   *scheduler.Maintenance
	metrics *metrics.Metrics
	http    *httpsrv.Service

	sup *supervisor.Supervisor
	pid *PIDFile
}

// Open loads the config and opens the stores. A corrupt task store or an
// invalid config fails here, before anything runs.
func Open(ctx context.Context, opts Options) (*App, error) {
	base, err := config.BaseDir(opts.Home)
	if err != nil {
		return nil, err
	}
	paths := config.ResolvePaths(base)
	if p := strings.TrimSpace(opts.ConfigPath); p != "" {
		paths.Config = p
	}
	if err := paths.Ensure(); err != nil {
		return nil, fmt.Errorf("prepare %s: %w", base, err)
	}

	cfgm := config.NewConfigManager(paths.Config, logx.Nop())
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	a := &App{opts: opts, paths: paths, cfgm: cfgm, now: now, bus: eventbus.New()}
	a.logs, a.log = logx.New(a.logConfig(cfg))
	cfgm.SetLogger(a.comp("config"))

	if err := a.build(ctx, cfg); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	a.store, err = storage.OpenTasks(ctx, a.paths.Tasks, storage.TaskStoreOptions{
		LockPath:    a.paths.TasksLock,
		LockTimeout: cfg.LockTimeout(),
		Now:         a.now,
		Logger:      a.comp("store"),
	})
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	a.history, err = storage.OpenHistory(a.historyConfig(cfg, policy.Window.Loc), a.comp("history"))
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}

	a.oracle = usage.NewCommandOracle(cfg.ClaudeCode.Path, cfg.OracleTimeout(), a.comp("oracle"))
	a.cached = usage.NewCachedOracle(a.oracle, cfg.OracleInterval())
	a.adm = admission.New(policy, a.cached, a.comp("admission"))
	a.exec = engine.New(a.engineConfig(cfg), a.comp("executor"), a.bus, a.cached)
	a.loop = scheduler.New(loopConfig(cfg), a.store, a.adm, a.exec, a.history, a.bus, a.comp("scheduler"))

	a.maint = scheduler.NewMaintenance(a.maintenance, a.comp("maintenance"))
	if err := a.maint.Apply(cfg.CleanSchedule(), policy.Window.Loc); err != nil {
		return err
	}

	a.metrics = metrics.New()
	if err := a.metrics.WatchQueue(a.store.Counts); err != nil {
		return err
	}
	a.http = httpsrv.New(httpConfig(cfg), httpsrv.Routes{
		Metrics: a.metrics.Handler(),
		Health:  a.health,
	}, a.comp("http"))
	return nil
}

func (a *App) comp(name string) logx.Logger { return a.log.With(logx.String("comp", name)) }

func (a *App) Paths() config.Paths    { return a.paths }
func (a *App) Config() *config.Config { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger    { return a.log }

// Close releases what Open acquired. Safe to call more than once.
func (a *App) Close() error {
	var errs []error
	if a.history != nil {
		errs = append(errs, a.history.Close())
		a.history = nil
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
		a.logs = nil
	}
	return errors.Join(errs...)
}

// Run is the daemon. It claims the pid marker, runs the scheduler loop and
// its housekeeping, and returns after a stop signal or ctx.
//
//   - SIGTERM/SIGINT: graceful, the in-flight task finishes first
//   - SIGQUIT: forced, the in-flight task is cancelled
//   - a second SIGTERM/SIGINT while draining escalates to forced
//   - SIGUSR1: reload the config file
func (a *App) Run(ctx context.Context) error {
	pid, err := AcquirePID(a.paths.PIDFile)
	if err != nil {
		return err
	}
	a.pid = pid
	defer func() {
		if err := a.pid.Release(); err != nil {
			a.log.Warn("pid marker release failed", logx.String("path", a.paths.PIDFile), logx.Err(err))
		}
	}()

	sigs := a.opts.Signals
	if sigs == nil {
		ch := make(chan os.Signal, 4)
		signal.Notify(ch, unix.SIGTERM, unix.SIGINT, unix.SIGQUIT, unix.SIGUSR1)
		defer signal.Stop(ch)
		sigs = ch
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.comp("supervisor")), supervisor.WithCancelOnError(true))
	a.start()

	loopCtx, stopLoop := context.WithCancel(a.sup.Context())
	defer stopLoop()
	loopDone := make(chan struct{})
	a.sup.Go("scheduler.loop", func(context.Context) error {
		defer close(loopDone)
		return a.loop.Run(loopCtx)
	})

	a.log.Info("daemon started",
		logx.Int("pid", pid.PID()),
		logx.String("home", a.paths.Base),
		logx.String("config", a.cfgm.Path()),
	)
	sdNotify(a.log, daemon.SdNotifyReady)
	sdStatus(a.log, "idle")

	mode, reason := a.waitForStop(ctx, sigs)
	a.log.Info("stopping", logx.String("mode", mode.String()), logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.publish(eventbus.DaemonStopping, mode.String())

	stopLoop()
	a.drain(mode, sigs, loopDone)

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return a.stop(stopCtx)
}

// start launches everything except the loop.
func (a *App) start() {
	events, unsubscribe := a.bus.Subscribe(128)
	a.sup.Go("events", func(c context.Context) error {
		defer unsubscribe()
		a.consumeEvents(c, events)
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.apply", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.applyLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return sdWatchdog(c, a.comp("systemd"))
	})

	a.maint.Start()
	a.http.Start(a.sup.Context())
}

func (a *App) waitForStop(ctx context.Context, sigs <-chan os.Signal) (StopMode, StopReason) {
	for {
		select {
		case <-ctx.Done():
			return StopGraceful, StopContext
		case <-a.sup.Context().Done():
			if err := a.sup.Err(); err != nil {
				a.log.Error("supervised goroutine failed", logx.Err(err))
				return StopGraceful, StopFatalError
			}
			return StopGraceful, StopContext
		case sig, ok := <-sigs:
			if !ok {
				sigs = nil
				continue
			}
			switch sig {
			case unix.SIGUSR1:
				a.reload(ctx)
			case unix.SIGQUIT:
				return StopForced, StopSIGQUIT
			case unix.SIGINT:
				return StopGraceful, StopSIGINT
			case unix.SIGTERM:
				return StopGraceful, StopSIGTERM
			default:
				a.log.Debug("ignoring signal", logx.String("signal", sig.String()))
			}
		}
	}
}

func (a *App) reload(ctx context.Context) {
	sdNotify(a.log, daemon.SdNotifyReloading)
	defer sdNotify(a.log, daemon.SdNotifyReady)
	changed, err := a.cfgm.Reload(ctx)
	switch {
	case err != nil:
		a.log.Warn("config reload rejected", logx.Err(err))
	case !changed:
		a.log.Info("config reload requested, file unchanged")
	}
}

// drain waits for the loop to return. QUIT, or a second TERM/INT, while
// draining gracefully escalates to a forced stop.
func (a *App) drain(mode StopMode, sigs <-chan os.Signal, loopDone <-chan struct{}) {
	if mode == StopForced {
		a.abort()
	} else if cur := a.loop.Snapshot().Current; cur != nil {
		a.log.Info("waiting for in-flight task", logx.String("task", cur.ID))
		sdStatus(a.log, "draining: waiting for task "+cur.ID)
	}
	for {
		select {
		case <-loopDone:
			return
		case sig, ok := <-sigs:
			if !ok {
				sigs = nil
				continue
			}
			if sig == unix.SIGUSR1 || mode == StopForced {
				continue
			}
			mode = StopForced
			a.log.Warn("stop signal while draining, forcing", logx.String("signal", sig.String()))
			a.abort()
		}
	}
}

func (a *App) abort() {
	if a.loop.Abort(engine.ErrForcedShutdown) {
		a.log.Warn("cancelling in-flight task", logx.Err(engine.ErrForcedShutdown))
	}
}

// stop tears down in order, each step bounded so one component can't stall
// the whole stop.
func (a *App) stop(ctx context.Context) error {
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("maintenance", 5*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("daemon stopped")
	return a.sup.Err()
}

func (a *App) consumeEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.metrics.Observe(e)
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			switch e.Type {
			case eventbus.TaskSpawned:
				if ev, ok := e.Data.(engine.Event); ok {
					sdStatus(a.log, "running task "+ev.TaskID)
				}
			case eventbus.TaskFinished:
				sdStatus(a.log, "idle")
			case eventbus.LoopPaused:
				sdStatus(a.log, "paused after consecutive errors")
			}
		}
	}
}

func (a *App) publish(typ string, data any) {
	a.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

type loopHealth struct {
	State             string    `json:"state"`
	Current           string    `json:"current,omitempty"`
	LastTick          time.Time `json:"last_tick"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	PausedUntil       time.Time `json:"paused_until,omitempty"`
}

type healthBody struct {
	Status     string               `json:"status"`
	Loop       loopHealth           `json:"loop"`
	Supervisor *supervisor.Snapshot `json:"supervisor,omitempty"`
}

func (a *App) health() (any, bool) {
	snap := a.loop.Snapshot()
	body := healthBody{
		Status: "ok",
		Loop: loopHealth{
			State:             snap.State.String(),
			LastTick:          snap.LastTick,
			ConsecutiveErrors: snap.ConsecutiveErrors,
			PausedUntil:       snap.PausedUntil,
		},
	}
	if snap.Current != nil {
		body.Loop.Current = snap.Current.ID
	}
	if a.sup == nil {
		return body, true
	}
	s := a.sup.Snapshot()
	body.Supervisor = &s
	if a.sup.Err() != nil {
		body.Status = "degraded"
		return body, false
	}
	return body, true
}

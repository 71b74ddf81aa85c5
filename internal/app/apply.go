package app

import (
	"context"
	"strings"
	"time"

	"scavenger/internal/config"
	"scavenger/internal/eventbus"
	"scavenger/internal/observability/httpsrv"
	"scavenger/internal/storage"
	"scavenger/internal/task/engine"
	"scavenger/internal/task/scheduler"
	logx "scavenger/pkg/logx"
)

// applyLoop applies hot-reloaded configs until ctx is done.
func (a *App) applyLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			if cfg == nil {
				continue
			}
			a.apply(ctx, last, cfg)
			last = cfg
		}
	}
}

// apply pushes cfg into the running components. Only the task store and the
// history backend need a restart to pick up changes.
func (a *App) apply(ctx context.Context, old, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(old, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	policy, err := cfg.Policy()
	if err != nil {
		a.log.Warn("invalid active_hours; keeping previous config", logx.Err(err))
		return
	}

	if old != nil && (old.Storage != cfg.Storage ||
		old.History.Driver != cfg.History.Driver ||
		old.History.Path != cfg.History.Path ||
		old.History.BusyTimeout != cfg.History.BusyTimeout) {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	// Logging first so the lines below go to the new sinks.
	a.logs.Apply(a.logConfig(cfg))

	a.adm.Apply(policy)
	a.oracle.Apply(cfg.ClaudeCode.Path, nil, cfg.OracleTimeout())
	a.cached.SetInterval(cfg.OracleInterval())
	a.cached.Invalidate()
	a.exec.Apply(a.engineConfig(cfg))
	a.loop.Apply(loopConfig(cfg))
	if err := a.maint.Apply(cfg.CleanSchedule(), policy.Window.Loc); err != nil {
		a.log.Warn("invalid clean schedule; keeping previous", logx.Err(err))
	}
	a.http.Reconfigure(ctx, httpConfig(cfg))

	a.publish(eventbus.ConfigReloaded, sections)
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		RunnerPath:  cfg.ClaudeCode.Path,
		ExtraArgs:   append([]string(nil), cfg.ClaudeCode.ExtraArgs...),
		Timeout:     cfg.TaskTimeout(),
		IdleTimeout: cfg.IdleTimeout(),
		KillGrace:   cfg.KillGrace(),
		LogDir:      a.paths.TaskLogsDir,
	}
}

func loopConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		TickInterval:         cfg.TickInterval(),
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors(),
	}
}

func httpConfig(cfg *config.Config) httpsrv.Config {
	addr := strings.TrimSpace(cfg.Observability.Addr)
	if addr == "" {
		addr = httpsrv.DefaultAddr
	}
	return httpsrv.Config{
		Enabled:       cfg.Observability.Enabled,
		Addr:          addr,
		Token:         cfg.Observability.Token,
		AllowInsecure: cfg.Observability.AllowInsecure,
		Pprof:         cfg.Observability.Pprof,
	}
}

func (a *App) historyConfig(cfg *config.Config, loc *time.Location) storage.HistoryConfig {
	path := strings.TrimSpace(cfg.History.Path)
	if path == "" {
		path = a.paths.HistoryDB
	}
	return storage.HistoryConfig{
		Driver:      cfg.History.Driver,
		Dir:         a.paths.HistoryDir,
		Path:        path,
		LockPath:    a.paths.HistoryLock,
		LockTimeout: cfg.LockTimeout(),
		BusyTimeout: cfg.HistoryBusyTimeout(),
		Location:    loc,
	}
}

func (a *App) logConfig(cfg *config.Config) logx.Config {
	lc := cfg.LogConfig(a.paths.DaemonLog)
	if lvl := strings.TrimSpace(a.opts.LogLevel); lvl != "" {
		lc.Level = lvl
	}
	if a.opts.Quiet {
		lc.Console = false
	}
	return lc
}

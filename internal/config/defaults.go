package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"scavenger/internal/task/admission"
	"scavenger/internal/task/scheduler"
	logx "scavenger/pkg/logx"
)

const (
	DefaultUsageLimit       = 20.0
	DefaultResetHour        = 6
	DefaultTaskTimeoutMin   = 30
	DefaultIdleTimeoutMin   = 10
	DefaultKillGrace        = 10 * time.Second
	DefaultOracleTimeout    = 30 * time.Second
	DefaultOracleInterval   = 30 * time.Second
	DefaultTickInterval     = 60 * time.Second
	DefaultMaxErrors        = 5
	DefaultRetentionDays    = 30
	DefaultLockTimeout      = 10 * time.Second
	DefaultObservabilityAdr = "127.0.0.1:8121"
)

// Default returns the configuration used when no config file exists.
func Default() *Config {
	byDay := make(map[string]float64, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		byDay[admission.WeekdayKey(d)] = DefaultUsageLimit
	}
	return &Config{
		ActiveHours: ActiveHoursConfig{Start: "01:00", End: "06:00", Timezone: "Asia/Seoul"},
		Limits: LimitsConfig{
			UsageLimitByDay:    byDay,
			UsageLimitDefault:  DefaultUsageLimit,
			UsageResetHour:     DefaultResetHour,
			TaskTimeoutMinutes: DefaultTaskTimeoutMin,
			IdleTimeoutMinutes: DefaultIdleTimeoutMin,
			KillGrace:          DefaultKillGrace.String(),
		},
		ClaudeCode: ClaudeCodeConfig{Path: "claude"},
		Oracle: OracleConfig{
			Timeout:     DefaultOracleTimeout.String(),
			MinInterval: DefaultOracleInterval.String(),
		},
		Scheduler: SchedulerConfig{
			TickInterval:         DefaultTickInterval.String(),
			MaxConsecutiveErrors: DefaultMaxErrors,
		},
		History: HistoryConfig{
			Driver:        "file",
			RetentionDays: DefaultRetentionDays,
			CleanSchedule: scheduler.DefaultCleanSchedule,
		},
		Storage: StorageConfig{LockTimeout: DefaultLockTimeout.String()},
		Logging: LoggingConfig{Level: "info", Console: true, File: LoggingFile{Enabled: true}},
		Observability: ObservabilityConfig{
			Addr: DefaultObservabilityAdr,
		},
	}
}

// Validate rejects configs the daemon cannot run with. All problems are
// reported together.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := admission.ParseWindow(c.ActiveHours.Start, c.ActiveHours.End, c.ActiveHours.Timezone)
	add(prefix("active_hours", err))

	for k, v := range c.Limits.UsageLimitByDay {
		if _, err := admission.ParseWeekday(k); err != nil {
			add(prefix("limits.usage_limit_by_day", err))
		}
		add(percent("limits.usage_limit_by_day."+k, v))
	}
	add(percent("limits.usage_limit_default", c.Limits.UsageLimitDefault))
	if h := c.Limits.UsageResetHour; h < 0 || h > 23 {
		add(fmt.Errorf("limits.usage_reset_hour: must be in [0,23], got %d", h))
	}
	if c.Limits.TaskTimeoutMinutes <= 0 {
		add(fmt.Errorf("limits.task_timeout_minutes: must be > 0, got %d", c.Limits.TaskTimeoutMinutes))
	}
	if c.Limits.IdleTimeoutMinutes < 0 {
		add(fmt.Errorf("limits.idle_timeout_minutes: must be >= 0, got %d", c.Limits.IdleTimeoutMinutes))
	}
	_, err = ParseDurationField("limits.kill_grace", c.Limits.KillGrace)
	add(err)

	if strings.TrimSpace(c.ClaudeCode.Path) == "" {
		add(errors.New("claude_code.path: must not be empty"))
	}

	_, err = ParseDurationField("oracle.timeout", c.Oracle.Timeout)
	add(err)
	_, err = ParseDurationField("oracle.min_interval", c.Oracle.MinInterval)
	add(err)

	_, err = ParseDurationField("scheduler.tick_interval", c.Scheduler.TickInterval)
	add(err)
	if c.Scheduler.MaxConsecutiveErrors < 0 {
		add(fmt.Errorf("scheduler.max_consecutive_errors: must be >= 0, got %d", c.Scheduler.MaxConsecutiveErrors))
	}

	switch strings.ToLower(strings.TrimSpace(c.History.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		add(fmt.Errorf("history.driver: unknown driver %q", c.History.Driver))
	}
	_, err = ParseDurationField("history.busy_timeout", c.History.BusyTimeout)
	add(err)
	if c.History.RetentionDays < 0 {
		add(fmt.Errorf("history.retention_days: must be >= 0, got %d", c.History.RetentionDays))
	}
	if spec := c.CleanSchedule(); spec != "" {
		add(prefix("history.clean_schedule", scheduler.ValidateSpec(spec)))
	}

	_, err = ParseDurationField("storage.lock_timeout", c.Storage.LockTimeout)
	add(err)

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

func percent(path string, v float64) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("%s: must be in [0,100], got %v", path, v)
	}
	return nil
}

func prefix(path string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", path, err)
}

// TaskTimeout is the wall-clock limit per task.
func (c *Config) TaskTimeout() time.Duration {
	if c.Limits.TaskTimeoutMinutes <= 0 {
		return DefaultTaskTimeoutMin * time.Minute
	}
	return time.Duration(c.Limits.TaskTimeoutMinutes) * time.Minute
}

// IdleTimeout is the no-output limit per task; zero disables it.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Limits.IdleTimeoutMinutes) * time.Minute
}

func (c *Config) KillGrace() time.Duration {
	d, _ := ParseDurationOrDefault("limits.kill_grace", c.Limits.KillGrace, DefaultKillGrace)
	return d
}

func (c *Config) OracleTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("oracle.timeout", c.Oracle.Timeout, DefaultOracleTimeout)
	return d
}

// OracleInterval is the usage cache interval. An explicit "0s" disables caching.
func (c *Config) OracleInterval() time.Duration {
	if strings.TrimSpace(c.Oracle.MinInterval) == "" {
		return DefaultOracleInterval
	}
	d, _ := ParseDurationField("oracle.min_interval", c.Oracle.MinInterval)
	return d
}

func (c *Config) TickInterval() time.Duration {
	d, _ := ParseDurationOrDefault("scheduler.tick_interval", c.Scheduler.TickInterval, DefaultTickInterval)
	return d
}

func (c *Config) MaxConsecutiveErrors() int {
	if c.Scheduler.MaxConsecutiveErrors <= 0 {
		return DefaultMaxErrors
	}
	return c.Scheduler.MaxConsecutiveErrors
}

func (c *Config) RetentionDays() int {
	if c.History.RetentionDays <= 0 {
		return DefaultRetentionDays
	}
	return c.History.RetentionDays
}

// CleanSchedule returns the retention cron spec, "" when disabled.
func (c *Config) CleanSchedule() string {
	s := strings.TrimSpace(c.History.CleanSchedule)
	switch strings.ToLower(s) {
	case "":
		return scheduler.DefaultCleanSchedule
	case "off", "none", "disabled":
		return ""
	}
	return s
}

func (c *Config) LockTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("storage.lock_timeout", c.Storage.LockTimeout, DefaultLockTimeout)
	return d
}

func (c *Config) HistoryBusyTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("history.busy_timeout", c.History.BusyTimeout, 5*time.Second)
	return d
}

// Budget builds the ceiling table from the limits section.
func (c *Config) Budget(loc *time.Location) admission.Budget {
	b := admission.Budget{
		ByDay:     make(map[time.Weekday]float64, len(c.Limits.UsageLimitByDay)),
		Default:   c.Limits.UsageLimitDefault,
		ResetHour: c.Limits.UsageResetHour,
		Loc:       loc,
	}
	for k, v := range c.Limits.UsageLimitByDay {
		if d, err := admission.ParseWeekday(k); err == nil {
			b.ByDay[d] = v
		}
	}
	return b
}

// Policy builds the admission policy. Call only on a validated config.
func (c *Config) Policy() (admission.Policy, error) {
	w, err := admission.ParseWindow(c.ActiveHours.Start, c.ActiveHours.End, c.ActiveHours.Timezone)
	if err != nil {
		return admission.Policy{}, prefix("active_hours", err)
	}
	return admission.Policy{Window: w, Budget: c.Budget(w.Loc)}, nil
}

// LogConfig maps the logging section onto the logger service. An enabled
// file sink without a path writes to defaultFile.
func (c *Config) LogConfig(defaultFile string) logx.Config {
	path := strings.TrimSpace(c.Logging.File.Path)
	if path == "" {
		path = defaultFile
	}
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled && path != "", Path: path},
	}
}

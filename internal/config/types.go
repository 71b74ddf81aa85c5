package config

import (
	"encoding/json"
)

type Config struct {
	ActiveHours   ActiveHoursConfig   `json:"active_hours"`
	Limits        LimitsConfig        `json:"limits"`
	ClaudeCode    ClaudeCodeConfig    `json:"claude_code"`
	Oracle        OracleConfig        `json:"oracle"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	History       HistoryConfig       `json:"history"`
	Storage       StorageConfig       `json:"storage"`
	Logging       LoggingConfig       `json:"logging"`
	Observability ObservabilityConfig `json:"observability"`

	// Notification is owned by the email reporter and passed through untouched.
	Notification json.RawMessage `json:"notification,omitempty"`
}

// ActiveHoursConfig is the daily admission window. Times are "HH:MM" in
// Timezone; an end before start wraps past midnight.
type ActiveHoursConfig struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

// LimitsConfig holds the per-weekday usage ceilings (percent) and run limits.
//
// usage_limit_by_day keys are "mon".."sun". Days not listed fall back to
// usage_limit_default. Before usage_reset_hour the previous day's ceiling
// applies.
type LimitsConfig struct {
	UsageLimitByDay    map[string]float64 `json:"usage_limit_by_day"`
	UsageLimitDefault  float64            `json:"usage_limit_default"`
	UsageResetHour     int                `json:"usage_reset_hour"`
	TaskTimeoutMinutes int                `json:"task_timeout_minutes"`
	IdleTimeoutMinutes int                `json:"idle_timeout_minutes,omitempty"` // 0 disables
	KillGrace          string             `json:"kill_grace,omitempty"`           // Go duration string
}

type ClaudeCodeConfig struct {
	Path      string   `json:"path"`
	ExtraArgs []string `json:"extra_args,omitempty"`
}

// OracleConfig controls the usage query. MinInterval caps how often the query
// process is launched; readings in between are served from cache.
type OracleConfig struct {
	Timeout     string `json:"timeout,omitempty"`
	MinInterval string `json:"min_interval,omitempty"`
}

type SchedulerConfig struct {
	TickInterval         string `json:"tick_interval,omitempty"`
	MaxConsecutiveErrors int    `json:"max_consecutive_errors,omitempty"`
}

// HistoryConfig selects the execution history backend.
//
// Example:
//
//	"history": { "driver": "file", "retention_days": 30, "clean_schedule": "30 3 * * *" }
type HistoryConfig struct {
	Driver        string `json:"driver,omitempty"` // "file" (default) or "sqlite"
	Path          string `json:"path,omitempty"`   // sqlite database file
	BusyTimeout   string `json:"busy_timeout,omitempty"`
	RetentionDays int    `json:"retention_days,omitempty"`
	CleanSchedule string `json:"clean_schedule,omitempty"` // cron spec, "off" disables
}

type StorageConfig struct {
	LockTimeout string `json:"lock_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ObservabilityConfig controls the optional local HTTP endpoint serving
// /metrics, /healthz and /debug/pprof/.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8121").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

package config

import (
	"bytes"
	"reflect"
	"sort"
	"strings"

	logx "scavenger/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.ActiveHours != newCfg.ActiveHours {
		changed = append(changed, "active_hours")
		attrs = append(attrs,
			logx.String("active_hours.start", newCfg.ActiveHours.Start),
			logx.String("active_hours.end", newCfg.ActiveHours.End),
			logx.String("active_hours.timezone", newCfg.ActiveHours.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.Limits, newCfg.Limits) {
		changed = append(changed, "limits")
		attrs = append(attrs,
			logx.Float64("limits.default", newCfg.Limits.UsageLimitDefault),
			logx.Int("limits.reset_hour", newCfg.Limits.UsageResetHour),
			logx.Int("limits.task_timeout_minutes", newCfg.Limits.TaskTimeoutMinutes),
			logx.Int("limits.idle_timeout_minutes", newCfg.Limits.IdleTimeoutMinutes),
		)
	}
	if !reflect.DeepEqual(oldCfg.ClaudeCode, newCfg.ClaudeCode) {
		changed = append(changed, "claude_code")
		attrs = append(attrs,
			logx.String("claude_code.path", newCfg.ClaudeCode.Path),
			logx.Int("claude_code.extra_args", len(newCfg.ClaudeCode.ExtraArgs)),
		)
	}
	if oldCfg.Oracle != newCfg.Oracle {
		changed = append(changed, "oracle")
		attrs = append(attrs,
			logx.String("oracle.timeout", strings.TrimSpace(newCfg.Oracle.Timeout)),
			logx.String("oracle.min_interval", strings.TrimSpace(newCfg.Oracle.MinInterval)),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick_interval", strings.TrimSpace(newCfg.Scheduler.TickInterval)),
			logx.Int("scheduler.max_consecutive_errors", newCfg.Scheduler.MaxConsecutiveErrors),
		)
	}
	if oldCfg.History != newCfg.History {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.driver", newCfg.History.Driver),
			logx.Int("history.retention_days", newCfg.History.RetentionDays),
			logx.String("history.clean_schedule", newCfg.History.CleanSchedule),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	// Observability (never log token)
	if oldCfg.Observability != newCfg.Observability {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", newCfg.Observability.Enabled),
			logx.String("observability.addr", strings.TrimSpace(newCfg.Observability.Addr)),
			logx.Bool("observability.token_set", strings.TrimSpace(newCfg.Observability.Token) != ""),
			logx.Bool("observability.allow_insecure", newCfg.Observability.AllowInsecure),
		)
	}
	if !bytes.Equal(bytes.TrimSpace(oldCfg.Notification), bytes.TrimSpace(newCfg.Notification)) {
		changed = append(changed, "notification")
	}

	sort.Strings(changed)
	return changed, attrs
}

package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "scavenger/pkg/logx"
)

// History is the append-only record of terminal task outcomes.
type History interface {
	// Record appends e to the log of the day e completed on.
	Record(ctx context.Context, e Execution) error
	Day(ctx context.Context, day time.Time) (DayLog, error)
	// Recent returns up to days logs ending today, newest first. Days without
	// executions are omitted.
	Recent(ctx context.Context, days int, now time.Time) ([]DayLog, error)
	// Clean deletes days strictly older than now-keepDays and reports how many
	// were removed.
	Clean(ctx context.Context, keepDays int, now time.Time) (int, error)
	Close() error
}

// OpenHistory initializes the configured history driver.
func OpenHistory(cfg HistoryConfig, log logx.Logger) (History, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	switch driver {
	case "", "file":
		return openFileHistory(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}

// HistoryStats aggregates the last days of history.
func HistoryStats(ctx context.Context, h History, days int, now time.Time) (Stats, error) {
	logs, err := h.Recent(ctx, days, now)
	if err != nil {
		return Stats{}, err
	}
	st := ComputeStats(logs)
	st.Days = days
	return st, nil
}

func recentDays(days int, now time.Time, loc *time.Location) []time.Time {
	if days <= 0 {
		return nil
	}
	if loc == nil {
		loc = time.Local
	}
	n := now.In(loc)
	today := time.Date(n.Year(), n.Month(), n.Day(), 12, 0, 0, 0, loc)
	out := make([]time.Time, 0, days)
	for i := 0; i < days; i++ {
		out = append(out, today.AddDate(0, 0, -i))
	}
	return out
}

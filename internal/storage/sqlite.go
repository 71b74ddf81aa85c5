//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scavenger/internal/task"
	logx "scavenger/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteHistory struct {
	db  *sql.DB
	log logx.Logger
	loc *time.Location
}

func openSQLite(cfg HistoryConfig, log logx.Logger) (History, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &sqliteHistory{db: db, log: log, loc: cfg.Location}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = cfg.LockTimeout
	}
	if busy > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := h.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return h, nil
}

func (h *sqliteHistory) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = h.db.ExecContext(ctx, string(b))
	return err
}

func (h *sqliteHistory) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

func (h *sqliteHistory) Record(ctx context.Context, e Execution) error {
	at := time.Now()
	if e.CompletedAt != nil {
		at = *e.CompletedAt
	}
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO executions(day, task_id, prompt, working_dir, priority, status, started_at, completed_at,
		   duration_seconds, err, output_summary, usage_estimate)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		dayKey(at, h.loc), e.TaskID, e.Prompt, e.WorkingDir, e.Priority, string(e.Status),
		nullTime(e.StartedAt), nullTime(e.CompletedAt), e.DurationSeconds,
		nullStr(e.Error), nullStr(e.OutputSummary), nullFloat(e.UsageEstimate),
	)
	return err
}

func (h *sqliteHistory) Day(ctx context.Context, day time.Time) (DayLog, error) {
	key := dayKey(day, h.loc)
	dl := DayLog{Date: key, Executions: []Execution{}}
	rows, err := h.db.QueryContext(ctx,
		`SELECT task_id, prompt, working_dir, priority, status, started_at, completed_at,
		        duration_seconds, err, output_summary, usage_estimate
		   FROM executions WHERE day = ? ORDER BY id`, key)
	if err != nil {
		return dl, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e                  Execution
			status             string
			started, completed sql.NullString
			errText, summary   sql.NullString
			usage              sql.NullFloat64
		)
		if err := rows.Scan(&e.TaskID, &e.Prompt, &e.WorkingDir, &e.Priority, &status, &started, &completed,
			&e.DurationSeconds, &errText, &summary, &usage); err != nil {
			return dl, err
		}
		e.Status = task.Status(status)
		e.StartedAt = parseNullTime(started)
		e.CompletedAt = parseNullTime(completed)
		e.Error = errText.String
		e.OutputSummary = summary.String
		if usage.Valid {
			v := usage.Float64
			e.UsageEstimate = &v
		}
		dl.add(e)
	}
	return dl, rows.Err()
}

func (h *sqliteHistory) Recent(ctx context.Context, days int, now time.Time) ([]DayLog, error) {
	var out []DayLog
	for _, d := range recentDays(days, now, h.loc) {
		dl, err := h.Day(ctx, d)
		if err != nil {
			return nil, err
		}
		if len(dl.Executions) > 0 {
			out = append(out, dl)
		}
	}
	return out, nil
}

func (h *sqliteHistory) Clean(ctx context.Context, keepDays int, now time.Time) (int, error) {
	if keepDays < 0 {
		return 0, fmt.Errorf("keepDays must be >= 0, got %d", keepDays)
	}
	cutoff := cutoffDay(now, keepDays, h.loc)
	res, err := h.db.ExecContext(ctx, `DELETE FROM executions WHERE day < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

package storage

import (
	"errors"
	"time"

	"scavenger/internal/task"
)

var (
	ErrCorruptStore = errors.New("corrupt store file")
	ErrLockTimeout  = errors.New("timed out waiting for store lock")
)

// HistoryConfig configures the history recorder.
//
// Driver values:
//   - "file": one JSON document per day under Dir (default)
//   - "sqlite": SQLite database at Path (optional build tag)
type HistoryConfig struct {
	Driver      string
	Dir         string
	Path        string
	LockPath    string
	LockTimeout time.Duration
	BusyTimeout time.Duration  // sqlite only; 0 means default
	Location    *time.Location // day boundaries; nil means time.Local
}

// Execution is an immutable snapshot of a task at termination.
type Execution struct {
	TaskID          string      `json:"task_id"`
	Prompt          string      `json:"prompt"`
	WorkingDir      string      `json:"working_dir"`
	Priority        int         `json:"priority"`
	Status          task.Status `json:"status"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	DurationSeconds float64     `json:"duration_seconds"`
	Error           string      `json:"error,omitempty"`
	OutputSummary   string      `json:"output_summary,omitempty"`
	UsageEstimate   *float64    `json:"usage_estimate,omitempty"`
}

// ExecutionFrom snapshots t. Pointer fields are copied.
func ExecutionFrom(t task.Task) Execution {
	c := t.Clone()
	return Execution{
		TaskID:          c.ID,
		Prompt:          c.Prompt,
		WorkingDir:      c.WorkingDir,
		Priority:        c.Priority,
		Status:          c.Status,
		StartedAt:       c.StartedAt,
		CompletedAt:     c.CompletedAt,
		DurationSeconds: c.Duration().Seconds(),
		Error:           c.Error,
		OutputSummary:   c.OutputSummary,
		UsageEstimate:   c.UsageEstimate,
	}
}

// DayLog is the on-disk layout of history/YYYY-MM-DD.json.
type DayLog struct {
	Date                 string      `json:"date"`
	Executions           []Execution `json:"executions"`
	TotalCompleted       int         `json:"total_completed"`
	TotalFailed          int         `json:"total_failed"`
	TotalDurationSeconds float64     `json:"total_duration_seconds"`
}

func (d *DayLog) add(e Execution) {
	d.Executions = append(d.Executions, e)
	if e.Status == task.StatusCompleted {
		d.TotalCompleted++
	} else {
		d.TotalFailed++
	}
	d.TotalDurationSeconds += e.DurationSeconds
}

// Stats aggregates a range of day logs.
type Stats struct {
	Days                 int     `json:"days"`
	TotalTasks           int     `json:"total_tasks"`
	TotalCompleted       int     `json:"total_completed"`
	TotalFailed          int     `json:"total_failed"`
	TotalDurationSeconds float64 `json:"total_duration_seconds"`
	SuccessRate          float64 `json:"success_rate"`
	AvgDurationSeconds   float64 `json:"avg_duration_seconds"`
}

func ComputeStats(days []DayLog) Stats {
	st := Stats{Days: len(days)}
	for _, d := range days {
		st.TotalCompleted += d.TotalCompleted
		st.TotalFailed += d.TotalFailed
		st.TotalDurationSeconds += d.TotalDurationSeconds
	}
	st.TotalTasks = st.TotalCompleted + st.TotalFailed
	if st.TotalTasks > 0 {
		st.SuccessRate = float64(st.TotalCompleted) / float64(st.TotalTasks) * 100
		st.AvgDurationSeconds = st.TotalDurationSeconds / float64(st.TotalTasks)
	}
	return st
}

const dayLayout = "2006-01-02"

func dayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(dayLayout)
}

// cutoffDay is the first day kept by a clean(keepDays) at now.
func cutoffDay(now time.Time, keepDays int, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	n := now.In(loc)
	d := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -keepDays)
	return d.Format(dayLayout)
}

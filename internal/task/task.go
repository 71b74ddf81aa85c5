package task

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queued task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in display order.
var Statuses = []Status{
	StatusPending,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusTimedOut,
	StatusCancelled,
}

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5

	// OutputSummaryMax caps the stored output summary (runes).
	OutputSummaryMax = 500
)

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// ParseStatus accepts the canonical names plus a couple of aliases used by the CLI.
func ParseStatus(raw string) (Status, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	switch s {
	case "timeout", "timedout":
		s = string(StatusTimedOut)
	case "canceled":
		s = string(StatusCancelled)
	}
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
	return st, nil
}

// Task is the durable record kept by the store. The JSON layout is read by
// external report tooling, keep field names stable.
type Task struct {
	ID            string     `json:"id"`
	Prompt        string     `json:"prompt"`
	Priority      int        `json:"priority"`
	WorkingDir    string     `json:"working_dir"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	UsageEstimate *float64   `json:"usage_estimate,omitempty"`
	Error         string     `json:"error,omitempty"`
	OutputSummary string     `json:"output_summary,omitempty"`
}

// Clone returns a deep copy so callers can never alias store state.
func (t Task) Clone() Task {
	cp := t
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	if t.UsageEstimate != nil {
		v := *t.UsageEstimate
		cp.UsageEstimate = &v
	}
	return cp
}

// Duration is the run time of a started task; zero when it never started.
func (t Task) Duration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	if d := end.Sub(*t.StartedAt); d > 0 {
		return d
	}
	return 0
}

// Draft is the caller supplied part of a new task.
type Draft struct {
	Prompt     string
	Priority   int
	WorkingDir string
}

// Validate normalizes d in place. Priority must already be set; callers
// that want the default pass DefaultPriority.
func (d *Draft) Validate() error {
	d.Prompt = strings.TrimSpace(d.Prompt)
	if d.Prompt == "" {
		return fmt.Errorf("%w: prompt is empty", ErrValidation)
	}
	if d.Priority < MinPriority || d.Priority > MaxPriority {
		return fmt.Errorf("%w: priority %d outside [%d,%d]", ErrValidation, d.Priority, MinPriority, MaxPriority)
	}
	wd := strings.TrimSpace(d.WorkingDir)
	if wd == "" {
		wd = "."
	}
	abs, err := filepath.Abs(wd)
	if err != nil {
		return fmt.Errorf("%w: working dir: %v", ErrValidation, err)
	}
	d.WorkingDir = abs
	return nil
}

// New builds a pending task from an already validated draft.
func New(d Draft, now time.Time) Task {
	return Task{
		ID:         NewID(),
		Prompt:     d.Prompt,
		Priority:   d.Priority,
		WorkingDir: d.WorkingDir,
		Status:     StatusPending,
		CreatedAt:  now,
	}
}

// NewID returns a short random identifier (8 hex chars).
func NewID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}

// Tail keeps the last max runes of s.
func Tail(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	return string(r[len(r)-max:])
}

// Less orders tasks for admission: lower priority number first, then FIFO.
func Less(a, b Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

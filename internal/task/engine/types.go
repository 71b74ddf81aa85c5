package engine

import (
	"time"

	"scavenger/internal/task"
)

const (
	DefaultRunnerPath  = "claude"
	DefaultTimeout     = 30 * time.Minute
	DefaultIdleTimeout = 10 * time.Minute
	DefaultKillGrace   = 10 * time.Second

	tailBytes = 16 << 10
)

// Config controls how the runner process is launched and supervised.
// The app layer maps config.claude_code and config.limits into this struct.
type Config struct {
	RunnerPath string
	ExtraArgs  []string

	// Timeout is the hard wall-clock limit.
	Timeout time.Duration
	// IdleTimeout fires when the process writes nothing for this long.
	// 0 disables the idle watchdog.
	IdleTimeout time.Duration
	// KillGrace is how long a TERMed process group gets before KILL.
	KillGrace time.Duration

	// LogDir receives <task id>.log with the raw streamed output.
	LogDir string
}

func (c Config) withDefaults() Config {
	if c.RunnerPath == "" {
		c.RunnerPath = DefaultRunnerPath
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	return c
}

// StopReason records why the executor ended a run early.
type StopReason string

const (
	StopNone      StopReason = ""
	StopWallClock StopReason = "wall-clock"
	StopIdle      StopReason = "idle"
	StopCancelled StopReason = "cancelled"
)

// Result is the terminal outcome of one run.
type Result struct {
	Status        task.Status
	Error         string
	OutputSummary string
	UsageEstimate *float64

	ExitCode int
	Reason   StopReason
	Killed   bool // escalated to SIGKILL
	LogPath  string
	Duration time.Duration

	// Err is set for launch failures so callers can errors.Is(ErrProcessLaunch).
	Err error
}

// Event is published on the bus when a run starts or ends.
type Event struct {
	TaskID   string        `json:"task_id"`
	Status   task.Status   `json:"status"`
	Reason   StopReason    `json:"reason,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

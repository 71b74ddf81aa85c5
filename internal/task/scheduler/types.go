package scheduler

import (
	"context"
	"time"

	"scavenger/internal/task"
	"scavenger/internal/task/admission"
	"scavenger/internal/task/engine"
	"scavenger/internal/usage"
)

const (
	DefaultTickInterval         = 60 * time.Second
	DefaultMaxConsecutiveErrors = 5
	DefaultPauseMultiplier      = 5
)

// Config controls the scheduling loop.
type Config struct {
	TickInterval time.Duration
	// MaxConsecutiveErrors failed runs or loop errors in a row pause the loop
	// for TickInterval*PauseMultiplier. <= 0 picks the default.
	MaxConsecutiveErrors int
	PauseMultiplier      int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if c.PauseMultiplier <= 0 {
		c.PauseMultiplier = DefaultPauseMultiplier
	}
	return c
}

// State is the loop's position in tick -> admit -> spawn -> await -> record.
type State int

const (
	StateIdle State = iota
	StateAdmitting
	StateSpawning
	StateAwaiting
	StateRecording
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAdmitting:
		return "admitting"
	case StateSpawning:
		return "spawning"
	case StateAwaiting:
		return "awaiting"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Snapshot is a lightweight view for status and diagnostics.
type Snapshot struct {
	State             State
	Current           *task.Task
	LastTick          time.Time
	LastDecision      *admission.Decision
	ConsecutiveErrors int
	PausedUntil       time.Time
	TickInterval      time.Duration
}

// TaskStore is the subset of storage.TaskStore the loop needs.
type TaskStore interface {
	Next(ctx context.Context) (task.Task, bool, error)
	ClaimNext(ctx context.Context) (task.Task, bool, error)
	ClaimByID(ctx context.Context, id string) (task.Task, error)
	Transition(ctx context.Context, id string, from []task.Status, to task.Status, mutate func(*task.Task)) (task.Task, error)
	RecoverInterrupted(ctx context.Context, reason string) ([]task.Task, error)
	AcquireRunSlot() (func(), error)
}

type Admitter interface {
	Decide(ctx context.Context, t task.Task, now time.Time) admission.Decision
}

type Runner interface {
	Run(ctx context.Context, t task.Task, before *usage.Reading) engine.Result
}

// InterruptedReason is stored on tasks found running at startup.
const InterruptedReason = "interrupted: daemon stopped while the task was running"

// OrphanedReason is stored on a running task whose result could not be saved.
const OrphanedReason = "interrupted: task result could not be saved"

package app

import (
	"errors"

	"scavenger/internal/task"
)

var (
	// ErrAlreadyRunning is returned by Run when the pid marker names a live process.
	ErrAlreadyRunning = task.ErrAlreadyRunning
	// ErrNotRunning is returned by StopDaemon when no live daemon is recorded.
	ErrNotRunning = errors.New("daemon not running")
	// ErrStillDraining means a graceful stop was requested and the daemon is
	// still finishing its task.
	ErrStillDraining = errors.New("daemon still draining")
	// ErrInterrupted cancels a manual run whose caller went away.
	ErrInterrupted = errors.New("manual run interrupted")
)

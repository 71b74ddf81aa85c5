package engine

import "errors"

var (
	// ErrProcessLaunch means the runner could not be started at all
	// (missing executable, bad working dir, permissions).
	ErrProcessLaunch = errors.New("process launch failed")

	// ErrForcedShutdown is the cancel cause used by a forced daemon stop.
	ErrForcedShutdown = errors.New("forced shutdown")
)

package task

import "errors"

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("task not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid transition")
)

// ErrAlreadyRunning reports a live daemon instance. Re-exported by app.
var ErrAlreadyRunning = errors.New("daemon already running")

// Exit codes used by the CLI.
const (
	ExitOK             = 0
	ExitError          = 1
	ExitNotFound       = 2
	ExitConflict       = 3
	ExitAlreadyRunning = 4
)

// ExitCode maps an operation error onto the CLI exit code convention.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrNotFound):
		return ExitNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidTransition):
		return ExitConflict
	case errors.Is(err, ErrAlreadyRunning):
		return ExitAlreadyRunning
	default:
		return ExitError
	}
}

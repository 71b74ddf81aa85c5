package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// PIDFile is the process-id marker held by a running daemon.
type PIDFile struct {
	path string
	pid  int
}

// AcquirePID claims path for the current process. A marker naming a live
// process fails with ErrAlreadyRunning; a stale one is replaced. Failing to
// remove a stale marker is fatal.
func AcquirePID(path string) (*PIDFile, error) {
	if pid, err := ReadPID(path); err == nil {
		if ProcessAlive(pid) {
			return nil, fmt.Errorf("%w (pid %d, marker %s)", ErrAlreadyRunning, pid, path)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale pid marker %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		// Unreadable content counts as stale.
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale pid marker %s: %w", path, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	// O_EXCL loses the race against a concurrent start.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("%w (marker %s created concurrently)", ErrAlreadyRunning, path)
	}
	if err != nil {
		return nil, err
	}
	pid := os.Getpid()
	if _, err := f.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return &PIDFile{path: path, pid: pid}, nil
}

func (p *PIDFile) PID() int { return p.pid }

// Release removes the marker if it still names this process.
func (p *PIDFile) Release() error {
	if p == nil {
		return nil
	}
	pid, err := ReadPID(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if pid != p.pid {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ReadPID parses the marker at path.
func ReadPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid marker %s: %q", path, strings.TrimSpace(string(b)))
	}
	return pid, nil
}

// ProcessAlive checks pid with signal 0. EPERM still means the process exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

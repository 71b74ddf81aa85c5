package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	DefaultLockTimeout = 10 * time.Second
	lockPollInterval   = 25 * time.Millisecond
)

// fileLock is an advisory, cross-process exclusive lock on a sidecar file.
//
// flock(2) is held per open file description, so two goroutines in the same
// process would each get their own descriptor and contend correctly; the
// mutex only keeps in-process waiters from spinning on the fd.
type fileLock struct {
	path    string
	timeout time.Duration

	mu sync.Mutex
}

func newFileLock(path string, timeout time.Duration) *fileLock {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &fileLock{path: path, timeout: timeout}
}

// acquire blocks until the lock is held, ctx is done, or the timeout passes.
// The returned release func is safe to call once.
func (l *fileLock) acquire(ctx context.Context) (func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	deadline := time.Now().Add(l.timeout)

	if !l.lockMutex(ctx, deadline) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, l.path)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			l.mu.Unlock()
			return nil, fmt.Errorf("flock %s: %w", l.path, err)
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			l.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, l.path)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			l.mu.Unlock()
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			_ = f.Close()
			l.mu.Unlock()
		})
	}, nil
}

func (l *fileLock) lockMutex(ctx context.Context, deadline time.Time) bool {
	for {
		if l.mu.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(lockPollInterval):
		}
	}
}

// tryAcquire takes the lock without waiting. ok is false while another
// holder, in this process or another, has it.
func (l *fileLock) tryAcquire() (release func(), ok bool, err error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.mu.Unlock()
		return nil, false, err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		l.mu.Unlock()
		return nil, false, err
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		l.mu.Unlock()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("flock %s: %w", l.path, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			_ = f.Close()
			l.mu.Unlock()
		})
	}, true, nil
}

package engine

import (
	"errors"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// detach puts the runner in its own process group so the whole tree can be
// signalled at once.
func detach(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func signalGroup(cmd *exec.Cmd, sig unix.Signal) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	pid := cmd.Process.Pid
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		// Group gone; try the leader in case setpgid did not take.
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// terminate sends SIGTERM to the group, waits up to grace for done, then
// SIGKILLs. It reports whether KILL was needed and returns the wait error.
func terminate(cmd *exec.Cmd, done <-chan error, grace time.Duration) (bool, error) {
	_ = signalGroup(cmd, unix.SIGTERM)
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case err := <-done:
		return false, err
	case <-t.C:
	}
	_ = signalGroup(cmd, unix.SIGKILL)
	return true, <-done
}

package usage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	logx "scavenger/pkg/logx"
)

// Oracle reports current cumulative usage since the last reset.
type Oracle interface {
	Usage(ctx context.Context) (Reading, error)
}

const DefaultTimeout = 30 * time.Second

// CommandOracle asks the runner CLI for its usage report.
type CommandOracle struct {
	mu      sync.RWMutex
	path    string
	args    []string
	timeout time.Duration

	log logx.Logger
	now func() time.Time
}

// NewCommandOracle runs `<path> --print -p /usage` with its own timeout.
func NewCommandOracle(path string, timeout time.Duration, log logx.Logger) *CommandOracle {
	if log.IsZero() {
		log = logx.Nop()
	}
	o := &CommandOracle{log: log, now: time.Now}
	o.Apply(path, nil, timeout)
	return o
}

// Apply updates the command in place (config reload).
// A nil args keeps the default /usage invocation.
func (o *CommandOracle) Apply(path string, args []string, timeout time.Duration) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "claude"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if args == nil {
		args = []string{"--print", "-p", "/usage"}
	}
	o.mu.Lock()
	o.path = path
	o.args = append([]string(nil), args...)
	o.timeout = timeout
	o.mu.Unlock()
}

func (o *CommandOracle) Usage(ctx context.Context) (Reading, error) {
	o.mu.RLock()
	path, args, timeout := o.path, o.args, o.timeout
	o.mu.RUnlock()

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	took := time.Since(start)
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return Reading{}, fmt.Errorf("%w: timed out after %s", ErrOracleUnavailable, timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Reading{}, fmt.Errorf("%w: exit %d: %s", ErrOracleUnavailable, exitErr.ExitCode(), clip(stderr.String(), 200))
		}
		return Reading{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}

	r, err := ParseUsage(stdout.String())
	if err != nil {
		return Reading{}, err
	}
	r.At = o.now()
	o.log.Debug("usage read", logx.Float64("percent", r.Percent), logx.Duration("took", took))
	return r, nil
}

package usage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "scavenger/pkg/logx"
)

func TestParseUsage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    float64
		wantErr bool
	}{
		{name: "models", raw: "claude-opus-4-5: 20%\nclaude-sonnet-4-5: 29%\nclaude-haiku-4-5: 18%\n", want: 29},
		{name: "decimal spaced", raw: "Current week: 12.5 %", want: 12.5},
		{name: "noise around", raw: "\x1b[1mUsage\x1b[0m\nweekly: 7%  (resets Mon)\n", want: 7},
		{name: "empty", raw: "  \n", wantErr: true},
		{name: "no percent", raw: "Usage unavailable, try later", wantErr: true},
		{name: "bare number", raw: "42%", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseUsage(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrUnparseable) {
					t.Fatalf("ParseUsage error = %v, want ErrUnparseable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseUsage error: %v", err)
			}
			if got.Percent != tt.want {
				t.Fatalf("Percent = %v, want %v", got.Percent, tt.want)
			}
		})
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oracle.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	return path
}

func TestCommandOracle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ok := NewCommandOracle(writeScript(t, `echo "opus: 33%"`), time.Second, logx.Nop())
	r, err := ok.Usage(ctx)
	if err != nil {
		t.Fatalf("Usage error: %v", err)
	}
	if r.Percent != 33 {
		t.Fatalf("Percent = %v, want 33", r.Percent)
	}

	failing := NewCommandOracle(writeScript(t, `echo nope >&2; exit 3`), time.Second, logx.Nop())
	if _, err := failing.Usage(ctx); !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("Usage error = %v, want ErrOracleUnavailable", err)
	}

	slow := NewCommandOracle(writeScript(t, `exec sleep 5`), 100*time.Millisecond, logx.Nop())
	if _, err := slow.Usage(ctx); !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("Usage error = %v, want ErrOracleUnavailable", err)
	}

	missing := NewCommandOracle(filepath.Join(t.TempDir(), "missing"), time.Second, logx.Nop())
	if _, err := missing.Usage(ctx); !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("Usage error = %v, want ErrOracleUnavailable", err)
	}

	garbled := NewCommandOracle(writeScript(t, `echo "hello"`), time.Second, logx.Nop())
	if _, err := garbled.Usage(ctx); !errors.Is(err, ErrUnparseable) {
		t.Fatalf("Usage error = %v, want ErrUnparseable", err)
	}
}

type countingOracle struct {
	calls int
	pct   float64
}

func (c *countingOracle) Usage(ctx context.Context) (Reading, error) {
	c.calls++
	return Reading{Percent: c.pct}, nil
}

func TestCachedOracle(t *testing.T) {
	t.Parallel()
	inner := &countingOracle{pct: 5}
	c := NewCachedOracle(inner, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r, err := c.Usage(ctx)
		if err != nil {
			t.Fatalf("Usage error: %v", err)
		}
		if r.Percent != 5 {
			t.Fatalf("Percent = %v, want 5", r.Percent)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("calls = %d, want 1", inner.calls)
	}

	inner.pct = 9
	c.Invalidate()
	r, _ := c.Usage(ctx)
	if r.Percent != 9 || inner.calls != 2 {
		t.Fatalf("after Invalidate: Percent = %v calls = %d, want 9 and 2", r.Percent, inner.calls)
	}

	c.SetInterval(0)
	_, _ = c.Usage(ctx)
	_, _ = c.Usage(ctx)
	if inner.calls != 4 {
		t.Fatalf("uncached calls = %d, want 4", inner.calls)
	}
}

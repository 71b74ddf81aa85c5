package main

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"scavenger/internal/task"
)

// cli runs one command against home. Commands share the package-level writer,
// so these tests are not parallel.
func cli(t *testing.T, home string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"-home", home}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCLITaskLifecycle(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()

	code, stdout, stderr := cli(t, home, "add", "-p", "3", "-d", work, "refactor", "the", "parser")
	if code != task.ExitOK {
		t.Fatalf("add exit = %d, stderr %q", code, stderr)
	}
	if !strings.HasPrefix(stdout, "Task added: ") {
		t.Fatalf("add output = %q", stdout)
	}
	id := strings.TrimSpace(strings.SplitN(strings.TrimPrefix(stdout, "Task added: "), "\n", 2)[0])

	code, stdout, _ = cli(t, home, "list")
	if code != task.ExitOK || !strings.Contains(stdout, id) || !strings.Contains(stdout, "refactor the parser") {
		t.Fatalf("list exit = %d, output %q", code, stdout)
	}

	code, stdout, _ = cli(t, home, "status")
	if code != task.ExitOK || !strings.Contains(stdout, "stopped") || !regexp.MustCompile(`pending:\s+1\n`).MatchString(stdout) {
		t.Fatalf("status exit = %d, output %q", code, stdout)
	}

	if code, _, _ = cli(t, home, "remove", id); code != task.ExitOK {
		t.Fatalf("remove exit = %d, want 0", code)
	}
	if code, _, _ = cli(t, home, "remove", id); code != task.ExitNotFound {
		t.Fatalf("second remove exit = %d, want %d", code, task.ExitNotFound)
	}
	if code, _, _ = cli(t, home, "run-now", "missing"); code != task.ExitNotFound {
		t.Fatalf("run-now exit = %d, want %d", code, task.ExitNotFound)
	}
}

func TestCLIRejectsBadInput(t *testing.T) {
	home := t.TempDir()
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"frobnicate"}},
		{"empty prompt", []string{"add"}},
		{"bad priority", []string{"add", "-p", "11", "x"}},
		{"zero priority", []string{"add", "-p", "0", "x"}},
		{"missing dir", []string{"add", "-d", filepath.Join(home, "nope"), "x"}},
		{"bad status filter", []string{"list", "-status", "paused"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _, _ := cli(t, home, tt.args...); code != task.ExitError {
				t.Fatalf("exit = %d, want %d", code, task.ExitError)
			}
		})
	}
}

func TestCLIStopWithoutDaemon(t *testing.T) {
	code, stdout, _ := cli(t, t.TempDir(), "stop")
	if code != task.ExitOK || !strings.Contains(stdout, "not running") {
		t.Fatalf("stop exit = %d, output %q", code, stdout)
	}
}

func TestCLIConfig(t *testing.T) {
	home := t.TempDir()
	if code, _, stderr := cli(t, home, "config", "init"); code != task.ExitOK {
		t.Fatalf("config init exit = %d, stderr %q", code, stderr)
	}
	if code, _, _ := cli(t, home, "config", "init"); code != task.ExitConflict {
		t.Fatalf("second config init exit = %d, want %d", code, task.ExitConflict)
	}
	code, stdout, _ := cli(t, home, "config", "validate")
	if code != task.ExitOK || !strings.Contains(stdout, "ok") {
		t.Fatalf("config validate exit = %d, output %q", code, stdout)
	}

	bad := `{"active_hours": {"start": "25:00", "end": "06:00", "timezone": "UTC"}}`
	if err := os.WriteFile(filepath.Join(home, "config.json"), []byte(bad), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	if code, _, _ := cli(t, home, "config", "validate"); code != task.ExitError {
		t.Fatalf("validate(bad) exit = %d, want %d", code, task.ExitError)
	}
	if code, stdout, _ := cli(t, home, "config", "show"); code != task.ExitOK || !strings.Contains(stdout, "25:00") {
		t.Fatalf("config show exit = %d, output %q", code, stdout)
	}
	if code, _, _ := cli(t, home, "list"); code != task.ExitError {
		t.Fatalf("list with invalid config exit = %d, want %d", code, task.ExitError)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"multi\nline   prompt", 40, "multi line prompt"},
		{"abcdefghijkl", 8, "abcde..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

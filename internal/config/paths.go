package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HomeEnv overrides the default base directory.
const HomeEnv = "SCAVENGER_HOME"

const baseDirName = ".scavenger"

// Paths is the on-disk layout under the base directory.
type Paths struct {
	Base        string
	Config      string
	Tasks       string
	TasksLock   string
	HistoryDir  string
	HistoryLock string
	HistoryDB   string
	LogsDir     string
	TaskLogsDir string
	DaemonLog   string
	PIDFile     string
}

// BaseDir picks the base directory: flag value, then $SCAVENGER_HOME, then
// ~/.scavenger.
func BaseDir(flagValue string) (string, error) {
	if s := strings.TrimSpace(flagValue); s != "" {
		return filepath.Abs(s)
	}
	if s := strings.TrimSpace(os.Getenv(HomeEnv)); s != "" {
		return filepath.Abs(s)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, baseDirName), nil
}

func ResolvePaths(base string) Paths {
	logs := filepath.Join(base, "logs")
	return Paths{
		Base:        base,
		Config:      filepath.Join(base, "config.json"),
		Tasks:       filepath.Join(base, "tasks.json"),
		TasksLock:   filepath.Join(base, ".tasks.lock"),
		HistoryDir:  filepath.Join(base, "history"),
		HistoryLock: filepath.Join(base, ".history.lock"),
		HistoryDB:   filepath.Join(base, "history.db"),
		LogsDir:     logs,
		TaskLogsDir: filepath.Join(logs, "tasks"),
		DaemonLog:   filepath.Join(logs, "daemon.log"),
		PIDFile:     filepath.Join(base, "scavenger.pid"),
	}
}

// Ensure creates the directories of the layout.
func (p Paths) Ensure() error {
	for _, d := range []string{p.Base, p.HistoryDir, p.TaskLogsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

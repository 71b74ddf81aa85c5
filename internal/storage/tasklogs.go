package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TaskLogPath is where the executor streams raw output for id.
func TaskLogPath(dir, id string) string {
	return filepath.Join(dir, id+".log")
}

// CleanTaskLogs removes *.log files under dir last modified before cutoff.
func CleanTaskLogs(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".log") {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, ent.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	logx "scavenger/pkg/logx"
)

// fileHistory keeps one JSON document per calendar day.
//
// Files:
//   - <dir>/YYYY-MM-DD.json (DayLog, replaced atomically on append)
//   - <lock>                (flock shared with other writers)
//
// Appends never touch existing entries: the day is read, the snapshot is
// appended and the whole document is swapped in with rename.
type fileHistory struct {
	log  logx.Logger
	dir  string
	loc  *time.Location
	lock *fileLock
}

func openFileHistory(cfg HistoryConfig, log logx.Logger) (History, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("history dir is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lockPath := cfg.LockPath
	if lockPath == "" {
		lockPath = filepath.Join(filepath.Dir(dir), ".history.lock")
	}
	return &fileHistory{
		log:  log,
		dir:  dir,
		loc:  cfg.Location,
		lock: newFileLock(lockPath, cfg.LockTimeout),
	}, nil
}

func (h *fileHistory) Close() error { return nil }

func (h *fileHistory) pathFor(day string) string {
	return filepath.Join(h.dir, day+".json")
}

func (h *fileHistory) Record(ctx context.Context, e Execution) error {
	at := time.Now()
	if e.CompletedAt != nil {
		at = *e.CompletedAt
	}
	day := dayKey(at, h.loc)

	release, err := h.lock.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	path := h.pathFor(day)
	_, _ = removeStaleTemps(path)
	dl, err := readDayLog(path, day)
	if err != nil {
		return err
	}
	dl.add(e)
	b, err := json.MarshalIndent(dl, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(b, '\n'), 0o644)
}

func (h *fileHistory) Day(ctx context.Context, day time.Time) (DayLog, error) {
	_ = ctx
	key := dayKey(day, h.loc)
	return readDayLog(h.pathFor(key), key)
}

func (h *fileHistory) Recent(ctx context.Context, days int, now time.Time) ([]DayLog, error) {
	var out []DayLog
	for _, d := range recentDays(days, now, h.loc) {
		dl, err := h.Day(ctx, d)
		if err != nil {
			return nil, err
		}
		if len(dl.Executions) > 0 {
			out = append(out, dl)
		}
	}
	return out, nil
}

func (h *fileHistory) Clean(ctx context.Context, keepDays int, now time.Time) (int, error) {
	if keepDays < 0 {
		return 0, fmt.Errorf("keepDays must be >= 0, got %d", keepDays)
	}
	cutoff := cutoffDay(now, keepDays, h.loc)

	release, err := h.lock.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return 0, err
	}
	var days []string
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		day := strings.TrimSuffix(name, ".json")
		if _, err := time.Parse(dayLayout, day); err != nil {
			continue
		}
		// Same layout, so lexical order is date order.
		if day < cutoff {
			days = append(days, day)
		}
	}
	sort.Strings(days)

	removed := 0
	for _, day := range days {
		if err := os.Remove(h.pathFor(day)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		h.log.Info("history cleaned", logx.Int("removed", removed), logx.String("cutoff", cutoff))
	}
	return removed, nil
}

func readDayLog(path, day string) (DayLog, error) {
	dl := DayLog{Date: day, Executions: []Execution{}}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return dl, nil
	}
	if err != nil {
		return dl, err
	}
	if err := json.Unmarshal(b, &dl); err != nil {
		return dl, fmt.Errorf("%w: %s: %v", ErrCorruptStore, path, err)
	}
	if dl.Executions == nil {
		dl.Executions = []Execution{}
	}
	return dl, nil
}

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"scavenger/internal/task"
)

func execAt(id string, st task.Status, done time.Time) Execution {
	start := done.Add(-90 * time.Second)
	return Execution{
		TaskID:          id,
		Prompt:          "p",
		Priority:        5,
		Status:          st,
		StartedAt:       &start,
		CompletedAt:     &done,
		DurationSeconds: 90,
	}
}

func openTestHistory(t *testing.T) (History, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "history")
	h, err := OpenHistory(HistoryConfig{Driver: "file", Dir: dir, Location: time.UTC}, loggerForTest())
	if err != nil {
		t.Fatalf("OpenHistory error: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h, dir
}

func TestHistoryRecordAppends(t *testing.T) {
	t.Parallel()
	h, dir := openTestHistory(t)
	ctx := context.Background()
	day := time.Date(2025, 3, 3, 23, 59, 0, 0, time.UTC)

	if err := h.Record(ctx, execAt("a", task.StatusCompleted, day)); err != nil {
		t.Fatalf("Record error: %v", err)
	}
	if err := h.Record(ctx, execAt("b", task.StatusTimedOut, day)); err != nil {
		t.Fatalf("Record error: %v", err)
	}
	// Completed just after midnight lands in the next day's file.
	if err := h.Record(ctx, execAt("c", task.StatusCompleted, day.Add(2*time.Minute))); err != nil {
		t.Fatalf("Record error: %v", err)
	}

	dl, err := h.Day(ctx, day)
	if err != nil {
		t.Fatalf("Day error: %v", err)
	}
	if len(dl.Executions) != 2 || dl.Executions[0].TaskID != "a" || dl.Executions[1].TaskID != "b" {
		t.Fatalf("executions = %+v, want [a b]", dl.Executions)
	}
	if dl.TotalCompleted != 1 || dl.TotalFailed != 1 {
		t.Fatalf("totals = %d/%d, want 1/1", dl.TotalCompleted, dl.TotalFailed)
	}
	if dl.TotalDurationSeconds != 180 {
		t.Fatalf("TotalDurationSeconds = %v, want 180", dl.TotalDurationSeconds)
	}
	if _, err := os.Stat(filepath.Join(dir, "2025-03-04.json")); err != nil {
		t.Fatalf("next day file missing: %v", err)
	}
}

func TestHistoryCleanIdempotent(t *testing.T) {
	t.Parallel()
	h, dir := openTestHistory(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC)

	for _, ago := range []int{0, 10, 30, 31, 45} {
		if err := h.Record(ctx, execAt("t", task.StatusCompleted, now.AddDate(0, 0, -ago))); err != nil {
			t.Fatalf("Record error: %v", err)
		}
	}

	removed, err := h.Clean(ctx, 30, now)
	if err != nil {
		t.Fatalf("Clean error: %v", err)
	}
	if removed != 2 {
		t.Fatalf("first Clean removed %d, want 2", removed)
	}
	removed, err = h.Clean(ctx, 30, now)
	if err != nil {
		t.Fatalf("Clean error: %v", err)
	}
	if removed != 0 {
		t.Fatalf("second Clean removed %d, want 0", removed)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("files left = %d, want 3", len(entries))
	}
}

func TestHistoryStats(t *testing.T) {
	t.Parallel()
	h, _ := openTestHistory(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	_ = h.Record(ctx, execAt("a", task.StatusCompleted, now))
	_ = h.Record(ctx, execAt("b", task.StatusCompleted, now.AddDate(0, 0, -1)))
	_ = h.Record(ctx, execAt("c", task.StatusFailed, now.AddDate(0, 0, -2)))
	_ = h.Record(ctx, execAt("d", task.StatusCompleted, now.AddDate(0, 0, -9)))

	st, err := HistoryStats(ctx, h, 7, now)
	if err != nil {
		t.Fatalf("HistoryStats error: %v", err)
	}
	if st.TotalTasks != 3 || st.TotalCompleted != 2 {
		t.Fatalf("stats = %+v, want 3 tasks / 2 completed", st)
	}
	if st.SuccessRate < 66 || st.SuccessRate > 67 {
		t.Fatalf("SuccessRate = %v, want ~66.7", st.SuccessRate)
	}
}

func TestCleanTaskLogs(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	old := TaskLogPath(dir, "old")
	fresh := TaskLogPath(dir, "fresh")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("out"), 0o644); err != nil {
			t.Fatalf("WriteFile error: %v", err)
		}
	}
	past := time.Now().AddDate(0, 0, -40)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("Chtimes error: %v", err)
	}

	n, err := CleanTaskLogs(dir, time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("CleanTaskLogs error: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed = %d, want 1", n)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh log removed: %v", err)
	}
}

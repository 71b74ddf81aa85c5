package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"scavenger/internal/task"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func openTestStore(t *testing.T) (*TaskStore, string) {
	t.Helper()
	dir := t.TempDir()
	clk := &fakeClock{t: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)}
	path := filepath.Join(dir, "tasks.json")
	s, err := OpenTasks(context.Background(), path, TaskStoreOptions{Now: clk.Now, LockTimeout: time.Second})
	if err != nil {
		t.Fatalf("OpenTasks error: %v", err)
	}
	return s, path
}

func mustAdd(t *testing.T, s *TaskStore, prompt string, prio int) task.Task {
	t.Helper()
	tk, err := s.Add(context.Background(), task.Draft{Prompt: prompt, Priority: prio, WorkingDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Add(%q) error: %v", prompt, err)
	}
	return tk
}

func TestAddRejectsBadPriority(t *testing.T) {
	t.Parallel()
	s, _ := openTestStore(t)
	ctx := context.Background()

	for _, p := range []int{-3, 0, 11, 42} {
		if _, err := s.Add(ctx, task.Draft{Prompt: "x", Priority: p}); !errors.Is(err, task.ErrValidation) {
			t.Fatalf("Add(priority=%d) = %v, want ErrValidation", p, err)
		}
	}
	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("len(List) = %d, want 0", len(all))
	}
}

func TestClaimNextOrder(t *testing.T) {
	t.Parallel()
	s, _ := openTestStore(t)
	ctx := context.Background()

	a := mustAdd(t, s, "A", 3)
	b := mustAdd(t, s, "B", 1)
	c := mustAdd(t, s, "C", 1)

	var order []string
	for i := 0; i < 3; i++ {
		got, ok, err := s.ClaimNext(ctx)
		if err != nil || !ok {
			t.Fatalf("ClaimNext #%d = ok %v, err %v", i, ok, err)
		}
		if got.StartedAt == nil {
			t.Fatal("StartedAt not set on claim")
		}
		order = append(order, got.ID)
		if _, err := s.Transition(ctx, got.ID, []task.Status{task.StatusRunning}, task.StatusCompleted, nil); err != nil {
			t.Fatalf("Transition error: %v", err)
		}
	}
	want := []string{b.ID, c.ID, a.ID}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if _, ok, err := s.ClaimNext(ctx); ok || err != nil {
		t.Fatalf("ClaimNext on empty queue = ok %v, err %v", ok, err)
	}
}

func TestSingleRunningTask(t *testing.T) {
	t.Parallel()
	s, _ := openTestStore(t)
	ctx := context.Background()

	first := mustAdd(t, s, "one", 1)
	second := mustAdd(t, s, "two", 2)

	if _, err := s.ClaimByID(ctx, first.ID); err != nil {
		t.Fatalf("ClaimByID error: %v", err)
	}
	if _, _, err := s.ClaimNext(ctx); !errors.Is(err, task.ErrConflict) {
		t.Fatalf("ClaimNext while running = %v, want ErrConflict", err)
	}
	if _, err := s.ClaimByID(ctx, second.ID); !errors.Is(err, task.ErrConflict) {
		t.Fatalf("ClaimByID while running = %v, want ErrConflict", err)
	}
	if err := s.Remove(ctx, first.ID); !errors.Is(err, task.ErrConflict) {
		t.Fatalf("Remove(running) = %v, want ErrConflict", err)
	}
}

func TestRemoveNotFoundIsStable(t *testing.T) {
	t.Parallel()
	s, path := openTestStore(t)
	ctx := context.Background()
	mustAdd(t, s, "keep", 5)

	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Remove(ctx, "nope"); !errors.Is(err, task.ErrNotFound) {
			t.Fatalf("Remove #%d = %v, want ErrNotFound", i, err)
		}
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if string(before) != string(after) {
		t.Fatal("store file changed after failed removes")
	}
}

func TestTransitionRejectsTerminal(t *testing.T) {
	t.Parallel()
	s, _ := openTestStore(t)
	ctx := context.Background()
	tk := mustAdd(t, s, "x", 5)

	if _, err := s.Transition(ctx, tk.ID, []task.Status{task.StatusRunning}, task.StatusCompleted, nil); !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("pending->completed = %v, want ErrInvalidTransition", err)
	}
	if _, err := s.Transition(ctx, tk.ID, []task.Status{task.StatusPending}, task.StatusCancelled, nil); err != nil {
		t.Fatalf("pending->cancelled error: %v", err)
	}
	all := []task.Status{task.StatusPending, task.StatusRunning, task.StatusCancelled}
	if _, err := s.Transition(ctx, tk.ID, all, task.StatusPending, nil); !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("cancelled->pending = %v, want ErrInvalidTransition", err)
	}
	if err := s.Remove(ctx, tk.ID); err != nil {
		t.Fatalf("Remove(terminal) error: %v", err)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	t.Parallel()
	s, path := openTestStore(t)
	ctx := context.Background()
	tk := mustAdd(t, s, "x", 5)
	if _, err := s.ClaimByID(ctx, tk.ID); err != nil {
		t.Fatalf("ClaimByID error: %v", err)
	}

	// A fresh open simulates the next daemon start.
	s2, err := OpenTasks(ctx, path, TaskStoreOptions{})
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	recovered, err := s2.RecoverInterrupted(ctx, "interrupted: daemon stopped uncleanly")
	if err != nil {
		t.Fatalf("RecoverInterrupted error: %v", err)
	}
	if len(recovered) != 1 || recovered[0].ID != tk.ID {
		t.Fatalf("recovered = %+v, want [%s]", recovered, tk.ID)
	}
	got, err := s2.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Fatalf("Status = %s, want %s", got.Status, task.StatusFailed)
	}
	if got.CompletedAt == nil || got.Error == "" {
		t.Fatalf("recovered task missing completion fields: %+v", got)
	}
	if _, ok, err := s2.ClaimNext(ctx); ok || err != nil {
		t.Fatalf("ClaimNext after recovery = ok %v, err %v; interrupted task must not rerun", ok, err)
	}
}

func TestRecoverInterruptedSparesSlotHolder(t *testing.T) {
	t.Parallel()
	s, path := openTestStore(t)
	ctx := context.Background()
	tk := mustAdd(t, s, "x", 5)

	release, err := s.AcquireRunSlot()
	if err != nil {
		t.Fatalf("AcquireRunSlot error: %v", err)
	}
	if _, err := s.ClaimByID(ctx, tk.ID); err != nil {
		t.Fatalf("ClaimByID error: %v", err)
	}

	other, err := OpenTasks(ctx, path, TaskStoreOptions{})
	if err != nil {
		t.Fatalf("second open error: %v", err)
	}
	if _, err := other.AcquireRunSlot(); !errors.Is(err, task.ErrConflict) {
		t.Fatalf("AcquireRunSlot while held = %v, want ErrConflict", err)
	}
	recovered, err := other.RecoverInterrupted(ctx, "interrupted")
	if err != nil {
		t.Fatalf("RecoverInterrupted error: %v", err)
	}
	if len(recovered) != 0 {
		t.Fatalf("recovered = %+v, want none while the slot is held", recovered)
	}
	if got, _ := other.Get(ctx, tk.ID); got.Status != task.StatusRunning {
		t.Fatalf("Status = %s, want %s", got.Status, task.StatusRunning)
	}

	release()
	recovered, err = other.RecoverInterrupted(ctx, "interrupted")
	if err != nil {
		t.Fatalf("RecoverInterrupted after release error: %v", err)
	}
	if len(recovered) != 1 || recovered[0].Status != task.StatusFailed {
		t.Fatalf("recovered = %+v, want [%s failed]", recovered, tk.ID)
	}
}

func TestOpenCorruptStore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")
	if err := os.WriteFile(path, []byte(`[{"id": "abc", "prio`), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	if _, err := OpenTasks(context.Background(), path, TaskStoreOptions{}); !errors.Is(err, ErrCorruptStore) {
		t.Fatalf("OpenTasks = %v, want ErrCorruptStore", err)
	}
}

func TestOpenDiscardsInterruptedWrite(t *testing.T) {
	t.Parallel()
	s, path := openTestStore(t)
	ctx := context.Background()
	tk := mustAdd(t, s, "committed", 2)

	// A crash between CreateTemp and rename leaves a partial temp file behind.
	tmp := filepath.Join(filepath.Dir(path), ".tasks.json.123456.tmp")
	if err := os.WriteFile(tmp, []byte(`[{"id": "half`), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	s2, err := OpenTasks(ctx, path, TaskStoreOptions{})
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	if _, err := os.Stat(tmp); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file still present: %v", err)
	}
	got, err := s2.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Prompt != "committed" {
		t.Fatalf("Prompt = %q, want %q", got.Prompt, "committed")
	}
}

func TestLockTimeout(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	lockPath := filepath.Join(dir, ".tasks.lock")
	holder := newFileLock(lockPath, time.Second)
	release, err := holder.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	defer release()

	other := newFileLock(lockPath, 100*time.Millisecond)
	start := time.Now()
	if _, err := other.acquire(context.Background()); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("acquire while held = %v, want ErrLockTimeout", err)
	}
	if waited := time.Since(start); waited < 100*time.Millisecond {
		t.Fatalf("waited %v, want >= 100ms", waited)
	}
}

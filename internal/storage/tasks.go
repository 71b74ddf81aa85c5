package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scavenger/internal/task"
	logx "scavenger/pkg/logx"
)

// TaskStoreOptions tunes a TaskStore. Zero values pick defaults.
// SlotPath is the run-slot lock file, default <dir>/.run.lock.
type TaskStoreOptions struct {
	LockPath    string
	SlotPath    string
	LockTimeout time.Duration
	Now         func() time.Time
	Logger      logx.Logger
}

// TaskStore is the sole owner of live task records.
//
// Every mutation is a locked read-modify-write of the whole snapshot followed
// by an atomic replace. Reads take no lock: rename guarantees a reader sees a
// complete snapshot.
//
// The run slot is a second lock, held by whichever process owns the running
// task for the whole execution. It outlives single mutations, so it lives in
// its own file.
type TaskStore struct {
	path string
	lock *fileLock
	slot *fileLock
	now  func() time.Time
	log  logx.Logger
}

// OpenTasks opens (or creates on first write) the task store at path.
// Leftover temp files are removed and the current snapshot is parsed once;
// a corrupt snapshot fails with ErrCorruptStore.
func OpenTasks(ctx context.Context, path string, opts TaskStoreOptions) (*TaskStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("task store path is required")
	}
	lockPath := opts.LockPath
	if lockPath == "" {
		lockPath = filepath.Join(filepath.Dir(path), ".tasks.lock")
	}
	slotPath := opts.SlotPath
	if slotPath == "" {
		slotPath = filepath.Join(filepath.Dir(path), ".run.lock")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &TaskStore{
		path: path,
		lock: newFileLock(lockPath, opts.LockTimeout),
		slot: newFileLock(slotPath, opts.LockTimeout),
		now:  opts.Now,
		log:  log,
	}

	release, err := s.lock.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	if n, err := removeStaleTemps(path); err != nil {
		return nil, err
	} else if n > 0 {
		s.log.Warn("removed interrupted store writes", logx.Int("count", n))
	}
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TaskStore) Path() string { return s.path }

func (s *TaskStore) load() ([]task.Task, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var tasks []task.Task
	if err := json.Unmarshal(b, &tasks); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptStore, s.path, err)
	}
	return tasks, nil
}

func (s *TaskStore) save(tasks []task.Task) error {
	if tasks == nil {
		tasks = []task.Task{}
	}
	b, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return writeFileAtomic(s.path, b, 0o644)
}

// update runs fn on the current snapshot under the lock and persists the result
// when fn returns dirty=true.
func (s *TaskStore) update(ctx context.Context, fn func(tasks []task.Task) ([]task.Task, bool, error)) error {
	release, err := s.lock.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	next, dirty, err := fn(tasks)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	return s.save(next)
}

// Add validates d and appends a new pending task.
func (s *TaskStore) Add(ctx context.Context, d task.Draft) (task.Task, error) {
	if err := d.Validate(); err != nil {
		return task.Task{}, err
	}
	t := task.New(d, s.now())
	err := s.update(ctx, func(tasks []task.Task) ([]task.Task, bool, error) {
		for indexOf(tasks, t.ID) >= 0 {
			t.ID = task.NewID()
		}
		return append(tasks, t), true, nil
	})
	if err != nil {
		return task.Task{}, err
	}
	return t.Clone(), nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (task.Task, error) {
	_ = ctx
	tasks, err := s.load()
	if err != nil {
		return task.Task{}, err
	}
	i := indexOf(tasks, id)
	if i < 0 {
		return task.Task{}, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return tasks[i].Clone(), nil
}

// List returns tasks in insertion order, optionally restricted to statuses.
func (s *TaskStore) List(ctx context.Context, statuses ...task.Status) ([]task.Task, error) {
	_ = ctx
	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]task.Task, 0, len(tasks))
	for _, t := range tasks {
		if len(statuses) > 0 && !hasStatus(statuses, t.Status) {
			continue
		}
		out = append(out, t.Clone())
	}
	return out, nil
}

// Counts returns the number of tasks per status.
func (s *TaskStore) Counts(ctx context.Context) (map[task.Status]int, error) {
	tasks, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[task.Status]int, len(task.Statuses))
	for _, st := range task.Statuses {
		out[st] = 0
	}
	for _, t := range tasks {
		out[t.Status]++
	}
	return out, nil
}

// Running returns the in-flight task, if any.
func (s *TaskStore) Running(ctx context.Context) (task.Task, bool, error) {
	tasks, err := s.List(ctx, task.StatusRunning)
	if err != nil || len(tasks) == 0 {
		return task.Task{}, false, err
	}
	return tasks[0], true, nil
}

// Next returns the best pending candidate without claiming it.
func (s *TaskStore) Next(ctx context.Context) (task.Task, bool, error) {
	tasks, err := s.List(ctx, task.StatusPending)
	if err != nil {
		return task.Task{}, false, err
	}
	i := best(tasks)
	if i < 0 {
		return task.Task{}, false, nil
	}
	return tasks[i], true, nil
}

// Remove deletes a pending or terminal task. A running task must be stopped
// through the daemon instead.
func (s *TaskStore) Remove(ctx context.Context, id string) error {
	return s.update(ctx, func(tasks []task.Task) ([]task.Task, bool, error) {
		i := indexOf(tasks, id)
		if i < 0 {
			return nil, false, fmt.Errorf("%w: %s", task.ErrNotFound, id)
		}
		if tasks[i].Status == task.StatusRunning {
			return nil, false, fmt.Errorf("%w: task %s is running", task.ErrConflict, id)
		}
		return append(tasks[:i], tasks[i+1:]...), true, nil
	})
}

// Transition moves id to status to if its current status is in from, applying
// mutate (may be nil) to the record before it is persisted.
func (s *TaskStore) Transition(ctx context.Context, id string, from []task.Status, to task.Status, mutate func(*task.Task)) (task.Task, error) {
	var out task.Task
	err := s.update(ctx, func(tasks []task.Task) ([]task.Task, bool, error) {
		i := indexOf(tasks, id)
		if i < 0 {
			return nil, false, fmt.Errorf("%w: %s", task.ErrNotFound, id)
		}
		cur := tasks[i].Status
		if cur.IsTerminal() || !hasStatus(from, cur) {
			return nil, false, fmt.Errorf("%w: %s is %s, cannot move to %s", task.ErrInvalidTransition, id, cur, to)
		}
		if to == task.StatusRunning {
			if j := runningIndex(tasks); j >= 0 && j != i {
				return nil, false, fmt.Errorf("%w: task %s is already running", task.ErrConflict, tasks[j].ID)
			}
		}
		t := tasks[i]
		t.Status = to
		if mutate != nil {
			mutate(&t)
		}
		t.ID = id
		t.Status = to
		s.stamp(&t)
		tasks[i] = t
		out = t.Clone()
		return tasks, true, nil
	})
	return out, err
}

// ClaimNext atomically moves the best pending task to running.
// It fails with ErrConflict while any task is running.
func (s *TaskStore) ClaimNext(ctx context.Context) (task.Task, bool, error) {
	var out task.Task
	found := false
	err := s.update(ctx, func(tasks []task.Task) ([]task.Task, bool, error) {
		if j := runningIndex(tasks); j >= 0 {
			return nil, false, fmt.Errorf("%w: task %s is already running", task.ErrConflict, tasks[j].ID)
		}
		i := -1
		for k := range tasks {
			if tasks[k].Status != task.StatusPending {
				continue
			}
			if i < 0 || task.Less(tasks[k], tasks[i]) {
				i = k
			}
		}
		if i < 0 {
			return nil, false, nil
		}
		tasks[i].Status = task.StatusRunning
		s.stamp(&tasks[i])
		out = tasks[i].Clone()
		found = true
		return tasks, true, nil
	})
	return out, found, err
}

// ClaimByID moves a specific pending task to running (manual run-now).
func (s *TaskStore) ClaimByID(ctx context.Context, id string) (task.Task, error) {
	return s.Transition(ctx, id, []task.Status{task.StatusPending}, task.StatusRunning, nil)
}

// AcquireRunSlot claims the run slot without waiting. The holder is the only
// process allowed to own a running task and keeps the slot until the task's
// terminal status is persisted. It fails with task.ErrConflict while the slot
// is held elsewhere.
func (s *TaskStore) AcquireRunSlot() (func(), error) {
	release, ok, err := s.slot.tryAcquire()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: another process is running a task", task.ErrConflict)
	}
	return release, nil
}

// RecoverInterrupted marks running tasks failed when their executor is gone,
// which is the case when nobody holds the run slot. While a live holder exists
// it changes nothing and returns no tasks.
func (s *TaskStore) RecoverInterrupted(ctx context.Context, reason string) ([]task.Task, error) {
	release, err := s.AcquireRunSlot()
	if errors.Is(err, task.ErrConflict) {
		s.log.Debug("run slot held, skipping interrupted-task recovery")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer release()

	var out []task.Task
	err = s.update(ctx, func(tasks []task.Task) ([]task.Task, bool, error) {
		for i := range tasks {
			if tasks[i].Status != task.StatusRunning {
				continue
			}
			tasks[i].Status = task.StatusFailed
			tasks[i].Error = reason
			s.stamp(&tasks[i])
			out = append(out, tasks[i].Clone())
		}
		return tasks, len(out) > 0, nil
	})
	return out, err
}

// stamp fills lifecycle timestamps implied by the status.
func (s *TaskStore) stamp(t *task.Task) {
	now := s.now()
	switch {
	case t.Status == task.StatusRunning:
		t.StartedAt = &now
		t.CompletedAt = nil
	case t.Status.IsTerminal() && t.CompletedAt == nil:
		t.CompletedAt = &now
	}
}

func indexOf(tasks []task.Task, id string) int {
	id = strings.TrimSpace(id)
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func runningIndex(tasks []task.Task) int {
	for i := range tasks {
		if tasks[i].Status == task.StatusRunning {
			return i
		}
	}
	return -1
}

func best(tasks []task.Task) int {
	i := -1
	for k := range tasks {
		if i < 0 || task.Less(tasks[k], tasks[i]) {
			i = k
		}
	}
	return i
}

func hasStatus(set []task.Status, s task.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

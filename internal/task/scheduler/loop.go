package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"scavenger/internal/eventbus"
	"scavenger/internal/storage"
	"scavenger/internal/task"
	"scavenger/internal/task/admission"
	"scavenger/internal/task/engine"
	"scavenger/internal/usage"
	logx "scavenger/pkg/logx"
)

// Loop is the single cooperative scheduling loop. At most one task is in
// flight; Tick blocks until that task reaches a terminal, recorded state.
type Loop struct {
	mu  sync.Mutex
	cfg Config

	store   TaskStore
	adm     Admitter
	runner  Runner
	history storage.History
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	busy atomic.Bool
	wake chan struct{}

	state        State
	current      *task.Task
	execCancel   context.CancelCauseFunc
	abortCause   error
	lastTick     time.Time
	lastDecision *admission.Decision
	errCount     int
	pausedUntil  time.Time

	// orphan is a task left running because its result could not be saved.
	orphan string

	retryDelay time.Duration
}

const saveAttempts = 5

// New wires a loop. history and bus may be nil.
func New(cfg Config, store TaskStore, adm Admitter, runner Runner, history storage.History, bus eventbus.Bus, log logx.Logger) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{
		cfg:     cfg.withDefaults(),
		store:   store,
		adm:     adm,
		runner:  runner,
		history: history,
		bus:     bus,
		log:     log,
		now:     time.Now,
		wake:    make(chan struct{}, 1),

		retryDelay: 250 * time.Millisecond,
	}
}

func (l *Loop) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg.withDefaults()
	l.mu.Unlock()
	l.Wake()
}

// Wake requests an immediate tick (e.g. after a config reload).
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{
		State:             l.state,
		LastTick:          l.lastTick,
		ConsecutiveErrors: l.errCount,
		PausedUntil:       l.pausedUntil,
		TickInterval:      l.cfg.TickInterval,
	}
	if l.current != nil {
		c := l.current.Clone()
		s.Current = &c
	}
	if l.lastDecision != nil {
		d := *l.lastDecision
		s.LastDecision = &d
	}
	return s
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Recover fails every task left running by an unclean shutdown and records
// it in history. It must run before the first tick. A task whose executor is
// still alive in another process holds the run slot and is left alone.
func (l *Loop) Recover(ctx context.Context) ([]task.Task, error) {
	return l.recoverWith(ctx, InterruptedReason)
}

func (l *Loop) recoverWith(ctx context.Context, reason string) ([]task.Task, error) {
	recovered, err := l.store.RecoverInterrupted(ctx, reason)
	if err != nil {
		return nil, err
	}
	for _, t := range recovered {
		l.log.Warn("recovered interrupted task", logx.String("task", t.ID))
		l.record(ctx, t)
		l.publish(eventbus.TaskRecovered, t)
	}
	return recovered, nil
}

// Run recovers, then ticks until ctx is done. Cancelling ctx is a graceful
// stop: a task already in flight runs to completion before Run returns.
// Use Abort for a forced stop.
func (l *Loop) Run(ctx context.Context) error {
	if _, err := l.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	defer l.setState(StateStopped)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-l.wake:
		}
		if _, err := l.Tick(ctx); err != nil && ctx.Err() == nil {
			l.log.Error("tick failed", logx.Err(err))
		}
		l.mu.Lock()
		every := l.cfg.TickInterval
		l.mu.Unlock()
		timer.Reset(every)
	}
}

// Tick performs one admission cycle. It reports whether a task ran.
func (l *Loop) Tick(ctx context.Context) (bool, error) {
	now := l.now()
	l.mu.Lock()
	l.lastTick = now
	paused := now.Before(l.pausedUntil)
	l.mu.Unlock()
	if paused {
		l.setState(StatePaused)
		return false, nil
	}
	if !l.busy.CompareAndSwap(false, true) {
		return false, nil
	}
	defer l.busy.Store(false)
	defer l.setState(StateIdle)

	if err := l.repairOrphan(ctx); err != nil {
		return false, err
	}

	l.setState(StateAdmitting)
	cand, ok, err := l.store.Next(ctx)
	if err != nil {
		l.loopError(err)
		return false, err
	}
	if !ok {
		return false, nil
	}

	d := l.adm.Decide(ctx, cand, now)
	l.mu.Lock()
	l.lastDecision = &d
	l.mu.Unlock()
	if !d.Admitted() {
		l.log.Debug("admission denied", logx.String("task", cand.ID), logx.String("verdict", d.Verdict.String()), logx.String("reason", d.Reason))
		l.publish(eventbus.AdmissionDenied, d)
		return false, nil
	}

	l.setState(StateSpawning)
	release, err := l.store.AcquireRunSlot()
	if errors.Is(err, task.ErrConflict) {
		// Out-of-band run-now holds the single slot.
		l.log.Info("another task is running, skipping tick")
		return false, nil
	}
	if err != nil {
		l.loopError(err)
		return false, err
	}
	defer release()

	t, ok, err := l.store.ClaimNext(ctx)
	if errors.Is(err, task.ErrConflict) {
		// The slot is ours, so the running record has no live executor.
		release()
		l.log.Warn("found running task without an executor")
		if _, err := l.recoverWith(ctx, OrphanedReason); err != nil {
			l.loopError(err)
			return false, err
		}
		l.Wake()
		return false, nil
	}
	if err != nil {
		l.loopError(err)
		return false, err
	}
	if !ok {
		return false, nil
	}
	l.publish(eventbus.TaskAdmitted, d)

	var before *usage.Reading
	if d.Known {
		r := d.Usage
		before = &r
	}
	_, err = l.execute(ctx, t, before)
	return true, err
}

// RunNow runs id immediately, bypassing window and budget. It fails with
// task.ErrConflict while any task is in flight, here or in another process.
func (l *Loop) RunNow(ctx context.Context, id string) (task.Task, error) {
	if !l.busy.CompareAndSwap(false, true) {
		return task.Task{}, fmt.Errorf("%w: a task is already in flight", task.ErrConflict)
	}
	defer l.busy.Store(false)
	defer l.setState(StateIdle)

	l.setState(StateSpawning)
	release, err := l.store.AcquireRunSlot()
	if err != nil {
		return task.Task{}, err
	}
	defer release()
	t, err := l.store.ClaimByID(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	l.log.Info("manual run", logx.String("task", t.ID))
	return l.execute(ctx, t, nil)
}

// Abort cancels the in-flight run (forced stop). The task still reaches a
// terminal, recorded status.
func (l *Loop) Abort(cause error) bool {
	if cause == nil {
		cause = context.Canceled
	}
	l.mu.Lock()
	l.abortCause = cause
	cancel := l.execCancel
	l.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel(cause)
	return true
}

// execute runs a claimed task and performs the terminal transition. The run
// is detached from ctx so a graceful stop lets it finish.
func (l *Loop) execute(ctx context.Context, t task.Task, before *usage.Reading) (task.Task, error) {
	execCtx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	l.mu.Lock()
	cur := t.Clone()
	l.current = &cur
	l.execCancel = cancel
	l.state = StateAwaiting
	if l.abortCause != nil {
		// Abort raced with the claim.
		cancel(l.abortCause)
	}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.current = nil
		l.execCancel = nil
		l.mu.Unlock()
	}()

	l.log.Info("task started", logx.String("task", t.ID), logx.Int("priority", t.Priority))
	res := l.runner.Run(execCtx, t, before)

	l.setState(StateRecording)
	rctx := context.WithoutCancel(ctx)
	final, err := l.save(rctx, t.ID, res)
	if err != nil {
		l.mu.Lock()
		l.orphan = t.ID
		l.mu.Unlock()
		l.loopError(err)
		return task.Task{}, fmt.Errorf("record result of %s: %w", t.ID, err)
	}
	l.record(rctx, final)

	if final.Status == task.StatusCompleted {
		l.resetErrors()
	} else if final.Status != task.StatusCancelled {
		l.countError()
	}
	return final, nil
}

// save performs the terminal transition, retrying store failures with
// backoff. Invalid transitions and missing tasks are not retried.
func (l *Loop) save(ctx context.Context, id string, res engine.Result) (task.Task, error) {
	delay := l.retryDelay
	for attempt := 1; ; attempt++ {
		final, err := l.store.Transition(ctx, id, []task.Status{task.StatusRunning}, res.Status, func(tk *task.Task) {
			tk.Error = res.Error
			tk.OutputSummary = res.OutputSummary
			tk.UsageEstimate = res.UsageEstimate
			done := l.now()
			tk.CompletedAt = &done
		})
		if err == nil {
			return final, nil
		}
		if attempt >= saveAttempts || errors.Is(err, task.ErrInvalidTransition) || errors.Is(err, task.ErrNotFound) {
			return task.Task{}, err
		}
		l.log.Warn("saving task result failed, retrying", logx.String("task", id), logx.Int("attempt", attempt), logx.Err(err))
		time.Sleep(delay)
		delay *= 2
	}
}

// repairOrphan fails a task left running by an unsaved result once the store
// accepts writes again.
func (l *Loop) repairOrphan(ctx context.Context) error {
	l.mu.Lock()
	id := l.orphan
	l.mu.Unlock()
	if id == "" {
		return nil
	}
	if _, err := l.recoverWith(ctx, OrphanedReason); err != nil {
		l.loopError(err)
		return err
	}
	l.mu.Lock()
	l.orphan = ""
	l.mu.Unlock()
	return nil
}

func (l *Loop) record(ctx context.Context, t task.Task) {
	if l.history == nil {
		return
	}
	if err := l.history.Record(ctx, storage.ExecutionFrom(t)); err != nil {
		l.log.Error("history record failed", logx.String("task", t.ID), logx.Err(err))
	}
}

func (l *Loop) loopError(err error) {
	l.log.Error("loop error", logx.Err(err))
	l.publish(eventbus.LoopError, err.Error())
	l.countError()
}

func (l *Loop) resetErrors() {
	l.mu.Lock()
	l.errCount = 0
	l.mu.Unlock()
}

func (l *Loop) countError() {
	l.mu.Lock()
	l.errCount++
	if l.errCount < l.cfg.MaxConsecutiveErrors {
		l.mu.Unlock()
		return
	}
	pause := l.cfg.TickInterval * time.Duration(l.cfg.PauseMultiplier)
	l.pausedUntil = l.now().Add(pause)
	n := l.errCount
	l.errCount = 0
	l.mu.Unlock()

	l.log.Warn("too many consecutive errors, pausing", logx.Int("errors", n), logx.Duration("pause", pause))
	l.publish(eventbus.LoopPaused, pause)
}

func (l *Loop) publish(typ string, data any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

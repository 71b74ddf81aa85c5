package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "scavenger/pkg/logx"
)

// Supervisor hosts the daemon's background goroutines (scheduler loop,
// config watcher, signal handler, HTTP endpoint) on a shared context.
//   - named goroutines for logs and /healthz
//   - panic recovery
//   - optional cancel-on-first-error
//   - timeout-aware Stop/Wait
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	errOnce  sync.Once
	firstErr atomic.Value // error

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	mu    sync.Mutex
	stats map[string]*Stats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first non-nil error
// from any goroutine.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// Stats is a best-effort per-name view for observability only.
type Stats struct {
	Name      string    `json:"name"`
	Active    int       `json:"active"`
	Started   int       `json:"started"`
	Restarts  int       `json:"restarts"`
	Panics    int       `json:"panics"`
	LastStart time.Time `json:"last_start"`
	LastStop  time.Time `json:"last_stop,omitempty"`
	LastErr   string    `json:"last_err,omitempty"`
}

type Snapshot struct {
	FirstError string  `json:"first_error,omitempty"`
	Goroutines []Stats `json:"goroutines"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		doneCh: make(chan struct{}),
		stats:  map[string]*Stats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error reported by a supervised goroutine.
func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Snapshot() Snapshot {
	var snap Snapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.stats {
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	s.mu.Unlock()
	sort.Slice(snap.Goroutines, func(i, j int) bool {
		return snap.Goroutines[i].Name < snap.Goroutines[j].Name
	})
	return snap
}

func (s *Supervisor) note(name string, fn func(st *Stats)) {
	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &Stats{Name: name}
		s.stats[name] = st
	}
	fn(st)
	s.mu.Unlock()
}

// runOnce calls fn, converting a panic into an error.
func (s *Supervisor) runOnce(name string, restart bool, fn func(ctx context.Context) error) (err error) {
	s.note(name, func(st *Stats) {
		st.Active++
		st.Started++
		if restart {
			st.Restarts++
		}
		st.LastStart = time.Now()
	})
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			s.note(name, func(st *Stats) { st.Panics++ })
			err = fmt.Errorf("panic: %v", r)
		}
		s.note(name, func(st *Stats) {
			st.Active--
			st.LastStop = time.Now()
			if err != nil && !errors.Is(err, context.Canceled) {
				st.LastErr = err.Error()
			}
		})
	}()
	return fn(s.ctx)
}

// Go runs fn once. A non-nil error (other than context.Canceled) or a panic
// is recorded as the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Debug("goroutine started", logx.String("name", name))
		err := s.runOnce(name, false, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <=0 means unlimited
}

// WithRestartBackoff configures the exponential backoff window used between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts and reports the last error.
// The initial run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// GoRestart runs fn and restarts it on error or panic with jittered
// exponential backoff until the context is cancelled. A nil return stops it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := cfg.minBackoff
		for restarts := 0; ; restarts++ {
			started := time.Now()
			err := s.runOnce(name, restarts > 0, fn)
			if s.ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return
			}
			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}
			// A long healthy run resets the backoff.
			if time.Since(started) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			wait := backoff
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(time.Now().UnixNano() % (j + 1))
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > cfg.maxBackoff {
				backoff = cfg.maxBackoff
			}
		}
	}()
}

// Stop cancels the context and waits for every goroutine or ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

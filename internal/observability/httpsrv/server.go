// Package httpsrv serves the optional local observability endpoint:
// /metrics, /healthz and (when enabled) /debug/pprof/.
package httpsrv

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "scavenger/internal/runtime/supervisor"
	logx "scavenger/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8121"

// Config controls the server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
}

// Routes are the handlers the server exposes. Health returns a JSON-able
// body and whether the daemon is healthy.
type Routes struct {
	Metrics http.Handler
	Health  func() (any, bool)
}

var ErrInsecureBind = errors.New("non-loopback addr requires token or allow_insecure")

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	routes Routes

	sup   *rtsup.Supervisor
	srv   *http.Server
	addr  string
	ready chan struct{}
}

func New(cfg Config, routes Routes, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, routes: routes, log: log}
}

// Addr is the bound address once listening, "" otherwise.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Ready is closed once the listener is bound. Nil if not started.
func (s *Service) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Reconfigure applies cfg and starts, stops or restarts the server if needed.
// Safe to call during hot reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent. The server self-heals under a restart loop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	// Observability is optional; never cancel the daemon on its errors.
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.ready = make(chan struct{})
	cfg := s.cfg
	ready := s.ready
	s.sup.GoRestart("http.serve", func(c context.Context) error {
		return s.serveOnce(c, cfg, ready)
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	if sup != nil {
		sup.Cancel()
	}
	s.sup, s.srv, s.addr = nil, nil, ""
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	_ = sup.Wait(ctx)
	s.log.Info("http endpoint stopped")
}

func (s *Service) serveOnce(ctx context.Context, cfg Config, ready chan struct{}) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	// Prevent accidental public exposure without auth.
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("http endpoint refused to start", logx.String("addr", addr), logx.Err(ErrInsecureBind))
		return ErrInsecureBind
	}
	if cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("http endpoint running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:           s.mux(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return context.Canceled
	}
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	select {
	case <-ready:
	default:
		close(ready)
	}

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http endpoint started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func (s *Service) mux(cfg Config) *http.ServeMux {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler { return withAuth(cfg.Token, h) }

	mux.Handle("/healthz", wrap(http.HandlerFunc(s.health)))
	if s.routes.Metrics != nil {
		mux.Handle("/metrics", wrap(s.routes.Metrics))
	}
	if cfg.Pprof {
		mux.Handle("/debug/pprof/", wrap(http.HandlerFunc(hpprof.Index)))
		mux.Handle("/debug/pprof/cmdline", wrap(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", wrap(http.HandlerFunc(hpprof.Profile)))
		mux.Handle("/debug/pprof/symbol", wrap(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle("/debug/pprof/trace", wrap(http.HandlerFunc(hpprof.Trace)))
	}
	return mux
}

func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	var (
		body any = map[string]string{"status": "ok"}
		ok       = true
	)
	if s.routes.Health != nil {
		body, ok = s.routes.Health()
	}
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

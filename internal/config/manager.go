package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "scavenger/pkg/logx"
)

type ConfigManager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards subscriber list and ensures we never send on a channel
	// that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan *Config

	log logx.Logger

	// lastHash tracks the last successfully committed config content.
	// Editors often emit several write events for one save.
	lastHash uint64
}

func NewConfigManager(path string, log logx.Logger) *ConfigManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ConfigManager{path: path, log: log}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		return
	}
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

func (m *ConfigManager) logger() logx.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.log
}

// Parse reads and decodes the config file without validating it. A missing
// file yields Default().
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

// Decode parses JSON (strict) or YAML bytes over the defaults. path only
// selects the format.
func Decode(path string, b []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	// A listed day table replaces the default one instead of merging into it.
	defaultDays := cfg.Limits.UsageLimitByDay
	cfg.Limits.UsageLimitByDay = nil

	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	if cfg.Limits.UsageLimitByDay == nil {
		cfg.Limits.UsageLimitByDay = defaultDays
	}
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

// Load parses, validates and commits the config file.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", m.path, err)
	}
	m.Commit(cfg)
	return cfg, nil
}

// Get returns the committed snapshot. Callers must not mutate it.
func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file and publishes it to subscribers when it changed.
// An invalid file is rejected and the previous snapshot stays in effect.
func (m *ConfigManager) Reload(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cfg, err := m.Parse()
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", m.path, err)
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.logger().Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return false, nil
	}

	if err := Validate(cfg); err != nil {
		return false, fmt.Errorf("invalid config %s: %w", m.path, err)
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.logger().Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
	return true, nil
}

// Save validates cfg and writes it as indented JSON via temp file + rename.
func (m *ConfigManager) Save(cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(m.path), "."+filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	m.Commit(cfg)
	return nil
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			// swap-remove (order doesn't matter)
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		// Always try to deliver the latest config.
		// If subscriber is slow and buffer is full, drop ONE oldest item then push the newest.
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
				m.logger().Debug(
					"config update dropped (subscriber slow)",
					logx.Int("queue_len", len(ch)),
					logx.Int("queue_cap", cap(ch)),
				)
			}
		}
	}
}

// Watch reloads the config whenever the file changes, until ctx is done.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	// Self-heal a broken watcher by recreating it with a small exponential backoff.
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return wait
	}

	// debounce to avoid partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		m.logger().Debug("config change detected; scheduling reload", logx.String("path", m.path))
		timer = time.AfterFunc(250*time.Millisecond, func() {
			if ctx.Err() != nil {
				return
			}
			if _, err := m.Reload(ctx); err != nil {
				m.logger().Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.logger().Warn("config watch init failed", logx.Err(err), logx.String("dir", dir))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(nextWait()):
				continue
			}
		}

		backoff = restartBackoffBase
		m.logger().Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				// Compare by basename (more robust across absolute/relative paths).
				if strings.EqualFold(filepath.Base(ev.Name), file) {
					if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
						debounce()
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					m.logger().Warn("config watch overflow; forcing reload", logx.Err(err), logx.String("dir", dir))
					debounce()
					continue
				}
				m.logger().Warn("config watch error", logx.Err(err), logx.String("dir", dir))
				if errors.Is(err, fsnotify.ErrClosed) {
					broken = true
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := nextWait()
		m.logger().Warn("config watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "scavenger/pkg/logx"
)

// DefaultCleanSchedule runs retention daily at 03:30 in the configured zone.
const DefaultCleanSchedule = "30 3 * * *"

// parser accepts both 5-field and 6-field (with seconds) specs plus @daily style descriptors.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec reports whether spec is a usable cron expression.
func ValidateSpec(spec string) error {
	if _, err := parser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}

// Maintenance runs a housekeeping job (history and task log retention) on a
// cron schedule, outside the task loop.
type Maintenance struct {
	mu      sync.Mutex
	c       *cron.Cron
	entry   cron.EntryID
	spec    string
	loc     *time.Location
	timeout time.Duration

	job func(ctx context.Context) error
	log logx.Logger
}

func NewMaintenance(job func(ctx context.Context) error, log logx.Logger) *Maintenance {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Maintenance{job: job, log: log, loc: time.Local, timeout: 5 * time.Minute}
}

// Apply sets the schedule. A running cron is restarted when the spec or zone
// changes. An empty spec disables the job.
func (m *Maintenance) Apply(spec string, loc *time.Location) error {
	spec = strings.TrimSpace(spec)
	if spec != "" {
		if err := ValidateSpec(spec); err != nil {
			return err
		}
	}
	if loc == nil {
		loc = time.Local
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := spec != m.spec || loc.String() != m.loc.String()
	m.spec = spec
	m.loc = loc
	if m.c != nil && changed {
		m.restartLocked()
	}
	return nil
}

func (m *Maintenance) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return
	}
	m.restartLocked()
}

func (m *Maintenance) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Next returns the next scheduled run, zero if disabled or stopped.
func (m *Maintenance) Next() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil || m.entry == 0 {
		return time.Time{}
	}
	return m.c.Entry(m.entry).Next
}

// RunNow executes the job synchronously.
func (m *Maintenance) RunNow(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	start := time.Now()
	err := m.job(ctx)
	if err != nil {
		m.log.Warn("maintenance failed", logx.Err(err), logx.Duration("took", time.Since(start)))
	} else {
		m.log.Debug("maintenance done", logx.Duration("took", time.Since(start)))
	}
	return err
}

// restartLocked rebuilds the cron. Call with m.mu held.
func (m *Maintenance) restartLocked() {
	if m.c != nil {
		<-m.c.Stop().Done()
	}
	m.c = cron.New(cron.WithParser(parser), cron.WithLocation(m.loc))
	m.entry = 0
	if m.spec != "" {
		id, err := m.c.AddFunc(m.spec, func() { _ = m.RunNow(context.Background()) })
		if err != nil {
			m.log.Warn("maintenance schedule rejected", logx.String("spec", m.spec), logx.Err(err))
		} else {
			m.entry = id
		}
	}
	m.c.Start()
	m.log.Info("maintenance scheduled", logx.String("spec", m.spec), logx.String("tz", m.loc.String()))
}

// Package admission decides whether a pending task may start now.
//
// The decision combines the active-hours window and the daily usage budget.
// Unknown usage (oracle failure or unparseable output) always denies.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"scavenger/internal/task"
	"scavenger/internal/usage"
	logx "scavenger/pkg/logx"
)

type Verdict int

const (
	Admit Verdict = iota
	DenyWindow
	DenyBudget
	DenyOracleUnavailable
)

func (v Verdict) String() string {
	switch v {
	case Admit:
		return "admit"
	case DenyWindow:
		return "deny_window"
	case DenyBudget:
		return "deny_budget"
	case DenyOracleUnavailable:
		return "deny_oracle_unavailable"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Decision is the outcome of Decide. Usage and Remaining are only
// meaningful when Known is true.
type Decision struct {
	Verdict   Verdict
	Reason    string
	TaskID    string
	Ceiling   float64
	Usage     usage.Reading
	Remaining float64
	Known     bool
	Err       error
}

func (d Decision) Admitted() bool { return d.Verdict == Admit }

// Remaining is a budget lookup result; Known=false means the oracle could
// not tell and callers must not treat it as zero usage.
type Remaining struct {
	Ceiling float64
	Reading usage.Reading
	Value   float64
	Known   bool
	Err     error
}

// Policy is the admission-relevant slice of config.
type Policy struct {
	Window Window
	Budget Budget
}

type Controller struct {
	mu     sync.RWMutex
	policy Policy

	oracle usage.Oracle
	log    logx.Logger
}

func New(p Policy, oracle usage.Oracle, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{policy: p, oracle: oracle, log: log}
}

// Apply swaps the policy (config reload).
func (c *Controller) Apply(p Policy) {
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
}

func (c *Controller) Policy() Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

func (c *Controller) InWindow(now time.Time) bool {
	return c.Policy().Window.Contains(now)
}

// RemainingBudget returns ceiling minus reported usage for the budget day
// containing now.
func (c *Controller) RemainingBudget(ctx context.Context, now time.Time) Remaining {
	p := c.Policy()
	r := Remaining{Ceiling: p.Budget.CeilingFor(now)}
	if c.oracle == nil {
		r.Err = usage.ErrOracleUnavailable
		return r
	}
	reading, err := c.oracle.Usage(ctx)
	if err != nil {
		r.Err = err
		return r
	}
	r.Reading = reading
	r.Value = r.Ceiling - reading.Percent
	r.Known = true
	return r
}

// Decide checks the window first (no oracle call outside it), then the budget.
func (c *Controller) Decide(ctx context.Context, t task.Task, now time.Time) Decision {
	p := c.Policy()
	d := Decision{TaskID: t.ID}

	if !p.Window.Contains(now) {
		d.Verdict = DenyWindow
		d.Reason = fmt.Sprintf("outside active hours %s-%s", p.Window.Start, p.Window.End)
		return d
	}

	rem := c.RemainingBudget(ctx, now)
	d.Ceiling = rem.Ceiling
	if !rem.Known {
		d.Verdict = DenyOracleUnavailable
		d.Err = rem.Err
		d.Reason = fmt.Sprintf("usage unknown: %v", rem.Err)
		c.log.Warn("usage oracle unavailable, denying admission", logx.Err(rem.Err))
		return d
	}
	d.Usage = rem.Reading
	d.Remaining = rem.Value
	d.Known = true
	if rem.Value <= 0 {
		d.Verdict = DenyBudget
		d.Reason = fmt.Sprintf("usage limit reached (%.1f%% >= %.0f%%)", rem.Reading.Percent, rem.Ceiling)
		return d
	}
	d.Verdict = Admit
	d.Reason = fmt.Sprintf("usage %.1f%% of %.0f%%", rem.Reading.Percent, rem.Ceiling)
	return d
}

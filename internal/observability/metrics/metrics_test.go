package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"scavenger/internal/eventbus"
	"scavenger/internal/task"
	"scavenger/internal/task/admission"
	"scavenger/internal/task/engine"
	"scavenger/internal/usage"
)

func TestObserveEvents(t *testing.T) {
	t.Parallel()
	m := New()

	m.Observe(eventbus.Event{Type: eventbus.AdmissionDenied, Data: admission.Decision{Verdict: admission.DenyBudget, Known: true, Usage: usage.Reading{Percent: 12}, Remaining: -2}})
	m.Observe(eventbus.Event{Type: eventbus.TaskAdmitted, Data: admission.Decision{Verdict: admission.Admit, Known: true, Usage: usage.Reading{Percent: 4}, Remaining: 6}})
	m.Observe(eventbus.Event{Type: eventbus.TaskSpawned, Data: engine.Event{TaskID: "a", Status: task.StatusRunning}})
	if got := testutil.ToFloat64(m.inFlight); got != 1 {
		t.Fatalf("in flight = %v, want 1", got)
	}
	m.Observe(eventbus.Event{Type: eventbus.TaskFinished, Data: engine.Event{TaskID: "a", Status: task.StatusCompleted, Duration: 3 * time.Second}})
	m.Observe(eventbus.Event{Type: eventbus.TaskFinished, Data: engine.Event{TaskID: "b", Status: task.StatusTimedOut, Duration: time.Minute}})
	m.Observe(eventbus.Event{Type: eventbus.HistoryCleaned, Data: 3})
	m.Observe(eventbus.Event{Type: eventbus.LoopError, Data: "boom"})
	m.Observe(eventbus.Event{Type: "unknown"})

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"deny_budget", testutil.ToFloat64(m.decisions.WithLabelValues("deny_budget")), 1},
		{"admit", testutil.ToFloat64(m.decisions.WithLabelValues("admit")), 1},
		{"usage", testutil.ToFloat64(m.usagePercent), 4},
		{"remaining", testutil.ToFloat64(m.budgetLeft), 6},
		{"completed", testutil.ToFloat64(m.tasksFinished.WithLabelValues("completed")), 1},
		{"timed_out", testutil.ToFloat64(m.tasksFinished.WithLabelValues("timed_out")), 1},
		{"in flight", testutil.ToFloat64(m.inFlight), 0},
		{"cleaned", testutil.ToFloat64(m.historyCleaned), 3},
		{"loop errors", testutil.ToFloat64(m.loopErrors), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestQueueCollectorAndHandler(t *testing.T) {
	t.Parallel()
	m := New()
	err := m.WatchQueue(func(ctx context.Context) (map[task.Status]int, error) {
		return map[task.Status]int{task.StatusPending: 2, task.StatusFailed: 1}, nil
	})
	if err != nil {
		t.Fatalf("WatchQueue error: %v", err)
	}

	expected := `
# HELP scavenger_tasks Tasks in the store, by status
# TYPE scavenger_tasks gauge
scavenger_tasks{status="cancelled"} 0
scavenger_tasks{status="completed"} 0
scavenger_tasks{status="failed"} 1
scavenger_tasks{status="pending"} 2
scavenger_tasks{status="running"} 0
scavenger_tasks{status="timed_out"} 0
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "scavenger_tasks"); err != nil {
		t.Fatalf("GatherAndCompare: %v", err)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "scavenger_task_in_flight") {
		t.Fatalf("handler status=%d body missing metrics", rec.Code)
	}
}

func TestQueueCollectorError(t *testing.T) {
	t.Parallel()
	m := New()
	_ = m.WatchQueue(func(ctx context.Context) (map[task.Status]int, error) {
		return nil, errors.New("locked")
	})
	if _, err := m.Registry().Gather(); err == nil {
		t.Fatal("Gather should surface the collector error")
	}
}

// Package metrics exposes daemon activity as Prometheus collectors. All
// collectors live on a private registry fed from the event bus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scavenger/internal/eventbus"
	"scavenger/internal/task"
	"scavenger/internal/task/admission"
	"scavenger/internal/task/engine"
)

const namespace = "scavenger"

type Metrics struct {
	reg *prometheus.Registry

	// Counters
	tasksFinished  *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	tasksRecovered prometheus.Counter
	loopErrors     prometheus.Counter
	loopPauses     prometheus.Counter
	configReloads  prometheus.Counter
	historyCleaned prometheus.Counter

	// Gauges
	inFlight      prometheus.Gauge
	usagePercent  prometheus.Gauge
	budgetLeft    prometheus.Gauge
	lastFinishSec prometheus.Gauge

	// Histograms
	taskDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_finished_total",
				Help:      "Tasks that reached a terminal status, by status",
			},
			[]string{"status"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_decisions_total",
				Help:      "Admission decisions, by verdict",
			},
			[]string{"verdict"},
		),
		tasksRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_recovered_total",
			Help:      "Tasks found running at startup and marked failed",
		}),
		loopErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_errors_total",
			Help:      "Scheduler loop errors",
		}),
		loopPauses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_pauses_total",
			Help:      "Pauses after too many consecutive errors",
		}),
		configReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Applied configuration reloads",
		}),
		historyCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_files_removed_total",
			Help:      "History day logs and task logs removed by retention",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_in_flight",
			Help:      "1 while a runner process is executing",
		}),
		usagePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "usage_percent",
			Help:      "Last usage percentage reported by the oracle",
		}),
		budgetLeft: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_remaining_percent",
			Help:      "Ceiling minus usage at the last known decision",
		}),
		lastFinishSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_task_finished_timestamp_seconds",
			Help:      "Unix time of the last terminal task",
		}),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Runner process duration in seconds",
				Buckets:   []float64{1, 10, 30, 60, 300, 600, 1200, 1800, 3600},
			},
			[]string{"status"},
		),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tasksFinished,
		m.decisions,
		m.tasksRecovered,
		m.loopErrors,
		m.loopPauses,
		m.configReloads,
		m.historyCleaned,
		m.inFlight,
		m.usagePercent,
		m.budgetLeft,
		m.lastFinishSec,
		m.taskDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// WatchQueue registers a gauge of task counts per status, read from fn at
// scrape time.
func (m *Metrics) WatchQueue(fn func(ctx context.Context) (map[task.Status]int, error)) error {
	return m.reg.Register(&queueCollector{
		fn: fn,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tasks"),
			"Tasks in the store, by status",
			[]string{"status"}, nil,
		),
	})
}

// Observe updates collectors for one bus event. Unknown types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TaskAdmitted, eventbus.AdmissionDenied:
		d, ok := e.Data.(admission.Decision)
		if !ok {
			return
		}
		m.decisions.WithLabelValues(d.Verdict.String()).Inc()
		if d.Known {
			m.usagePercent.Set(d.Usage.Percent)
			m.budgetLeft.Set(d.Remaining)
		}
	case eventbus.TaskSpawned:
		m.inFlight.Set(1)
	case eventbus.TaskFinished:
		m.inFlight.Set(0)
		ev, ok := e.Data.(engine.Event)
		if !ok {
			return
		}
		m.tasksFinished.WithLabelValues(string(ev.Status)).Inc()
		m.taskDuration.WithLabelValues(string(ev.Status)).Observe(ev.Duration.Seconds())
		at := e.Time
		if at.IsZero() {
			at = time.Now()
		}
		m.lastFinishSec.Set(float64(at.Unix()))
	case eventbus.TaskRecovered:
		m.tasksRecovered.Inc()
	case eventbus.LoopError:
		m.loopErrors.Inc()
	case eventbus.LoopPaused:
		m.loopPauses.Inc()
	case eventbus.ConfigReloaded:
		m.configReloads.Inc()
	case eventbus.HistoryCleaned:
		if n, ok := e.Data.(int); ok && n > 0 {
			m.historyCleaned.Add(float64(n))
		}
	}
}

type queueCollector struct {
	fn   func(ctx context.Context) (map[task.Status]int, error)
	desc *prometheus.Desc
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	counts, err := c.fn(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	for _, s := range task.Statuses {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[s]), string(s))
	}
}

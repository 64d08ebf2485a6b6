// Package metrics exposes Prometheus collectors for orchestrator activity:
// task lifecycle counters, stage and task duration histograms, queue depth
// gauges, and dead letter counts.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	stageBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}
	taskBuckets  = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}
)

// Metrics holds every collector the orchestrator reports. All record methods
// are nil-safe so optional wiring stays cheap.
type Metrics struct {
	tasksCreated  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	stageRetries  *prometheus.CounterVec
	deadLetters   *prometheus.CounterVec
	tasksActive   prometheus.Gauge
	queuePending  *prometheus.GaugeVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// Default returns the package-level instance registered with the global
// Prometheus registry. Collectors are created once to avoid duplicate
// registration panics when several components ask for metrics.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNew(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNew constructs a Metrics instance on the provided registerer. Tests
// pass a fresh registry; a registration conflict on an existing registry
// reuses the existing collector, any other registration error panics, which
// mirrors promauto semantics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		tasksCreated: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp",
			Name:      "tasks_created_total",
			Help:      "Tasks accepted by the coordinator, by template.",
		}, []string{"template"})),
		tasksFinished: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"status", "template"})),
		taskDuration: registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcp",
			Name:      "task_duration_seconds",
			Help:      "Wall time from task creation to terminal status.",
			Buckets:   taskBuckets,
		}, []string{"status", "template"})),
		stageDuration: registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcp",
			Name:      "stage_duration_seconds",
			Help:      "Dispatch-to-completion duration of one stage execution.",
			Buckets:   stageBuckets,
		}, []string{"stage", "status"})),
		stageRetries: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp",
			Name:      "stage_retries_total",
			Help:      "Stage executions that were re-dispatched after a timeout.",
		}, []string{"stage"})),
		deadLetters: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp",
			Name:      "dead_letters_total",
			Help:      "Messages moved to the dead letter queue.",
		}, []string{"queue", "kind"})),
		tasksActive: registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcp",
			Name:      "tasks_active",
			Help:      "Tasks currently being executed by the coordinator.",
		})),
		queuePending: registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcp",
			Name:      "queue_pending_messages",
			Help:      "Messages waiting in each work queue at the last poll.",
		}, []string{"queue"})),
	}
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(*prometheus.CounterVec)
		}
		panic(err)
	}
	return c
}

func registerHistogramVec(reg prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(h); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(*prometheus.HistogramVec)
		}
		panic(err)
	}
	return h
}

func registerGaugeVec(reg prometheus.Registerer, g *prometheus.GaugeVec) *prometheus.GaugeVec {
	if err := reg.Register(g); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(*prometheus.GaugeVec)
		}
		panic(err)
	}
	return g
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge) prometheus.Gauge {
	if err := reg.Register(g); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(prometheus.Gauge)
		}
		panic(err)
	}
	return g
}

// TaskStarted records a newly accepted task.
func (m *Metrics) TaskStarted(template string) {
	if m == nil {
		return
	}
	m.tasksCreated.WithLabelValues(template).Inc()
	m.tasksActive.Inc()
}

// TaskFinished records a task reaching a terminal status.
func (m *Metrics) TaskFinished(template, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(status, template).Inc()
	m.taskDuration.WithLabelValues(status, template).Observe(duration.Seconds())
	m.tasksActive.Dec()
}

// ObserveStageDuration records the time one stage execution took.
func (m *Metrics) ObserveStageDuration(stage string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// IncStageRetry increments the retry counter for a stage.
func (m *Metrics) IncStageRetry(stage string) {
	if m == nil {
		return
	}
	m.stageRetries.WithLabelValues(stage).Inc()
}

// IncDeadLetter counts a message landing on the dead letter queue.
func (m *Metrics) IncDeadLetter(queue, kind string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(queue, kind).Inc()
}

// SetQueuePending records the depth of a work queue.
func (m *Metrics) SetQueuePending(queue string, pending uint64) {
	if m == nil {
		return
	}
	m.queuePending.WithLabelValues(queue).Set(float64(pending))
}

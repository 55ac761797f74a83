// Package metrics owns the Prometheus collectors of the engine. Each Metrics
// value has its own registry so tests can build as many as they need.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/phrazzld/conductor/internal/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conductor"

// Lease outcomes reported by ObserveLease.
const (
	LeaseAcquired = "acquired"
	LeaseBusy     = "busy"
	LeaseLost     = "lost"
	LeaseReleased = "released"
)

// Metrics groups the collectors updated by services, workers and sweeps.
type Metrics struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	execDuration  *prometheus.HistogramVec
	claimDuration *prometheus.HistogramVec
	queueWait     *prometheus.HistogramVec
	leaseEvents   *prometheus.CounterVec
	sweepRuns     *prometheus.CounterVec
	sweepAffected *prometheus.CounterVec
	tasksByStatus *prometheus.GaugeVec
	workersBusy   prometheus.Gauge
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task lifecycle transitions by queue and event.",
		}, []string{"queue", "event"}),
		execDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_exec_duration_seconds",
			Help:      "Time from start to completion or failure of a task attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"queue", "task_type", "outcome"}),
		claimDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_duration_seconds",
			Help:      "Time taken to dequeue and lease a batch of tasks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		queueWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_duration_seconds",
			Help:      "Time a task spent queued before it started running.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"queue"}),
		leaseEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_events_total",
			Help:      "Lease acquisitions, contention, losses and releases.",
		}, []string{"outcome"}),
		sweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Maintenance sweep runs by job and outcome.",
		}, []string{"job", "outcome"}),
		sweepAffected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_affected_total",
			Help:      "Rows changed by maintenance sweeps.",
		}, []string{"job"}),
		tasksByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Current number of tasks by queue and status.",
		}, []string{"queue", "status"}),
		workersBusy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Worker slots currently executing a task.",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveTransition counts a lifecycle event of a task in queue.
func (m *Metrics) ObserveTransition(queue, event string) {
	m.transitions.WithLabelValues(queue, event).Inc()
}

// ObserveExecution records how long an attempt ran.
func (m *Metrics) ObserveExecution(queue, taskType, outcome string, d time.Duration) {
	m.execDuration.WithLabelValues(queue, taskType, outcome).Observe(d.Seconds())
}

// ObserveClaim records the time a claim round took.
func (m *Metrics) ObserveClaim(queue string, d time.Duration) {
	m.claimDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// ObserveQueueWait records the time between submission and start.
func (m *Metrics) ObserveQueueWait(queue string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	m.queueWait.WithLabelValues(queue).Observe(d.Seconds())
}

// ObserveLease counts a lease outcome.
func (m *Metrics) ObserveLease(outcome string) {
	m.leaseEvents.WithLabelValues(outcome).Inc()
}

// ObserveSweep counts a sweep run and the rows it touched.
func (m *Metrics) ObserveSweep(job string, affected int64, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.sweepRuns.WithLabelValues(job, outcome).Inc()
	if affected > 0 {
		m.sweepAffected.WithLabelValues(job).Add(float64(affected))
	}
}

// SetTaskCounts replaces the per-status gauges of queue.
func (m *Metrics) SetTaskCounts(queue string, counts map[string]int64) {
	for status, n := range counts {
		m.tasksByStatus.WithLabelValues(queue, status).Set(float64(n))
	}
}

// WorkerBusy adjusts the busy-slot gauge by delta.
func (m *Metrics) WorkerBusy(delta int) {
	m.workersBusy.Add(float64(delta))
}

var _ events.EventHandler = (*Metrics)(nil)

// HandleEvent implements events.EventHandler. Every event counts as a
// transition; dequeues also record queue wait and finished attempts their
// duration.
func (m *Metrics) HandleEvent(_ context.Context, e *events.TaskEvent) error {
	m.ObserveTransition(e.QueueName, string(e.Type))
	switch e.Type {
	case events.TaskDequeued:
		m.ObserveQueueWait(e.QueueName, e.QueueWait)
	case events.TaskCompleted, events.TaskFailed:
		if e.DurationMs != nil {
			m.ObserveExecution(e.QueueName, e.TaskType, string(e.Type), time.Duration(*e.DurationMs)*time.Millisecond)
		}
	}
	return nil
}

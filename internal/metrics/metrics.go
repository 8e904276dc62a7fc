// Package metrics holds the Prometheus collectors for the pipeline. Every
// method is safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	jobsEnqueued        *prometheus.CounterVec
	jobsClaimed         *prometheus.CounterVec
	jobsFinished        *prometheus.CounterVec
	jobsRequeued        *prometheus.CounterVec
	rows                *prometheus.CounterVec
	sessionDuration     *prometheus.HistogramVec
	breakerTrips        *prometheus.CounterVec
	invariantViolations *prometheus.CounterVec
	transientErrors     *prometheus.CounterVec
	runningSessions     prometheus.Gauge
	queueDepth          prometheus.Gauge
}

// New builds a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_jobs_enqueued_total", Help: "Jobs accepted into the queue",
		}, []string{"plugin"}),
		jobsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_jobs_claimed_total", Help: "Jobs moved from queued to running",
		}, []string{"plugin"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_jobs_finished_total", Help: "Jobs that reached a terminal status",
		}, []string{"plugin", "status", "outcome"}),
		jobsRequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_jobs_requeued_total", Help: "Jobs sent back to queued",
		}, []string{"plugin", "reason"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_rows_total", Help: "Rows produced by plugins, by disposition",
		}, []string{"plugin", "disposition"}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quarry_session_duration_seconds",
			Help:    "Wall-clock length of plugin sessions",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"plugin", "termination"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_breaker_trips_total", Help: "Circuit breaker transitions to paused",
		}, []string{"plugin"}),
		invariantViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_invariant_violations_total", Help: "Operations refused because they would break a store invariant",
		}, []string{"kind"}),
		transientErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_transient_errors_total", Help: "Infrastructure errors retried by the dispatcher",
		}, []string{"op"}),
		runningSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quarry_running_sessions", Help: "Plugin sessions currently outstanding",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quarry_queue_depth", Help: "Jobs in queued status at the last poll",
		}),
	}
	m.reg.MustRegister(
		m.jobsEnqueued, m.jobsClaimed, m.jobsFinished, m.jobsRequeued, m.rows,
		m.sessionDuration, m.breakerTrips, m.invariantViolations, m.transientErrors,
		m.runningSessions, m.queueDepth,
	)
	return m
}

// Handler serves this registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) JobEnqueued(plugin string) {
	if m == nil {
		return
	}
	m.jobsEnqueued.WithLabelValues(plugin).Inc()
}

func (m *Metrics) JobClaimed(plugin string) {
	if m == nil {
		return
	}
	m.jobsClaimed.WithLabelValues(plugin).Inc()
}

func (m *Metrics) JobFinished(plugin, status, outcome string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(plugin, status, outcome).Inc()
}

func (m *Metrics) JobRequeued(plugin, reason string) {
	if m == nil {
		return
	}
	m.jobsRequeued.WithLabelValues(plugin, reason).Inc()
}

func (m *Metrics) Rows(plugin string, ok, quarantined int64) {
	if m == nil {
		return
	}
	m.rows.WithLabelValues(plugin, "ok").Add(float64(ok))
	m.rows.WithLabelValues(plugin, "quarantined").Add(float64(quarantined))
}

func (m *Metrics) Session(plugin, termination string, d time.Duration) {
	if m == nil {
		return
	}
	m.sessionDuration.WithLabelValues(plugin, termination).Observe(d.Seconds())
}

func (m *Metrics) BreakerTripped(plugin string) {
	if m == nil {
		return
	}
	m.breakerTrips.WithLabelValues(plugin).Inc()
}

// InvariantViolation counts a refused operation that indicates a bug, such
// as a double claim or a duplicate promotion.
func (m *Metrics) InvariantViolation(kind string) {
	if m == nil {
		return
	}
	m.invariantViolations.WithLabelValues(kind).Inc()
}

func (m *Metrics) TransientError(op string) {
	if m == nil {
		return
	}
	m.transientErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.runningSessions.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.runningSessions.Dec()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

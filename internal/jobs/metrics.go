package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs            *prometheus.CounterVec
	failures        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	payments        *prometheus.CounterVec
	redistributions *prometheus.CounterVec
	watchdogAlerts  prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddPayment increments the matcher outcome counter for a provider.
func (m *Metrics) AddPayment(provider, outcome string) {
	if m == nil {
		return
	}
	if provider == "" {
		provider = "unknown"
	}
	m.payments.WithLabelValues(provider, outcome).Inc()
}

// ObserveRedistribution records one member redistribution run.
func (m *Metrics) ObserveRedistribution(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.redistributions.WithLabelValues(status).Inc()
}

// AddWatchdogAlert counts payment feed alerts raised by the watchdog.
func (m *Metrics) AddWatchdogAlert() {
	if m == nil {
		return
	}
	m.watchdogAlerts.Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_billing_payments_total",
		Help: "Payment records processed by the matcher grouped by provider and outcome.",
	}, []string{"provider", "outcome"})
	redistributions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_billing_redistributions_total",
		Help: "Member redistribution runs partitioned by status.",
	}, []string{"status"})
	watchdogAlerts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_billing_watchdog_alerts_total",
		Help: "Alerts raised because no payments were matched in the watchdog window.",
	})
	registerer.MustRegister(runs, failures, duration, payments, redistributions, watchdogAlerts)
	return &Metrics{
		runs:            runs,
		failures:        failures,
		duration:        duration,
		payments:        payments,
		redistributions: redistributions,
		watchdogAlerts:  watchdogAlerts,
	}
}

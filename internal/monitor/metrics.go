package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the harness.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	LimitViolations   *prometheus.CounterVec
	Cancellations     prometheus.Counter
	APICalls          *prometheus.CounterVec
	APILatency        *prometheus.HistogramVec
	SecurityEvents    *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	ScriptSizeBytes   prometheus.Histogram
	PeakMemoryBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "harness",
				Name:      "executions_total",
				Help:      "Total number of script executions by status and reason.",
			},
			[]string{"status", "reason"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "harness",
				Name:      "execution_duration_seconds",
				Help:      "Duration of script executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"status"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "harness",
				Name:      "execution_errors_total",
				Help:      "Total requests rejected before execution, by type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "harness",
				Name:      "active_executions",
				Help:      "Number of currently running script executions.",
			},
		),

		LimitViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "harness",
				Name:      "limit_violations_total",
				Help:      "Runs stopped by a resource limit, by limit type.",
			},
			[]string{"type"},
		),

		Cancellations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "harness",
				Name:      "cancellations_total",
				Help:      "Runs cancelled by a caller.",
			},
		),

		APICalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "harness",
				Subsystem: "platform",
				Name:      "calls_total",
				Help:      "Mocked platform API calls by operation and result.",
			},
			[]string{"operation", "result"},
		),

		APILatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "harness",
				Subsystem: "platform",
				Name:      "call_duration_seconds",
				Help:      "Simulated latency of mocked platform API calls.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation"},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "harness",
				Name:      "security_events_total",
				Help:      "Total suspicious idioms found in submitted scripts.",
			},
			[]string{"type"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "harness",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		ScriptSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "harness",
				Name:      "script_size_bytes",
				Help:      "Size of executed scripts in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		PeakMemoryBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "harness",
				Name:      "peak_memory_bytes",
				Help:      "Approximate peak memory of script executions.",
				Buckets:   prometheus.ExponentialBuckets(1<<16, 4, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.LimitViolations,
		m.Cancellations,
		m.APICalls,
		m.APILatency,
		m.SecurityEvents,
		m.RequestsInFlight,
		m.ScriptSizeBytes,
		m.PeakMemoryBytes,
	)

	return m
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(status, reason string, durationSec float64, peakMemory int64) {
	m.ExecutionsTotal.WithLabelValues(status, reason).Inc()
	m.ExecutionDuration.WithLabelValues(status).Observe(durationSec)
	m.PeakMemoryBytes.Observe(float64(peakMemory))

	switch reason {
	case "timeout", "memory_exceeded", "quota_exceeded":
		m.LimitViolations.WithLabelValues(reason).Inc()
	case "cancelled":
		m.Cancellations.Inc()
	}
}

// RecordError records a rejected request by type.
func (m *Metrics) RecordError(errType string) {
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordSecurityEvent records a security finding.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}

// ObserveAPICall records one mocked platform call.
func (m *Metrics) ObserveAPICall(operation, result string, latency time.Duration) {
	m.APICalls.WithLabelValues(operation, result).Inc()
	if result == "ok" {
		m.APILatency.WithLabelValues(operation).Observe(latency.Seconds())
	}
}

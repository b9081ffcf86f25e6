package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for crmdispatch
type Metrics struct {
	// Delivery counters
	MessagesSentTotal   prometheus.Counter
	MessagesFailedTotal *prometheus.CounterVec

	// Dispatcher
	BatchesTotal        prometheus.Counter
	TicksTotal          *prometheus.CounterVec
	TickDurationSeconds prometheus.Histogram
	PendingRecipients   prometheus.Gauge
	QuotaExhaustedTotal prometheus.Counter

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crmdispatch_messages_sent_total",
				Help: "Total number of campaign messages accepted by the relay",
			},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmdispatch_messages_failed_total",
				Help: "Total number of ledger rows marked failed",
			},
			[]string{"reason"},
		),

		BatchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crmdispatch_batches_total",
				Help: "Total number of campaign batches dispatched",
			},
		),
		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmdispatch_ticks_total",
				Help: "Total number of dispatcher ticks by result",
			},
			[]string{"result"},
		),
		TickDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crmdispatch_tick_duration_seconds",
				Help:    "Dispatcher tick duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		PendingRecipients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "crmdispatch_pending_recipients",
				Help: "Pending ledger rows across sending campaigns",
			},
		),
		QuotaExhaustedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crmdispatch_quota_exhausted_total",
				Help: "Total number of times the relay quota stopped a batch",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmdispatch_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crmdispatch_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "crmdispatch_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "crmdispatch_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "crmdispatch_storage_used_bytes",
				Help: "SQLite database file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.BatchesTotal,
		m.TicksTotal,
		m.TickDurationSeconds,
		m.PendingRecipients,
		m.QuotaExhaustedTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent() {
	if m := Global(); m != nil {
		m.MessagesSentTotal.Inc()
	}
}

// IncMessagesFailed increments the failed row counter
func IncMessagesFailed(reason string) {
	if m := Global(); m != nil {
		m.MessagesFailedTotal.WithLabelValues(reason).Inc()
	}
}

// IncBatches increments the dispatched batch counter
func IncBatches() {
	if m := Global(); m != nil {
		m.BatchesTotal.Inc()
	}
}

// ObserveTick records one dispatcher tick
func ObserveTick(result string, seconds float64) {
	if m := Global(); m != nil {
		m.TicksTotal.WithLabelValues(result).Inc()
		m.TickDurationSeconds.Observe(seconds)
	}
}

// SetPendingRecipients sets the pending rows gauge
func SetPendingRecipients(n int) {
	if m := Global(); m != nil {
		m.PendingRecipients.Set(float64(n))
	}
}

// IncQuotaExhausted increments the quota exhausted counter
func IncQuotaExhausted() {
	if m := Global(); m != nil {
		m.QuotaExhaustedTotal.Inc()
	}
}

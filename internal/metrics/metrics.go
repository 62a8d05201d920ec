// Package metrics holds the Prometheus collectors for the access server.
// Every method is safe to call on a nil *Metrics, so services built without
// metrics (tests, CLI tools) need no special casing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Access decisions by result and reason
	Decisions *prometheus.CounterVec

	// Full gate evaluation latency
	DecisionLatency prometheus.Histogram

	// Credentials minted by kind: first, rotated, reissued
	CredentialsIssued *prometheus.CounterVec

	// Audit log appends that failed
	LogWriteFailures prometheus.Counter

	// Offline batch entries by outcome: accepted, rejected
	LogBatchEntries *prometheus.CounterVec

	Heartbeats prometheus.Counter

	// Open SSE streams
	RealtimeClients prometheus.Gauge

	// Notifier deliveries that failed, by sink
	NotifyFailures *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

// New registers all collectors with reg.  A nil reg yields working but
// unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "portunus_access_decisions_total",
			Help: "Access decisions by result and reason",
		}, []string{"result", "reason"}),

		DecisionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "portunus_access_decision_duration_seconds",
			Help:    "Duration of access check evaluation",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		CredentialsIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "portunus_credentials_issued_total",
			Help: "Card credentials minted by kind",
		}, []string{"kind"}),

		LogWriteFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "portunus_access_log_write_failures_total",
			Help: "Access log entries that could not be persisted",
		}),

		LogBatchEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "portunus_access_log_batch_entries_total",
			Help: "Offline log batch entries by outcome",
		}, []string{"outcome"}),

		Heartbeats: f.NewCounter(prometheus.CounterOpts{
			Name: "portunus_device_heartbeats_total",
			Help: "Device heartbeats received",
		}),

		RealtimeClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "portunus_realtime_clients",
			Help: "Connected realtime event streams",
		}),

		NotifyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "portunus_notify_failures_total",
			Help: "Event deliveries that failed by sink",
		}, []string{"sink"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "portunus_http_requests_total",
			Help: "HTTP requests by route pattern, method and status",
		}, []string{"route", "method", "status"}),

		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "portunus_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) ObserveDecision(result, reason string, d time.Duration) {
	if m != nil {
		m.Decisions.WithLabelValues(result, reason).Inc()
		m.DecisionLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) IncCredentialIssued(kind string) {
	if m != nil {
		m.CredentialsIssued.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) IncLogWriteFailure() {
	if m != nil {
		m.LogWriteFailures.Inc()
	}
}

func (m *Metrics) AddLogBatch(accepted, rejected int) {
	if m != nil {
		m.LogBatchEntries.WithLabelValues("accepted").Add(float64(accepted))
		m.LogBatchEntries.WithLabelValues("rejected").Add(float64(rejected))
	}
}

func (m *Metrics) IncHeartbeat() {
	if m != nil {
		m.Heartbeats.Inc()
	}
}

func (m *Metrics) SetRealtimeClients(n int) {
	if m != nil {
		m.RealtimeClients.Set(float64(n))
	}
}

func (m *Metrics) IncNotifyFailure(sink string) {
	if m != nil {
		m.NotifyFailures.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(route, method, statusClass(status)).Inc()
		m.HTTPLatency.WithLabelValues(route).Observe(d.Seconds())
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

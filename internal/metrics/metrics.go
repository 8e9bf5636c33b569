package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Tool call metrics.
	CallsTotal         *prometheus.CounterVec
	DownstreamDuration *prometheus.HistogramVec

	// Ledger metrics.
	ReservationOutcomesTotal  *prometheus.CounterVec
	InsufficientCreditsTotal  prometheus.Counter
	RateLimitRejectionsTotal  prometheus.Counter

	// Stream transport metrics.
	ActiveStreams prometheus.Gauge

	// Collector (metering) metrics.
	CollectorBufferSize    prometheus.Gauge
	CollectorFlushesTotal  *prometheus.CounterVec
	CollectorRecordsTotal  prometheus.Counter

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal prometheus.Counter

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all gateway metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peage_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_calls_total",
			Help: "Total number of tool calls by outcome.",
		}, []string{"tool", "transport", "outcome"}),

		DownstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peage_downstream_duration_seconds",
			Help:    "Downstream lookup duration in seconds, including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),

		ReservationOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_reservation_outcomes_total",
			Help: "Total number of settled credit reservations by outcome.",
		}, []string{"outcome"}),

		InsufficientCreditsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peage_insufficient_credits_total",
			Help: "Total number of calls rejected for insufficient credits.",
		}),

		RateLimitRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peage_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peage_active_streams",
			Help: "Number of currently open stream sessions.",
		}),

		CollectorBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peage_collector_buffer_size",
			Help: "Current number of buffered call records.",
		}),

		CollectorFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_collector_flushes_total",
			Help: "Total number of collector flushes.",
		}, []string{"status"}),

		CollectorRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peage_collector_records_total",
			Help: "Total number of call records collected.",
		}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peage_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"reason"}),

		AuthSuccessesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peage_auth_successes_total",
			Help: "Total number of successful authentications.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peage_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CallsTotal,
		m.DownstreamDuration,
		m.ReservationOutcomesTotal,
		m.InsufficientCreditsTotal,
		m.RateLimitRejectionsTotal,
		m.ActiveStreams,
		m.CollectorBufferSize,
		m.CollectorFlushesTotal,
		m.CollectorRecordsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// IncCall implements dispatch.MetricsRecorder.
func (m *Metrics) IncCall(tool, transport, outcome string) {
	m.CallsTotal.WithLabelValues(tool, transport, outcome).Inc()
}

// ObserveDownstreamDuration implements dispatch.MetricsRecorder.
func (m *Metrics) ObserveDownstreamDuration(tool string, seconds float64) {
	m.DownstreamDuration.WithLabelValues(tool).Observe(seconds)
}

// IncReservationOutcome implements dispatch.MetricsRecorder.
func (m *Metrics) IncReservationOutcome(outcome string) {
	m.ReservationOutcomesTotal.WithLabelValues(outcome).Inc()
}

// IncInsufficientCredits implements dispatch.MetricsRecorder.
func (m *Metrics) IncInsufficientCredits() {
	m.InsufficientCreditsTotal.Inc()
}

// IncRateLimitRejection implements auth.MetricsRecorder.
func (m *Metrics) IncRateLimitRejection() {
	m.RateLimitRejectionsTotal.Inc()
}

// SetCollectorBufferSize implements metering.MetricsRecorder.
func (m *Metrics) SetCollectorBufferSize(n int) {
	m.CollectorBufferSize.Set(float64(n))
}

// IncCollectorFlush implements metering.MetricsRecorder.
func (m *Metrics) IncCollectorFlush(status string) {
	m.CollectorFlushesTotal.WithLabelValues(status).Inc()
}

// IncCollectorRecord implements metering.MetricsRecorder.
func (m *Metrics) IncCollectorRecord() {
	m.CollectorRecordsTotal.Inc()
}

// IncAuthFailure implements auth.MetricsRecorder.
func (m *Metrics) IncAuthFailure(reason string) {
	m.AuthFailuresTotal.WithLabelValues(reason).Inc()
}

// IncAuthSuccess implements auth.MetricsRecorder.
func (m *Metrics) IncAuthSuccess() {
	m.AuthSuccessesTotal.Inc()
}

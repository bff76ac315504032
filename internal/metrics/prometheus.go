package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all gateway metrics.
type Registry struct {
	// Attachment metrics
	SessionsCurrent   prometheus.Gauge
	WorkspacesCurrent prometheus.Gauge
	SessionsTotal     prometheus.Counter
	EvictionsTotal    prometheus.Counter

	// Request metrics
	RequestsTotal *prometheus.CounterVec
	RequestErrors *prometheus.CounterVec

	// Outbound frame metrics
	FramesSent      prometheus.Counter
	BytesSent       prometheus.Counter
	BroadcastFrames *prometheus.CounterVec

	// Handshake metrics
	Handshakes        *prometheus.CounterVec
	HandshakeDuration prometheus.Histogram

	// Rate limiting
	RateLimited *prometheus.CounterVec

	// Control plane
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec

	// Event bus
	EventsPublished prometheus.Gauge
	EventsDropped   prometheus.Gauge

	// System metrics
	Uptime          prometheus.Gauge
	SystemLoad1     prometheus.Gauge
	SystemMemUsed   prometheus.Gauge
	ProcessResident prometheus.Gauge
	ProcessCPU      prometheus.Gauge
	Goroutines      prometheus.Gauge
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	// Attachment metrics
	r.SessionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_sessions_current",
		Help: "Number of currently attached sessions",
	})

	r.WorkspacesCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_workspaces_current",
		Help: "Number of live workspaces",
	})

	r.SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "huddle_sessions_total",
		Help: "Total sessions attached since start",
	})

	r.EvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "huddle_session_evictions_total",
		Help: "Total sessions evicted by a reconnect",
	})

	// Request metrics
	r.RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_requests_total",
		Help: "Total client requests by method",
	}, []string{"method"})

	r.RequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_request_errors_total",
		Help: "Total error responses by code",
	}, []string{"code"})

	// Outbound frame metrics
	r.FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "huddle_frames_sent_total",
		Help: "Total frames written to clients",
	})

	r.BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "huddle_bytes_sent_total",
		Help: "Total payload bytes written to clients",
	})

	r.BroadcastFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_broadcast_frames_total",
		Help: "Broadcast frames by delivery outcome",
	}, []string{"outcome"})

	// Handshake metrics
	r.Handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_handshakes_total",
		Help: "WebSocket handshakes by outcome",
	}, []string{"outcome"})

	r.HandshakeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "huddle_handshake_duration_seconds",
		Help:    "Time from upgrade to session attach",
		Buckets: prometheus.DefBuckets,
	})

	// Rate limiting
	r.RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"endpoint"})

	// Control plane
	r.APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_api_requests_total",
		Help: "Total API requests",
	}, []string{"method", "path", "status"})

	r.APILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "huddle_api_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	// Event bus
	r.EventsPublished = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_events_published",
		Help: "Events published to the internal bus",
	})

	r.EventsDropped = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_events_dropped",
		Help: "Events dropped by saturated subscribers",
	})

	// System metrics
	r.Uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_uptime_seconds",
		Help: "Gateway uptime in seconds",
	})

	r.SystemLoad1 = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_system_load1",
		Help: "Host one-minute load average",
	})

	r.SystemMemUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_system_memory_used_bytes",
		Help: "Host memory in use",
	})

	r.ProcessResident = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_process_resident_bytes",
		Help: "Resident set size of the gateway process",
	})

	r.ProcessCPU = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_process_cpu_percent",
		Help: "CPU usage of the gateway process",
	})

	r.Goroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_goroutines",
		Help: "Number of live goroutines",
	})

	return r
}

// RecordRequest records a dispatched client request.
func (r *Registry) RecordRequest(method string) {
	r.RequestsTotal.WithLabelValues(method).Inc()
}

// RecordError records an error response sent to a client.
func (r *Registry) RecordError(code string) {
	r.RequestErrors.WithLabelValues(code).Inc()
}

// RecordHandshake records a completed WebSocket handshake.
func (r *Registry) RecordHandshake(outcome string, seconds float64) {
	r.Handshakes.WithLabelValues(outcome).Inc()
	if outcome == "accepted" {
		r.HandshakeDuration.Observe(seconds)
	}
}

// RecordAPIRequest records a control-plane request.
func (r *Registry) RecordAPIRequest(method, path string, status int, duration float64) {
	r.APIRequests.WithLabelValues(method, path, statusString(status)).Inc()
	r.APILatency.WithLabelValues(method, path).Observe(duration)
}

// ResetVectors clears every labeled metric family. Plain counters and the
// gauges keep their values; collectors stay registered.
func (r *Registry) ResetVectors() {
	r.RequestsTotal.Reset()
	r.RequestErrors.Reset()
	r.BroadcastFrames.Reset()
	r.Handshakes.Reset()
	r.RateLimited.Reset()
	r.APIRequests.Reset()
	r.APILatency.Reset()
}

// statusString converts an HTTP status code to string.
func statusString(status int) string {
	return fmt.Sprintf("%d", status)
}

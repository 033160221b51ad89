package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the host's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionErrors   *prometheus.CounterVec
	BytesWritten    prometheus.Counter
	BytesRead       prometheus.Counter

	// Backend metrics
	BackendState   prometheus.Gauge
	BackendSpawns  *prometheus.CounterVec
	HealthProbes   *prometheus.CounterVec
	BackendForward *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates collectors registered on a fresh registry, so several hosts
// can coexist in one process (tests).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "muxhost_sessions_active",
			Help: "Number of live PTY sessions",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "muxhost_sessions_created_total",
			Help: "PTY sessions created since start",
		}),
		SessionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "muxhost_session_errors_total",
			Help: "Session operation failures by operation and kind",
		}, []string{"op", "kind"}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "muxhost_session_bytes_written_total",
			Help: "Bytes written to PTY sessions",
		}),
		BytesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "muxhost_session_bytes_read_total",
			Help: "Bytes read from PTY sessions",
		}),

		BackendState: f.NewGauge(prometheus.GaugeOpts{
			Name: "muxhost_backend_state",
			Help: "Backend state: 0 not started, 1 starting, 2 running, 3 terminated",
		}),
		BackendSpawns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "muxhost_backend_spawns_total",
			Help: "Backend spawn attempts by result",
		}, []string{"result"}),
		HealthProbes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "muxhost_backend_health_probes_total",
			Help: "Backend health probes by result",
		}, []string{"result"}),
		BackendForward: f.NewCounterVec(prometheus.CounterOpts{
			Name: "muxhost_backend_forward_total",
			Help: "Calls forwarded to the backend by result",
		}, []string{"result"}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "muxhost_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "muxhost_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route"}),
	}
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Result labels a probe or call outcome.
func Result(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

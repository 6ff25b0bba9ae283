// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Server label values.
const (
	ServerProxy = "proxy"
	ServerAdmin = "admin"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight *prometheus.GaugeVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	CacheLookups     *prometheus.CounterVec
	FilterRejections *prometheus.CounterVec
	ForwardErrors    *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_proxy_http_requests_total",
			Help: "Total inbound HTTP requests by server, method and status code.",
		}, []string{"server", "method", "status_code"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forward_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"server", "method", "status_code"}),

		RequestsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forward_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}, []string{"server"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forward_proxy_upstream_request_duration_seconds",
			Help:    "Origin call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_proxy_upstream_responses_total",
			Help: "Total origin responses by method and status code.",
		}, []string{"method", "status_code"}),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_proxy_cache_lookups_total",
			Help: "Response cache lookups by result (hit, miss, error).",
		}, []string{"result"}),

		FilterRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_proxy_filter_rejections_total",
			Help: "Requests rejected by the access filter, by the dimension that failed.",
		}, []string{"dimension"}),

		ForwardErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_proxy_forward_errors_total",
			Help: "Forwarding failures by error kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.CacheLookups,
		m.FilterRejections,
		m.ForwardErrors,
	)

	return m
}

// DropCounter is implemented by buffers that discard data when full.
type DropCounter interface {
	Dropped() uint64
}

// RegisterEventSink exposes the number of event lines the sink has discarded.
func (m *Metrics) RegisterEventSink(s DropCounter) {
	m.Registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "forward_proxy_events_dropped_total",
		Help: "Event lines discarded because the buffer was full.",
	}, func() float64 {
		return float64(s.Dropped())
	}))
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true, "CONNECT": true, "TRACE": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the service's Prometheus collectors. Everything sits
// on a private registry so parallel test servers never collide over
// collector names.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	Matches      prometheus.Counter
	CoverageRuns prometheus.Counter
	Bundles      prometheus.Counter
	Buildings    prometheus.Gauge
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "texmesh_http_requests_total",
			Help: "HTTP requests by endpoint and status code.",
		}, []string{"endpoint", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "texmesh_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"endpoint"}),
		Matches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "texmesh_match_requests_total",
			Help: "Footprint match queries served.",
		}),
		CoverageRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "texmesh_coverage_reports_total",
			Help: "Coverage reports computed.",
		}),
		Bundles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "texmesh_texture_bundles_total",
			Help: "Texture bundles rendered.",
		}),
		Buildings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "texmesh_buildings",
			Help: "Building models currently loaded in the store.",
		}),
	}
	m.registry.MustRegister(m.HTTPRequests, m.HTTPDuration, m.Matches, m.CoverageRuns, m.Bundles, m.Buildings)
	return m
}

// Handler exposes the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(endpoint string, code int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// endpointLabel collapses path parameters so label cardinality stays
// bounded.
func endpointLabel(path string) string {
	if strings.HasPrefix(path, "/jobs/") {
		return "/jobs/{id}"
	}
	return path
}

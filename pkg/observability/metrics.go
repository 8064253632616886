package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the lease service.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Lease lifecycle metrics
	LeaseFetchesTotal       *prometheus.CounterVec
	LeaseRemovalsTotal      prometheus.Counter
	ProvisionConflictsTotal prometheus.Counter
	SweepReclaimedTotal     prometheus.Counter
	SweepDuration           prometheus.Histogram

	// User-existence cache metrics
	UserCacheHitsTotal   prometheus.Counter
	UserCacheMissesTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics. A nil registry
// creates a fresh one.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lariat_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lariat_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		LeaseFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lariat_lease_fetches_total",
				Help: "Total number of lease fetches by outcome",
			},
			[]string{"outcome"},
		),
		LeaseRemovalsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lariat_lease_removals_total",
				Help: "Total number of lease teardowns",
			},
		),
		ProvisionConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lariat_provision_conflicts_total",
				Help: "Total number of role creation conflicts resolved by adoption",
			},
		),
		SweepReclaimedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lariat_sweep_reclaimed_total",
				Help: "Total number of expired leases reclaimed by sweeps",
			},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lariat_sweep_duration_seconds",
				Help:    "Duration of lease sweeps in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),
		UserCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lariat_user_cache_hits_total",
				Help: "Total number of user-existence cache hits",
			},
		),
		UserCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lariat_user_cache_misses_total",
				Help: "Total number of user-existence cache misses",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LeaseFetchesTotal,
		m.LeaseRemovalsTotal,
		m.ProvisionConflictsTotal,
		m.SweepReclaimedTotal,
		m.SweepDuration,
		m.UserCacheHitsTotal,
		m.UserCacheMissesTotal,
	)

	return m
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

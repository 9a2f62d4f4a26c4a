package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"medrefd/internal/domain"
)

// PrometheusMetrics implements domain.Metrics on a prometheus registry.
type PrometheusMetrics struct {
	resolveDuration *prometheus.HistogramVec
	cacheOutcomes   *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	probeTotal      *prometheus.CounterVec
	probeDuration   *prometheus.HistogramVec
	mirrorAvailable prometheus.Gauge
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)

func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		resolveDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "medrefd",
			Name:      "resolve_duration_seconds",
			Help:      "Latency of reference resolutions by source and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source", "used", "status"}),
		cacheOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medrefd",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by outcome.",
		}, []string{"outcome"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medrefd",
			Name:      "rate_limited_total",
			Help:      "External calls rejected by the per-source budget.",
		}, []string{"source"}),
		probeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medrefd",
			Name:      "probes_total",
			Help:      "Detached reachability probes by source and status.",
		}, []string{"source", "status"}),
		probeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "medrefd",
			Name:      "probe_duration_seconds",
			Help:      "Latency of detached reachability probes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		mirrorAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "medrefd",
			Name:      "mirror_available",
			Help:      "Whether the relational mirror currently passes liveness checks.",
		}),
	}
}

func (m *PrometheusMetrics) ObserveResolve(sourceID string, used domain.Source, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		if code, ok := domain.CodeFrom(err); ok {
			status = string(code)
		} else {
			status = "error"
		}
	}
	m.resolveDuration.WithLabelValues(sourceID, string(used), status).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) ObserveCache(outcome domain.CacheOutcome) {
	m.cacheOutcomes.WithLabelValues(string(outcome)).Inc()
}

func (m *PrometheusMetrics) ObserveProbe(sourceID string, status domain.HealthStatus, duration time.Duration) {
	m.probeTotal.WithLabelValues(sourceID, string(status)).Inc()
	m.probeDuration.WithLabelValues(sourceID).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) ObserveRateLimited(sourceID string) {
	m.rateLimited.WithLabelValues(sourceID).Inc()
}

func (m *PrometheusMetrics) SetMirrorAvailable(available bool) {
	if available {
		m.mirrorAvailable.Set(1)
	} else {
		m.mirrorAvailable.Set(0)
	}
}

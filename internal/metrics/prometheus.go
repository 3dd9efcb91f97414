// internal/metrics/prometheus.go
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Remote request outcomes
const (
	OutcomeSuccess = "success"
	OutcomeNetwork = "network_error"
	OutcomeServer  = "server_error"
	OutcomeParse   = "parse_error"
)

// Metrics holds all Prometheus metrics for the detection subsystem.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	DetectionsTotal       *prometheus.CounterVec
	RemoteRequestsTotal   *prometheus.CounterVec
	RemoteRequestDuration prometheus.Histogram
	ConsecutiveFailures   prometheus.Gauge
	CacheEntries          prometheus.Gauge
	CacheEvictionsTotal   prometheus.Counter
	APIEnabled            prometheus.Gauge
}

// NewMetrics creates all metrics on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		DetectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saferun",
			Name:      "detections_total",
			Help:      "Total number of detections by verdict source",
		}, []string{"source"}),
		RemoteRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saferun",
			Name:      "remote_requests_total",
			Help:      "Total number of remote classifier requests by outcome",
		}, []string{"outcome"}),
		RemoteRequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "saferun",
			Name:      "remote_request_duration_seconds",
			Help:      "Remote classifier request latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		ConsecutiveFailures: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "saferun",
			Name:      "consecutive_failures",
			Help:      "Current consecutive remote classifier failures",
		}),
		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "saferun",
			Name:      "cache_entries",
			Help:      "Number of cached remote verdicts",
		}),
		CacheEvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "saferun",
			Name:      "cache_evictions_total",
			Help:      "Total number of verdict cache evictions",
		}),
		APIEnabled: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "saferun",
			Name:      "api_enabled",
			Help:      "1 when the remote classifier is enabled",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordDetection counts one verdict
func (m *Metrics) RecordDetection(source string) {
	if m == nil {
		return
	}
	m.DetectionsTotal.WithLabelValues(source).Inc()
}

// RecordRemote counts one remote call and its latency
func (m *Metrics) RecordRemote(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RemoteRequestsTotal.WithLabelValues(outcome).Inc()
	m.RemoteRequestDuration.Observe(d.Seconds())
}

// SetFailures publishes the breaker counter
func (m *Metrics) SetFailures(n int) {
	if m == nil {
		return
	}
	m.ConsecutiveFailures.Set(float64(n))
}

// SetCacheEntries publishes the cache size
func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

// RecordEviction counts one cache eviction
func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.CacheEvictionsTotal.Inc()
}

// SetEnabled publishes the master switch
func (m *Metrics) SetEnabled(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.APIEnabled.Set(1)
	} else {
		m.APIEnabled.Set(0)
	}
}

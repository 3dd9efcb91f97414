// internal/metrics/prometheus_test.go
package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDetection("remote")
		m.RecordRemote(OutcomeSuccess, time.Millisecond)
		m.SetFailures(3)
		m.SetCacheEntries(10)
		m.RecordEviction()
		m.SetEnabled(true)
	})
	assert.Nil(t, m.Registry())
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()

	m.RecordDetection("remote")
	m.RecordDetection("remote")
	m.RecordDetection("local-fallback")
	m.RecordRemote(OutcomeServer, 20*time.Millisecond)
	m.SetFailures(2)
	m.SetCacheEntries(7)
	m.RecordEviction()
	m.SetEnabled(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DetectionsTotal.WithLabelValues("remote")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DetectionsTotal.WithLabelValues("local-fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RemoteRequestsTotal.WithLabelValues(OutcomeServer)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConsecutiveFailures))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.CacheEntries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheEvictionsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.APIEnabled))
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordDetection("remote-cached")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `saferun_detections_total{source="remote-cached"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRegistriesAreIndependent(t *testing.T) {
	// Two instances must not collide on registration
	a := NewMetrics()
	b := NewMetrics()
	a.RecordEviction()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CacheEvictionsTotal))
}

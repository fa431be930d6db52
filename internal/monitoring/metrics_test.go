package monitoring

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_FuncsReadLiveValues(t *testing.T) {
	m := NewMetrics("csi")
	var dropped atomic.Int64
	depth := 3.0
	m.CounterFunc("samples_dropped_total", "Samples dropped.", func() float64 { return float64(dropped.Load()) })
	m.GaugeFunc("queue_depth", "Queue depth.", func() float64 { return depth })

	dropped.Add(2)
	out := gather(t, m)
	assert.Contains(t, out, "csi_samples_dropped_total 2")
	assert.Contains(t, out, "csi_queue_depth 3")

	m.RecordBytes.Observe(300)
	assert.Equal(t, 1, testutil.CollectAndCount(m.RecordBytes))
}

func TestMetrics_DuplicateRegistrationPanics(t *testing.T) {
	m := NewMetrics("csi")
	m.GaugeFunc("x", "x", func() float64 { return 0 })
	assert.Panics(t, func() { m.GaugeFunc("x", "x", func() float64 { return 0 }) })
}

func gather(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return strings.TrimSpace(string(body))
}

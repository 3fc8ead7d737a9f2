package metrics

import (
	"math"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterRegistrationIsIdempotent(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("test_total", "help")
	b := r.Counter("test_total", "help")

	a.Inc()
	b.Add(2)

	assert.Same(t, a, b)
	assert.Equal(t, int64(3), a.Value())
}

func TestCounterVecSeparatesLabelValues(t *testing.T) {
	r := NewRegistry()
	v := r.CounterVec("outcomes_total", "help", "kind")
	v.With("relayed").Inc()
	v.With("relayed").Inc()
	v.With("failed").Inc()

	assert.Same(t, v.With("relayed"), r.CounterVec("outcomes_total", "help", "kind").With("relayed"))
	assert.Equal(t, map[string]int64{
		`outcomes_total{kind="relayed"}`: 2,
		`outcomes_total{kind="failed"}`:  1,
	}, r.Snapshot())
}

func TestReRegisteringWithOtherShapePanics(t *testing.T) {
	r := NewRegistry()
	r.Counter("x_total", "help")
	assert.Panics(t, func() { r.CounterVec("x_total", "help", "kind") })
	assert.Panics(t, func() { r.Gauge("x_total", "help") })
}

func TestGauge(t *testing.T) {
	g := NewRegistry().Gauge("sessions", "help")
	g.Set(5)
	g.Inc()
	g.Dec()
	g.Dec()
	assert.Equal(t, int64(4), g.Value())
}

func TestHistogramBucketsAreCumulative(t *testing.T) {
	h := NewRegistry().Histogram("latency_seconds", "help", 1, 0.5, math.Inf(1))
	h.Observe(0.3)
	h.Observe(0.8)
	h.Observe(4)

	assert.Equal(t, []float64{0.5, 1}, h.bounds)
	assert.Equal(t, []int64{1, 2}, h.counts)
	assert.Equal(t, int64(3), h.Count())
}

func TestHandlerRendersExposition(t *testing.T) {
	r := NewRegistry()
	r.Counter("warelay_test_total", "Things counted").Add(3)
	v := r.CounterVec("warelay_test_errors_total", "Errors", "send")
	v.With("text").Inc()
	v.With("image").Add(2)
	r.Gauge("warelay_test_gauge", "A gauge").Set(9)
	h := r.Histogram("warelay_test_seconds", "Latency", 0.5, 1)
	h.Observe(0.3)
	h.Observe(0.8)
	r.CounterVec("warelay_test_unused_total", "Never touched", "kind")

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()

	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, body, "warelay_uptime_seconds")
	assert.Contains(t, body, "# TYPE warelay_test_total counter\nwarelay_test_total 3\n")
	assert.Contains(t, body, "warelay_test_errors_total{send=\"image\"} 2\nwarelay_test_errors_total{send=\"text\"} 1\n")
	assert.Contains(t, body, "# TYPE warelay_test_gauge gauge\nwarelay_test_gauge 9\n")
	assert.Contains(t, body, "warelay_test_seconds_bucket{le=\"0.5\"} 1\n")
	assert.Contains(t, body, "warelay_test_seconds_bucket{le=\"1\"} 2\n")
	assert.Contains(t, body, "warelay_test_seconds_bucket{le=\"+Inf\"} 2\n")
	assert.Contains(t, body, "warelay_test_seconds_count 2\n")
	assert.NotContains(t, body, "warelay_test_unused_total")

	// Families render in name order.
	assert.Less(t, strings.Index(body, "warelay_test_errors_total"), strings.Index(body, "warelay_test_gauge"))
}

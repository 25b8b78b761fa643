package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestDisabledReturnsNoop(t *testing.T) {
	m, err := New(&Config{Enabled: false})
	require.NoError(t, err)

	c, err := m.Counter("x_total", "x")
	require.NoError(t, err)
	c.Inc(context.Background())

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestPrometheusExposition(t *testing.T) {
	m, err := New(&Config{Enabled: true, ServiceName: "registry-test"})
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	ctx := context.Background()
	counter, err := m.Counter("registry_registrations_total", "Registrations")
	require.NoError(t, err)
	gauge, err := m.Gauge("registry_instances", "Instances")
	require.NoError(t, err)
	hist, err := m.Histogram("gateway_request_duration_seconds", "Latency", WithUnit("s"), WithBuckets([]float64{0.1, 1}))
	require.NoError(t, err)

	counter.Add(ctx, 2, L(LabelService, "auth-service"))
	gauge.Inc(ctx, L(LabelService, "auth-service"))
	gauge.Inc(ctx, L(LabelService, "auth-service"))
	gauge.Dec(ctx, L(LabelService, "auth-service"))
	hist.Record(ctx, 0.05, L(LabelRoute, "/api/patients"))

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "registry_registrations_total")
	assert.Contains(t, body, `service="auth-service"`)
	assert.True(t, strings.Contains(body, "registry_instances"))
	assert.Contains(t, body, "gateway_request_duration")
	assert.Contains(t, body, "_bucket")
}

func TestHTTPServerMetricsObserve(t *testing.T) {
	counter := &captureCounter{}
	histogram := &captureHistogram{}
	m := &HTTPServerMetrics{service: "gateway", requestTotal: counter, duration: histogram}

	m.Observe(context.Background(), "post", "", 503, 10*time.Millisecond)

	require.Len(t, counter.records, 1)
	labels := counter.records[0]
	method := labelValue(labels, LabelMethod)
	route := labelValue(labels, LabelRoute)
	class := labelValue(labels, LabelStatusClass)
	outcome := labelValue(labels, LabelOutcome)
	assert.Equal(t, "POST", method)
	assert.Equal(t, UnknownRoute, route)
	assert.Equal(t, "5xx", class)
	assert.Equal(t, OutcomeError, outcome)
	assert.Len(t, histogram.records, 1)
}

func TestStatusHelpers(t *testing.T) {
	assert.Equal(t, "2xx", HTTPStatusClass(204))
	assert.Equal(t, "unknown", HTTPStatusClass(42))
	assert.Equal(t, OutcomeSuccess, HTTPOutcome(302))
	assert.Equal(t, OutcomeError, HTTPOutcome(404))
}

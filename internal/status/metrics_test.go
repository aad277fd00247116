package status

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func collectStatusMetrics(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestMetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))

	m := &HTTPMetrics{
		meter:  mp.Meter(instrumentationName),
		logger: zap.NewNop(),
	}
	m.init()

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/v1/sessions/:agent", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Param("agent"))
	})

	for _, target := range []string{"/healthz", "/api/v1/sessions/a", "/api/v1/sessions/b"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
	}

	collected := collectStatusMetrics(t, reader)

	requests, ok := collected["gyre.status.requests_total"]
	require.True(t, ok, "requests counter not found")
	sum, ok := requests.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	endpoints := map[string]bool{}
	for _, dp := range sum.DataPoints {
		total += dp.Value
		if v, found := dp.Attributes.Value(attribute.Key("endpoint")); found {
			endpoints[v.AsString()] = true
		}
	}
	assert.Equal(t, int64(3), total)
	// Both parameterized requests collapse onto the route template.
	assert.True(t, endpoints["/api/v1/sessions/:agent"])
	assert.False(t, endpoints["/api/v1/sessions/a"])

	duration, ok := collected["gyre.status.request_duration_seconds"]
	require.True(t, ok, "duration histogram not found")
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)
}

func TestMetricsMiddleware_ErrorStatus(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))

	m := &HTTPMetrics{
		meter:  mp.Meter(instrumentationName),
		logger: zap.NewNop(),
	}
	m.init()

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/missing", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "nope")
	})
	e.GET("/broken", func(c echo.Context) error {
		return assert.AnError
	})

	for _, target := range []string{"/missing", "/broken"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
	}

	collected := collectStatusMetrics(t, reader)
	requests, ok := collected["gyre.status.requests_total"]
	require.True(t, ok)
	sum, ok := requests.Data.(metricdata.Sum[int64])
	require.True(t, ok)

	statuses := map[int64]bool{}
	for _, dp := range sum.DataPoints {
		if v, found := dp.Attributes.Value(attribute.Key("status")); found {
			statuses[v.AsInt64()] = true
		}
	}
	assert.True(t, statuses[http.StatusNotFound])
	assert.True(t, statuses[http.StatusInternalServerError])
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", "/"},
		{"/healthz", "/healthz"},
		{"/api/v1/threads", "/api/v1/threads"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePath(tt.input))
	}
}

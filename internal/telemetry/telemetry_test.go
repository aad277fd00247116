package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNew_Disabled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = false

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, tel)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.IsEnabled())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := &Config{
		Enabled:  true,
		Endpoint: "",
	}

	tel, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestTelemetry_Health(t *testing.T) {
	cfg := NewDefaultConfig()

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)

	health := tel.Health()
	assert.True(t, health.Healthy)
	assert.False(t, health.Degraded)
	assert.Empty(t, health.Reason)
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotPanics(t, func() {
		_ = tel.Tracer("test")
		_ = tel.Meter("test")
		_ = tel.LoggerProvider()
		_ = tel.Health()
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
		tel.SetLoggerProvider(nil)
	})

	health := tel.Health()
	assert.False(t, health.Healthy)
	assert.True(t, health.Degraded)
	assert.NotEmpty(t, health.Reason)
}

func TestTelemetry_Shutdown(t *testing.T) {
	cfg := NewDefaultConfig()

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, tel.Shutdown(context.Background()))

	health := tel.Health()
	assert.False(t, health.Healthy)
	assert.False(t, tel.IsEnabled())
}

func TestTelemetry_SetLoggerProvider(t *testing.T) {
	cfg := NewDefaultConfig()

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, tel.LoggerProvider())
}

func TestTelemetry_ForceFlush_Disabled(t *testing.T) {
	cfg := NewDefaultConfig()

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, tel.ForceFlush(context.Background()))
}

func TestTestTelemetry_SpanRecording(t *testing.T) {
	tt := NewTestTelemetry()
	require.NotNil(t, tt)
	assert.True(t, tt.IsEnabled())

	tracer := tt.Tracer("gyre.convergence")
	_, span := tracer.Start(context.Background(), "Engine.RunIteration")
	span.SetAttributes(
		attribute.String("session.id", "sess-1"),
		attribute.Int64("iteration", 3),
		attribute.Float64("score", 0.82),
		attribute.Bool("converged", true),
	)
	span.End()

	tt.AssertSpanExists(t, "Engine.RunIteration")
	tt.AssertSpanAttribute(t, "Engine.RunIteration", "session.id", "sess-1")
	tt.AssertSpanAttribute(t, "Engine.RunIteration", "iteration", int64(3))
	tt.AssertSpanAttribute(t, "Engine.RunIteration", "score", 0.82)
	tt.AssertSpanAttribute(t, "Engine.RunIteration", "converged", true)
}

func TestTestTelemetry_SpanNotFound(t *testing.T) {
	tt := NewTestTelemetry()

	assert.Nil(t, tt.SpanByName("non-existent"))
}

func TestTestTelemetry_MultipleSpans(t *testing.T) {
	tt := NewTestTelemetry()

	tracer := tt.Tracer("gyre.spiral")
	for _, name := range []string{"Controller.StartSpiral", "Controller.IterateSpiral", "Controller.ResolveSpiral"} {
		_, span := tracer.Start(context.Background(), name)
		span.End()
	}

	assert.Len(t, tt.Spans(), 3)
	tt.AssertSpanExists(t, "Controller.StartSpiral")
	tt.AssertSpanExists(t, "Controller.IterateSpiral")
	tt.AssertSpanExists(t, "Controller.ResolveSpiral")
}

func TestTestTelemetry_MeterRecording(t *testing.T) {
	tt := NewTestTelemetry()

	meter := tt.Meter("gyre.validate")
	counter, err := meter.Int64Counter("validator.attempts")
	require.NoError(t, err)

	counter.Add(context.Background(), 1)
	counter.Add(context.Background(), 2)

	require.NoError(t, tt.MetricReader.ForceFlush(context.Background()))
	assert.NotEmpty(t, tt.MetricReader.Metrics())
}

func TestTestTelemetry_ForceFlush(t *testing.T) {
	tt := NewTestTelemetry()

	_, span := tt.Tracer("test").Start(context.Background(), "flush-test")
	span.End()

	require.NoError(t, tt.ForceFlush(context.Background()))
}

func TestTestTelemetry_Shutdown(t *testing.T) {
	tt := NewTestTelemetry()

	_, span := tt.Tracer("test").Start(context.Background(), "shutdown-test")
	span.End()

	counter, _ := tt.Meter("test").Int64Counter("test.counter")
	counter.Add(context.Background(), 1)

	require.NoError(t, tt.Shutdown(context.Background()))
	assert.False(t, tt.Health().Healthy)
}

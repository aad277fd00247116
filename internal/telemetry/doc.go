// Package telemetry provides OpenTelemetry instrumentation for gyre.
//
// # Overview
//
// This package wires distributed tracing and metric collection through the
// OpenTelemetry Go SDK, exporting OTLP over gRPC or HTTP to a collector.
// Quality runs emit spans per convergence iteration and per validator
// attempt; counters and histograms ride the same pipeline.
//
// # Usage
//
//	cfg := telemetry.NewDefaultConfig()
//	cfg.Enabled = true
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	tracer := tel.Tracer("gyre.convergence")
//	ctx, span := tracer.Start(ctx, "Engine.RunIteration")
//	defer span.End()
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: "grpc"
//	  service_name: "gyre"
//	  sampling:
//	    rate: 1.0
//	  metrics:
//	    enabled: true
//	    export_interval: "15s"
//
// # Error Handling
//
// Telemetry failures never fail a run. When an exporter cannot be built the
// instance degrades to no-op providers and records the reason, visible
// through Health().
//
// # Testing
//
// TestTelemetry records spans and metrics in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "test-span")
//	span.End()
//	tt.AssertSpanExists(t, "test-span")
package telemetry

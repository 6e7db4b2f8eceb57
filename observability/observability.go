// Package observability wires OpenTelemetry tracing around step
// dispatch, grounded on the teacher's pkg/observability tracer/manager
// split (InitGlobalTracer + a package-level Tracer accessor), trimmed
// to the one signal the coordinator actually emits: a span per step
// attempt. LLM-call-specific recorders, middleware, and the debug
// exporter do not apply to a domain with no LLM calls and were not
// carried over.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config controls span export for one orchestrator process.
type Config struct {
	Enabled bool
	// Exporter selects "otlp" (default), or "stdout" for local debugging.
	Exporter     string
	EndpointURL  string
	SamplingRate float64
	ServiceName  string
}

// Init installs a TracerProvider for the process, returning a shutdown
// func the caller must invoke on engine stop. Disabled or zero-value
// configs fall back to the no-op provider so callers never need a nil
// check before calling Tracer.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.EndpointURL),
			otlptracegrpc.WithInsecure(),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("observability: create exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	rate := cfg.SamplingRate
	if rate <= 0 {
		rate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(rate)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the named tracer from whatever provider Init
// installed (or the global default if Init was never called).
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StepAttrs builds the common span attributes the coordinator attaches
// to every step-execution span.
func StepAttrs(executionID, stepID, kind string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("orchestra.execution_id", executionID),
		attribute.String("orchestra.step_id", stepID),
		attribute.String("orchestra.step_kind", kind),
		attribute.Int("orchestra.attempt", attempt),
	}
}

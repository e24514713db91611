// Package telemetry configures the OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const logPrefix = "telemetry:telemetry"

// TracerName is the instrumentation scope used by the comms components.
const TracerName = "github.com/morezero/module-comms"

// SetupParams holds parameters for Setup.
type SetupParams struct {
	ServiceName string
	Version     string
	Enabled     bool
	Endpoint    string // OTLP/HTTP endpoint URL, e.g. http://collector:4318
}

// Shutdown flushes pending spans.
type Shutdown func(context.Context) error

// Setup registers a global tracer provider exporting over OTLP/HTTP.
// Tracing is opt-in: when disabled or without an endpoint, Setup returns a
// no-op shutdown and leaves the global provider untouched.
func Setup(ctx context.Context, params SetupParams) (Shutdown, error) {
	noop := func(context.Context) error { return nil }
	if !params.Enabled || params.Endpoint == "" {
		slog.Info(fmt.Sprintf("%s - Tracing disabled", logPrefix))
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(params.Endpoint))
	if err != nil {
		return noop, fmt.Errorf("%s - failed to create exporter: %w", logPrefix, err)
	}

	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(params.ServiceName))}
	if params.Version != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(params.Version)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return noop, fmt.Errorf("%s - failed to build resource: %w", logPrefix, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	slog.Info(fmt.Sprintf("%s - Tracing %s to %s", logPrefix, params.ServiceName, params.Endpoint))
	return tp.Shutdown, nil
}

// Tracer returns the comms tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Package tracing wires OpenTelemetry trace export. Setup installs a global
// tracer provider when telemetry is configured; otherwise the global no-op
// provider stays in place and span calls cost nothing.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/gofer/internal/config"
)

const tracerName = "github.com/nextlevelbuilder/gofer"

// Setup configures the global tracer provider from cfg.Telemetry and returns
// a shutdown func that flushes pending spans. Disabled telemetry or an empty
// endpoint yields a no-op shutdown and leaves the global provider alone.
func Setup(ctx context.Context, cfg *config.Config, version string) (func(context.Context) error, error) {
	tc := cfg.Telemetry
	if !tc.Enabled || tc.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newExporter(ctx, tc)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	name := tc.ServiceName
	if name == "" {
		name = "gofer"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", name),
		attribute.String("service.version", version),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	slog.Info("tracing.enabled", "endpoint", tc.Endpoint, "protocol", protocolOf(tc), "service", name)

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, tc config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	switch protocolOf(tc) {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(tc.Endpoint)}
		if tc.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tc.Endpoint)}
		if tc.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	}
}

func protocolOf(tc config.TelemetryConfig) string {
	if tc.Protocol == "http" {
		return "http"
	}
	return "grpc"
}

// Start begins a span on the global tracer.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End finishes the span, recording err when non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

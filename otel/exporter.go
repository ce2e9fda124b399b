package otel

import (
	"context"
	"fmt"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// SetupTracing configures the global tracer provider with an OTLP/HTTP
// exporter pointed at the given endpoint (host:port, no scheme). It returns
// a shutdown function that flushes pending spans.
//
// If endpoint is empty the exporter's own defaults apply
// (OTEL_EXPORTER_OTLP_ENDPOINT or localhost:4318).
func SetupTracing(ctx context.Context, serviceName, endpoint string) (func(context.Context) error, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithInsecure(),
	}
	if endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otel: create trace exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("otel: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otelapi.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Package observability wires OpenTelemetry tracing. Spans are exported over
// OTLP HTTP to a local collector; the collector handles auth and forwarding.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kestrelhq/kestrel/internal/log"
)

// Config for trace export.
type Config struct {
	// Endpoint is the OTLP HTTP endpoint (host:port). Empty disables
	// tracing.
	Endpoint string

	// Environment is the deployment environment tag (dev, staging, prod).
	Environment string

	// ServiceName identifies this service in the APM backend.
	ServiceName string
}

// Setup installs the global tracer provider. It returns a shutdown function
// that flushes pending spans; when tracing is disabled or the exporter
// cannot be created, the shutdown function is a no-op and no error is
// returned, so the application starts regardless.
func Setup(ctx context.Context, cfg Config, logger log.Logger) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return noop
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("failed to create trace exporter, tracing disabled", "error", err)
		return noop
	}

	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attrs...)),
	)
	otel.SetTracerProvider(provider)

	logger.Debug("tracing enabled", "endpoint", cfg.Endpoint, "service", cfg.ServiceName)
	return provider.Shutdown
}

// Package telemetry wires up OpenTelemetry tracing for the aggregator.
// There is no OTLP collector in this deployment model (a single stdio
// process has no sidecar to export to), so unlike the teacher's
// otlptracegrpc exporter, traces stay in-process: spans are still
// created and propagated, which is what lets internal/dispatcher wrap
// every tools/call in a span, but nothing leaves the process.
package telemetry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls whether tracing is active and how spans are labeled.
type Config struct {
	Enabled     bool
	ServiceName string
}

// Init sets up an in-process tracer provider. Returns a shutdown
// function to be called on graceful exit.
func Init(cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		log.Info().Msg("tracing disabled")
		return func(ctx context.Context) error { return nil }, nil
	}

	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("building telemetry resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().Str("service", cfg.ServiceName).Msg("tracing initialized")

	return tp.Shutdown, nil
}

// Tracer returns the named tracer from the global provider, for
// components that need to start their own spans (internal/dispatcher's
// tools/call handling).
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

package telemetry

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
LEARNING: TRACING A SYNC END TO END

A sync request fans out into store round trips, query recomputation and
pushes that finish long after the HTTP response. Spans started by the HTTP
middleware cover the request itself; the background commits log their own
failures. Exporting to Jaeger lets you line up a slow response with the store
batches it waited on.

  Handler span → Engine (store calls) → Jaeger Exporter → Jaeger UI
*/

// InitJaeger installs a Jaeger exporting tracer provider. An empty endpoint
// leaves the no-op provider in place. The returned function flushes spans.
func InitJaeger(serviceName, jaegerEndpoint string, sampleRatio float64) (func(context.Context) error, error) {
	if jaegerEndpoint == "" {
		log.Println("⚠️  JAEGER_ENDPOINT not set, tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	// schemaless: Merge rejects two different schema URLs and the sdk's
	// default resource carries its own
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(sampleRatio)),
	)
	otel.SetTracerProvider(tp)

	log.Printf("✓ Jaeger tracing initialized: %s (sampling %.0f%%)", jaegerEndpoint, sampleRatio*100)
	return tp.Shutdown, nil
}

// ServiceVersion is reported on every span.
const ServiceVersion = "0.3.0"

// sampler picks a sampling strategy for the configured ratio.
// Learning: syncs are chatty, sample less in production.
func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

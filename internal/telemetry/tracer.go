// Package telemetry wires up distributed tracing for the Master
// execution core: a single TracerProvider exporting spans over OTLP/gRPC,
// which the coordinator client uses to span its Poll/Dispatch/Report
// calls. The coordinator server side records no spans.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns a TracerProvider and the exporter behind it. Shutdown
// must be called to flush pending spans before the process exits.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// New builds a Provider exporting spans to endpoint over an insecure
// OTLP/gRPC connection. A blank endpoint still produces a usable
// Provider; spans are simply never flushed anywhere to.
func New(ctx context.Context, endpoint, serviceName string) (*Provider, error) {
	if endpoint == "" {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(newResource(serviceName)),
		)
		otel.SetTracerProvider(tp)
		return &Provider{tp: tp}, nil
	}

	client := otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("telemetry: new otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource(serviceName)),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

func newResource(serviceName string) *resource.Resource {
	return resource.NewSchemaless(semconv.ServiceName(serviceName))
}

// Shutdown flushes and tears down the exporter. Safe to call on a
// Provider built with a blank endpoint.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// Tracer returns a named tracer drawn from the global TracerProvider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

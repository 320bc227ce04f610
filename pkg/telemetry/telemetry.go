// Package telemetry provides go.opentelemetry.io/otel span helpers
// (StartSpan, RecordError) and the optional OTLP exporter that cmd/daemon
// installs. No control-plane package calls StartSpan, so query
// registration, catalog delta application and cancellation create no
// spans. The helpers are safe to call with no TracerProvider configured --
// otel's default is a no-op provider, so tracing never gates control-plane
// behavior on an exporter being present.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/cockroachdb/errors"
)

const tracerName = "distsqld/controlplane"

// InitExporter installs a batching OTLP/gRPC exporter as the global
// TracerProvider when endpoint is non-empty, so StartSpan's spans leave the
// process instead of being dropped by the default no-op provider. Returns a
// shutdown func to flush pending spans on daemon exit; a nil endpoint yields
// a no-op shutdown and leaves the default provider in place.
func InitExporter(ctx context.Context, endpoint string) (shutdown func(context.Context) error, err error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, errors.Wrapf(err, "creating OTLP/gRPC exporter for endpoint %q", endpoint)
	}
	res := resource.NewSchemaless(attribute.String("service.name", "distsqld"))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// StartSpan starts a span named name, returning the derived context and a
// function that must be called to end it. Typical use:
//
//	ctx, end := telemetry.StartSpan(ctx, "queryexec.Execute", attribute.String("query_id", id))
//	defer end()
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	tr := otel.Tracer(tracerName)
	ctx, span := tr.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func() { span.End() }
}

// RecordError attaches err to the span active in ctx, if any, without
// otherwise altering control flow.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	trace.SpanFromContext(ctx).RecordError(err)
}

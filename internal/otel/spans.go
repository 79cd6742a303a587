package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for spyglass spans.
var (
	AttrSessionID = attribute.Key("spyglass.session.id")
	AttrTenant    = attribute.Key("spyglass.tenant.uuid")
	AttrKind      = attribute.Key("spyglass.kind")
	AttrEvent     = attribute.Key("spyglass.event")
	AttrMethod    = attribute.Key("spyglass.api.method")
	AttrPath      = attribute.Key("spyglass.api.path")
	AttrStatus    = attribute.Key("spyglass.api.status")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (REST, websocket dial).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

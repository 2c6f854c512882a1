package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for tasksync spans and metrics.
var (
	AttrHTTPMethod = attribute.Key("tasksync.http.method")
	AttrHTTPPath   = attribute.Key("tasksync.http.path")
	AttrHTTPStatus = attribute.Key("tasksync.http.status")
	AttrErrorKind  = attribute.Key("tasksync.error.kind")
	AttrScope      = attribute.Key("tasksync.sync.scope")
	AttrCycleID    = attribute.Key("tasksync.sync.cycle_id")
	AttrActionKind = attribute.Key("tasksync.queue.action")
	AttrEntityType = attribute.Key("tasksync.queue.entity")
	AttrOutcome    = attribute.Key("tasksync.outcome")
)

// NoopTracer returns a tracer that records nothing. Components fall back to it
// when constructed without a provider.
func NoopTracer() trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(TracerName)
}

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call to the task service.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

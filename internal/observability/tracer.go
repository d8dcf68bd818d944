package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new internal span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SetSpanError marks the span as errored.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Common attribute keys for ember spans.
var (
	AttrCacheKey  = attribute.Key("ember.cache.key")
	AttrCacheTier = attribute.Key("ember.cache.tier")
	AttrPattern   = attribute.Key("ember.cache.pattern")
	AttrCategory  = attribute.Key("ember.category")
	AttrBatchSize = attribute.Key("ember.batch.size")
	AttrTrigger   = attribute.Key("ember.flush.trigger")
)

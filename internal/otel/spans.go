package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for pickupbot spans.
var (
	AttrRequestID = attribute.Key("pickupbot.pickup.id")
	AttrParentID  = attribute.Key("pickupbot.parent.id")
	AttrChildID   = attribute.Key("pickupbot.child.id")
	AttrOperator  = attribute.Key("pickupbot.operator")
	AttrDueCount  = attribute.Key("pickupbot.scheduler.due")
	AttrZone      = attribute.Key("pickupbot.pa.zone")
)

// StartSpan starts an internal span (scheduler ticks, lifecycle steps).
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound admin request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (PA controller, Telegram).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// Fail records err on span and marks it as an error. A nil err is a no-op,
// so callers can use it unconditionally before returning.
func Fail(span trace.Span, err error) error {
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// FailStatus marks a server span as failed for 5xx responses.
func FailStatus(span trace.Span, status int) {
	if status >= 500 {
		span.SetStatus(codes.Error, fmt.Sprintf("http %d", status))
	}
}

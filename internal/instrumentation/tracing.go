package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the tracer name used for every inboxlink span.
const TracerName = "github.com/teemow/inboxlink"

// Span attribute keys.
const (
	SpanAttrAction     = "inboxlink.action"
	SpanAttrTransport  = "inboxlink.transport"
	SpanAttrOperation  = "clickup.operation"
	SpanAttrMethod     = "http.request.method"
	SpanAttrStatusCode = "http.response.status_code"
	SpanAttrAttempt    = "clickup.attempt"
	SpanAttrTeamID     = "clickup.team_id"
	SpanAttrTaskID     = "clickup.task_id"
	SpanAttrThreadID   = "gmail.thread_id"
)

// StartSpan starts a new internal span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.GetTracerProvider().Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartActionSpan starts a server span for one dispatched message.
func StartActionSpan(ctx context.Context, action, transport string) (context.Context, trace.Span) {
	return otel.GetTracerProvider().Tracer(TracerName).Start(ctx, "message."+action,
		trace.WithAttributes(
			attribute.String(SpanAttrAction, action),
			attribute.String(SpanAttrTransport, transport),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartAPISpan starts a client span covering one logical ClickUp call,
// retries included.
func StartAPISpan(ctx context.Context, operation, method string) (context.Context, trace.Span) {
	return otel.GetTracerProvider().Tracer(TracerName).Start(ctx, "clickup."+operation,
		trace.WithAttributes(
			attribute.String(SpanAttrOperation, operation),
			attribute.String(SpanAttrMethod, method),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// SetSpanError records an error on the span and sets the status to error.
func SetSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess sets the span status to OK.
func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddSpanEvent adds an event to the span.
func AddSpanEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// GetTraceID returns the trace ID of the span in ctx, or "".
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

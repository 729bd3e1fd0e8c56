package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const transportTracerName = "agentbridge-transport"

func transportTracer() trace.Tracer {
	return Tracer(transportTracerName)
}

// TraceCommand starts a span for an outbound agent command.
// Caller must call span.End() when the response is received.
func TraceCommand(ctx context.Context, method string, requestID int64) (context.Context, trace.Span) {
	ctx, span := transportTracer().Start(ctx, "agent."+method,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("rpc.method", method),
		attribute.Int64("rpc.request_id", requestID),
	)
	return ctx, span
}

// TraceCommandResult records the result of an agent command on the span.
func TraceCommandResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceEvent creates a single span for one processed wire event.
func TraceEvent(ctx context.Context, kind, threadID, turnID string) {
	_, span := transportTracer().Start(ctx, "event."+kind,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("event.kind", kind),
		attribute.String("thread_id", threadID),
		attribute.String("turn_id", turnID),
	)
}

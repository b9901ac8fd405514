package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "geist/chat"

// Tracer returns the tracer for conversation turns.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartTurnSpan starts the span covering one streamed turn.
func StartTurnSpan(ctx context.Context, conversationID, messageID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "turn.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("message.id", messageID),
		),
	)
}

// RecordError marks the span failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddToolEvent records a tool lifecycle transition on the span.
func AddToolEvent(span trace.Span, toolName, phase string) {
	span.AddEvent("tool_call",
		trace.WithAttributes(
			attribute.String("tool.name", toolName),
			attribute.String("tool.phase", phase),
		),
	)
}

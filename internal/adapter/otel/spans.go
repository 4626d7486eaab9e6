package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "aistream"

// StartTurnSpan starts a span covering one chat turn.
func StartTurnSpan(ctx context.Context, conversationID, turnID, namespace string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "turn",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("turn.id", turnID),
			attribute.String("namespace", namespace),
		),
	)
}

// StartRoundSpan starts a span for one upstream completion round.
func StartRoundSpan(ctx context.Context, round int, model string, withTools bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "provider.round",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("round", round),
			attribute.String("model", model),
			attribute.Bool("tools", withTools),
		),
	)
}

// StartToolCallSpan starts a span for a tool call within a turn.
func StartToolCallSpan(ctx context.Context, callID, tool string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "toolcall",
		trace.WithAttributes(
			attribute.String("toolcall.id", callID),
			attribute.String("toolcall.tool", tool),
		),
	)
}

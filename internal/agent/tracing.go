package agent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	traceScopeAgent = "milo.agent"

	traceSpanTurn        = "milo.agent.turn"
	traceSpanToolExecute = "milo.tool.execute"
	traceSpanCoderTask   = "milo.agent.coder_task"

	traceAttrConversationID = "milo.conversation_id"
	traceAttrMode           = "milo.mode"
	traceAttrIterations     = "milo.iterations"
	traceAttrToolName       = "milo.tool_name"
	traceAttrTaskNumber     = "milo.task_number"
	traceAttrStatus         = "milo.status"
)

// startTurnSpan opens a span carrying the turn's conversation id and mode.
// With no tracer provider installed these are no-op spans.
func startTurnSpan(ctx context.Context, spanName string, t *turn, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	spanAttrs := make([]attribute.KeyValue, 0, len(attrs)+2)
	if t != nil && t.conv != nil {
		spanAttrs = append(spanAttrs,
			attribute.String(traceAttrConversationID, t.conv.ID),
			attribute.String(traceAttrMode, t.mode),
		)
	}
	spanAttrs = append(spanAttrs, attrs...)
	return otel.Tracer(traceScopeAgent).Start(ctx, spanName, trace.WithAttributes(spanAttrs...))
}

func markSpanResult(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(traceAttrStatus, "error"))
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String(traceAttrStatus, "success"))
}

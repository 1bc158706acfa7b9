package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for task engine spans.
var (
	AttrTaskID       = attribute.Key("autopilot.task.id")
	AttrTaskKey      = attribute.Key("autopilot.task.key")
	AttrToolName     = attribute.Key("autopilot.tool.name")
	AttrModel        = attribute.Key("autopilot.llm.model")
	AttrTokensInput  = attribute.Key("autopilot.llm.tokens.input")
	AttrTokensOutput = attribute.Key("autopilot.llm.tokens.output")
	AttrLoopStep     = attribute.Key("autopilot.loop.step")
	AttrSpawnDepth   = attribute.Key("autopilot.spawn.depth")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (model API, chat platform).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

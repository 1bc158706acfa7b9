package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the task engine instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	LoopStepsTotal   metric.Int64Counter
	ActiveLoops      metric.Int64UpDownCounter
	LoopOutcomes     metric.Int64Counter
	LLMCallDuration  metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	ChannelMessages  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.LoopStepsTotal, err = meter.Int64Counter("autopilot.loop.steps",
		metric.WithDescription("Total loop steps executed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveLoops, err = meter.Int64UpDownCounter("autopilot.loop.active",
		metric.WithDescription("Number of currently running task loops"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopOutcomes, err = meter.Int64Counter("autopilot.loop.outcomes",
		metric.WithDescription("Finished task loops by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("autopilot.llm.duration",
		metric.WithDescription("Model call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("autopilot.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("autopilot.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("autopilot.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ChannelMessages, err = meter.Int64Counter("autopilot.channel.messages",
		metric.WithDescription("Chat messages sent by the delivery wrapper"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) LoopStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveLoops.Add(ctx, 1)
}

func (m *Metrics) LoopFinished(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.ActiveLoops.Add(ctx, -1)
	m.LoopOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordStep(ctx context.Context) {
	if m == nil {
		return
	}
	m.LoopStepsTotal.Add(ctx, 1)
}

func (m *Metrics) RecordLLMCall(ctx context.Context, model string, d time.Duration, tokens int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrModel.String(model))
	m.LLMCallDuration.Record(ctx, d.Seconds(), attrs)
	if tokens > 0 {
		m.TokensUsed.Add(ctx, int64(tokens), attrs)
	}
}

func (m *Metrics) RecordToolCall(ctx context.Context, tool string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrToolName.String(tool))
	m.ToolCallDuration.Record(ctx, d.Seconds(), attrs)
	if failed {
		m.ToolCallErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordChannelMessage(ctx context.Context, platform, kind string) {
	if m == nil {
		return
	}
	m.ChannelMessages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("platform", platform),
		attribute.String("kind", kind),
	))
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-autopilot/internal/activity"
	"github.com/basket/go-autopilot/internal/audit"
	"github.com/basket/go-autopilot/internal/otel"
	"github.com/basket/go-autopilot/internal/shared"
	"go.opentelemetry.io/otel/codes"
)

const maxSummaryChars = 120

// Adapter executes tool calls for one run. Every call gets a running
// activity entry that is settled to success or error afterwards, and no
// failure escapes as anything but an error Result.
type Adapter struct {
	toolset *Toolset
	emitter *activity.Emitter
	metrics *otel.Metrics
	logger  *slog.Logger
}

func NewAdapter(ts *Toolset, emitter *activity.Emitter, metrics *otel.Metrics, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if ts == nil {
		ts = &Toolset{handlers: map[ID]*handler{}}
	}
	return &Adapter{toolset: ts, emitter: emitter, metrics: metrics, logger: logger}
}

// List returns the descriptors of the run's tool set.
func (a *Adapter) List() []Descriptor {
	return a.toolset.List()
}

// Execute runs one tool call. The step number is read from ctx.
func (a *Adapter) Execute(ctx context.Context, id string, params json.RawMessage) Result {
	step := shared.Step(ctx)
	entryID := -1
	if a.emitter != nil {
		entryID = a.emitter.ToolStarted(step, id, callSummary(id, params))
	}

	ctx, span := otel.StartSpan(ctx, otel.Tracer(), "tool."+id,
		otel.AttrToolName.String(id),
		otel.AttrTaskKey.String(shared.TaskKey(ctx)),
		otel.AttrLoopStep.Int(step),
	)
	defer span.End()

	start := time.Now()
	h, out, err := a.invoke(ctx, ID(id), params)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.logger.Warn("tool call failed",
			"task_key", shared.TaskKey(ctx), "step", step, "tool", id, "error", err)
	}
	a.metrics.RecordToolCall(ctx, id, elapsed, err != nil)

	if a.emitter != nil {
		a.emitter.ToolFinished(step, entryID, func(e *activity.Entry) {
			e.Status = activity.StatusSuccess
			if h != nil && h.detail != nil {
				a.applyDetail(h, params, out, e)
			}
			if err != nil {
				e.Status = activity.StatusError
				e.Summary = truncateChars(id+": "+err.Error(), maxSummaryChars)
			}
		})
	}

	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, Data: out}
}

func (a *Adapter) invoke(ctx context.Context, id ID, params json.RawMessage) (h *handler, out any, err error) {
	h, err = a.toolset.resolve(id)
	if err != nil {
		audit.Record(audit.DecisionDeny, string(id), "tool_unavailable", shared.TaskKey(ctx), "")
		return nil, nil, err
	}
	if err := h.validate(params); err != nil {
		return h, nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("tool %s panicked: %v", id, r)
		}
	}()
	out, err = h.run(ctx, params)
	return h, out, err
}

func (a *Adapter) applyDetail(h *handler, params json.RawMessage, out any, e *activity.Entry) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("tool detail panicked", "tool", h.desc.ID, "panic", r)
		}
	}()
	h.detail(params, out, e)
}

// callSummary is the one-line label of a call, e.g. "exec: ls -la".
func callSummary(id string, params json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(params, &fields); err != nil {
		return id
	}
	for _, key := range []string{"command", "path", "to_key", "prompt"} {
		if v, ok := fields[key].(string); ok && v != "" {
			v = strings.Join(strings.Fields(v), " ")
			return truncateChars(id+": "+shared.Redact(v), maxSummaryChars)
		}
	}
	return id
}

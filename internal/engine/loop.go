package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-autopilot/internal/activity"
	"github.com/basket/go-autopilot/internal/otel"
	"github.com/basket/go-autopilot/internal/persistence"
	"github.com/basket/go-autopilot/internal/shared"
	"github.com/basket/go-autopilot/internal/telemetry"
	"github.com/basket/go-autopilot/internal/tools"
	"go.opentelemetry.io/otel/codes"
)

const systemPrompt = `You are an autonomous agent working on a task without a human in the loop.
Work step by step and use the available tools when they help.
Messages that start with [steering] come from the task owner while you work; follow them.
When the task is finished, reply with your final answer and the words "Task complete".`

const steeringPrefix = "[steering] "

// outcome is how a run ended.
type outcome struct {
	status  persistence.TaskStatus
	kind    activity.Kind
	message string
	err     string
}

func completedOutcome(message string) outcome {
	return outcome{status: persistence.TaskStatusCompleted, kind: activity.KindComplete, message: message}
}

func failedOutcome(err string) outcome {
	return outcome{status: persistence.TaskStatusFailed, kind: activity.KindError, message: err, err: err}
}

// cancelled maps a done context to the aborted or timed-out outcome.
func cancelled(ctx context.Context) (outcome, bool) {
	if ctx.Err() == nil {
		return outcome{}, false
	}
	if errors.Is(context.Cause(ctx), ErrTimedOut) {
		return outcome{status: persistence.TaskStatusFailed, kind: activity.KindTimeout, message: "task timed out", err: "timed out"}, true
	}
	return outcome{status: persistence.TaskStatusAborted, kind: activity.KindAborted, message: "task aborted", err: "aborted"}, true
}

// run is the mutable state of one loop.
type run struct {
	task    *persistence.Task
	handle  *RunHandle
	emitter *activity.Emitter
	toolset *tools.Toolset
	adapter *tools.Adapter
	logger  *slog.Logger

	history   []Message
	step      int
	tokens    int
	toolCalls int
	output    string
}

func (e *Engine) run(ctx context.Context, h *RunHandle, task *persistence.Task) {
	defer e.wg.Done()
	defer h.cancel(nil)

	ctx, cancelTimer := context.WithTimeoutCause(ctx, time.Duration(task.TimeoutMs)*time.Millisecond, ErrTimedOut)
	defer cancelTimer()

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithTaskKey(ctx, task.Key)
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx = shared.WithOwner(ctx, task.Owner)
	ctx = shared.WithSpawnDepth(ctx, task.SpawnDepth)
	logger := telemetry.ForTask(ctx, e.logger, task.Key)

	r := &run{
		task:    task,
		handle:  h,
		emitter: activity.NewEmitter(e.bus, task.Key, task.MaxSteps, logger),
		toolset: e.catalog.ForRun(task.Capabilities),
		logger:  logger,
	}
	r.adapter = tools.NewAdapter(r.toolset, r.emitter, e.metrics, logger)
	ctx = tools.WithAdapter(ctx, r.adapter)

	ctx, span := otel.StartSpan(ctx, otel.Tracer(), "task.run",
		otel.AttrTaskID.String(task.ID),
		otel.AttrTaskKey.String(task.Key),
		otel.AttrSpawnDepth.Int(task.SpawnDepth),
	)
	defer span.End()

	e.metrics.LoopStarted(ctx)
	logger.Info("task started", "task_id", task.ID, "max_steps", task.MaxSteps,
		"timeout_ms", task.TimeoutMs, "spawn_depth", task.SpawnDepth, "tools", len(r.toolset.List()))

	out := e.drive(ctx, r)
	if out.status != persistence.TaskStatusCompleted {
		span.SetStatus(codes.Error, out.message)
	}
	e.finish(ctx, r, out)
}

// drive runs the loop and turns a panic into a failed outcome.
func (e *Engine) drive(ctx context.Context, r *run) (out outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("task loop panicked", "panic", rec)
			out = failedOutcome(fmt.Sprintf("internal error: %v", rec))
		}
	}()
	return e.loop(ctx, r)
}

func (e *Engine) loop(ctx context.Context, r *run) outcome {
	task := r.task
	r.emitter.Emit(activity.KindStarted, 0, "started: "+truncateRunes(task.Prompt, 200))
	r.history = []Message{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: task.Prompt},
	}
	e.transcript(ctx, r, RoleUser, task.Prompt)

	for r.step < task.MaxSteps && r.handle.Running() {
		if out, stop := cancelled(ctx); stop {
			return out
		}
		step := r.step + 1

		if err := e.store.SaveCheckpoint(ctx, task.ID, persistence.Checkpoint{Running: true, LastStep: r.step}); err != nil {
			if out, stop := cancelled(ctx); stop {
				return out
			}
			r.logger.Warn("checkpoint failed", "step", step, "error", err)
		}

		if msg, ok := r.handle.popSteer(); ok {
			r.history = append(r.history, Message{Role: RoleUser, Content: steeringPrefix + msg})
			r.emitter.Emit(activity.KindSteering, step, msg)
			e.transcript(ctx, r, RoleUser, steeringPrefix+msg)
			r.logger.Info("steering applied", "step", step)
		}

		resp, err := e.step(ctx, r, step)
		if err != nil {
			if out, stop := cancelled(ctx); stop {
				return out
			}
			var me *ModelError
			if errors.As(err, &me) {
				r.logger.Error("model call failed", "step", step, "class", me.Class, "error", me.Err)
			}
			return failedOutcome(err.Error())
		}
		if out, stop := cancelled(ctx); stop {
			return out
		}

		if e.completion.Complete(resp) {
			return completedOutcome("task complete")
		}

		summary := fmt.Sprintf("step %d/%d", step, task.MaxSteps)
		if len(resp.ToolCalls) > 0 {
			summary += fmt.Sprintf(": %d tool call(s)", len(resp.ToolCalls))
		}
		if err := e.store.UpdateTaskProgress(ctx, task.ID, persistence.TaskProgress{
			Step:        step,
			Summary:     summary,
			TokensTotal: r.tokens,
			ToolCalls:   r.toolCalls,
		}); err != nil && ctx.Err() == nil {
			r.logger.Warn("progress update failed", "step", step, "error", err)
		}
		r.emitter.Emit(activity.KindProgress, step, summary)
	}
	if out, stop := cancelled(ctx); stop {
		return out
	}
	return completedOutcome("max steps reached")
}

// step makes one model call and executes the tools it asks for.
func (e *Engine) step(ctx context.Context, r *run, step int) (*Response, error) {
	ctx = shared.WithStep(ctx, step)
	ctx, span := otel.StartSpan(ctx, otel.Tracer(), "task.step", otel.AttrLoopStep.Int(step))
	defer span.End()

	start := time.Now()
	resp, err := e.model.Generate(ctx, Request{
		Model:       r.task.Model,
		Messages:    r.history,
		Tools:       r.toolset.List(),
		Temperature: r.task.Temperature,
	})
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, newModelError(err)
	}
	if resp == nil {
		return nil, newModelError(errors.New("empty response"))
	}

	r.step = step
	r.handle.touch()
	r.tokens += resp.Usage.TotalTokens
	e.metrics.RecordStep(ctx)
	r.logger.Debug("model responded", "step", step, "finish_reason", resp.FinishReason,
		"tool_calls", len(resp.ToolCalls), "tokens", resp.Usage.TotalTokens, "duration_ms", time.Since(start).Milliseconds())

	r.history = append(r.history, Message{Role: RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})
	if text := strings.TrimSpace(resp.Text); text != "" {
		r.output = text
		e.transcript(ctx, r, RoleAssistant, text)
	}

	for _, call := range resp.ToolCalls {
		if ctx.Err() != nil {
			break
		}
		res := r.adapter.Execute(ctx, call.Name, call.Input)
		r.toolCalls++
		r.history = append(r.history, Message{
			Role:       RoleTool,
			Content:    res.JSON(),
			ToolCallID: call.ID,
			ToolName:   call.Name,
		})
		r.handle.touch()
	}
	return resp, nil
}

// finish persists the outcome, removes the run from the registry and then
// publishes the terminal event.
func (e *Engine) finish(ctx context.Context, r *run, out outcome) {
	pctx := context.WithoutCancel(ctx)
	r.handle.stopRunning()

	activityJSON, err := json.Marshal(r.emitter.Log().Snapshot())
	if err != nil {
		r.logger.Warn("encode activity log", "error", err)
		activityJSON = nil
	}
	if err := e.store.FinishTask(pctx, r.task.ID, persistence.TaskResult{
		Status:      out.status,
		Step:        r.step,
		Summary:     out.message,
		Output:      r.output,
		Error:       out.err,
		TokensTotal: r.tokens,
		ToolCalls:   r.toolCalls,
		Checkpoint:  persistence.Checkpoint{Running: false, LastStep: r.step, Activity: activityJSON},
	}); err != nil {
		r.logger.Error("persist task result", "status", out.status, "error", err)
	}

	e.registry.deregister(r.handle)
	e.metrics.LoopFinished(pctx, string(out.status))
	r.emitter.EmitTerminal(out.kind, r.step, out.message, r.output)
	close(r.handle.done)

	r.logger.Info("task finished", "status", out.status, "steps", r.step,
		"tokens", r.tokens, "tool_calls", r.toolCalls, "error", out.err)
}

func (e *Engine) transcript(ctx context.Context, r *run, role Role, content string) {
	if err := e.store.AppendConversationMessage(context.WithoutCancel(ctx), r.task.ConversationRef, r.task.Key, string(role), content); err != nil {
		r.logger.Warn("append transcript", "role", role, "error", err)
	}
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

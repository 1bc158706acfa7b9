package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/basket/go-autopilot/internal/persistence"
	"github.com/basket/go-autopilot/internal/shared"
	"github.com/basket/go-autopilot/internal/tools"
)

// Spawn starts a child of the task named by the context's task key. A
// blocking spawn waits for the child within the parent's remaining time
// budget and returns its output.
func (e *Engine) Spawn(ctx context.Context, req tools.SpawnRequest) (tools.SpawnResult, error) {
	parentKey := shared.TaskKey(ctx)
	if parentKey == "" {
		return tools.SpawnResult{}, fmt.Errorf("spawn: no parent task in context")
	}
	parent, err := e.store.GetTaskByKey(ctx, parentKey)
	if err != nil {
		return tools.SpawnResult{}, fmt.Errorf("spawn: load parent %s: %w", parentKey, err)
	}

	caps := parent.Capabilities
	if len(req.Tools) > 0 {
		// A child never gets a tool its parent lacks.
		granted := make([]string, 0, len(req.Tools))
		for _, t := range req.Tools {
			if slices.Contains(parent.Capabilities.Tools, t) {
				granted = append(granted, t)
			}
		}
		caps = persistence.Capabilities{ToolsEnabled: parent.Capabilities.ToolsEnabled, Tools: granted}
	}

	maxSteps := req.MaxSteps
	if maxSteps <= 0 || maxSteps > parent.MaxSteps {
		maxSteps = parent.MaxSteps
	}
	timeout := time.Duration(parent.TimeoutMs) * time.Millisecond
	if req.Blocking {
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < timeout {
				timeout = remaining
			}
		}
		if timeout <= 0 {
			return tools.SpawnResult{}, fmt.Errorf("spawn: no time left in parent budget")
		}
	}
	temp := parent.Temperature

	child, err := e.start(ctx, StartRequest{
		Owner:        parent.Owner,
		Prompt:       req.Prompt,
		MaxSteps:     maxSteps,
		Timeout:      timeout,
		Temperature:  &temp,
		Model:        parent.Model,
		Capabilities: &caps,
	}, parent)
	if err != nil {
		return tools.SpawnResult{}, err
	}
	e.logger.Info("sub-task spawned",
		"task_key", parent.Key, "child_key", child.Key, "spawn_depth", child.SpawnDepth, "blocking", req.Blocking)

	if !req.Blocking {
		return tools.SpawnResult{TaskKey: child.Key, Status: string(child.Status)}, nil
	}

	final, err := e.Wait(ctx, child.Key)
	if err != nil {
		// The parent ended while waiting; nobody will read the child's output.
		if e.Abort(child.Key) {
			e.logger.Info("blocking sub-task aborted with its parent",
				"task_key", parent.Key, "child_key", child.Key, "cause", err)
		}
		return tools.SpawnResult{}, fmt.Errorf("waiting for sub-task %s: %w", child.Key, err)
	}
	return tools.SpawnResult{
		TaskKey: final.Key,
		Status:  string(final.Status),
		Output:  final.Output,
		Error:   final.Error,
	}, nil
}

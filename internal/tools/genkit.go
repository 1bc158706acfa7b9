package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

type adapterKey struct{}

// WithAdapter attaches the run's adapter so genkit-invoked tools dispatch
// through it.
func WithAdapter(ctx context.Context, a *Adapter) context.Context {
	return context.WithValue(ctx, adapterKey{}, a)
}

func adapterFrom(ctx context.Context) *Adapter {
	a, _ := ctx.Value(adapterKey{}).(*Adapter)
	return a
}

// DefineGenkitTools declares every built-in tool on g so models see typed
// input schemas. The engine asks genkit to return tool requests instead of
// resolving them, so these handlers only run if a caller lets genkit drive
// the tool loop itself.
func DefineGenkitTools(g *genkit.Genkit) map[ID]ai.ToolRef {
	refs := make(map[ID]ai.ToolRef, 6)
	refs[WriteFile] = defineGenkit[WriteFileInput](g, WriteFile, "Write content to a file in the workspace.")
	refs[ReadFile] = defineGenkit[ReadFileInput](g, ReadFile, "Read a text file from the workspace.")
	refs[Exec] = defineGenkit[ShellInput](g, Exec, "Execute a shell command in the workspace.")
	refs[SpawnTask] = defineGenkit[SpawnTaskInput](g, SpawnTask, "Start a sub-task, optionally waiting for its output.")
	refs[SendMessage] = defineGenkit[SendMessageInput](g, SendMessage, "Send a message to another task by key.")
	refs[ReadMessages] = defineGenkit[ReadMessagesInput](g, ReadMessages, "Read and acknowledge pending messages for this task.")
	return refs
}

func defineGenkit[In any](g *genkit.Genkit, id ID, description string) ai.ToolRef {
	return genkit.DefineTool(g, string(id), description,
		func(ctx *ai.ToolContext, input In) (Result, error) {
			a := adapterFrom(ctx)
			if a == nil {
				return Result{}, fmt.Errorf("%w: %s has no run adapter", ErrToolUnavailable, id)
			}
			params, err := json.Marshal(input)
			if err != nil {
				return Result{}, fmt.Errorf("encode %s input: %w", id, err)
			}
			return a.Execute(ctx, string(id), params), nil
		},
	)
}

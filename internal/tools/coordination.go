package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-autopilot/internal/activity"
	"github.com/basket/go-autopilot/internal/audit"
	"github.com/basket/go-autopilot/internal/persistence"
	"github.com/basket/go-autopilot/internal/shared"
)

// ErrSpawnDepthExceeded rejects a spawn that would nest deeper than the
// configured cap.
var ErrSpawnDepthExceeded = errors.New("spawn depth exceeded")

const defaultReadMessagesLimit = 20

// SpawnRequest asks the engine for a child task of the calling task.
type SpawnRequest struct {
	Prompt   string
	Blocking bool
	MaxSteps int
	Tools    []string
}

// SpawnResult reports the child. Output and Error are set only for
// blocking spawns.
type SpawnResult struct {
	TaskKey string
	Status  string
	Output  string
	Error   string
}

// Spawner starts child tasks. The parent is taken from the context.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error)
}

// Mailbox is the subset of the store the messaging tools need.
type Mailbox interface {
	SendTaskMessage(ctx context.Context, from, to string, typ persistence.MessageType, payload string) (int64, error)
	DrainTaskMessages(ctx context.Context, toKey string, limit int) ([]persistence.TaskMessage, error)
	MarkTaskMessagesRead(ctx context.Context, ids ...int64) (int, error)
}

// SpawnTaskInput is the input for the spawn_task tool.
type SpawnTaskInput struct {
	Prompt   string   `json:"prompt"`
	Blocking bool     `json:"blocking,omitempty"`
	MaxSteps int      `json:"max_steps,omitempty"`
	Tools    []string `json:"tools,omitempty"`
}

// SpawnTaskOutput is the output for the spawn_task tool.
type SpawnTaskOutput struct {
	TaskKey string `json:"task_key"`
	Status  string `json:"status"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SendMessageInput is the input for the send_message tool.
type SendMessageInput struct {
	ToKey   string `json:"to_key"`
	Type    string `json:"type,omitempty"`
	Payload string `json:"payload"`
}

// SendMessageOutput is the output for the send_message tool.
type SendMessageOutput struct {
	MessageID int64  `json:"message_id"`
	Status    string `json:"status"`
}

// ReadMessagesInput is the input for the read_messages tool.
type ReadMessagesInput struct {
	Limit int `json:"limit,omitempty"`
}

// MessageEntry is one mailbox message as shown to the model.
type MessageEntry struct {
	FromKey string `json:"from_key"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
	SentAt  string `json:"sent_at"`
}

// ReadMessagesOutput is the output for the read_messages tool.
type ReadMessagesOutput struct {
	Messages []MessageEntry `json:"messages"`
	Count    int            `json:"count"`
}

const spawnTaskSchema = `{
  "type": "object",
  "properties": {
    "prompt": {"type": "string", "minLength": 1, "description": "Instructions for the sub-task"},
    "blocking": {"type": "boolean", "description": "Wait for the sub-task and return its output"},
    "max_steps": {"type": "integer", "minimum": 1},
    "tools": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["prompt"],
  "additionalProperties": false
}`

const sendMessageSchema = `{
  "type": "object",
  "properties": {
    "to_key": {"type": "string", "minLength": 1, "description": "Key of the receiving task"},
    "type": {"enum": ["message", "result", "request", "error", "status"]},
    "payload": {"type": "string", "minLength": 1}
  },
  "required": ["to_key", "payload"],
  "additionalProperties": false
}`

const readMessagesSchema = `{
  "type": "object",
  "properties": {
    "limit": {"type": "integer", "minimum": 1, "maximum": 100}
  },
  "additionalProperties": false
}`

func registerCoordination(c *Catalog, spawner Spawner, mailbox Mailbox) error {
	if spawner != nil {
		if err := define(c, SpawnTask,
			"Start a sub-task with its own prompt. With blocking=true, wait for it and return its output; otherwise return its task key immediately.",
			spawnTaskSchema,
			func(ctx context.Context, in SpawnTaskInput) (SpawnTaskOutput, error) {
				res, err := spawner.Spawn(ctx, SpawnRequest{
					Prompt:   in.Prompt,
					Blocking: in.Blocking,
					MaxSteps: in.MaxSteps,
					Tools:    in.Tools,
				})
				if err != nil {
					if errors.Is(err, ErrSpawnDepthExceeded) {
						audit.Record(audit.DecisionDeny, string(SpawnTask), "spawn_depth_exceeded", shared.TaskKey(ctx), err.Error())
					}
					return SpawnTaskOutput{}, err
				}
				return SpawnTaskOutput(res), nil
			},
			func(in SpawnTaskInput, out SpawnTaskOutput, e *activity.Entry) {
				if out.TaskKey != "" {
					e.Summary = fmt.Sprintf("spawn_task: %s (%s)", out.TaskKey, out.Status)
				}
			},
		); err != nil {
			return err
		}
	}
	if mailbox == nil {
		return nil
	}

	if err := define(c, SendMessage,
		"Send a message to another task by key. The task does not have to be running.",
		sendMessageSchema,
		func(ctx context.Context, in SendMessageInput) (SendMessageOutput, error) {
			typ := persistence.MessageType(strings.ToLower(strings.TrimSpace(in.Type)))
			if typ == "" {
				typ = persistence.MessageTypeMessage
			}
			from := shared.TaskKey(ctx)
			if from == in.ToKey {
				return SendMessageOutput{}, fmt.Errorf("cannot send a message to yourself")
			}
			id, err := mailbox.SendTaskMessage(ctx, from, in.ToKey, typ, in.Payload)
			if err != nil {
				return SendMessageOutput{}, err
			}
			return SendMessageOutput{MessageID: id, Status: "sent"}, nil
		},
		nil,
	); err != nil {
		return err
	}

	return define(c, ReadMessages,
		"Read and acknowledge pending messages sent to this task, oldest first.",
		readMessagesSchema,
		func(ctx context.Context, in ReadMessagesInput) (ReadMessagesOutput, error) {
			limit := in.Limit
			if limit <= 0 {
				limit = defaultReadMessagesLimit
			}
			key := shared.TaskKey(ctx)
			if key == "" {
				return ReadMessagesOutput{}, fmt.Errorf("no task key in context")
			}
			msgs, err := mailbox.DrainTaskMessages(ctx, key, limit)
			if err != nil {
				return ReadMessagesOutput{}, err
			}
			out := ReadMessagesOutput{Messages: make([]MessageEntry, 0, len(msgs))}
			ids := make([]int64, 0, len(msgs))
			for _, m := range msgs {
				out.Messages = append(out.Messages, MessageEntry{
					FromKey: m.FromKey,
					Type:    string(m.Type),
					Payload: m.Payload,
					SentAt:  m.CreatedAt.UTC().Format(time.RFC3339),
				})
				ids = append(ids, m.ID)
			}
			if len(ids) > 0 {
				if _, err := mailbox.MarkTaskMessagesRead(ctx, ids...); err != nil {
					return ReadMessagesOutput{}, fmt.Errorf("mark read: %w", err)
				}
			}
			out.Count = len(out.Messages)
			return out, nil
		},
		func(_ ReadMessagesInput, out ReadMessagesOutput, e *activity.Entry) {
			e.Summary = fmt.Sprintf("read_messages: %d message(s)", out.Count)
		},
	)
}

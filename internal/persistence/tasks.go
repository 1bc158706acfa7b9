package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-autopilot/internal/bus"
	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusAborted   TaskStatus = "aborted"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusAborted:
		return true
	}
	return false
}

// Statuses only move forward; terminal statuses have no successors.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusRunning: {},
		TaskStatusFailed:  {},
		TaskStatusAborted: {},
	},
	TaskStatusRunning: {
		TaskStatusPaused:    {},
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusAborted:   {},
	},
	TaskStatusPaused: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusAborted:   {},
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Capabilities selects the tools available to one run.
type Capabilities struct {
	ToolsEnabled bool     `json:"tools_enabled"`
	Tools        []string `json:"tools,omitempty"`
}

// Checkpoint is the crash-visibility blob stored on the task row.
type Checkpoint struct {
	Running  bool            `json:"running"`
	LastStep int             `json:"lastStep"`
	Activity json.RawMessage `json:"activity,omitempty"`
}

// DeliveryTarget names a chat destination progress is rendered to.
type DeliveryTarget struct {
	Platform    string `json:"platform"`
	Destination string `json:"destination"`
}

func (d DeliveryTarget) IsZero() bool {
	return d.Platform == "" && d.Destination == ""
}

type Task struct {
	ID              string         `json:"id"`
	Key             string         `json:"key"`
	Owner           string         `json:"owner"`
	ConversationRef string         `json:"conversation_ref"`
	Prompt          string         `json:"prompt"`
	Status          TaskStatus     `json:"status"`
	CurrentStep     int            `json:"current_step"`
	MaxSteps        int            `json:"max_steps"`
	TimeoutMs       int64          `json:"timeout_ms"`
	Capabilities    Capabilities   `json:"capabilities"`
	Checkpoint      Checkpoint     `json:"checkpoint"`
	ParentTaskID    string         `json:"parent_task_id,omitempty"`
	SpawnDepth      int            `json:"spawn_depth"`
	Delivery        DeliveryTarget `json:"delivery"`
	Model           string         `json:"model"`
	Temperature     float64        `json:"temperature"`
	Summary         string         `json:"summary"`
	Output          string         `json:"output"`
	Error           string         `json:"error"`
	TokensTotal     int            `json:"tokens_total"`
	ToolCalls       int            `json:"tool_calls"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
}

const taskColumns = `id, key, owner, conversation_ref, prompt, status, current_step, max_steps,
	timeout_ms, capabilities, checkpoint, COALESCE(parent_task_id, ''), spawn_depth,
	delivery_platform, delivery_destination, model, temperature, summary, output, error,
	tokens_total, tool_calls, created_at, updated_at, started_at, finished_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var caps, checkpoint string
	var started, finished sql.NullTime
	if err := scanFn(
		&task.ID,
		&task.Key,
		&task.Owner,
		&task.ConversationRef,
		&task.Prompt,
		&task.Status,
		&task.CurrentStep,
		&task.MaxSteps,
		&task.TimeoutMs,
		&caps,
		&checkpoint,
		&task.ParentTaskID,
		&task.SpawnDepth,
		&task.Delivery.Platform,
		&task.Delivery.Destination,
		&task.Model,
		&task.Temperature,
		&task.Summary,
		&task.Output,
		&task.Error,
		&task.TokensTotal,
		&task.ToolCalls,
		&task.CreatedAt,
		&task.UpdatedAt,
		&started,
		&finished,
	); err != nil {
		return err
	}
	if caps != "" {
		if err := json.Unmarshal([]byte(caps), &task.Capabilities); err != nil {
			return fmt.Errorf("decode capabilities: %w", err)
		}
	}
	if checkpoint != "" {
		if err := json.Unmarshal([]byte(checkpoint), &task.Checkpoint); err != nil {
			return fmt.Errorf("decode checkpoint: %w", err)
		}
	}
	if started.Valid {
		t := started.Time
		task.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		task.FinishedAt = &t
	}
	return nil
}

// CreateTask inserts t in pending status. ID is generated when empty.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.Key == "" {
		return fmt.Errorf("create task: empty key")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = TaskStatusPending
	caps, err := json.Marshal(t.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	checkpoint, err := json.Marshal(t.Checkpoint)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				id, key, owner, conversation_ref, prompt, status, current_step, max_steps,
				timeout_ms, capabilities, checkpoint, parent_task_id, spawn_depth,
				delivery_platform, delivery_destination, model, temperature
			) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?);
		`, t.ID, t.Key, t.Owner, t.ConversationRef, t.Prompt, string(t.Status), t.MaxSteps,
			t.TimeoutMs, string(caps), string(checkpoint), t.ParentTaskID, t.SpawnDepth,
			t.Delivery.Platform, t.Delivery.Destination, t.Model, t.Temperature)
		return err
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("create task %q: %w", t.Key, ErrTaskKeyExists)
	}
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.getTask(ctx, `WHERE id = ?`, id)
}

func (s *Store) GetTaskByKey(ctx context.Context, key string) (*Task, error) {
	return s.getTask(ctx, `WHERE key = ?`, key)
}

func (s *Store) getTask(ctx context.Context, where string, arg any) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where+`;`, arg)
	var t Task
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// ListTasksByStatus returns tasks in the given status, oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]Task, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?;`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListChildTasks returns tasks spawned by parentID.
func (s *Store) ListChildTasks(ctx context.Context, parentID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE parent_task_id = ? ORDER BY created_at ASC, id ASC;`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list child tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// TransitionTask moves a task to status to. reason is stored in the error
// column for failed and aborted outcomes.
func (s *Store) TransitionTask(ctx context.Context, id string, to TaskStatus, reason string) error {
	var from TaskStatus
	var key string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		from, key, err = s.transitionTaskTx(ctx, tx, id, to, reason)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publishTransition(id, key, from, to)
	return nil
}

func (s *Store) transitionTaskTx(ctx context.Context, tx *sql.Tx, id string, to TaskStatus, reason string) (TaskStatus, string, error) {
	var from TaskStatus
	var key string
	if err := tx.QueryRowContext(ctx, `SELECT status, key FROM tasks WHERE id = ?;`, id).Scan(&from, &key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", ErrTaskNotFound
		}
		return "", "", fmt.Errorf("read task status: %w", err)
	}
	if !canTransition(from, to) {
		return from, key, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	query := `UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP`
	args := []any{string(to)}
	switch {
	case to == TaskStatusRunning:
		query += `, started_at = COALESCE(started_at, CURRENT_TIMESTAMP)`
	case to.Terminal():
		query += `, finished_at = CURRENT_TIMESTAMP`
	}
	if reason != "" && (to == TaskStatusFailed || to == TaskStatusAborted) {
		query += `, error = ?`
		args = append(args, reason)
	}
	query += ` WHERE id = ? AND status = ?;`
	args = append(args, id, string(from))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return from, key, fmt.Errorf("update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return from, key, fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, from)
	}
	return from, key, nil
}

func (s *Store) publishTransition(id, key string, from, to TaskStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    id,
		TaskKey:   key,
		OldStatus: string(from),
		NewStatus: string(to),
	})
}

// TaskProgress is the per-step counter update.
type TaskProgress struct {
	Step        int
	Summary     string
	TokensTotal int
	ToolCalls   int
}

func (s *Store) UpdateTaskProgress(ctx context.Context, id string, p TaskProgress) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET current_step = ?, summary = ?, tokens_total = ?, tool_calls = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, p.Step, p.Summary, p.TokensTotal, p.ToolCalls, id)
		if err != nil {
			return fmt.Errorf("update task progress: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrTaskNotFound
		}
		return nil
	})
}

// SaveCheckpoint overwrites the checkpoint blob of a task.
func (s *Store) SaveCheckpoint(ctx context.Context, id string, cp Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET checkpoint = ?, current_step = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, string(raw), cp.LastStep, id)
		if err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrTaskNotFound
		}
		return nil
	})
}

// TaskResult is the final record written when a run exits.
type TaskResult struct {
	Status      TaskStatus
	Step        int
	Summary     string
	Output      string
	Error       string
	TokensTotal int
	ToolCalls   int
	Checkpoint  Checkpoint
}

// FinishTask transitions to a terminal status and writes the final
// counters and checkpoint in one transaction.
func (s *Store) FinishTask(ctx context.Context, id string, r TaskResult) error {
	if !r.Status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, r.Status)
	}
	raw, err := json.Marshal(r.Checkpoint)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	var from TaskStatus
	var key string
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		from, key, err = s.transitionTaskTx(ctx, tx, id, r.Status, r.Error)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET current_step = ?, summary = ?, output = ?, tokens_total = ?, tool_calls = ?, checkpoint = ?
			WHERE id = ?;
		`, r.Step, r.Summary, r.Output, r.TokensTotal, r.ToolCalls, string(raw), id); err != nil {
			return fmt.Errorf("write task result: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publishTransition(id, key, from, r.Status)
	return nil
}

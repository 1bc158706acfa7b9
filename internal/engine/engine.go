package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-autopilot/internal/audit"
	"github.com/basket/go-autopilot/internal/bus"
	"github.com/basket/go-autopilot/internal/config"
	"github.com/basket/go-autopilot/internal/otel"
	"github.com/basket/go-autopilot/internal/persistence"
	"github.com/basket/go-autopilot/internal/shared"
	"github.com/basket/go-autopilot/internal/tools"
)

const (
	defaultMaxSteps      = 25
	defaultTaskTimeout   = 10 * time.Minute
	defaultMaxSpawnDepth = 3
	orphanScanLimit      = 500
)

// DefaultTools is the tool set granted when a start request names none.
var DefaultTools = []string{string(tools.WriteFile), string(tools.ReadFile), string(tools.Exec)}

// Options configures an Engine.
type Options struct {
	Tasks config.TasksConfig
	// Tools supplies the workspace and shell executor. Spawner and Mailbox
	// are filled in by the engine.
	Tools   tools.Deps
	Metrics *otel.Metrics
	Logger  *slog.Logger
}

// StartRequest describes a new autonomous task.
type StartRequest struct {
	// Key is the external task key. Generated when empty.
	Key             string
	Owner           string
	ConversationRef string
	Prompt          string
	MaxSteps        int
	Timeout         time.Duration
	Temperature     *float64
	Model           string
	// Capabilities defaults to DefaultTools with tool use enabled.
	Capabilities *persistence.Capabilities
	Delivery     persistence.DeliveryTarget
}

// Engine drives autonomous task loops. It owns the run registry; every
// running loop is registered under its task key until it exits.
type Engine struct {
	store      *persistence.Store
	bus        *bus.Bus
	model      Model
	registry   *Registry
	catalog    *tools.Catalog
	completion CompletionCheck
	tasks      config.TasksConfig
	metrics    *otel.Metrics
	logger     *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func New(store *persistence.Store, b *bus.Bus, model Model, opts Options) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine: nil store")
	}
	if model == nil {
		return nil, fmt.Errorf("engine: nil model")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tasks := opts.Tasks
	if tasks.MaxSteps <= 0 {
		tasks.MaxSteps = defaultMaxSteps
	}
	if tasks.TimeoutSeconds <= 0 {
		tasks.TimeoutSeconds = int(defaultTaskTimeout / time.Second)
	}
	if tasks.MaxSpawnDepth <= 0 {
		tasks.MaxSpawnDepth = defaultMaxSpawnDepth
	}
	if tasks.MinCompletionChars <= 0 {
		tasks.MinCompletionChars = config.DefaultMinCompletionChars
	}
	if len(tasks.CompletionPhrases) == 0 {
		tasks.CompletionPhrases = config.DefaultCompletionPhrases
	}

	baseCtx, stop := context.WithCancel(context.Background())
	e := &Engine{
		store:      store,
		bus:        b,
		model:      model,
		registry:   NewRegistry(),
		completion: CompletionCheck{Phrases: tasks.CompletionPhrases, MinChars: tasks.MinCompletionChars},
		tasks:      tasks,
		metrics:    opts.Metrics,
		logger:     logger,
		baseCtx:    baseCtx,
		stop:       stop,
	}

	deps := opts.Tools
	deps.Spawner = e
	deps.Mailbox = store
	catalog, err := tools.NewBuiltinCatalog(deps)
	if err != nil {
		stop()
		return nil, fmt.Errorf("engine: build tool catalog: %w", err)
	}
	e.catalog = catalog
	return e, nil
}

// Registry exposes the run registry for read-only queries.
func (e *Engine) Registry() *Registry { return e.registry }

// Catalog returns every registered tool.
func (e *Engine) Catalog() *tools.Catalog { return e.catalog }

// Start creates the task record, registers the run and launches its loop
// without waiting for it.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*persistence.Task, error) {
	return e.start(ctx, req, nil)
}

func (e *Engine) start(ctx context.Context, req StartRequest, parent *persistence.Task) (*persistence.Task, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	task := &persistence.Task{
		Key:             strings.TrimSpace(req.Key),
		Owner:           req.Owner,
		ConversationRef: req.ConversationRef,
		Prompt:          prompt,
		MaxSteps:        req.MaxSteps,
		Delivery:        req.Delivery,
		Model:           req.Model,
		Temperature:     e.tasks.Temperature,
	}
	if task.Key == "" {
		task.Key = shared.NewTaskKey()
	}
	if task.ConversationRef == "" {
		task.ConversationRef = task.Key
	}
	if task.MaxSteps <= 0 {
		task.MaxSteps = e.tasks.MaxSteps
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = time.Duration(e.tasks.TimeoutSeconds) * time.Second
	}
	task.TimeoutMs = timeout.Milliseconds()
	if req.Temperature != nil {
		task.Temperature = *req.Temperature
	}
	if req.Capabilities != nil {
		task.Capabilities = *req.Capabilities
	} else {
		task.Capabilities = persistence.Capabilities{ToolsEnabled: true, Tools: DefaultTools}
	}
	if parent != nil {
		task.ParentTaskID = parent.ID
		task.SpawnDepth = parent.SpawnDepth + 1
		if task.SpawnDepth > e.tasks.MaxSpawnDepth {
			return nil, fmt.Errorf("%w: depth %d exceeds cap %d", ErrSpawnDepthExceeded, task.SpawnDepth, e.tasks.MaxSpawnDepth)
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrEngineClosed
	}

	runCtx, cancel := context.WithCancelCause(e.baseCtx)
	h, err := e.registry.register(task.Key, cancel)
	if err != nil {
		cancel(err)
		return nil, fmt.Errorf("start %s: %w", task.Key, err)
	}
	abandon := func(err error) {
		e.registry.deregister(h)
		cancel(err)
		close(h.done)
	}

	if err := e.store.CreateTask(ctx, task); err != nil {
		abandon(err)
		return nil, err
	}
	if err := e.store.TransitionTask(ctx, task.ID, persistence.TaskStatusRunning, ""); err != nil {
		_ = e.store.TransitionTask(context.WithoutCancel(ctx), task.ID, persistence.TaskStatusFailed, "start failed: "+err.Error())
		abandon(err)
		return nil, fmt.Errorf("start %s: %w", task.Key, err)
	}
	task.Status = persistence.TaskStatusRunning

	e.wg.Add(1)
	snapshot := *task
	go e.run(runCtx, h, &snapshot)
	return task, nil
}

// IsRunning reports whether key has a live loop in this process that has
// not been aborted or finished.
func (e *Engine) IsRunning(key string) bool {
	return e.registry.IsRunning(key)
}

// Steer queues a user message for the next step of a running task. It
// returns false when the task is not running.
func (e *Engine) Steer(key, msg string) bool {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return false
	}
	ok := e.registry.Steer(key, msg)
	if ok {
		e.logger.Info("task steered", "task_key", key)
	}
	return ok
}

// Abort cancels a running task. It returns false when the task is not
// running.
func (e *Engine) Abort(key string) bool {
	ok := e.registry.Abort(key)
	if ok {
		e.logger.Info("task abort requested", "task_key", key)
		audit.Record(audit.DecisionAbort, "task.abort", "requested", key, "")
	}
	return ok
}

// TaskStatus is the persisted record merged with live registry state.
type TaskStatus struct {
	persistence.Task
	Running       bool       `json:"running"`
	Orphaned      bool       `json:"orphaned"`
	PendingSteers int        `json:"pending_steers"`
	LastActivity  *time.Time `json:"last_activity,omitempty"`
}

func (e *Engine) Status(ctx context.Context, key string) (*TaskStatus, error) {
	task, err := e.store.GetTaskByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	st := &TaskStatus{Task: *task}
	if h, ok := e.registry.get(key); ok {
		st.Running = h.Running()
		st.PendingSteers = h.PendingSteers()
		last := h.LastActivity()
		st.LastActivity = &last
	} else if !task.Status.Terminal() {
		st.Orphaned = true
	}
	return st, nil
}

// Wait blocks until key is no longer running in this process or ctx ends,
// then returns the persisted record.
func (e *Engine) Wait(ctx context.Context, key string) (*persistence.Task, error) {
	if h, ok := e.registry.get(key); ok {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
	return e.store.GetTaskByKey(context.WithoutCancel(ctx), key)
}

// ReportOrphans logs and returns tasks that storage says are running but
// that have no loop in this process, typically after a restart. They are
// not resumed.
func (e *Engine) ReportOrphans(ctx context.Context) ([]persistence.Task, error) {
	var orphans []persistence.Task
	for _, status := range []persistence.TaskStatus{persistence.TaskStatusRunning, persistence.TaskStatusPaused} {
		tasks, err := e.store.ListTasksByStatus(ctx, status, orphanScanLimit)
		if err != nil {
			return nil, fmt.Errorf("list %s tasks: %w", status, err)
		}
		for _, t := range tasks {
			if _, live := e.registry.get(t.Key); live {
				continue
			}
			orphans = append(orphans, t)
			e.logger.Warn("orphaned task",
				"task_key", t.Key, "task_id", t.ID, "status", t.Status,
				"last_step", t.Checkpoint.LastStep, "updated_at", t.UpdatedAt)
		}
	}
	return orphans, nil
}

// Close aborts every running task and waits for the loops to persist
// their final state.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	for _, key := range e.registry.Keys() {
		e.registry.Abort(key)
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	defer e.stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(fmt.Errorf("engine close: %d task(s) still running", e.registry.Len()), ctx.Err())
	}
}

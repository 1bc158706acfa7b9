package activity

import (
	"log/slog"
	"time"

	"github.com/basket/go-autopilot/internal/bus"
)

// Kind identifies the type of a task event.
type Kind string

const (
	KindStarted  Kind = "started"
	KindSteering Kind = "steering"
	KindTool     Kind = "tool"
	KindProgress Kind = "progress"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
	KindAborted  Kind = "aborted"
	KindTimeout  Kind = "timeout"
)

// Terminal reports whether the kind ends a run's event stream.
func (k Kind) Terminal() bool {
	switch k {
	case KindComplete, KindError, KindAborted, KindTimeout:
		return true
	}
	return false
}

// Event is published on the bus for every state change of a run. Log is
// the full activity log at the moment of emission.
type Event struct {
	TaskKey   string    `json:"task_key"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"ts"`
	Step      int       `json:"step"`
	MaxSteps  int       `json:"max_steps"`
	Message   string    `json:"message,omitempty"`
	Output    string    `json:"output,omitempty"`
	Entry     *Entry    `json:"entry,omitempty"`
	Log       Snapshot  `json:"log"`
}

// Emitter owns one run's activity log and publishes its events on the
// per-task topic. A nil bus is allowed.
type Emitter struct {
	bus      *bus.Bus
	taskKey  string
	maxSteps int
	log      *Log
	logger   *slog.Logger
}

func NewEmitter(b *bus.Bus, taskKey string, maxSteps int, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{bus: b, taskKey: taskKey, maxSteps: maxSteps, log: NewLog(), logger: logger}
}

func (e *Emitter) TaskKey() string { return e.taskKey }

func (e *Emitter) Log() *Log { return e.log }

// Emit appends a lifecycle entry for kind and publishes it.
func (e *Emitter) Emit(kind Kind, step int, message string) Event {
	status := StatusSuccess
	if kind == KindError || kind == KindTimeout || kind == KindAborted {
		status = StatusError
	}
	id := e.log.Append(Entry{Kind: kind, Summary: message, Status: status})
	entry, _ := e.log.Get(id)
	return e.publish(Event{Kind: kind, Step: step, Message: message, Entry: &entry})
}

// EmitTerminal is Emit for an exit path, carrying the final output.
func (e *Emitter) EmitTerminal(kind Kind, step int, message, output string) Event {
	status := StatusSuccess
	if kind != KindComplete {
		status = StatusError
	}
	id := e.log.Append(Entry{Kind: kind, Summary: message, Status: status})
	entry, _ := e.log.Get(id)
	return e.publish(Event{Kind: kind, Step: step, Message: message, Output: output, Entry: &entry})
}

// ToolStarted appends a running entry for a tool call and returns its id.
func (e *Emitter) ToolStarted(step int, tool, summary string) int {
	id := e.log.Append(Entry{Kind: KindTool, Tool: tool, Summary: summary, Status: StatusRunning})
	entry, _ := e.log.Get(id)
	e.publish(Event{Kind: KindTool, Step: step, Message: summary, Entry: &entry})
	return id
}

// ToolFinished updates the entry created by ToolStarted and publishes it.
func (e *Emitter) ToolFinished(step, id int, fn func(*Entry)) {
	if !e.log.Update(id, fn) {
		e.logger.Warn("activity entry missing", "task_key", e.taskKey, "entry_id", id)
		return
	}
	entry, _ := e.log.Get(id)
	e.publish(Event{Kind: KindTool, Step: step, Message: entry.Summary, Entry: &entry})
}

func (e *Emitter) publish(ev Event) Event {
	ev.TaskKey = e.taskKey
	ev.MaxSteps = e.maxSteps
	ev.Timestamp = time.Now().UTC()
	ev.Log = e.log.Snapshot()
	if e.bus != nil {
		e.bus.Publish(bus.ActivityTopic(e.taskKey, string(ev.Kind)), ev)
	}
	return ev
}

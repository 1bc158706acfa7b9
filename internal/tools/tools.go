package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/basket/go-autopilot/internal/activity"
	"github.com/basket/go-autopilot/internal/persistence"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ID names a built-in tool. The set is closed.
type ID string

const (
	WriteFile    ID = "write_file"
	ReadFile     ID = "read_file"
	Exec         ID = "exec"
	SpawnTask    ID = "spawn_task"
	SendMessage  ID = "send_message"
	ReadMessages ID = "read_messages"
)

// coordinationTools are granted to every run that has tool use enabled.
var coordinationTools = []ID{SpawnTask, SendMessage, ReadMessages}

// ErrToolUnavailable is returned for ids outside a run's tool set.
var ErrToolUnavailable = errors.New("tool not available")

// Descriptor is what the model sees of a tool.
type Descriptor struct {
	ID          ID              `json:"id"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Result is the uniform outcome of a tool call. Exactly one of Data and
// Error is meaningful, selected by Success.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// JSON renders the result for the model transcript.
func (r Result) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, "encode result: "+err.Error())
	}
	return string(b)
}

type handler struct {
	desc   Descriptor
	schema *jsonschema.Schema
	run    func(ctx context.Context, params json.RawMessage) (any, error)
	detail func(params json.RawMessage, out any, e *activity.Entry)
}

func (h *handler) validate(params json.RawMessage) error {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(params)))
	if err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	if err := h.schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid parameters: %s", err)
	}
	return nil
}

// Catalog holds every registered tool and compiles their input schemas.
type Catalog struct {
	handlers map[ID]*handler
}

func NewCatalog() *Catalog {
	return &Catalog{handlers: make(map[ID]*handler)}
}

// define registers a typed tool. detail may be nil; it is called after every
// call, with a zero Out when the call failed.
func define[In, Out any](c *Catalog, id ID, description, schema string,
	fn func(context.Context, In) (Out, error),
	detail func(In, Out, *activity.Entry),
) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		return fmt.Errorf("unmarshal %s schema: %w", id, err)
	}
	compiler := jsonschema.NewCompiler()
	url := string(id) + ".schema.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return fmt.Errorf("add %s schema: %w", id, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile %s schema: %w", id, err)
	}

	h := &handler{
		desc:   Descriptor{ID: id, Description: description, InputSchema: json.RawMessage(schema)},
		schema: compiled,
		run: func(ctx context.Context, params json.RawMessage) (any, error) {
			var in In
			if len(params) > 0 {
				if err := json.Unmarshal(params, &in); err != nil {
					return nil, fmt.Errorf("decode parameters: %w", err)
				}
			}
			return fn(ctx, in)
		},
	}
	if detail != nil {
		h.detail = func(params json.RawMessage, out any, e *activity.Entry) {
			var in In
			_ = json.Unmarshal(params, &in)
			typed, _ := out.(Out)
			detail(in, typed, e)
		}
	}
	c.handlers[id] = h
	return nil
}

// List returns every registered descriptor ordered by id.
func (c *Catalog) List() []Descriptor {
	out := make([]Descriptor, 0, len(c.handlers))
	for _, h := range c.handlers {
		out = append(out, h.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ForRun builds the tool set of one run. Ids that are not registered are
// dropped; the coordination tools are added whenever tool use is enabled.
func (c *Catalog) ForRun(caps persistence.Capabilities) *Toolset {
	ts := &Toolset{handlers: make(map[ID]*handler)}
	if !caps.ToolsEnabled {
		return ts
	}
	add := func(id ID) {
		if _, dup := ts.handlers[id]; dup {
			return
		}
		h, ok := c.handlers[id]
		if !ok {
			return
		}
		ts.handlers[id] = h
		ts.order = append(ts.order, id)
	}
	for _, raw := range caps.Tools {
		add(ID(strings.TrimSpace(raw)))
	}
	for _, id := range coordinationTools {
		add(id)
	}
	return ts
}

// Toolset is the fixed set of tools one run may call.
type Toolset struct {
	handlers map[ID]*handler
	order    []ID
}

func (ts *Toolset) List() []Descriptor {
	out := make([]Descriptor, 0, len(ts.order))
	for _, id := range ts.order {
		out = append(out, ts.handlers[id].desc)
	}
	return out
}

func (ts *Toolset) Has(id ID) bool {
	_, ok := ts.handlers[id]
	return ok
}

func (ts *Toolset) resolve(id ID) (*handler, error) {
	h, ok := ts.handlers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolUnavailable, id)
	}
	return h, nil
}

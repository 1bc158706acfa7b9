package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-autopilot/internal/persistence"
	"github.com/basket/go-autopilot/internal/shared"
)

type memMailbox struct {
	mu     sync.Mutex
	nextID int64
	msgs   []persistence.TaskMessage
}

func (m *memMailbox) SendTaskMessage(_ context.Context, from, to string, typ persistence.MessageType, payload string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !typ.Valid() {
		return 0, fmt.Errorf("invalid message type %q", typ)
	}
	m.nextID++
	m.msgs = append(m.msgs, persistence.TaskMessage{
		ID: m.nextID, FromKey: from, ToKey: to, Type: typ, Payload: payload,
		Status: persistence.MessageStatusPending, CreatedAt: time.Now(),
	})
	return m.nextID, nil
}

func (m *memMailbox) DrainTaskMessages(_ context.Context, toKey string, limit int) ([]persistence.TaskMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []persistence.TaskMessage
	for _, msg := range m.msgs {
		if msg.ToKey == toKey && msg.Status == persistence.MessageStatusPending {
			out = append(out, msg)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memMailbox) MarkTaskMessagesRead(_ context.Context, ids ...int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.msgs {
		for _, id := range ids {
			if m.msgs[i].ID == id && m.msgs[i].Status == persistence.MessageStatusPending {
				m.msgs[i].Status = persistence.MessageStatusRead
				n++
			}
		}
	}
	return n, nil
}

func runTool(t *testing.T, c *Catalog, ctx context.Context, id ID, params string) Result {
	t.Helper()
	ts := c.ForRun(persistence.Capabilities{ToolsEnabled: true, Tools: []string{string(id)}})
	return NewAdapter(ts, nil, nil, nil).Execute(ctx, string(id), json.RawMessage(params))
}

func TestSpawnTask_PassesRequest(t *testing.T) {
	sp := &stubSpawner{res: SpawnResult{TaskKey: "task-child", Status: "completed", Output: "done"}}
	c := newTestCatalog(t, Deps{Spawner: sp, Mailbox: &memMailbox{}})

	res := runTool(t, c, context.Background(), SpawnTask, `{"prompt":"summarize","blocking":true,"max_steps":4}`)
	if !res.Success {
		t.Fatalf("spawn failed: %s", res.Error)
	}
	out := res.Data.(SpawnTaskOutput)
	if out.TaskKey != "task-child" || out.Output != "done" {
		t.Fatalf("unexpected output %+v", out)
	}
	if !sp.got.Blocking || sp.got.MaxSteps != 4 || sp.got.Prompt != "summarize" {
		t.Fatalf("unexpected request %+v", sp.got)
	}
}

func TestSpawnTask_DepthExceededIsToolError(t *testing.T) {
	sp := &stubSpawner{err: fmt.Errorf("%w: depth 4 > 3", ErrSpawnDepthExceeded)}
	c := newTestCatalog(t, Deps{Spawner: sp, Mailbox: &memMailbox{}})

	res := runTool(t, c, shared.WithTaskKey(context.Background(), "task-parent"), SpawnTask, `{"prompt":"go deeper"}`)
	if res.Success {
		t.Fatal("expected spawn to fail")
	}
	if res.Error != "spawn depth exceeded: depth 4 > 3" {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestMessaging_SendThenRead(t *testing.T) {
	mb := &memMailbox{}
	c := newTestCatalog(t, Deps{Spawner: &stubSpawner{}, Mailbox: mb})

	alice := shared.WithTaskKey(context.Background(), "task-alice")
	bob := shared.WithTaskKey(context.Background(), "task-bob")

	for _, payload := range []string{"first", "second"} {
		res := runTool(t, c, alice, SendMessage, fmt.Sprintf(`{"to_key":"task-bob","payload":%q}`, payload))
		if !res.Success {
			t.Fatalf("send failed: %s", res.Error)
		}
	}

	res := runTool(t, c, bob, ReadMessages, `{}`)
	if !res.Success {
		t.Fatalf("read failed: %s", res.Error)
	}
	out := res.Data.(ReadMessagesOutput)
	if out.Count != 2 || out.Messages[0].Payload != "first" || out.Messages[1].Payload != "second" {
		t.Fatalf("unexpected messages %+v", out)
	}
	if out.Messages[0].FromKey != "task-alice" || out.Messages[0].Type != "message" {
		t.Fatalf("unexpected first message %+v", out.Messages[0])
	}

	res = runTool(t, c, bob, ReadMessages, `{}`)
	if out := res.Data.(ReadMessagesOutput); out.Count != 0 {
		t.Fatalf("messages were not marked read: %+v", out)
	}
}

func TestMessaging_SelfSendRejected(t *testing.T) {
	c := newTestCatalog(t, Deps{Spawner: &stubSpawner{}, Mailbox: &memMailbox{}})
	ctx := shared.WithTaskKey(context.Background(), "task-a")
	res := runTool(t, c, ctx, SendMessage, `{"to_key":"task-a","payload":"hi"}`)
	if res.Success {
		t.Fatal("expected self-send to fail")
	}
}

func TestMessaging_UnknownTypeRejectedBySchema(t *testing.T) {
	c := newTestCatalog(t, Deps{Spawner: &stubSpawner{}, Mailbox: &memMailbox{}})
	ctx := shared.WithTaskKey(context.Background(), "task-a")
	res := runTool(t, c, ctx, SendMessage, `{"to_key":"task-b","type":"shout","payload":"hi"}`)
	if res.Success {
		t.Fatal("expected unknown message type to fail validation")
	}
}

func TestMessaging_AgainstStore(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "tools.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	c := newTestCatalog(t, Deps{Spawner: &stubSpawner{}, Mailbox: store})
	from := shared.WithTaskKey(context.Background(), "task-sender")
	if res := runTool(t, c, from, SendMessage, `{"to_key":"task-not-started","type":"request","payload":"ping"}`); !res.Success {
		t.Fatalf("send to unstarted key failed: %s", res.Error)
	}

	to := shared.WithTaskKey(context.Background(), "task-not-started")
	res := runTool(t, c, to, ReadMessages, `{"limit":5}`)
	if out := res.Data.(ReadMessagesOutput); out.Count != 1 || out.Messages[0].Type != "request" {
		t.Fatalf("unexpected drain %+v", res)
	}
	n, err := store.CountPendingMessages(context.Background(), "task-not-started")
	if err != nil || n != 0 {
		t.Fatalf("pending after read = %d, %v", n, err)
	}
}

func TestReadMessages_RequiresTaskKey(t *testing.T) {
	c := newTestCatalog(t, Deps{Spawner: &stubSpawner{}, Mailbox: &memMailbox{}})
	res := runTool(t, c, context.Background(), ReadMessages, `{}`)
	if res.Success || res.Error == "" {
		t.Fatalf("expected failure without task key, got %+v", res)
	}
}

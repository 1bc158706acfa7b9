package channels

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/basket/go-autopilot/internal/activity"
	"github.com/basket/go-autopilot/internal/bus"
	"github.com/basket/go-autopilot/internal/config"
	"github.com/basket/go-autopilot/internal/engine"
	"github.com/basket/go-autopilot/internal/persistence"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeStarter plays script against an emitter for every started task.
type fakeStarter struct {
	bus    *bus.Bus
	err    error
	script func(em *activity.Emitter)

	mu   sync.Mutex
	reqs []engine.StartRequest
	wg   sync.WaitGroup
}

func (f *fakeStarter) Start(_ context.Context, req engine.StartRequest) (*persistence.Task, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	em := activity.NewEmitter(f.bus, req.Key, 10, nil)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.script(em)
	}()
	return &persistence.Task{Key: req.Key, MaxSteps: 10, Status: persistence.TaskStatusRunning}, nil
}

func (f *fakeStarter) requests() []engine.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.StartRequest(nil), f.reqs...)
}

type recordingSender struct {
	mu    sync.Mutex
	sent  []string
	fails int
}

func (s *recordingSender) Platform() string { return "telegram" }

func (s *recordingSender) Send(_ context.Context, _ Target, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return errors.New("network down")
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *recordingSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *recordingSender) count(prefix string) int {
	n := 0
	for _, m := range s.messages() {
		if strings.HasPrefix(m, prefix) {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestDelivery(t *testing.T, cfg config.DeliveryConfig, script func(*activity.Emitter)) (*Delivery, *fakeStarter, *recordingSender) {
	t.Helper()
	b := bus.New()
	starter := &fakeStarter{bus: b, script: script}
	sender := &recordingSender{}
	d := NewDelivery(starter, b, cfg, nil, nil, sender)
	t.Cleanup(func() {
		d.Close()
		starter.wg.Wait()
	})
	return d, starter, sender
}

var chat = Target{Owner: "telegram:7", Platform: "telegram", Destination: "100"}

func runSteps(n int, kind activity.Kind) func(*activity.Emitter) {
	return func(em *activity.Emitter) {
		em.Emit(activity.KindStarted, 0, "started")
		for step := 1; step <= n; step++ {
			em.Emit(activity.KindProgress, step, "working")
		}
		em.EmitTerminal(kind, n, "done", "final answer text")
	}
}

func TestDelivery_ThrottlesByStepCount(t *testing.T) {
	cfg := config.DeliveryConfig{ProgressEverySteps: 3, ProgressEveryMs: int(time.Hour / time.Millisecond)}
	d, starter, sender := newTestDelivery(t, cfg, runSteps(10, activity.KindComplete))

	task, err := d.Start(context.Background(), chat, engine.StartRequest{Prompt: "do it"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "terminal message", func() bool { return sender.count("✅") == 1 })

	if got := sender.count("⏳"); got != 4 {
		t.Fatalf("progress messages = %d, want 4: %q", got, sender.messages())
	}
	if len(sender.messages()) != 5 {
		t.Fatalf("messages = %q", sender.messages())
	}
	last := sender.messages()[4]
	if !strings.Contains(last, task.Key) || !strings.Contains(last, "final answer text") {
		t.Fatalf("terminal message = %q", last)
	}
	if _, busy := d.ActiveTask(chat); busy {
		t.Fatal("destination still bound after the terminal event")
	}

	req := starter.requests()[0]
	if req.Owner != "telegram:7" || req.Delivery.Platform != "telegram" || req.Delivery.Destination != "100" {
		t.Fatalf("start request = %+v", req)
	}
}

func TestDelivery_ThrottlesByElapsedTime(t *testing.T) {
	cfg := config.DeliveryConfig{ProgressEverySteps: 100, ProgressEveryMs: 10000}
	d, _, sender := newTestDelivery(t, cfg, runSteps(6, activity.KindComplete))

	clock := time.Unix(0, 0)
	d.now = func() time.Time {
		clock = clock.Add(6 * time.Second)
		return clock
	}
	if _, err := d.Start(context.Background(), chat, engine.StartRequest{Prompt: "do it"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "terminal message", func() bool { return sender.count("✅") == 1 })

	// Checks at 6s, 12s, ... 36s: sent at 6, 18 and 30.
	if got := sender.count("⏳"); got != 3 {
		t.Fatalf("progress messages = %d, want 3: %q", got, sender.messages())
	}
}

func TestDelivery_TerminalKindsAlwaysSent(t *testing.T) {
	for _, kind := range []activity.Kind{activity.KindComplete, activity.KindError, activity.KindAborted, activity.KindTimeout} {
		t.Run(string(kind), func(t *testing.T) {
			cfg := config.DeliveryConfig{ProgressEverySteps: 50, ProgressEveryMs: int(time.Hour / time.Millisecond)}
			d, _, sender := newTestDelivery(t, cfg, runSteps(2, kind))
			if _, err := d.Start(context.Background(), chat, engine.StartRequest{Prompt: "x"}); err != nil {
				t.Fatalf("start: %v", err)
			}
			waitFor(t, "terminal message", func() bool {
				_, busy := d.ActiveTask(chat)
				return !busy && len(sender.messages()) == 2
			})
			if got := sender.messages(); !strings.HasPrefix(got[0], "⏳") || strings.HasPrefix(got[1], "⏳") {
				t.Fatalf("messages = %q", got)
			}
		})
	}
}

func TestDelivery_OneActiveTaskPerDestination(t *testing.T) {
	release := make(chan struct{})
	cfg := config.DeliveryConfig{}
	d, starter, sender := newTestDelivery(t, cfg, func(em *activity.Emitter) {
		<-release
		em.EmitTerminal(activity.KindComplete, 1, "done", "ok")
	})
	ctx := context.Background()

	first, err := d.Start(ctx, chat, engine.StartRequest{Prompt: "one"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if key, busy := d.ActiveTask(chat); !busy || key != first.Key {
		t.Fatalf("active = %q %v", key, busy)
	}
	if _, err := d.Start(ctx, chat, engine.StartRequest{Prompt: "two"}); !errors.Is(err, ErrChannelBusy) {
		t.Fatalf("err = %v, want ErrChannelBusy", err)
	}
	other := Target{Platform: "telegram", Destination: "200"}
	if _, err := d.Start(ctx, other, engine.StartRequest{Prompt: "elsewhere"}); err != nil {
		t.Fatalf("start on another destination: %v", err)
	}
	if n := len(starter.requests()); n != 2 {
		t.Fatalf("busy start reached the engine: %d requests", n)
	}

	close(release)
	waitFor(t, "both terminal messages", func() bool { return sender.count("✅") == 2 })
	if _, err := d.Start(ctx, chat, engine.StartRequest{Prompt: "three"}); err != nil {
		t.Fatalf("start after completion: %v", err)
	}
	waitFor(t, "third terminal message", func() bool { return sender.count("✅") == 3 })
}

func TestDelivery_StartFailureReleasesDestination(t *testing.T) {
	d, starter, _ := newTestDelivery(t, config.DeliveryConfig{}, nil)
	starter.err = engine.ErrEmptyPrompt

	if _, err := d.Start(context.Background(), chat, engine.StartRequest{}); !errors.Is(err, engine.ErrEmptyPrompt) {
		t.Fatalf("err = %v", err)
	}
	if _, busy := d.ActiveTask(chat); busy {
		t.Fatal("failed start left the destination bound")
	}
	if n := d.bus.SubscriberCount(); n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}
}

func TestDelivery_UnknownPlatform(t *testing.T) {
	d, starter, _ := newTestDelivery(t, config.DeliveryConfig{}, nil)
	if _, err := d.Start(context.Background(), Target{Platform: "fax", Destination: "1"}, engine.StartRequest{Prompt: "x"}); err == nil {
		t.Fatal("expected error for a platform without a sender")
	}
	if len(starter.requests()) != 0 {
		t.Fatal("engine started without a sender")
	}
}

func TestDelivery_TruncatesToPlatformLimit(t *testing.T) {
	cfg := config.DeliveryConfig{PlatformLimits: map[string]int{"telegram": 60}}
	d, _, sender := newTestDelivery(t, cfg, func(em *activity.Emitter) {
		em.EmitTerminal(activity.KindComplete, 1, "done", strings.Repeat("long output ", 50))
	})
	if _, err := d.Start(context.Background(), chat, engine.StartRequest{Prompt: "x"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "terminal message", func() bool { return len(sender.messages()) == 1 })
	msg := sender.messages()[0]
	if utf8.RuneCountInString(msg) != 60 || !strings.HasSuffix(msg, TruncationMarker) {
		t.Fatalf("message (%d runes) = %q", utf8.RuneCountInString(msg), msg)
	}
}

func TestDelivery_SendFailureDoesNotStopForwarding(t *testing.T) {
	cfg := config.DeliveryConfig{ProgressEverySteps: 1}
	d, _, sender := newTestDelivery(t, cfg, runSteps(2, activity.KindComplete))
	sender.fails = 1

	if _, err := d.Start(context.Background(), chat, engine.StartRequest{Prompt: "x"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "terminal message", func() bool { return sender.count("✅") == 1 })
	if got := sender.count("⏳"); got != 1 {
		t.Fatalf("progress messages = %d, want 1 after one failed send", got)
	}
}

func TestDelivery_ProgressListsNewToolCalls(t *testing.T) {
	cfg := config.DeliveryConfig{ProgressEverySteps: 1}
	d, _, sender := newTestDelivery(t, cfg, func(em *activity.Emitter) {
		id := em.ToolStarted(1, "exec", "ls -la")
		em.ToolFinished(1, id, func(e *activity.Entry) { e.Status = activity.StatusSuccess })
		em.Emit(activity.KindProgress, 1, "step 1/10")
		id = em.ToolStarted(2, "read_file", "notes.txt")
		em.ToolFinished(2, id, func(e *activity.Entry) { e.Status = activity.StatusError })
		em.Emit(activity.KindProgress, 2, "step 2/10")
		em.EmitTerminal(activity.KindComplete, 2, "done", "")
	})
	if _, err := d.Start(context.Background(), chat, engine.StartRequest{Prompt: "x"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "terminal message", func() bool { return sender.count("✅") == 1 })

	msgs := sender.messages()
	if msgs[0] != "⏳ Step 1/10\n✓ exec: ls -la" {
		t.Fatalf("first progress = %q", msgs[0])
	}
	if msgs[1] != "⏳ Step 2/10\n✗ read_file: notes.txt" {
		t.Fatalf("second progress = %q", msgs[1])
	}
}

func TestDelivery_CloseSendsOneFinalNotice(t *testing.T) {
	release := make(chan struct{})
	d, starter, sender := newTestDelivery(t, config.DeliveryConfig{}, func(em *activity.Emitter) {
		<-release
		em.EmitTerminal(activity.KindComplete, 1, "done", "")
	})
	if _, err := d.Start(context.Background(), chat, engine.StartRequest{Prompt: "x"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	d.Close()
	close(release)
	starter.wg.Wait()

	if _, busy := d.ActiveTask(chat); busy {
		t.Fatal("closed delivery still holds the destination")
	}
	msgs := sender.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "No longer tracking task") {
		t.Fatalf("messages after close = %q, want one stop notice", msgs)
	}
	if _, err := d.Start(context.Background(), chat, engine.StartRequest{Prompt: "y"}); err == nil {
		t.Fatal("start after close should fail")
	}
}

func TestDelivery_ConfigureUpdatesThrottle(t *testing.T) {
	d, _, _ := newTestDelivery(t, config.DeliveryConfig{}, nil)
	th, _ := d.settings()
	if th.EverySteps != 3 || th.Every != 10*time.Second {
		t.Fatalf("defaults = %+v", th)
	}
	d.Configure(config.DeliveryConfig{ProgressEverySteps: 5, ProgressEveryMs: 2000, PlatformLimits: map[string]int{"telegram": 100}})
	th, limits := d.settings()
	if th.EverySteps != 5 || th.Every != 2*time.Second || limits["telegram"] != 100 {
		t.Fatalf("after configure = %+v %v", th, limits)
	}
}

func TestProgressGate(t *testing.T) {
	th := Throttle{EverySteps: 3, Every: 10 * time.Second}
	base := time.Unix(100, 0)
	var g progressGate
	if !g.allow(1, base, th) {
		t.Fatal("first progress must pass")
	}
	g = progressGate{sent: true, lastStep: 1, lastAt: base}
	if g.allow(3, base.Add(time.Second), th) {
		t.Fatal("two steps and one second should be throttled")
	}
	if !g.allow(4, base.Add(time.Second), th) {
		t.Fatal("step gate should open after three steps")
	}
	if !g.allow(2, base.Add(10*time.Second), th) {
		t.Fatal("time gate should open after the interval")
	}
}

package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-autopilot/internal/activity"
	"github.com/basket/go-autopilot/internal/bus"
	"github.com/basket/go-autopilot/internal/config"
	"github.com/basket/go-autopilot/internal/engine"
	"github.com/basket/go-autopilot/internal/otel"
	"github.com/basket/go-autopilot/internal/persistence"
	"github.com/basket/go-autopilot/internal/shared"
)

const (
	defaultProgressEverySteps = 3
	defaultProgressInterval   = 10 * time.Second
	maxToolLinesPerProgress   = 5
)

// Starter launches a task without waiting for it.
type Starter interface {
	Start(ctx context.Context, req engine.StartRequest) (*persistence.Task, error)
}

// Throttle is the dual gate for progress messages: one is sent once
// EverySteps steps or Every time has passed since the last one.
type Throttle struct {
	EverySteps int
	Every      time.Duration
}

func throttleFrom(cfg config.DeliveryConfig) Throttle {
	t := Throttle{EverySteps: cfg.ProgressEverySteps, Every: cfg.ProgressInterval()}
	if t.EverySteps <= 0 {
		t.EverySteps = defaultProgressEverySteps
	}
	if t.Every <= 0 {
		t.Every = defaultProgressInterval
	}
	return t
}

// Delivery runs tasks on behalf of chat destinations and renders their
// events as chat messages instead of blocking on completion.
type Delivery struct {
	starter Starter
	bus     *bus.Bus
	senders map[string]Sender
	metrics *otel.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	active   map[string]string // destination -> task key
	throttle Throttle
	limits   map[string]int

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewDelivery(starter Starter, b *bus.Bus, cfg config.DeliveryConfig, metrics *otel.Metrics, logger *slog.Logger, senders ...Sender) *Delivery {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Delivery{
		starter:  starter,
		bus:      b,
		senders:  make(map[string]Sender, len(senders)),
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		active:   make(map[string]string),
		throttle: throttleFrom(cfg),
		limits:   cfg.PlatformLimits,
		stop:     make(chan struct{}),
	}
	for _, s := range senders {
		d.senders[s.Platform()] = s
	}
	return d
}

// Configure applies new throttle settings and platform limits. Running
// forwarders pick them up on their next event.
func (d *Delivery) Configure(cfg config.DeliveryConfig) {
	d.mu.Lock()
	d.throttle = throttleFrom(cfg)
	d.limits = cfg.PlatformLimits
	d.mu.Unlock()
	d.logger.Info("delivery settings updated",
		"progress_every_steps", cfg.ProgressEverySteps, "progress_every_ms", cfg.ProgressEveryMs)
}

func (d *Delivery) settings() (Throttle, map[string]int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.throttle, d.limits
}

// ActiveTask returns the key of the task bound to target, if any.
func (d *Delivery) ActiveTask(target Target) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, ok := d.active[target.key()]
	return key, ok
}

// Start launches req for target and returns once the task is running.
// Progress and the final result arrive on the target's platform.
func (d *Delivery) Start(ctx context.Context, target Target, req engine.StartRequest) (*persistence.Task, error) {
	sender, ok := d.senders[target.Platform]
	if !ok {
		return nil, fmt.Errorf("no sender for platform %q", target.Platform)
	}
	select {
	case <-d.stop:
		return nil, fmt.Errorf("delivery stopped")
	default:
	}

	if req.Key == "" {
		req.Key = shared.NewTaskKey()
	}
	if req.Owner == "" {
		req.Owner = target.Owner
	}
	req.Delivery = persistence.DeliveryTarget{Platform: target.Platform, Destination: target.Destination}

	dest := target.key()
	d.mu.Lock()
	if key, busy := d.active[dest]; busy {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w (task %s)", ErrChannelBusy, key)
	}
	d.active[dest] = req.Key
	d.mu.Unlock()

	// Subscribe before starting so the first event cannot be missed.
	sub := d.bus.SubscribeReliable(bus.ActivityPrefix(req.Key))
	task, err := d.starter.Start(ctx, req)
	if err != nil {
		d.bus.Unsubscribe(sub)
		d.release(dest, req.Key)
		return nil, err
	}

	d.wg.Add(1)
	go d.forward(sub, sender, target, task.Key)
	d.logger.Info("delivery started", "task_key", task.Key, "platform", target.Platform, "destination", target.Destination)
	return task, nil
}

func (d *Delivery) release(dest, key string) {
	d.mu.Lock()
	if d.active[dest] == key {
		delete(d.active, dest)
	}
	d.mu.Unlock()
}

// progressGate tracks when the last progress message went out.
type progressGate struct {
	sent     bool
	lastStep int
	lastAt   time.Time
	// lastLogLen is how much of the activity log earlier messages covered.
	lastLogLen int
}

func (g *progressGate) allow(step int, now time.Time, t Throttle) bool {
	if !g.sent {
		return true
	}
	return step-g.lastStep >= t.EverySteps || now.Sub(g.lastAt) >= t.Every
}

func (d *Delivery) forward(sub *bus.Subscription, sender Sender, target Target, key string) {
	defer d.wg.Done()
	defer d.bus.Unsubscribe(sub)
	logger := d.logger.With("task_key", key, "platform", target.Platform)

	var gate progressGate
	for {
		var ev bus.Event
		select {
		case <-d.stop:
			d.abandon(sender, target, key, logger)
			return
		case e, ok := <-sub.Ch():
			if !ok {
				d.abandon(sender, target, key, logger)
				return
			}
			ev = e
		}
		ae, ok := ev.Payload.(activity.Event)
		if !ok {
			continue
		}
		throttle, limits := d.settings()

		switch {
		case ae.Kind.Terminal():
			d.release(target.key(), key)
			d.send(sender, target, string(ae.Kind), Truncate(renderTerminal(ae), LimitFor(limits, target.Platform)), logger)
			return
		case ae.Kind == activity.KindProgress:
			now := d.now()
			if !gate.allow(ae.Step, now, throttle) {
				continue
			}
			text := renderProgress(ae, gate.lastLogLen)
			gate = progressGate{sent: true, lastStep: ae.Step, lastAt: now, lastLogLen: ae.Log.Len()}
			d.send(sender, target, string(ae.Kind), Truncate(text, LimitFor(limits, target.Platform)), logger)
		}
	}
}

// abandon ends forwarding for a task that has not reported a terminal
// event. The chat still gets one final message.
func (d *Delivery) abandon(sender Sender, target Target, key string, logger *slog.Logger) {
	d.release(target.key(), key)
	text := fmt.Sprintf("⚠️ No longer tracking task %s; it may still be running. Use /status %s to check on it.", key, key)
	d.send(sender, target, "stopped", text, logger)
}

func (d *Delivery) send(sender Sender, target Target, kind, text string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sender.Send(ctx, target, text); err != nil {
		logger.Warn("channel send failed", "kind", kind, "error", err)
		return
	}
	d.metrics.RecordChannelMessage(ctx, target.Platform, kind)
}

// Close stops every forwarder. Tasks keep running; each chat still bound
// to one gets a final notice and no further events. Close the engine
// first to have chats receive the aborted message instead.
func (d *Delivery) Close() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func renderProgress(ev activity.Event, from int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⏳ Step %d/%d", ev.Step, ev.MaxSteps)
	var lines []string
	for i := from; i < ev.Log.Len(); i++ {
		e := ev.Log.At(i)
		if e.Kind != activity.KindTool {
			continue
		}
		mark := "✓"
		if e.Status == activity.StatusError {
			mark = "✗"
		}
		line := fmt.Sprintf("%s %s", mark, e.Tool)
		if e.Summary != "" {
			line += ": " + e.Summary
		}
		lines = append(lines, line)
	}
	if n := len(lines); n > maxToolLinesPerProgress {
		lines = append([]string{fmt.Sprintf("(+%d earlier)", n-maxToolLinesPerProgress)}, lines[n-maxToolLinesPerProgress:]...)
	}
	for _, l := range lines {
		b.WriteString("\n")
		b.WriteString(l)
	}
	return b.String()
}

func renderTerminal(ev activity.Event) string {
	switch ev.Kind {
	case activity.KindComplete:
		text := fmt.Sprintf("✅ Task %s finished after %d step(s).", ev.TaskKey, ev.Step)
		if out := strings.TrimSpace(ev.Output); out != "" {
			text += "\n\n" + out
		}
		return text
	case activity.KindAborted:
		return fmt.Sprintf("🛑 Task %s aborted at step %d.", ev.TaskKey, ev.Step)
	case activity.KindTimeout:
		return fmt.Sprintf("⏱ Task %s timed out at step %d.", ev.TaskKey, ev.Step)
	default:
		msg := ev.Message
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Sprintf("❌ Task %s failed: %s", ev.TaskKey, msg)
	}
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/basket/go-autopilot/internal/activity"
	"github.com/basket/go-autopilot/internal/bus"
	"github.com/basket/go-autopilot/internal/config"
	"github.com/basket/go-autopilot/internal/engine"
	"github.com/basket/go-autopilot/internal/persistence"
	"github.com/basket/go-autopilot/internal/shared"
)

type runOptions struct {
	prompt  string
	steps   int
	timeout time.Duration
	json    bool
}

func parseRunArgs(args []string) (runOptions, error) {
	var opts runOptions
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&opts.steps, "steps", 0, "maximum steps (default from config)")
	fs.DurationVar(&opts.timeout, "timeout", 0, "wall-clock limit (default from config)")
	fs.BoolVar(&opts.json, "json", false, "print events as JSON lines")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	opts.prompt = strings.TrimSpace(strings.Join(fs.Args(), " "))
	if opts.prompt == "" {
		return opts, fmt.Errorf("usage: autopilot run [-steps N] [-timeout D] [-json] <prompt>")
	}
	if opts.steps < 0 || opts.timeout < 0 {
		return opts, fmt.Errorf("-steps and -timeout must not be negative")
	}
	return opts, nil
}

func runTaskCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	opts, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer rt.Close(context.Background())

	key := shared.NewTaskKey()
	sub := rt.bus.SubscribeReliable(bus.ActivityPrefix(key))
	defer rt.bus.Unsubscribe(sub)

	if _, err := rt.engine.Start(context.WithoutCancel(ctx), engine.StartRequest{
		Key:      key,
		Owner:    "cli",
		Prompt:   opts.prompt,
		MaxSteps: opts.steps,
		Timeout:  opts.timeout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		return 1
	}

	out := os.Stdout
	interrupted := ctx.Done()
	for done := false; !done; {
		select {
		case <-interrupted:
			interrupted = nil
			rt.engine.Abort(key)
			fmt.Fprintln(os.Stderr, "interrupt: aborting task", key)
		case ev, ok := <-sub.Ch():
			if !ok {
				done = true
				break
			}
			ae, isActivity := ev.Payload.(activity.Event)
			if !isActivity {
				continue
			}
			if line := formatEvent(ae, opts.json); line != "" {
				fmt.Fprintln(out, line)
			}
			done = ae.Kind.Terminal()
		}
	}

	task, err := rt.engine.Wait(context.Background(), key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wait: %v\n", err)
		return 1
	}
	if task.Status != persistence.TaskStatusCompleted {
		return 1
	}
	return 0
}

// jsonEvent is an activity event without the log snapshot.
type jsonEvent struct {
	TaskKey string          `json:"task_key"`
	Kind    activity.Kind   `json:"kind"`
	Step    int             `json:"step"`
	Message string          `json:"message,omitempty"`
	Output  string          `json:"output,omitempty"`
	Entry   *activity.Entry `json:"entry,omitempty"`
}

// formatEvent renders one event as a terminal line, or "" when the event
// is not worth printing.
func formatEvent(ev activity.Event, asJSON bool) string {
	if asJSON {
		b, err := json.Marshal(jsonEvent{TaskKey: ev.TaskKey, Kind: ev.Kind, Step: ev.Step, Message: ev.Message, Output: ev.Output, Entry: ev.Entry})
		if err != nil {
			return ""
		}
		return string(b)
	}

	switch ev.Kind {
	case activity.KindStarted:
		return fmt.Sprintf("▶ %s (max %d steps)", ev.TaskKey, ev.MaxSteps)
	case activity.KindSteering:
		return fmt.Sprintf("  [%d] ↪ %s", ev.Step, ev.Message)
	case activity.KindTool:
		e := ev.Entry
		if e == nil || e.Status == activity.StatusRunning || e.Status == activity.StatusPending {
			return ""
		}
		mark := "✓"
		if e.Status == activity.StatusError {
			mark = "✗"
		}
		line := fmt.Sprintf("  [%d] %s %s: %s", ev.Step, mark, e.Tool, e.Summary)
		if e.Shell != nil {
			line += fmt.Sprintf(" (exit %d)", e.Shell.ExitCode)
		}
		if e.File != nil && e.File.Size > 0 {
			line += fmt.Sprintf(" (%d bytes)", e.File.Size)
		}
		return line
	case activity.KindProgress:
		return fmt.Sprintf("  [%d/%d] %s", ev.Step, ev.MaxSteps, ev.Message)
	default:
		line := fmt.Sprintf("■ %s after %d step(s): %s", ev.Kind, ev.Step, ev.Message)
		if out := strings.TrimSpace(ev.Output); out != "" && ev.Kind == activity.KindComplete {
			line += "\n\n" + out
		}
		return line
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/basket/go-autopilot/internal/config"
	"github.com/basket/go-autopilot/internal/persistence"
)

func runStatusCommand(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	asJSON := fs.Bool("json", false, "print the task record as JSON")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: autopilot status [-json] <task key>")
		return 2
	}

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	task, err := store.GetTaskByKey(ctx, fs.Arg(0))
	if errors.Is(err, persistence.ErrTaskNotFound) {
		fmt.Fprintf(os.Stderr, "task %s not found\n", fs.Arg(0))
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(task); err != nil {
			return 1
		}
		return 0
	}
	fmt.Fprint(os.Stdout, formatTask(task))
	return 0
}

// formatTask renders the stored record. Live state such as queued steering
// lives in the daemon's memory and is not shown.
func formatTask(t *persistence.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:     %s (%s)\n", t.Key, t.ID)
	fmt.Fprintf(&b, "Status:   %s\n", t.Status)
	fmt.Fprintf(&b, "Step:     %d/%d\n", t.CurrentStep, t.MaxSteps)
	if t.ParentTaskID != "" {
		fmt.Fprintf(&b, "Parent:   %s (depth %d)\n", t.ParentTaskID, t.SpawnDepth)
	}
	fmt.Fprintf(&b, "Tokens:   %d, tool calls: %d\n", t.TokensTotal, t.ToolCalls)
	fmt.Fprintf(&b, "Updated:  %s\n", t.UpdatedAt.UTC().Format(time.RFC3339))
	if t.Summary != "" {
		fmt.Fprintf(&b, "Summary:  %s\n", t.Summary)
	}
	if t.Error != "" {
		fmt.Fprintf(&b, "Error:    %s\n", t.Error)
	}
	if out := strings.TrimSpace(t.Output); out != "" {
		fmt.Fprintf(&b, "\n%s\n", out)
	}
	return b.String()
}

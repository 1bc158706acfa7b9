// Package audit appends operator-relevant decisions (denied tool calls,
// aborts, fatal startup errors) to <home>/logs/audit.jsonl.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-autopilot/internal/shared"
)

type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionAbort Decision = "abort"
	DecisionFatal Decision = "fatal"
)

// Entry is one line of the audit file.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Decision  Decision  `json:"decision"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason"`
	TaskKey   string    `json:"task_key,omitempty"`
	Subject   string    `json:"subject,omitempty"`
}

const fileName = "audit.jsonl"

var (
	mu     sync.Mutex
	out    *os.File
	counts sync.Map // Decision -> *atomic.Int64
)

// Init opens the audit file for appending. Records made before Init are
// counted but not written.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if out != nil {
		return nil
	}
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	out = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if out == nil {
		return nil
	}
	err := out.Close()
	out = nil
	return err
}

// Count returns how many records with decision d were made since startup.
func Count(d Decision) int64 {
	if c, ok := counts.Load(d); ok {
		return c.(*atomic.Int64).Load()
	}
	return 0
}

// Record appends one decision. Reason and subject are redacted first.
func Record(d Decision, action, reason, taskKey, subject string) {
	c, _ := counts.LoadOrStore(d, new(atomic.Int64))
	c.(*atomic.Int64).Add(1)

	b, err := json.Marshal(Entry{
		Timestamp: time.Now().UTC(),
		Decision:  d,
		Action:    action,
		Reason:    shared.Redact(reason),
		TaskKey:   taskKey,
		Subject:   shared.Redact(subject),
	})
	if err != nil {
		return
	}

	mu.Lock()
	defer mu.Unlock()
	if out != nil {
		_, _ = out.Write(append(b, '\n'))
	}
}

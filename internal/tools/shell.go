package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/go-autopilot/internal/activity"
	"github.com/basket/go-autopilot/internal/audit"
	"github.com/basket/go-autopilot/internal/shared"
)

const (
	defaultShellTimeout = 60 * time.Second
	maxShellOutput      = 8 * 1024
)

// Executor runs one shell command.
type Executor interface {
	Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error)
}

// HostExecutor runs commands locally with sh -c.
type HostExecutor struct{}

func (HostExecutor) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	if workDir != "" {
		c.Dir = workDir
	}
	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf
	c.WaitDelay = time.Second

	if runErr := c.Run(); runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && ctx.Err() == nil {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			err = runErr
		}
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

// denyList holds commands that are never executed.
var denyList = map[string]struct{}{
	"rm":       {},
	"rmdir":    {},
	"mkfs":     {},
	"dd":       {},
	"shutdown": {},
	"reboot":   {},
	"halt":     {},
	"poweroff": {},
	"kill":     {},
	"killall":  {},
	"pkill":    {},
	"sudo":     {},
	"su":       {},
	"chmod":    {},
	"chown":    {},
}

// ShellInput is the input for the exec tool.
type ShellInput struct {
	Command    string `json:"command"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

// ShellOutput is the output for the exec tool. A non-zero exit code is a
// normal result, not a tool failure.
type ShellOutput struct {
	Command  string `json:"command"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

const shellSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string", "minLength": 1, "description": "Shell command, run in the workspace"},
    "timeout_sec": {"type": "integer", "minimum": 1, "maximum": 600}
  },
  "required": ["command"],
  "additionalProperties": false
}`

// checkCommand rejects injection operators and deny-listed commands in any
// pipeline segment.
func checkCommand(cmd string) error {
	if strings.TrimSpace(cmd) == "" {
		return fmt.Errorf("empty command")
	}
	for _, op := range []string{";", "$(", "`"} {
		if strings.Contains(cmd, op) {
			return fmt.Errorf("command contains disallowed operator %q", op)
		}
	}
	for _, seg := range splitCommandSegments(cmd) {
		for _, tok := range strings.Fields(seg) {
			if _, blocked := denyList[tok]; blocked {
				return fmt.Errorf("command %q is on the deny list", tok)
			}
		}
	}
	return nil
}

func registerShell(c *Catalog, executor Executor, workspace string, maxTimeout time.Duration) error {
	if executor == nil {
		executor = HostExecutor{}
	}
	if maxTimeout <= 0 {
		maxTimeout = defaultShellTimeout
	}
	return define(c, Exec,
		"Execute a shell command in the workspace and return its output. Destructive commands (rm, sudo, kill, ...) are blocked. Output is truncated to 8KB and secrets are redacted.",
		shellSchema,
		func(ctx context.Context, in ShellInput) (ShellOutput, error) {
			if err := checkCommand(in.Command); err != nil {
				audit.Record(audit.DecisionDeny, string(Exec), "denied_command", shared.TaskKey(ctx), in.Command)
				return ShellOutput{}, err
			}

			timeout := maxTimeout
			if in.TimeoutSec > 0 {
				if d := time.Duration(in.TimeoutSec) * time.Second; d < timeout {
					timeout = d
				}
			}
			execCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			stdout, stderr, exitCode, err := executor.Exec(execCtx, in.Command, workspace)
			if err != nil {
				if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
					return ShellOutput{Command: in.Command, Stderr: "command timed out", ExitCode: -1}, nil
				}
				return ShellOutput{}, fmt.Errorf("exec: %w", err)
			}
			return ShellOutput{
				Command:  in.Command,
				Stdout:   shared.Redact(truncateOutput(stdout, maxShellOutput)),
				Stderr:   shared.Redact(truncateOutput(stderr, maxShellOutput)),
				ExitCode: exitCode,
			}, nil
		},
		func(in ShellInput, out ShellOutput, e *activity.Entry) {
			e.Shell = &activity.ShellInfo{
				Command:  in.Command,
				ExitCode: out.ExitCode,
				Stdout:   truncateChars(out.Stdout, maxShellStdoutChars),
				Stderr:   truncateChars(out.Stderr, maxShellStderrChars),
			}
			if out.ExitCode != 0 {
				e.Status = activity.StatusError
			}
		},
	)
}

// splitCommandSegments splits a command at pipe and logical operators.
func splitCommandSegments(cmd string) []string {
	var segments []string
	current := cmd
	for current != "" {
		minIdx := len(current)
		matchLen := 0
		for _, op := range []string{"||", "&&", "|"} {
			if idx := strings.Index(current, op); idx >= 0 && idx < minIdx {
				minIdx = idx
				matchLen = len(op)
			}
		}
		seg := strings.TrimSpace(current[:minIdx])
		if seg != "" {
			segments = append(segments, seg)
		}
		if matchLen == 0 {
			break
		}
		current = current[minIdx+matchLen:]
	}
	return segments
}

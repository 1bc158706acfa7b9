package tools

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestShell_DenyList(t *testing.T) {
	blocked := []string{"rm", "sudo", "kill", "killall", "shutdown", "reboot"}
	for _, cmd := range blocked {
		if _, ok := denyList[cmd]; !ok {
			t.Errorf("%q should be on deny list", cmd)
		}
	}
	allowed := []string{"echo", "ls", "cat", "grep", "find", "wc", "head", "tail", "sort", "git"}
	for _, cmd := range allowed {
		if _, ok := denyList[cmd]; ok {
			t.Errorf("%q should NOT be on deny list", cmd)
		}
	}
}

func TestCheckCommand(t *testing.T) {
	tests := []struct {
		cmd     string
		wantErr bool
	}{
		{"echo hello", false},
		{"cat a.txt | grep x && wc -l b.txt", false},
		{"ls; rm -rf /", true},
		{"echo $(whoami)", true},
		{"echo `id`", true},
		{"ls || sudo true", true},
		{"   ", true},
	}
	for _, tt := range tests {
		err := checkCommand(tt.cmd)
		if (err != nil) != tt.wantErr {
			t.Errorf("checkCommand(%q) err = %v, wantErr %v", tt.cmd, err, tt.wantErr)
		}
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := truncateOutput("hello", 100); got != "hello" {
		t.Fatalf("truncateOutput changed short input: %q", got)
	}
	got := truncateOutput(strings.Repeat("a", 100), 50)
	if !strings.HasSuffix(got, "... (truncated)") {
		t.Fatalf("expected truncation suffix, got %q", got)
	}
	if len(got) != 50+len("\n... (truncated)") {
		t.Fatalf("unexpected length: %d", len(got))
	}
}

func TestSplitCommandSegments(t *testing.T) {
	tests := []struct {
		cmd      string
		expected []string
	}{
		{"echo hello", []string{"echo hello"}},
		{"echo hello | grep hello", []string{"echo hello", "grep hello"}},
		{"make && make test || echo failed", []string{"make", "make test", "echo failed"}},
		{"| ls", []string{"ls"}},
	}
	for _, tt := range tests {
		got := splitCommandSegments(tt.cmd)
		if strings.Join(got, ",") != strings.Join(tt.expected, ",") {
			t.Errorf("splitCommandSegments(%q) = %q, want %q", tt.cmd, got, tt.expected)
		}
	}
}

func TestHostExecutor(t *testing.T) {
	dir := t.TempDir()
	stdout, stderr, code, err := HostExecutor{}.Exec(context.Background(), "echo out && echo err 1>&2 && exit 3", dir)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if strings.TrimSpace(stdout) != "out" || strings.TrimSpace(stderr) != "err" || code != 3 {
		t.Fatalf("got stdout=%q stderr=%q code=%d", stdout, stderr, code)
	}
}

func TestHostExecutor_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, code, err := HostExecutor{}.Exec(ctx, "sleep 5", "")
	if err == nil || code != -1 {
		t.Fatalf("expected timeout error, got code=%d err=%v", code, err)
	}
}

package engine

import (
	"strings"
	"testing"
)

func TestCompletionCheck(t *testing.T) {
	check := CompletionCheck{Phrases: []string{"Task complete", "all done"}, MinChars: 40}
	long := strings.Repeat("x", 40)

	tests := []struct {
		name string
		resp *Response
		want bool
	}{
		{"nil response", nil, false},
		{"phrase", &Response{Text: "Report written. task COMPLETE.", FinishReason: FinishStop}, true},
		{"second phrase", &Response{Text: "All done here", FinishReason: FinishStop}, true},
		{"long answer", &Response{Text: long, FinishReason: FinishStop}, true},
		{"short answer", &Response{Text: "ok", FinishReason: FinishStop}, false},
		{"empty text", &Response{Text: "   ", FinishReason: FinishStop}, false},
		{"tool calls pending", &Response{Text: "Task complete", FinishReason: FinishStop, ToolCalls: []ToolCall{{Name: "exec"}}}, false},
		{"length cutoff", &Response{Text: "Task complete", FinishReason: FinishLength}, false},
		{"multibyte counts runes", &Response{Text: strings.Repeat("é", 39), FinishReason: FinishStop}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := check.Complete(tt.resp); got != tt.want {
				t.Fatalf("Complete() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompletionCheck_MinCharsDisabled(t *testing.T) {
	check := CompletionCheck{Phrases: []string{"Task complete"}}
	if check.Complete(&Response{Text: strings.Repeat("word ", 500), FinishReason: FinishStop}) {
		t.Fatal("long text without a phrase should not complete when MinChars is 0")
	}
}

package engine

import (
	"encoding/json"
	"testing"

	"github.com/firebase/genkit/go/ai"
)

func TestModelName(t *testing.T) {
	tests := []struct {
		provider, prefix, model, want string
	}{
		{"google", "", "gemini-2.5-flash", "googleai/gemini-2.5-flash"},
		{"", "", "gemini-2.5-flash", "googleai/gemini-2.5-flash"},
		{"anthropic", "", "claude-sonnet-4-5", "anthropic/claude-sonnet-4-5"},
		{"openai", "", "gpt-4o-mini", "openai/gpt-4o-mini"},
		{"openai_compatible", "deepseek", "deepseek-chat", "deepseek/deepseek-chat"},
		{"openai_compatible", "", "local-model", "local-model"},
		{"openrouter", "", "meta-llama/llama-3-70b", "openrouter/meta-llama/llama-3-70b"},
		{"google", "", "googleai/gemini-pro", "googleai/gemini-pro"},
		{"anthropic", "", "  claude-haiku  ", "anthropic/claude-haiku"},
	}
	for _, tt := range tests {
		if got := ModelName(tt.provider, tt.prefix, tt.model); got != tt.want {
			t.Errorf("ModelName(%q, %q, %q) = %q, want %q", tt.provider, tt.prefix, tt.model, got, tt.want)
		}
	}
}

func TestMapFinishReason(t *testing.T) {
	if mapFinishReason(ai.FinishReasonStop, true) != FinishToolCalls {
		t.Error("tool calls must win over stop")
	}
	if mapFinishReason(ai.FinishReasonStop, false) != FinishStop {
		t.Error("stop not mapped")
	}
	if mapFinishReason(ai.FinishReasonLength, false) != FinishLength {
		t.Error("length not mapped")
	}
	if mapFinishReason(ai.FinishReasonBlocked, false) != FinishOther {
		t.Error("blocked should map to other")
	}
}

func TestToGenkitMessages(t *testing.T) {
	history := []Message{
		{Role: RoleSystem, Content: "be useful"},
		{Role: RoleUser, Content: "list files"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "exec", Input: json.RawMessage(`{"command":"ls"}`)}}},
		{Role: RoleTool, ToolCallID: "c1", ToolName: "exec", Content: `{"success":true}`},
		{Role: RoleTool, ToolCallID: "c2", ToolName: "exec", Content: "not json"},
		{Role: RoleAssistant},
	}
	msgs, err := toGenkitMessages(history)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("messages = %d, want 5 (empty assistant turn dropped)", len(msgs))
	}
	if msgs[0].Role != ai.RoleSystem || msgs[1].Role != ai.RoleUser || msgs[2].Role != ai.RoleModel || msgs[3].Role != ai.RoleTool {
		t.Fatalf("roles = %s %s %s %s", msgs[0].Role, msgs[1].Role, msgs[2].Role, msgs[3].Role)
	}

	req := msgs[2].Content[0].ToolRequest
	if req == nil || req.Name != "exec" || req.Ref != "c1" {
		t.Fatalf("tool request = %+v", req)
	}
	if in, ok := req.Input.(map[string]any); !ok || in["command"] != "ls" {
		t.Fatalf("tool input = %#v", req.Input)
	}

	resp := msgs[3].Content[0].ToolResponse
	if out, ok := resp.Output.(map[string]any); !ok || out["success"] != true {
		t.Fatalf("decoded tool output = %#v", resp.Output)
	}
	if raw := msgs[4].Content[0].ToolResponse.Output; raw != "not json" {
		t.Fatalf("raw tool output = %#v", raw)
	}
}

func TestToGenkitMessages_BadToolInput(t *testing.T) {
	_, err := toGenkitMessages([]Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{Name: "exec", Input: json.RawMessage(`{broken`)}}},
	})
	if err == nil {
		t.Fatal("expected decode error")
	}
}

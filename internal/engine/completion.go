package engine

import (
	"strings"
	"unicode/utf8"
)

// CompletionCheck decides whether a model turn ends the run.
type CompletionCheck struct {
	Phrases  []string
	MinChars int
}

// Complete reports whether resp finishes the task: no tool calls, a
// natural stop, and either a completion phrase or a substantial answer.
func (c CompletionCheck) Complete(resp *Response) bool {
	if resp == nil || len(resp.ToolCalls) > 0 || resp.FinishReason != FinishStop {
		return false
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range c.Phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" && strings.Contains(lower, p) {
			return true
		}
	}
	return c.MinChars > 0 && utf8.RuneCountInString(text) >= c.MinChars
}

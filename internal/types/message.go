// Package types contains shared types used across multiple packages.
// This helps avoid import cycles between packages like llm, tools and session.
package types

// Message is the wire format to the LLM and the storage form for sessions.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for tool-role results
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // for assistant tool turns
}

// ToolCall is a structured request emitted by the LLM asking for a named
// function to be invoked with JSON arguments.
type ToolCall struct {
	ID       string           `json:"id"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the function name and its raw JSON arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// CharCount returns the content length of a message list, used for the
// chars/4 token fallback when the API omits usage data.
func CharCount(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
		for _, tc := range m.ToolCalls {
			total += len(tc.Function.Name) + len(tc.Function.Arguments)
		}
	}
	return total
}

package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/types"
)

// Some models emit tool calls as text instead of the native array:
//
//	to=functions.web_search
//	{"query": "..."}
var textualCallRe = regexp.MustCompile(`to=functions\.([A-Za-z0-9_]+)\s*\n`)

var thinkTagRe = regexp.MustCompile(`(?is)<think(?:ing)?>.*?</think(?:ing)?>`)

// ExtractToolCalls returns the tool calls in a response, accepting both the
// native tool_calls array and the textual fallback. Textual calls get a
// synthetic id derived from the turn number.
func ExtractToolCalls(msg types.Message, turn int) []types.ToolCall {
	if len(msg.ToolCalls) > 0 {
		return msg.ToolCalls
	}
	return extractTextualCalls(msg.Content, turn)
}

func extractTextualCalls(content string, turn int) []types.ToolCall {
	locs := textualCallRe.FindAllStringSubmatchIndex(content, -1)
	if len(locs) == 0 {
		return nil
	}

	var calls []types.ToolCall
	for _, loc := range locs {
		name := content[loc[2]:loc[3]]
		args := extractJSONObject(content[loc[1]:])
		if args == "" {
			L_warn("engine: textual tool call without JSON body", "name", name)
			continue
		}

		id := fmt.Sprintf("textual_call_%d", turn)
		if len(calls) > 0 {
			id = fmt.Sprintf("textual_call_%d_%d", turn, len(calls)+1)
		}
		calls = append(calls, types.ToolCall{
			ID: id,
			Function: types.ToolCallFunction{
				Name:      name,
				Arguments: args,
			},
		})
	}
	if len(calls) > 0 {
		L_debug("engine: extracted textual tool calls", "count", len(calls))
	}
	return calls
}

// extractJSONObject decodes the first JSON object at the start of s,
// tolerating trailing prose.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	dec := json.NewDecoder(strings.NewReader(s[start:]))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return ""
	}
	return string(raw)
}

// StripThinkTags removes <think>/<thinking> blocks from model output.
func StripThinkTags(content string) string {
	return strings.TrimSpace(thinkTagRe.ReplaceAllString(content, ""))
}

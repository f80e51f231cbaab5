// Package tools holds the tool registry the conversation engine dispatches
// through, plus the builtin tool implementations.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/forager-agent/forager/internal/llm"
	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/types"
)

// Tool is one callable function published to the LLM.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON-Schema "parameters" object.
	Schema() map[string]any
	Execute(ctx context.Context, input json.RawMessage) (any, error)
}

// Registry maps tool names to implementations. Disabled tools are invisible
// to the LLM and rejected at dispatch.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	disabled map[string]bool
	timeout  time.Duration
}

// NewRegistry creates an empty registry with the given per-call timeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Registry{
		tools:    make(map[string]Tool),
		disabled: make(map[string]bool),
		timeout:  timeout,
	}
}

// Register adds a tool. Registering the same name twice is an error.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("tool %q already registered", tool.Name())
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Disable hides tools from schema publication and dispatch.
func (r *Registry) Disable(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		r.disabled[name] = true
	}
}

// Disabled reports whether a tool is currently disabled.
func (r *Registry) Disabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabled[name]
}

// Has returns true when a tool is registered, disabled or not.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Definitions returns the enabled tools' schemas, sorted by name for a
// stable prompt.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if !r.disabled[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	defs := make([]types.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		defs = append(defs, types.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	return defs
}

// errorResult is the uniform failure shape returned to the LLM.
type errorResult struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Dispatch executes one tool call and returns the JSON content for the
// tool-role message. Failures never propagate; they come back as
// {"error": <kind>, "message": ...} results.
func (r *Registry) Dispatch(ctx context.Context, call types.ToolCall, tracker *llm.UsageTracker) string {
	name := call.Function.Name

	r.mu.RLock()
	tool, ok := r.tools[name]
	disabled := r.disabled[name]
	timeout := r.timeout
	r.mu.RUnlock()

	if !ok {
		L_warn("tools: unknown tool requested", "name", name)
		return marshalResult(errorResult{Error: "unknown_tool", Message: fmt.Sprintf("no tool named %q", name)})
	}
	if disabled {
		L_warn("tools: disabled tool requested", "name", name)
		return marshalResult(errorResult{Error: "tool_disabled", Message: fmt.Sprintf("tool %q is disabled", name)})
	}

	args := json.RawMessage(call.Function.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		L_warn("tools: bad arguments", "name", name)
		return marshalResult(errorResult{Error: "bad_arguments", Message: "arguments are not valid JSON"})
	}

	if tracker != nil {
		tracker.RecordToolUsage(name)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := r.executeSafe(callCtx, tool, args)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			L_warn("tools: call timed out", "name", name, "timeout", timeout)
			return marshalResult(errorResult{Error: "timeout", Message: fmt.Sprintf("tool %q exceeded %s", name, timeout)})
		}
		L_warn("tools: call failed", "name", name, "error", err, "took", elapsed)
		return marshalResult(errorResult{Error: "tool_exception", Message: err.Error()})
	}

	L_debug("tools: call completed", "name", name, "took", elapsed)
	return marshalResult(result)
}

// executeSafe runs the tool, converting panics to errors.
func (r *Registry) executeSafe(ctx context.Context, tool Tool, args json.RawMessage) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			L_error("tools: executor panicked", "name", tool.Name(), "panic", rec)
			err = fmt.Errorf("tool panicked: %v", rec)
		}
	}()
	return tool.Execute(ctx, args)
}

func marshalResult(result any) string {
	data, err := json.Marshal(result)
	if err != nil {
		fallback, _ := json.Marshal(errorResult{Error: "tool_exception", Message: "result not serializable"})
		return string(fallback)
	}
	return string(data)
}

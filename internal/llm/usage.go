package llm

import "sync"

// ModelUsage accumulates token counts for one model alias.
type ModelUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// UsageTracker accumulates per-model token usage and per-tool call counts
// for one turn. The engine mutates it directly; background extractors may
// touch it concurrently, so access is serialized.
type UsageTracker struct {
	mu     sync.Mutex
	models map[string]*ModelUsage
	tools  map[string]int
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		models: make(map[string]*ModelUsage),
		tools:  make(map[string]int),
	}
}

// RecordModelUsage adds token counts for a model alias.
func (t *UsageTracker) RecordModelUsage(alias string, prompt, completion int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.models[alias]
	if !ok {
		u = &ModelUsage{}
		t.models[alias] = u
	}
	u.InputTokens += prompt
	u.OutputTokens += completion
}

// RecordToolUsage increments the call count for a tool.
func (t *UsageTracker) RecordToolUsage(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tools[name]++
}

// ModelStats returns a copy of the per-model counters.
func (t *UsageTracker) ModelStats() map[string]ModelUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]ModelUsage, len(t.models))
	for k, v := range t.models {
		out[k] = *v
	}
	return out
}

// ToolStats returns a copy of the per-tool call counts.
func (t *UsageTracker) ToolStats() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.tools))
	for k, v := range t.tools {
		out[k] = v
	}
	return out
}

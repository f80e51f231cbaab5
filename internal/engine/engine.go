// Package engine runs the tool-calling conversation loop.
package engine

import (
	"context"
	"fmt"
	"regexp"

	"github.com/forager-agent/forager/internal/llm"
	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/tools"
	"github.com/forager-agent/forager/internal/types"
)

// Status reports how a run ended.
type Status string

const (
	StatusComplete Status = "complete"
	StatusHalted   Status = "halted"
)

// DisplayFunc receives per-turn output for rendering. isFinal marks the
// closing answer.
type DisplayFunc func(turn int, isFinal bool, content string)

// Options configures one engine run.
type Options struct {
	MaxTurns int
	Lean     bool // suppress the SYSTEM UPDATE injection
	// Cancelled is polled between turns and before each tool dispatch.
	Cancelled func() bool
	Display   DisplayFunc
}

// Result is the outcome of a run. Messages carries the full transcript
// including tool turns.
type Result struct {
	FinalAnswer string
	Status      Status
	Messages    []types.Message
	LLMCalls    int
	Turns       int
}

const gracefulExitPrompt = `Provide your final answer to the user's request now, based on everything gathered so far. Tools are no longer available. Do not mention tools or ask to continue.`

var systemUpdateRe = regexp.MustCompile(`\n?\[SYSTEM UPDATE:[^\]]*\]`)

// Run executes the conversation loop: call the model, dispatch any tool
// calls, repeat. It terminates in at most MaxTurns+1 LLM calls; the +1 is
// the tool-free graceful-exit call.
func Run(ctx context.Context, client llm.Chatter, messages []types.Message, registry *tools.Registry, tracker *llm.UsageTracker, opts Options) (*Result, error) {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 10
	}
	cancelled := opts.Cancelled
	if cancelled == nil {
		cancelled = func() bool { return false }
	}

	originalSystem := ""
	if len(messages) > 0 && messages[0].Role == "system" {
		originalSystem = messages[0].Content
	}

	result := &Result{Status: StatusComplete}
	defs := registry.Definitions()

	for turn := 1; ; turn++ {
		result.Turns = turn

		if cancelled() || ctx.Err() != nil {
			L_info("engine: run cancelled", "turn", turn)
			result.Status = StatusHalted
			break
		}

		if turn > opts.MaxTurns {
			answer, err := gracefulExit(ctx, client, messages, originalSystem, tracker)
			if err != nil {
				result.Messages = messages
				return result, err
			}
			result.LLMCalls++
			result.FinalAnswer = answer
			messages = append(messages, types.Message{Role: "assistant", Content: answer})
			L_info("engine: max turns reached, forced final answer", "maxTurns", opts.MaxTurns)
			break
		}

		if !opts.Lean && originalSystem != "" {
			messages[0].Content = injectSystemUpdate(originalSystem, messages, client.ContextTokens(), opts.MaxTurns-turn)
		}

		resp, err := client.Chat(ctx, messages, defs)
		if err != nil {
			result.Messages = messages
			return result, fmt.Errorf("llm call failed on turn %d: %w", turn, err)
		}
		result.LLMCalls++
		recordUsage(tracker, client, messages, resp)

		calls := ExtractToolCalls(resp.Message, turn)
		if len(calls) == 0 {
			result.FinalAnswer = StripThinkTags(resp.Message.Content)
			messages = append(messages, types.Message{Role: "assistant", Content: result.FinalAnswer})
			break
		}

		// Keep the assistant turn in the transcript exactly as the tool
		// results will reference it.
		assistantMsg := resp.Message
		assistantMsg.ToolCalls = calls
		messages = append(messages, assistantMsg)

		for _, call := range calls {
			if cancelled() || ctx.Err() != nil {
				L_info("engine: cancelled before tool dispatch", "tool", call.Function.Name)
				result.Status = StatusHalted
				result.Messages = messages
				return result, nil
			}
			if opts.Display != nil {
				opts.Display(turn, false, fmt.Sprintf("calling %s", call.Function.Name))
			}
			content := registry.Dispatch(ctx, call, tracker)
			messages = append(messages, types.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    content,
			})
		}
	}

	result.Messages = messages
	if opts.Display != nil {
		opts.Display(result.Turns, true, result.FinalAnswer)
	}
	return result, nil
}

// gracefulExit replaces the system prompt with a tool-free final-answer
// instruction and makes one last call.
func gracefulExit(ctx context.Context, client llm.Chatter, messages []types.Message, originalSystem string, tracker *llm.UsageTracker) (string, error) {
	exitSystem := gracefulExitPrompt
	if originalSystem != "" {
		exitSystem = originalSystem + "\n\n" + gracefulExitPrompt
	}
	if len(messages) > 0 && messages[0].Role == "system" {
		messages[0].Content = exitSystem
	} else {
		messages = append([]types.Message{{Role: "system", Content: exitSystem}}, messages...)
	}

	resp, err := client.Chat(ctx, messages, nil)
	if err != nil {
		return "", fmt.Errorf("graceful exit call failed: %w", err)
	}
	recordUsage(tracker, client, messages, resp)
	return StripThinkTags(resp.Message.Content), nil
}

// injectSystemUpdate appends a context-budget line to the system prompt,
// replacing any previous injection.
func injectSystemUpdate(originalSystem string, messages []types.Message, contextTokens, turnsRemaining int) string {
	base := systemUpdateRe.ReplaceAllString(originalSystem, "")
	tokensUsed := types.CharCount(messages) / 4
	pct := 0
	if contextTokens > 0 {
		pct = tokensUsed * 100 / contextTokens
	}
	return fmt.Sprintf("%s\n[SYSTEM UPDATE: Context Used %d%%, Turns Remaining %d]", base, pct, turnsRemaining)
}

// recordUsage books token counts from the response, falling back to the
// chars/4 estimate when the API omitted the usage block.
func recordUsage(tracker *llm.UsageTracker, client llm.Chatter, messages []types.Message, resp *llm.Response) {
	if tracker == nil {
		return
	}
	prompt, completion := resp.PromptTokens, resp.CompletionTokens
	if !resp.UsageKnown {
		prompt = types.CharCount(messages) / 4
		completion = len(resp.Message.Content) / 4
	}
	tracker.RecordModelUsage(client.Alias(), prompt, completion)
}

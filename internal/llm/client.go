// Package llm provides the OpenAI-compatible chat client.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/forager-agent/forager/internal/config"
	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/types"
)

// Response is the result of one chat round trip.
type Response struct {
	Message          types.Message
	PromptTokens     int
	CompletionTokens int
	UsageKnown       bool // false when the API omitted the usage block
}

// Chatter is the interface the engine and summarizers consume. The production
// implementation is *Client; tests substitute fakes.
type Chatter interface {
	Chat(ctx context.Context, messages []types.Message, tools []types.ToolDefinition) (*Response, error)
	SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error)
	Alias() string
	ContextTokens() int
}

// headerTransport sets the configured User-Agent and records the most recent
// Retry-After header so 429 backoff can honor it. go-openai's typed errors do
// not expose response headers.
type headerTransport struct {
	base      http.RoundTripper
	userAgent string

	mu         sync.Mutex
	retryAfter time.Duration
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		t.mu.Lock()
		t.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		t.mu.Unlock()
	}
	return resp, err
}

func (t *headerTransport) lastRetryAfter() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryAfter
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(v); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

// Client talks to one OpenAI-compatible chat endpoint with retry and backoff.
type Client struct {
	alias          string
	api            *openai.Client
	model          string
	maxTokens      int
	contextTokens  int
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	transport      *headerTransport

	// sleep is swappable for tests
	sleep func(time.Duration)
}

// NewClient creates a chat client for one configured model alias.
func NewClient(alias string, mc config.ModelConfig, lc config.LLMConfig) *Client {
	apiKey := mc.APIKey()
	if apiKey == "" {
		apiKey = "not-needed" // local servers don't require auth
	}

	cc := openai.DefaultConfig(apiKey)
	if mc.BaseURL != "" {
		baseURL := mc.BaseURL
		if !strings.HasSuffix(baseURL, "/v1") && !strings.HasSuffix(baseURL, "/v1/") {
			baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
		}
		cc.BaseURL = baseURL
	}

	transport := &headerTransport{base: http.DefaultTransport, userAgent: mc.UserAgent}
	timeout := time.Duration(lc.RequestTimeoutSec) * time.Second
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	cc.HTTPClient = &http.Client{Transport: transport, Timeout: timeout}

	maxTokens := mc.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}
	contextTokens := mc.ContextTokens
	if contextTokens == 0 {
		contextTokens = 128000
	}

	maxRetries := lc.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}
	initial := time.Duration(lc.InitialBackoffMs) * time.Millisecond
	if initial == 0 {
		initial = time.Second
	}
	maxBackoff := time.Duration(lc.MaxBackoffMs) * time.Millisecond
	if maxBackoff == 0 {
		maxBackoff = 30 * time.Second
	}

	L_debug("llm: client created", "alias", alias, "model", mc.Model, "baseURL", mc.BaseURL, "maxTokens", maxTokens)

	return &Client{
		alias:          alias,
		api:            openai.NewClientWithConfig(cc),
		model:          mc.Model,
		maxTokens:      maxTokens,
		contextTokens:  contextTokens,
		maxRetries:     maxRetries,
		initialBackoff: initial,
		maxBackoff:     maxBackoff,
		transport:      transport,
		sleep:          time.Sleep,
	}
}

// Alias returns the configured model alias.
func (c *Client) Alias() string { return c.alias }

// Model returns the underlying model name.
func (c *Client) Model() string { return c.model }

// ContextTokens returns the model's context window size.
func (c *Client) ContextTokens() int { return c.contextTokens }

// Chat sends one non-streaming chat completion request. Tool definitions are
// attached when provided. 429s are retried with Retry-After or exponential
// backoff; transport errors retry with the same backoff; other 4xx propagate
// after the first attempt.
func (c *Client) Chat(ctx context.Context, messages []types.Message, tools []types.ToolDefinition) (*Response, error) {
	req := openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  toOpenAIMessages(messages),
		Stream:    false,
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
	}

	L_debug("llm: request", "alias", c.alias, "model", c.model, "messages", len(messages), "tools", len(tools))

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		start := time.Now()
		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return nil, fmt.Errorf("llm: empty choices in response")
			}
			out := &Response{Message: fromOpenAIMessage(resp.Choices[0].Message)}
			if resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0 {
				out.PromptTokens = resp.Usage.PromptTokens
				out.CompletionTokens = resp.Usage.CompletionTokens
				out.UsageKnown = true
			}
			L_debug("llm: response", "alias", c.alias, "toolCalls", len(out.Message.ToolCalls),
				"contentLen", len(out.Message.Content), "took", time.Since(start).Round(time.Millisecond))
			return out, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		status := statusOf(err)
		switch {
		case status == http.StatusTooManyRequests:
			wait := c.transport.lastRetryAfter()
			if wait <= 0 {
				wait = backoff
				backoff = minDuration(backoff*2, c.maxBackoff)
			}
			L_warn("llm: rate limited, backing off", "alias", c.alias, "attempt", attempt+1, "wait", wait)
			c.sleep(wait)
		case status >= 400 && status < 500:
			// Client errors are not retryable.
			L_error("llm: request rejected", "alias", c.alias, "status", status, "error", err)
			return nil, &HTTPError{Status: status, Err: err}
		default:
			// Transport errors and 5xx retry with plain exponential backoff.
			L_warn("llm: transient failure, retrying", "alias", c.alias, "attempt", attempt+1, "error", err)
			c.sleep(backoff)
			backoff = minDuration(backoff*2, c.maxBackoff)
		}
	}

	if statusOf(lastErr) == http.StatusTooManyRequests {
		return nil, &RateLimitError{RetryAfter: c.transport.lastRetryAfter(), Err: lastErr}
	}
	return nil, fmt.Errorf("llm: retries exhausted: %w", lastErr)
}

// SimpleMessage sends a single user message without tools and returns the
// response text. Used for compaction summaries, history summaries and the
// interface planner.
func (c *Client) SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	messages := []types.Message{}
	if systemPrompt != "" {
		messages = append(messages, types.Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, types.Message{Role: "user", Content: userMessage})

	resp, err := c.Chat(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

func statusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func toOpenAIMessages(messages []types.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) types.Message {
	msg := types.Message{
		Role:    m.Role,
		Content: m.Content,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
			ID: tc.ID,
			Function: types.ToolCallFunction{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return msg
}

func toOpenAITools(tools []types.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}

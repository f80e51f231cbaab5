// Package embeddings provides the batched text-to-vector client.
package embeddings

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/forager-agent/forager/internal/config"
	. "github.com/forager-agent/forager/internal/logging"
)

// EmbeddingError wraps a failed embedding call. Callers treat search built on
// a failed embedding as "no results" rather than an error.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string { return fmt.Sprintf("embedding failed: %v", e.Err) }
func (e *EmbeddingError) Unwrap() error { return e.Err }

// Provider generates embeddings for text. The production implementation is
// *Client; tests substitute deterministic fakes.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// UsageStats holds the accumulated counters for the embedding endpoint.
type UsageStats struct {
	TextsEmbedded int `json:"texts_embedded"`
	APICalls      int `json:"api_calls"`
	PromptTokens  int `json:"prompt_tokens"`
}

// Client is the process-wide embedding client. Counters are mutated under a
// mutex; construction happens once in the composition root.
type Client struct {
	api   *openai.Client
	model string

	mu    sync.Mutex
	usage UsageStats
}

// NewClient creates the embedding client from config.
func NewClient(cfg config.EmbeddingsConfig) *Client {
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	if apiKey == "" {
		apiKey = "not-needed"
	}

	cc := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		baseURL := cfg.BaseURL
		if !strings.HasSuffix(baseURL, "/v1") && !strings.HasSuffix(baseURL, "/v1/") {
			baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
		}
		cc.BaseURL = baseURL
	}

	L_debug("embeddings: client created", "model", cfg.Model, "baseURL", cfg.BaseURL)

	return &Client{
		api:   openai.NewClientWithConfig(cc),
		model: cfg.Model,
	}
}

// Model returns the configured embedding model name. It tags every persisted
// vector so reads can filter by model.
func (c *Client) Model() string { return c.model }

// EmbedBatch embeds all texts in one request, preserving input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.model),
		Input: texts,
	})
	if err != nil {
		L_error("embeddings: batch failed", "count", len(texts), "error", err)
		return nil, &EmbeddingError{Err: err}
	}

	result := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index >= len(result) {
			continue
		}
		vec := make([]float32, len(data.Embedding))
		copy(vec, data.Embedding)
		result[data.Index] = vec
	}

	c.mu.Lock()
	c.usage.TextsEmbedded += len(texts)
	c.usage.APICalls++
	c.usage.PromptTokens += resp.Usage.PromptTokens // zero when usage is absent
	c.mu.Unlock()

	L_trace("embeddings: batch complete", "count", len(texts), "model", c.model)
	return result, nil
}

// EmbedSingle embeds one text.
func (c *Client) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || vecs[0] == nil {
		return nil, &EmbeddingError{Err: fmt.Errorf("no embedding returned")}
	}
	return vecs[0], nil
}

// UsageStats returns a copy of the accumulated counters.
func (c *Client) UsageStats() UsageStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

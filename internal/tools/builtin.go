package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/research"
	"github.com/forager-agent/forager/internal/types"
	"github.com/forager-agent/forager/internal/vectorstore"
	"github.com/forager-agent/forager/internal/websearch"
)

// DateTimeTool reports the current date and time.
type DateTimeTool struct{}

func (t *DateTimeTool) Name() string { return "get_date_time" }

func (t *DateTimeTool) Description() string {
	return "Get the current date and time, including timezone."
}

func (t *DateTimeTool) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func (t *DateTimeTool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	now := time.Now()
	return map[string]any{
		"iso":      now.UTC().Format(time.RFC3339),
		"local":    now.Format("Monday, 2 January 2006 15:04:05 MST"),
		"timezone": now.Format("MST"),
	}, nil
}

// WebSearchTool searches the web through the configured adapter.
type WebSearchTool struct {
	adapter websearch.Adapter
}

// NewWebSearchTool wraps a search adapter as a tool.
func NewWebSearchTool(adapter websearch.Adapter) *WebSearchTool {
	return &WebSearchTool{adapter: adapter}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web for information. Returns titles, URLs, and snippets from search results."
}

func (t *WebSearchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query",
			},
			"count": map[string]any{
				"type":        "integer",
				"description": "Number of results to return (default: 5, max: 20)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var params struct {
		Query string `json:"query"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if t.adapter == nil {
		return nil, fmt.Errorf("no search provider configured")
	}

	results, err := t.adapter.Search(ctx, params.Query, params.Count)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results}, nil
}

// Corpus is the content layer url tools operate on: cache-first retrieval
// with chunk/link indexing on miss.
type Corpus struct {
	Cache   *research.Cache
	Vectors *vectorstore.Store
	Fetch   func(ctx context.Context, url string) (*types.FetchResult, error)
}

// Ensure returns the cached source for a URL, fetching and indexing it when
// absent or expired.
func (c *Corpus) Ensure(ctx context.Context, url string) (*research.CachedSource, error) {
	if rec, err := c.Cache.GetCached(url); err != nil {
		return nil, err
	} else if rec != nil {
		return rec, nil
	}

	result, err := c.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	id, err := c.Cache.CacheURL(ctx, url, result.Content, result.Title, result.Links, true)
	if err != nil {
		return nil, err
	}
	if err := c.Vectors.UpsertChunks(ctx, id, vectorstore.SplitText(result.Content, 0)); err != nil {
		L_warn("tools: chunk indexing failed", "url", url, "error", err)
	}
	if err := c.Vectors.UpsertLinks(ctx, id, result.Links); err != nil {
		L_warn("tools: link indexing failed", "url", url, "error", err)
	}

	return c.Cache.GetCachedByID(id)
}

// URLContentTool returns the readable content of a page, cache-first.
type URLContentTool struct {
	corpus *Corpus
}

// NewURLContentTool creates the get_url_content tool.
func NewURLContentTool(corpus *Corpus) *URLContentTool {
	return &URLContentTool{corpus: corpus}
}

func (t *URLContentTool) Name() string { return "get_url_content" }

func (t *URLContentTool) Description() string {
	return "Fetch a web page and return its readable text content. Results are cached."
}

func (t *URLContentTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to fetch",
			},
			"max_length": map[string]any{
				"type":        "integer",
				"description": "Maximum content length to return (default: 10000)",
			},
		},
		"required": []string{"url"},
	}
}

func (t *URLContentTool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var params struct {
		URL       string `json:"url"`
		MaxLength int    `json:"max_length"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	maxLen := params.MaxLength
	if maxLen <= 0 {
		maxLen = 10000
	}

	rec, err := t.corpus.Ensure(ctx, params.URL)
	if err != nil {
		return nil, err
	}

	content := rec.Content
	truncated := false
	if len(content) > maxLen {
		content = content[:maxLen]
		truncated = true
	}
	return map[string]any{
		"url":       rec.URL,
		"title":     rec.Title,
		"content":   content,
		"truncated": truncated,
	}, nil
}

// URLDetailsTool returns page metadata and links, optionally ranked against
// a query.
type URLDetailsTool struct {
	corpus *Corpus
}

// NewURLDetailsTool creates the get_url_details tool.
func NewURLDetailsTool(corpus *Corpus) *URLDetailsTool {
	return &URLDetailsTool{corpus: corpus}
}

func (t *URLDetailsTool) Name() string { return "get_url_details" }

func (t *URLDetailsTool) Description() string {
	return "Get metadata about a web page: title, summary if available, and its links. Provide a query to rank links by relevance."
}

func (t *URLDetailsTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to inspect",
			},
			"query": map[string]any{
				"type":        "string",
				"description": "Optional query to rank the page's links by relevance",
			},
			"max_links": map[string]any{
				"type":        "integer",
				"description": "Maximum number of links to return (default: 20)",
			},
		},
		"required": []string{"url"},
	}
}

func (t *URLDetailsTool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var params struct {
		URL      string `json:"url"`
		Query    string `json:"query"`
		MaxLinks int    `json:"max_links"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	maxLinks := params.MaxLinks
	if maxLinks <= 0 {
		maxLinks = 20
	}

	rec, err := t.corpus.Ensure(ctx, params.URL)
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"url":            rec.URL,
		"title":          rec.Title,
		"summary_status": rec.SummaryStatus,
		"content_chars":  len(rec.Content),
		"link_count":     len(rec.Links),
	}
	if rec.Summary != "" {
		out["summary"] = rec.Summary
	}

	if params.Query != "" {
		ranked, err := t.corpus.Vectors.RankLinksByRelevance(ctx, rec.ID, params.Query, maxLinks)
		if err == nil && len(ranked) > 0 {
			out["links"] = ranked
			return out, nil
		}
		if err != nil {
			L_warn("tools: link ranking failed, returning unranked", "error", err)
		}
	}

	links := rec.Links
	if len(links) > maxLinks {
		links = links[:maxLinks]
	}
	out["links"] = links
	return out, nil
}

// SaveMemoryTool persists a long-term fact about the user, deduplicating
// near-identical memories.
type SaveMemoryTool struct {
	vectors *vectorstore.Store
}

// Near-duplicate threshold for user memories.
const memoryDedupeThreshold = 0.90

// NewSaveMemoryTool creates the save_memory tool.
func NewSaveMemoryTool(vectors *vectorstore.Store) *SaveMemoryTool {
	return &SaveMemoryTool{vectors: vectors}
}

func (t *SaveMemoryTool) Name() string { return "save_memory" }

func (t *SaveMemoryTool) Description() string {
	return "Save a long-term fact about the user. Near-duplicate memories are merged."
}

func (t *SaveMemoryTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"memory": map[string]any{
				"type":        "string",
				"description": "The fact to remember, phrased as a standalone statement",
			},
			"tags": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Optional category tags",
			},
		},
		"required": []string{"memory"},
	}
}

func (t *SaveMemoryTool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var params struct {
		Memory string   `json:"memory"`
		Tags   []string `json:"tags"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.Memory == "" {
		return nil, fmt.Errorf("memory is required")
	}

	id, updated, err := t.vectors.SaveUserMemory(ctx, params.Memory, params.Tags, memoryDedupeThreshold)
	if err != nil {
		return nil, err
	}
	action := "saved"
	if updated {
		action = "updated"
	}
	return map[string]any{"id": id, "action": action}, nil
}

package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/types"
)

const serperEndpoint = "https://google.serper.dev/search"

// Serper queries the serper.dev Google search API.
type Serper struct {
	apiKey string
	client *http.Client
}

// NewSerper creates an adapter with the given API key.
func NewSerper(apiKey string) *Serper {
	return &Serper{
		apiKey: apiKey,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *Serper) Name() string { return "serper" }

type serperResponse struct {
	Organic []struct {
		Link    string `json:"link"`
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

func (s *Serper) Search(ctx context.Context, query string, count int) ([]types.SearchResult, error) {
	count = clampCount(count)

	payload, _ := json.Marshal(map[string]any{"q": query, "num": count})
	req, err := http.NewRequestWithContext(ctx, "POST", serperEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	L_debug("websearch: serper query", "query", query, "count", count)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		L_error("websearch: serper error", "status", resp.StatusCode)
		return nil, fmt.Errorf("search API error: %s", resp.Status)
	}

	var parsed serperResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	results := make([]types.SearchResult, 0, count)
	for _, r := range parsed.Organic {
		if len(results) >= count {
			break
		}
		results = append(results, types.SearchResult{
			URL:     r.Link,
			Title:   r.Title,
			Snippet: r.Snippet,
		})
	}

	L_debug("websearch: serper completed", "results", len(results))
	return results, nil
}

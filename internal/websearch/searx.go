package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/types"
)

// Searx queries a SearXNG instance's JSON API.
type Searx struct {
	baseURL string
	client  *http.Client
}

// NewSearx creates an adapter for the given SearXNG base URL.
func NewSearx(baseURL string) *Searx {
	return &Searx{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *Searx) Name() string { return "searxng" }

type searxResponse struct {
	Results []struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"results"`
}

func (s *Searx) Search(ctx context.Context, query string, count int) ([]types.SearchResult, error) {
	count = clampCount(count)

	reqURL, err := url.Parse(s.baseURL + "/search")
	if err != nil {
		return nil, fmt.Errorf("invalid searx URL: %w", err)
	}
	q := reqURL.Query()
	q.Set("q", query)
	q.Set("format", "json")
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	L_debug("websearch: searx query", "query", query, "count", count)

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
		L_error("websearch: searx error", "status", resp.StatusCode)
		return nil, fmt.Errorf("search API error: %s", resp.Status)
	}

	var parsed searxResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	results := make([]types.SearchResult, 0, count)
	for _, r := range parsed.Results {
		if len(results) >= count {
			break
		}
		results = append(results, types.SearchResult{
			URL:     r.URL,
			Title:   r.Title,
			Snippet: r.Content,
		})
	}

	L_debug("websearch: searx completed", "results", len(results))
	return results, nil
}

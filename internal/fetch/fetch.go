// Package fetch retrieves web pages and extracts readable content and links.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomd "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/go-shiori/go-readability"
	"golang.org/x/sync/singleflight"

	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/types"
)

const maxBodyBytes = 2 << 20 // 2MB cap on raw HTML

// Fetcher performs HTTP GETs with readable-content extraction. Concurrent
// fetches of the same URL coalesce into a single round trip.
type Fetcher struct {
	client    *http.Client
	group     singleflight.Group
	userAgent string
}

// New creates a fetcher. timeout zero means 30s.
func New(timeout time.Duration, userAgent string) *Fetcher {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"
	}
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// Fetch retrieves a URL and returns extracted content, title and links.
// Redirects are followed by the underlying client.
func (f *Fetcher) Fetch(ctx context.Context, urlStr string) (*types.FetchResult, error) {
	v, err, shared := f.group.Do(urlStr, func() (any, error) {
		return f.fetchOnce(ctx, urlStr)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		L_trace("fetch: coalesced duplicate request", "url", urlStr)
	}
	return v.(*types.FetchResult), nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, urlStr string) (*types.FetchResult, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "identity")

	L_debug("fetch: fetching", "url", urlStr)

	resp, err := f.client.Do(req)
	if err != nil {
		L_warn("fetch: request failed", "url", urlStr, "error", err)
		return nil, fmt.Errorf("fetch %s: %w", urlStr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		L_warn("fetch: non-200 status", "url", urlStr, "status", resp.StatusCode)
		return &types.FetchResult{URL: urlStr, Status: resp.StatusCode},
			fmt.Errorf("fetch %s: HTTP %s", urlStr, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	bodyStr := string(body)

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "application/xhtml") {
		L_debug("fetch: non-HTML content", "url", urlStr, "contentType", contentType)
		return &types.FetchResult{
			URL:     urlStr,
			Content: bodyStr,
			Status:  resp.StatusCode,
		}, nil
	}

	article, err := readability.FromReader(strings.NewReader(bodyStr), parsedURL)
	if err != nil {
		L_warn("fetch: readability parse failed", "url", urlStr, "error", err)
		return nil, fmt.Errorf("parse page: %w", err)
	}

	content := article.TextContent
	if markdown, mdErr := htmltomd.ConvertString(article.Content); mdErr == nil && strings.TrimSpace(markdown) != "" {
		content = markdown
	} else if mdErr != nil {
		L_warn("fetch: html-to-markdown failed, using plain text", "url", urlStr, "error", mdErr)
	}

	links := ExtractLinks(bodyStr, parsedURL)

	L_debug("fetch: completed", "url", urlStr, "contentLength", len(content),
		"links", len(links), "title", article.Title)

	return &types.FetchResult{
		URL:     urlStr,
		Content: strings.TrimSpace(content),
		Title:   article.Title,
		Links:   links,
		Status:  resp.StatusCode,
	}, nil
}

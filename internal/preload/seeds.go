package preload

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/research"
	"github.com/forager-agent/forager/internal/vectorstore"
)

var urlRe = regexp.MustCompile(`https?://[^\s<>"']+`)

// directAnswerQueryLimit bounds how long a query may be (URLs excluded) for
// a single fresh seed to count as the full answer already in context.
const directAnswerQueryLimit = 240

// ExtractSeedURLs pulls explicit http(s) URLs out of a query, preserving
// first-occurrence order.
func ExtractSeedURLs(query string) []string {
	var out []string
	seen := map[string]bool{}
	for _, raw := range urlRe.FindAllString(query, -1) {
		u := strings.TrimRight(raw, ".,;:!?)")
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

// seedSource is one ingested seed with its freshness for direct-answer
// detection.
type seedSource struct {
	source       *research.CachedSource
	freshlyFetch bool
}

func (p *Pipeline) ingestSeeds(ctx context.Context, req Request, res *Resolution) []seedSource {
	if p.cache == nil {
		return nil
	}

	urls := dedupeStrings(append(ExtractSeedURLs(req.Query), req.SeedURLs...))
	if len(urls) == 0 {
		return nil
	}

	var seeds []seedSource
	freshWithContent := 0
	for _, u := range urls {
		cached, err := p.cache.GetCached(u)
		if err != nil {
			L_warn("preload: seed cache lookup failed", "url", u, "error", err)
			continue
		}
		if cached != nil {
			seeds = append(seeds, seedSource{source: cached})
			p.addCacheID(res, cached.ID)
			continue
		}

		src, err := p.ingestURL(ctx, u, true)
		if err != nil {
			L_warn("preload: seed fetch failed", "url", u, "error", err)
			res.ShortlistStats.Warnings = append(res.ShortlistStats.Warnings,
				fmt.Sprintf("seed %s: %v", u, err))
			continue
		}
		seeds = append(seeds, seedSource{source: src, freshlyFetch: true})
		p.addCacheID(res, src.ID)
		if strings.TrimSpace(src.Content) != "" {
			freshWithContent++
		}
	}

	stripped := strings.TrimSpace(urlRe.ReplaceAllString(req.Query, ""))
	if freshWithContent == 1 && len(seeds) == 1 && len(stripped) <= directAnswerQueryLimit {
		res.SeedURLDirectAnswerReady = true
	}
	return seeds
}

// ingestURL fetches a page, stores it in the research cache and indexes its
// chunks and links. Indexing failures degrade to text-only rows and a log
// line; the cached source is still returned.
func (p *Pipeline) ingestURL(ctx context.Context, urlStr string, triggerSummary bool) (*research.CachedSource, error) {
	if p.fetcher == nil {
		return nil, fmt.Errorf("no fetcher configured")
	}
	result, err := p.fetcher.Fetch(ctx, urlStr)
	if err != nil {
		return nil, err
	}

	id, err := p.cache.CacheURL(ctx, result.URL, result.Content, result.Title, result.Links, triggerSummary)
	if err != nil {
		return nil, fmt.Errorf("cache %s: %w", urlStr, err)
	}

	if p.vectors != nil {
		chunks := vectorstore.SplitText(result.Content, vectorstore.DefaultChunkSize)
		if err := p.vectors.UpsertChunks(ctx, id, chunks); err != nil {
			L_warn("preload: chunk indexing failed", "url", urlStr, "error", err)
		}
		if err := p.vectors.UpsertLinks(ctx, id, result.Links); err != nil {
			L_warn("preload: link indexing failed", "url", urlStr, "error", err)
		}
	}

	return p.cache.GetCachedByID(id)
}

func dedupeStrings(in []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

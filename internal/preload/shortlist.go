package preload

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/forager-agent/forager/internal/embeddings"
	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/research"
)

// Scoring weights for shortlist candidates. The combination is linear and
// fully deterministic for a fixed candidate set.
const (
	denseWeightShortlist   = 0.55
	lexicalWeightShortlist = 0.20
	seedBonus              = 0.25
	hostPenaltyWeight      = 0.20
)

// Candidate is one scored shortlist entry.
type Candidate struct {
	URL     string
	Title   string
	Snippet string
	Seed    bool
	Score   float64
}

func (p *Pipeline) shortlistActive(req Request) bool {
	switch p.cfg.Shortlist {
	case "on":
		return true
	case "auto":
		return req.ResearchMode && p.search != nil
	default:
		return false
	}
}

func (p *Pipeline) runShortlist(ctx context.Context, req Request, seeds []seedSource, res *Resolution) {
	if !p.shortlistActive(req) || p.cache == nil {
		return
	}

	candidates := p.collectCandidates(ctx, req, seeds, res)
	res.ShortlistStats.CandidatesConsidered = len(candidates)
	if len(candidates) == 0 {
		return
	}

	scored := p.scoreCandidates(ctx, req.Query, candidates, res)

	topK := p.cfg.ShortlistTopK
	if topK <= 0 {
		topK = 5
	}
	if len(scored) > topK {
		scored = scored[:topK]
	}

	p.fetchShortlist(ctx, scored, res)
}

func (p *Pipeline) collectCandidates(ctx context.Context, req Request, seeds []seedSource, res *Resolution) []Candidate {
	var out []Candidate
	seen := map[string]bool{}
	add := func(c Candidate) {
		key := normalizeURL(c.URL)
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, c)
	}

	for _, seed := range seeds {
		add(Candidate{
			URL:     seed.source.URL,
			Title:   seed.source.Title,
			Snippet: excerptOf(seed.source.Content, 200),
			Seed:    true,
		})
	}

	linkLimit := p.cfg.SeedLinkLimit
	if linkLimit <= 0 {
		linkLimit = 10
	}
	for _, seed := range seeds {
		taken := 0
		for _, link := range seed.source.Links {
			if taken >= linkLimit {
				break
			}
			if !usableCandidateURL(link.Href, p.cfg.HostBlocklist) {
				continue
			}
			add(Candidate{URL: link.Href, Title: link.Text})
			taken++
		}
	}

	if p.search != nil && !res.SeedURLDirectAnswerReady {
		for _, hit := range p.searchCandidates(ctx, req, res) {
			if !usableCandidateURL(hit.URL, p.cfg.HostBlocklist) {
				continue
			}
			add(Candidate{URL: hit.URL, Title: hit.Title, Snippet: hit.Snippet})
		}
	}
	return out
}

// searchCandidates issues web searches with a slot budget: the original query
// gets half the slots, sub-queries share the rest evenly. With no sub-queries
// the original query takes the whole budget.
func (p *Pipeline) searchCandidates(ctx context.Context, req Request, res *Resolution) []searchHit {
	slots := p.cfg.SearchResultSlots
	if slots <= 0 {
		slots = 10
	}

	type plan struct {
		query string
		count int
	}
	var plans []plan
	if len(req.SubQueries) == 0 {
		plans = []plan{{req.Query, slots}}
	} else {
		originalSlots := slots / 2
		if originalSlots < 1 {
			originalSlots = 1
		}
		plans = []plan{{req.Query, originalSlots}}
		each := (slots - originalSlots) / len(req.SubQueries)
		if each < 1 {
			each = 1
		}
		for _, sub := range req.SubQueries {
			plans = append(plans, plan{sub, each})
		}
	}

	var hits []searchHit
	for _, pl := range plans {
		results, err := p.search.Search(ctx, pl.query, pl.count)
		if err != nil {
			L_warn("preload: search failed", "query", pl.query, "error", err)
			res.ShortlistStats.Warnings = append(res.ShortlistStats.Warnings,
				fmt.Sprintf("search %q: %v", pl.query, err))
			continue
		}
		for _, r := range results {
			hits = append(hits, searchHit{URL: r.URL, Title: r.Title, Snippet: r.Snippet})
		}
	}
	return hits
}

type searchHit struct {
	URL     string
	Title   string
	Snippet string
}

// scoreCandidates ranks candidates by dense similarity of title+snippet to
// the query, path-token overlap, seed membership and a hostname frequency
// penalty. Ties break on URL so the ordering is stable.
func (p *Pipeline) scoreCandidates(ctx context.Context, query string, candidates []Candidate, res *Resolution) []Candidate {
	dense := p.denseScores(ctx, query, candidates, res)

	hostCounts := map[string]int{}
	for _, c := range candidates {
		hostCounts[hostOf(c.URL)]++
	}

	queryTokens := tokenize(query)
	for i := range candidates {
		c := &candidates[i]
		score := denseWeightShortlist * dense[i]
		score += lexicalWeightShortlist * tokenOverlap(tokenize(pathOf(c.URL)), queryTokens)
		if c.Seed {
			score += seedBonus
		}
		if n := hostCounts[hostOf(c.URL)]; n > 1 {
			score -= hostPenaltyWeight * float64(n-1) / float64(len(candidates))
		}
		c.Score = score
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].URL < candidates[j].URL
	})
	return candidates
}

func (p *Pipeline) denseScores(ctx context.Context, query string, candidates []Candidate, res *Resolution) []float64 {
	scores := make([]float64, len(candidates))
	if p.embed == nil {
		return scores
	}

	texts := make([]string, 0, len(candidates)+1)
	texts = append(texts, query)
	for _, c := range candidates {
		texts = append(texts, strings.TrimSpace(c.Title+" "+c.Snippet))
	}
	vecs, err := p.embed.EmbedBatch(ctx, texts)
	if err != nil || len(vecs) != len(texts) {
		L_warn("preload: candidate embedding failed, lexical-only scoring", "error", err)
		res.ShortlistStats.Warnings = append(res.ShortlistStats.Warnings,
			"candidate embedding unavailable")
		return scores
	}
	for i := range candidates {
		scores[i] = embeddings.Cosine(vecs[0], vecs[i+1])
	}
	return scores
}

// fetchShortlist pulls the top candidates into the cache with bounded
// concurrency, reusing cached copies where fresh.
func (p *Pipeline) fetchShortlist(ctx context.Context, scored []Candidate, res *Resolution) {
	limit := p.cfg.FetchConcurrency
	if limit <= 0 {
		limit = 3
	}

	type outcome struct {
		rank    int
		source  *research.CachedSource
		fetched bool
	}
	var (
		mu       sync.Mutex
		outcomes []outcome
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for rank, cand := range scored {
		rank, cand := rank, cand
		g.Go(func() error {
			cached, err := p.cache.GetCached(cand.URL)
			if err == nil && cached != nil {
				mu.Lock()
				outcomes = append(outcomes, outcome{rank: rank, source: cached})
				mu.Unlock()
				return nil
			}

			src, err := p.ingestURL(gctx, cand.URL, false)
			if err != nil {
				mu.Lock()
				res.ShortlistStats.Warnings = append(res.ShortlistStats.Warnings,
					fmt.Sprintf("fetch %s: %v", cand.URL, err))
				mu.Unlock()
				return nil
			}
			mu.Lock()
			outcomes = append(outcomes, outcome{rank: rank, source: src, fetched: true})
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	// Restore shortlist order regardless of fetch completion order.
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].rank < outcomes[j].rank })

	for _, o := range outcomes {
		p.addCacheID(res, o.source.ID)
		if o.fetched {
			res.ShortlistPayload.FetchedCount++
		}
		res.ShortlistPayload.Sources = append(res.ShortlistPayload.Sources, SourceBlock{
			URL:   o.source.URL,
			Title: o.source.Title,
			Text:  o.source.Content,
		})
	}
	res.ShortlistStats.FetchedCount = res.ShortlistPayload.FetchedCount
}

func usableCandidateURL(raw string, blocklist []string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, blocked := range blocklist {
		blocked = strings.ToLower(blocked)
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return false
		}
	}
	return true
}

// normalizeURL canonicalizes a URL for deduplication: lowercased scheme and
// host, fragment dropped, trailing slash trimmed.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Path
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
}

func tokenOverlap(tokens, queryTokens []string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	set := map[string]bool{}
	for _, t := range tokens {
		set[t] = true
	}
	matched := 0
	for _, q := range queryTokens {
		if set[q] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}

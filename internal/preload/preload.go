// Package preload runs the deterministic retrieval stages that fill the
// context window before the first LLM call: seed URL ingestion, local corpus
// ingestion, candidate shortlisting, and context assembly.
package preload

import (
	"context"
	"strings"

	"github.com/forager-agent/forager/internal/config"
	"github.com/forager-agent/forager/internal/embeddings"
	"github.com/forager-agent/forager/internal/fetch"
	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/research"
	"github.com/forager-agent/forager/internal/vectorstore"
	"github.com/forager-agent/forager/internal/websearch"
)

// Pipeline wires the retrieval stages to their backing services. Any of the
// optional collaborators may be nil; the corresponding stage degrades to a
// no-op with a warning in the stats.
type Pipeline struct {
	cfg      config.PreloadConfig
	cache    *research.Cache
	vectors  *vectorstore.Store
	fetcher  *fetch.Fetcher
	search   websearch.Adapter
	embed    embeddings.Provider
	handlers map[string]LocalHandler
}

// Request describes one turn's preload inputs.
type Request struct {
	Query        string
	SeedURLs     []string // explicit seeds beyond those embedded in the query
	LocalTargets []string
	SubQueries   []string // refined search queries sharing the non-original slot budget
	ResearchMode bool
	SessionID    *int64
}

// SourceBlock is one preloaded source as it appears in the assembled context.
type SourceBlock struct {
	URL      string
	Title    string
	Delivery string // "full_content" or "excerpt"
	Text     string
}

// LocalStats summarizes the local-corpus ingestion stage.
type LocalStats struct {
	IndexedChunks int
	Warnings      []string
}

// LocalPayload is the local-corpus portion of a resolution.
type LocalPayload struct {
	Sources []SourceBlock
	Stats   LocalStats
}

// ShortlistStats summarizes the shortlist stage.
type ShortlistStats struct {
	IndexedChunks        int
	FetchedCount         int
	CandidatesConsidered int
	Warnings             []string
}

// ShortlistPayload is the shortlist portion of a resolution.
type ShortlistPayload struct {
	Sources      []SourceBlock
	FetchedCount int
}

// Resolution is the immutable outcome of one preload run.
type Resolution struct {
	SeedURLContext           string
	ShortlistContext         string
	CombinedContext          string
	SeedURLDirectAnswerReady bool
	LocalPayload             LocalPayload
	ShortlistPayload         ShortlistPayload
	ShortlistStats           ShortlistStats
	MemoryContext            string

	// CacheIDs lists every research-cache row this run touched, in ingestion
	// order, for scoped retrieval tools.
	CacheIDs []int64
}

// IsCorpusPreloaded reports whether enough content landed in context that the
// model can answer from it without retrieval tools.
func (r *Resolution) IsCorpusPreloaded() bool {
	return r.LocalPayload.Stats.IndexedChunks > 0 || r.ShortlistPayload.FetchedCount > 0
}

// New builds a pipeline. cache, vectors, fetcher, search and embed may each
// be nil to disable the stages that need them.
func New(cfg config.PreloadConfig, cache *research.Cache, vectors *vectorstore.Store,
	fetcher *fetch.Fetcher, search websearch.Adapter, embed embeddings.Provider) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		cache:    cache,
		vectors:  vectors,
		fetcher:  fetcher,
		search:   search,
		embed:    embed,
		handlers: map[string]LocalHandler{},
	}
	for ext, h := range builtinHandlers() {
		p.handlers[ext] = h
	}
	return p
}

// RegisterHandler adds or replaces the local-corpus handler for an extension
// (including the leading dot).
func (p *Pipeline) RegisterHandler(ext string, h LocalHandler) {
	p.handlers[strings.ToLower(ext)] = h
}

// Run executes the stages in order and assembles the combined context.
func (p *Pipeline) Run(ctx context.Context, req Request) *Resolution {
	res := &Resolution{}

	seeds := p.ingestSeeds(ctx, req, res)
	p.ingestLocal(ctx, req, res)
	p.runShortlist(ctx, req, seeds, res)
	p.assemble(req, seeds, res)
	p.loadMemoryContext(ctx, req, res)

	L_debug("preload: done",
		"seeds", len(seeds),
		"local_chunks", res.LocalPayload.Stats.IndexedChunks,
		"shortlist_fetched", res.ShortlistPayload.FetchedCount,
		"direct_answer", res.SeedURLDirectAnswerReady)
	return res
}

func (p *Pipeline) loadMemoryContext(ctx context.Context, req Request, res *Resolution) {
	if p.vectors == nil || strings.TrimSpace(req.Query) == "" {
		return
	}
	matches, err := p.vectors.SearchUserMemories(ctx, req.Query, 5, 0.35)
	if err != nil {
		L_warn("preload: memory lookup failed", "error", err)
		return
	}
	if len(matches) == 0 {
		return
	}
	var sb strings.Builder
	sb.WriteString("Relevant saved memories:\n")
	for _, m := range matches {
		sb.WriteString("- ")
		sb.WriteString(m.MemoryText)
		sb.WriteString("\n")
	}
	res.MemoryContext = sb.String()
}

func (p *Pipeline) addCacheID(res *Resolution, id int64) {
	for _, existing := range res.CacheIDs {
		if existing == id {
			return
		}
	}
	res.CacheIDs = append(res.CacheIDs, id)
}

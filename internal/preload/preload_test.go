package preload

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forager-agent/forager/internal/config"
	"github.com/forager-agent/forager/internal/fetch"
	"github.com/forager-agent/forager/internal/research"
	"github.com/forager-agent/forager/internal/types"
	"github.com/forager-agent/forager/internal/vectorstore"
	"github.com/forager-agent/forager/internal/websearch"
)

type stubProvider struct{}

func (stubProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		// Orientation tracks whether the text mentions "gopher" so dense
		// similarity is meaningful in tests.
		if strings.Contains(strings.ToLower(text), "gopher") {
			vecs[i] = []float32{1, 0, 0}
		} else {
			vecs[i] = []float32{0, 1, 0}
		}
	}
	return vecs, nil
}

func (s stubProvider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (stubProvider) Model() string { return "stub-embed" }

type stubSearch struct {
	results []types.SearchResult
	queries []string
}

func (s *stubSearch) Search(ctx context.Context, query string, count int) ([]types.SearchResult, error) {
	s.queries = append(s.queries, query)
	if count < len(s.results) {
		return s.results[:count], nil
	}
	return s.results, nil
}

func (s *stubSearch) Name() string { return "stub" }

func newTestPipeline(t *testing.T, cfg config.PreloadConfig, search *stubSearch) *Pipeline {
	t.Helper()
	db, err := research.Open(filepath.Join(t.TempDir(), "research.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	vectors, err := vectorstore.New(db, stubProvider{}, nil)
	if err != nil {
		t.Fatalf("vector store: %v", err)
	}
	cache, err := research.NewCache(db, vectors, config.ResearchConfig{TTLHours: 1}, nil)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	t.Cleanup(cache.Close)

	fetcher := fetch.New(5*time.Second, "")
	var adapter websearch.Adapter
	if search != nil {
		adapter = search
	}
	return New(cfg, cache, vectors, fetcher, adapter, stubProvider{})
}

func TestExtractSeedURLs(t *testing.T) {
	query := "compare https://example.com/a. and https://example.com/b, also https://example.com/a"
	urls := ExtractSeedURLs(query)
	if len(urls) != 2 {
		t.Fatalf("urls = %v", urls)
	}
	if urls[0] != "https://example.com/a" || urls[1] != "https://example.com/b" {
		t.Errorf("urls = %v", urls)
	}
}

func TestSeedIngestionAndDirectAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Gopher News</title></head><body><article><p>`+
			strings.Repeat("Gophers tunnel through networks. ", 30)+
			`</p></article></body></html>`)
	}))
	defer srv.Close()

	p := newTestPipeline(t, config.PreloadConfig{Shortlist: "off"}, nil)
	res := p.Run(context.Background(), Request{Query: "summarize " + srv.URL})

	if len(res.CacheIDs) != 1 {
		t.Fatalf("cache ids = %v", res.CacheIDs)
	}
	if !res.SeedURLDirectAnswerReady {
		t.Error("expected direct-answer-ready for a short query with one fresh seed")
	}
	if !strings.Contains(res.SeedURLContext, "Gophers tunnel") {
		t.Errorf("seed context missing content: %q", res.SeedURLContext)
	}
	if !strings.Contains(res.CombinedContext, "Preloaded sources gathered before tool calls") {
		t.Errorf("combined context missing header")
	}
}

func TestCachedSeedIsNotDirectAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><article><p>`+strings.Repeat("cached words ", 50)+`</p></article></body></html>`)
	}))
	defer srv.Close()

	p := newTestPipeline(t, config.PreloadConfig{Shortlist: "off"}, nil)
	query := "read " + srv.URL

	p.Run(context.Background(), Request{Query: query})
	res := p.Run(context.Background(), Request{Query: query})
	if res.SeedURLDirectAnswerReady {
		t.Error("cache hit should not count as a fresh seed")
	}
	if len(res.CacheIDs) != 1 {
		t.Errorf("cache ids = %v", res.CacheIDs)
	}
}

func TestLocalIngestion(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "notes.md")
	os.WriteFile(path, []byte(strings.Repeat("Gopher habitat notes. ", 40)), 0o644)

	p := newTestPipeline(t, config.PreloadConfig{Shortlist: "off", CorpusRoots: []string{root}}, nil)
	res := p.Run(context.Background(), Request{Query: "habitats", LocalTargets: []string{"notes.md"}})

	if res.LocalPayload.Stats.IndexedChunks == 0 {
		t.Fatal("no chunks indexed")
	}
	if !res.IsCorpusPreloaded() {
		t.Error("local chunks should mark the corpus preloaded")
	}
	if len(res.LocalPayload.Sources) != 1 || !strings.HasPrefix(res.LocalPayload.Sources[0].URL, "local://") {
		t.Errorf("sources = %+v", res.LocalPayload.Sources)
	}
}

func TestLocalEscapeRejected(t *testing.T) {
	root := t.TempDir()
	p := newTestPipeline(t, config.PreloadConfig{Shortlist: "off", CorpusRoots: []string{root}}, nil)

	res := p.Run(context.Background(), Request{Query: "q", LocalTargets: []string{"../../etc/passwd"}})
	if res.LocalPayload.Stats.IndexedChunks != 0 {
		t.Error("escaping target was ingested")
	}
	if len(res.LocalPayload.Stats.Warnings) == 0 {
		t.Error("expected a warning for the rejected target")
	}
}

func TestResolveLocalTarget(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "doc.txt"), []byte("x"), 0o644)

	if _, err := ResolveLocalTarget("../outside.txt", []string{root}); err == nil {
		t.Error("escape accepted")
	}
	if _, err := ResolveLocalTarget("doc.txt", nil); err == nil {
		t.Error("no roots accepted")
	}
	got, err := ResolveLocalTarget("local://doc.txt", []string{root})
	if err != nil || got != filepath.Join(root, "doc.txt") {
		t.Errorf("resolved = %q, err = %v", got, err)
	}
}

func TestRedactLocalTargets(t *testing.T) {
	got := RedactLocalTargets("summarize local://secret/report.pdf please", []string{"local://secret/report.pdf"})
	if got != "summarize please" {
		t.Errorf("redacted = %q", got)
	}
}

func TestShortlistScoringOrder(t *testing.T) {
	p := New(config.PreloadConfig{}, nil, nil, nil, nil, stubProvider{})
	res := &Resolution{}

	candidates := []Candidate{
		{URL: "https://example.com/other", Title: "Unrelated page"},
		{URL: "https://example.com/gopher-guide", Title: "Gopher guide"},
		{URL: "https://example.com/seedpage", Title: "Seed", Seed: true},
	}
	scored := p.scoreCandidates(context.Background(), "gopher", candidates, res)

	if scored[0].URL != "https://example.com/gopher-guide" {
		t.Errorf("top candidate = %q", scored[0].URL)
	}
	if !scored[1].Seed {
		t.Errorf("seed bonus did not lift the seed above the unrelated page: %+v", scored)
	}
}

func TestShortlistSearchBudget(t *testing.T) {
	search := &stubSearch{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><article><p>result page</p></article></body></html>")
	}))
	defer srv.Close()
	search.results = []types.SearchResult{{URL: srv.URL + "/hit", Title: "Hit", Snippet: "gopher"}}

	p := newTestPipeline(t, config.PreloadConfig{
		Shortlist:         "on",
		ShortlistTopK:     3,
		SearchResultSlots: 10,
	}, search)

	res := p.Run(context.Background(), Request{
		Query:      "gopher burrows",
		SubQueries: []string{"gopher tunnels", "gopher diet"},
	})

	if len(search.queries) != 3 {
		t.Fatalf("queries = %v", search.queries)
	}
	if search.queries[0] != "gopher burrows" {
		t.Errorf("original query first, got %v", search.queries)
	}
	if res.ShortlistStats.CandidatesConsidered == 0 {
		t.Error("no candidates considered")
	}
	if res.ShortlistPayload.FetchedCount != 1 {
		t.Errorf("fetched = %d, want 1", res.ShortlistPayload.FetchedCount)
	}
	if !res.IsCorpusPreloaded() {
		t.Error("shortlist fetch should mark the corpus preloaded")
	}
}

func TestShortlistZeroCandidates(t *testing.T) {
	p := newTestPipeline(t, config.PreloadConfig{Shortlist: "on"}, &stubSearch{})
	res := p.Run(context.Background(), Request{Query: "nothing to find"})

	if res.ShortlistStats.CandidatesConsidered != 0 {
		t.Errorf("considered = %d", res.ShortlistStats.CandidatesConsidered)
	}
	if len(res.ShortlistPayload.Sources) != 0 {
		t.Errorf("sources = %+v", res.ShortlistPayload.Sources)
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"https://Example.com/Path/":  "https://example.com/Path",
		"https://example.com/a#frag": "https://example.com/a",
		"not a url":                  "",
	}
	for in, want := range cases {
		if got := normalizeURL(in); got != want {
			t.Errorf("normalizeURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUsableCandidateURL(t *testing.T) {
	blocklist := []string{"ads.example"}
	cases := map[string]bool{
		"https://good.example/page": true,
		"http://ads.example/banner": false,
		"https://sub.ads.example/":  false,
		"ftp://files.example/x":     false,
		"javascript:void(0)":        false,
	}
	for in, want := range cases {
		if got := usableCandidateURL(in, blocklist); got != want {
			t.Errorf("usableCandidateURL(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestExcerptDelivery(t *testing.T) {
	long := strings.Repeat("word ", 100)
	s := SourceBlock{URL: "https://e.com", Text: long}
	applyBudget(&s, 50)
	if s.Delivery != "excerpt" {
		t.Errorf("delivery = %q", s.Delivery)
	}
	if len(s.Text) > 50 {
		t.Errorf("excerpt len = %d", len(s.Text))
	}

	short := SourceBlock{URL: "https://e.com", Text: "brief"}
	applyBudget(&short, 50)
	if short.Delivery != "full_content" {
		t.Errorf("delivery = %q", short.Delivery)
	}
}

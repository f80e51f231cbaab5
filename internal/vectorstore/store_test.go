package vectorstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/forager-agent/forager/internal/types"
)

// fakeProvider returns canned vectors per text, with a fixed fallback.
type fakeProvider struct {
	model   string
	vectors map[string][]float32
}

func (f *fakeProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = []float32{1, 0, 0}
		}
	}
	return out, nil
}

func (f *fakeProvider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeProvider) Model() string { return f.model }

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T, provider *fakeProvider) *Store {
	t.Helper()
	store, err := New(openTestDB(t), provider, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestHybridSearchRanksDenseMatchFirst(t *testing.T) {
	provider := &fakeProvider{
		model: "test-model",
		vectors: map[string][]float32{
			"rust memory safety guarantees": {1, 0, 0},
			"recipes for sourdough bread":   {0, 1, 0},
			"memory safety":                 {0.9, 0.1, 0},
		},
	}
	store := newTestStore(t, provider)
	ctx := context.Background()

	err := store.UpsertChunks(ctx, 1, []Chunk{
		{Index: 0, Text: "rust memory safety guarantees"},
		{Index: 1, Text: "recipes for sourdough bread"},
	})
	if err != nil {
		t.Fatalf("upsert chunks: %v", err)
	}

	matches, err := store.SearchChunksHybrid(ctx, 1, "memory safety", 2, 0.7, 0.0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected matches")
	}
	if matches[0].ChunkIndex != 0 {
		t.Errorf("top match = chunk %d, want 0", matches[0].ChunkIndex)
	}
	if matches[0].Text != "rust memory safety guarantees" {
		t.Errorf("top match text = %q", matches[0].Text)
	}
	if matches[0].DenseScore <= matches[1].DenseScore {
		t.Errorf("dense score ordering wrong: %v vs %v", matches[0].DenseScore, matches[1].DenseScore)
	}
}

func TestHybridSearchPureLexical(t *testing.T) {
	// With dense_weight 0 the ranking must come from BM25 alone, even
	// though the dense side would prefer chunk 1.
	provider := &fakeProvider{
		model: "test-model",
		vectors: map[string][]float32{
			"alpha beta gamma":      {0, 1, 0},
			"unrelated dense champ": {1, 0, 0},
			"alpha beta":            {1, 0, 0},
		},
	}
	store := newTestStore(t, provider)
	ctx := context.Background()

	err := store.UpsertChunks(ctx, 7, []Chunk{
		{Index: 0, Text: "alpha beta gamma"},
		{Index: 1, Text: "unrelated dense champ"},
	})
	if err != nil {
		t.Fatalf("upsert chunks: %v", err)
	}

	matches, err := store.SearchChunksHybrid(ctx, 7, "alpha beta", 2, 0.0, 0.01)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
	if matches[0].ChunkIndex != 0 {
		t.Errorf("top match = chunk %d, want 0", matches[0].ChunkIndex)
	}
	if matches[0].DenseScore != 0 {
		// Dense similarity is still reported, but weight 0 keeps it out
		// of the final score.
		if matches[0].Score != matches[0].LexicalScore {
			t.Errorf("score %v != lexical %v", matches[0].Score, matches[0].LexicalScore)
		}
	}
}

func TestUpsertChunksReplacesExisting(t *testing.T) {
	provider := &fakeProvider{model: "test-model", vectors: map[string][]float32{}}
	store := newTestStore(t, provider)
	ctx := context.Background()

	if err := store.UpsertChunks(ctx, 3, []Chunk{
		{Index: 0, Text: "old part 1"},
		{Index: 1, Text: "old part 2"},
	}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := store.UpsertChunks(ctx, 3, []Chunk{
		{Index: 0, Text: "new content"},
	}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var count int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM content_chunks WHERE cache_id = 3`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("chunk count = %d, want 1", count)
	}
}

func TestClearCacheEmbeddings(t *testing.T) {
	provider := &fakeProvider{model: "test-model", vectors: map[string][]float32{}}
	store := newTestStore(t, provider)
	ctx := context.Background()

	if err := store.UpsertChunks(ctx, 5, []Chunk{{Index: 0, Text: "some text"}}); err != nil {
		t.Fatalf("upsert chunks: %v", err)
	}
	if err := store.UpsertLinks(ctx, 5, []types.Link{{Text: "home", Href: "http://example.com"}}); err != nil {
		t.Fatalf("upsert links: %v", err)
	}

	if err := store.ClearCacheEmbeddings(5, true, false); err != nil {
		t.Fatalf("clear: %v", err)
	}

	var chunks, links int
	store.db.QueryRow(`SELECT COUNT(*) FROM content_chunks WHERE cache_id = 5`).Scan(&chunks)
	store.db.QueryRow(`SELECT COUNT(*) FROM link_embeddings WHERE cache_id = 5`).Scan(&links)
	if chunks != 0 {
		t.Errorf("chunks = %d, want 0", chunks)
	}
	if links != 1 {
		t.Errorf("links = %d, want 1", links)
	}
}

func TestUpsertLinksSkipsEmpty(t *testing.T) {
	provider := &fakeProvider{model: "test-model", vectors: map[string][]float32{}}
	store := newTestStore(t, provider)

	err := store.UpsertLinks(context.Background(), 9, []types.Link{
		{Text: "", Href: ""},
		{Text: "docs", Href: "http://example.com/docs"},
	})
	if err != nil {
		t.Fatalf("upsert links: %v", err)
	}

	var count int
	store.db.QueryRow(`SELECT COUNT(*) FROM link_embeddings WHERE cache_id = 9`).Scan(&count)
	if count != 1 {
		t.Errorf("link count = %d, want 1", count)
	}
}

func TestNearDuplicateMemoryUpdates(t *testing.T) {
	// Both texts embed to the same vector, so the second save must UPDATE.
	vec := []float32{0.5, 0.5, 0}
	provider := &fakeProvider{
		model: "test-model",
		vectors: map[string][]float32{
			"I like Python":                {vec[0], vec[1], vec[2]},
			"I really like Python a lot":   {vec[0], vec[1], vec[2]},
			"My dog's name is Rex":         {0, 0, 1},
		},
	}
	store := newTestStore(t, provider)
	ctx := context.Background()

	id1, updated, err := store.SaveUserMemory(ctx, "I like Python", nil, 0.90)
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	if updated {
		t.Error("first save reported update")
	}

	id2, updated, err := store.SaveUserMemory(ctx, "I really like Python a lot", nil, 0.90)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if !updated {
		t.Error("second save did not report update")
	}
	if id1 != id2 {
		t.Errorf("ids differ: %d vs %d", id1, id2)
	}

	var count int
	var text string
	store.db.QueryRow(`SELECT COUNT(*) FROM user_memories`).Scan(&count)
	store.db.QueryRow(`SELECT memory_text FROM user_memories WHERE id = ?`, id1).Scan(&text)
	if count != 1 {
		t.Errorf("memory count = %d, want 1", count)
	}
	if text != "I really like Python a lot" {
		t.Errorf("memory text = %q", text)
	}

	// A dissimilar memory still inserts.
	if _, updated, err := store.SaveUserMemory(ctx, "My dog's name is Rex", nil, 0.90); err != nil || updated {
		t.Fatalf("dissimilar save: updated=%v err=%v", updated, err)
	}
	store.db.QueryRow(`SELECT COUNT(*) FROM user_memories`).Scan(&count)
	if count != 2 {
		t.Errorf("memory count = %d, want 2", count)
	}
}

func TestSearchUserMemoriesFiltersByModel(t *testing.T) {
	provider := &fakeProvider{model: "model-a", vectors: map[string][]float32{}}
	store := newTestStore(t, provider)
	ctx := context.Background()

	if _, _, err := store.SaveUserMemory(ctx, "likes espresso", nil, 0.90); err != nil {
		t.Fatalf("save: %v", err)
	}

	matches, err := store.SearchUserMemories(ctx, "coffee", 5, 0.0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}

	// Switching the embedding model must hide the old vector space.
	provider.model = "model-b"
	matches, err = store.SearchUserMemories(ctx, "coffee", 5, 0.0)
	if err != nil {
		t.Fatalf("search after model switch: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("got %d matches after model switch, want 0", len(matches))
	}
}

func TestSearchFindingsSessionScope(t *testing.T) {
	provider := &fakeProvider{model: "test-model", vectors: map[string][]float32{}}
	store := newTestStore(t, provider)
	ctx := context.Background()

	sid := int64(42)
	if _, err := store.AddFinding(ctx, Finding{FindingText: "global fact"}); err != nil {
		t.Fatalf("add finding: %v", err)
	}
	if _, err := store.AddFinding(ctx, Finding{FindingText: "session fact", SessionID: &sid}); err != nil {
		t.Fatalf("add finding: %v", err)
	}

	all, err := store.SearchFindings(ctx, "fact", 10, nil)
	if err != nil {
		t.Fatalf("search all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all findings = %d, want 2", len(all))
	}

	scoped, err := store.SearchFindings(ctx, "fact", 10, &sid)
	if err != nil {
		t.Fatalf("search scoped: %v", err)
	}
	if len(scoped) != 1 || scoped[0].FindingText != "session fact" {
		t.Errorf("scoped findings = %+v", scoped)
	}
}

func TestRankLinksByRelevance(t *testing.T) {
	provider := &fakeProvider{
		model: "test-model",
		vectors: map[string][]float32{
			"pricing - http://x/pricing": {1, 0, 0},
			"contact - http://x/contact": {0, 1, 0},
			"cost of plans":              {0.9, 0.1, 0},
		},
	}
	store := newTestStore(t, provider)
	ctx := context.Background()

	err := store.UpsertLinks(ctx, 2, []types.Link{
		{Text: "pricing", Href: "http://x/pricing"},
		{Text: "contact", Href: "http://x/contact"},
	})
	if err != nil {
		t.Fatalf("upsert links: %v", err)
	}

	matches, err := store.RankLinksByRelevance(ctx, 2, "cost of plans", 1)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(matches) != 1 || matches[0].Href != "http://x/pricing" {
		t.Errorf("top link = %+v", matches)
	}
}

package session

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forager-agent/forager/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testCfg() config.SessionConfig {
	return config.SessionConfig{
		ContextSize:            1000,
		CompactionThresholdPct: 80,
		CompactionStrategy:     "summaries",
	}
}

func TestResolveByID(t *testing.T) {
	store := newTestStore(t)
	sess, _ := store.CreateSession("alpha_beta", "m")

	mgr, res, err := Resolve(store, ResolveRequest{Term: "1"}, testCfg(), nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Halted || mgr == nil {
		t.Fatalf("resolution = %+v", res)
	}
	if mgr.Session().ID != sess.ID {
		t.Errorf("resolved id = %d, want %d", mgr.Session().ID, sess.ID)
	}
}

func TestResolveExactBeforePartial(t *testing.T) {
	store := newTestStore(t)
	store.CreateSession("alpha", "m")
	store.CreateSession("alpha_beta", "m")

	mgr, res, err := Resolve(store, ResolveRequest{Term: "alpha"}, testCfg(), nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Halted || mgr == nil {
		t.Fatalf("resolution = %+v", res)
	}
	if mgr.Session().Name != "alpha" {
		t.Errorf("resolved %q, want exact match", mgr.Session().Name)
	}
}

func TestResolveAmbiguousHalts(t *testing.T) {
	store := newTestStore(t)
	store.CreateSession("alpha_beta", "m")
	store.CreateSession("alpha_gamma", "m")

	mgr, res, err := Resolve(store, ResolveRequest{Term: "alpha"}, testCfg(), nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if mgr != nil {
		t.Error("expected nil manager on ambiguity")
	}
	if !res.Halted || res.HaltReason != "session_ambiguous" {
		t.Errorf("resolution = %+v", res)
	}
	if len(res.MatchedSessions) != 2 {
		t.Errorf("matched = %d, want 2", len(res.MatchedSessions))
	}
}

func TestResolveStickyCreates(t *testing.T) {
	store := newTestStore(t)

	mgr, res, err := Resolve(store, ResolveRequest{Term: "nothing_matches", Sticky: true, StickyName: "nothing_matches"}, testCfg(), nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if mgr == nil || !res.Created {
		t.Fatalf("resolution = %+v", res)
	}
	if mgr.Session().Name != "nothing_matches" {
		t.Errorf("created name = %q", mgr.Session().Name)
	}
}

func TestEmptySessionContextIsEmpty(t *testing.T) {
	store := newTestStore(t)
	sess, _ := store.CreateSession("fresh", "m")
	mgr := NewManager(store, sess, testCfg(), nil)

	msgs, err := mgr.BuildContextMessages()
	if err != nil {
		t.Fatalf("build context: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("context = %d messages, want 0", len(msgs))
	}
	if tokens := GetTokenEstimator().CountMessages(nil); tokens != 0 {
		t.Errorf("empty count = %d, want 0", tokens)
	}
}

func TestSaveTurnAndContext(t *testing.T) {
	store := newTestStore(t)
	sess, _ := store.CreateSession("chat", "m")
	mgr := NewManager(store, sess, testCfg(), nil)

	if err := mgr.SaveTurn("what is go", "a language", "", ""); err != nil {
		t.Fatalf("save turn: %v", err)
	}

	msgs, err := mgr.BuildContextMessages()
	if err != nil {
		t.Fatalf("build context: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("context = %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
}

func TestCompactedSummaryPseudoTurn(t *testing.T) {
	store := newTestStore(t)
	sess, _ := store.CreateSession("chat", "m")
	store.CompactSession(sess.ID, "we discussed go")
	sess, _ = store.GetSession(sess.ID)
	mgr := NewManager(store, sess, testCfg(), nil)

	if err := mgr.SaveTurn("next question", "next answer", "", ""); err != nil {
		t.Fatalf("save turn: %v", err)
	}

	msgs, _ := mgr.BuildContextMessages()
	if len(msgs) != 4 {
		t.Fatalf("context = %d messages, want 4 (pseudo-turn + stored turn)", len(msgs))
	}
	if msgs[0].Role != "user" || !strings.Contains(msgs[0].Content, "we discussed go") {
		t.Errorf("pseudo user turn = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" {
		t.Errorf("pseudo assistant turn = %+v", msgs[1])
	}
}

func TestCheckAndCompactSummariesStrategy(t *testing.T) {
	store := newTestStore(t)
	sess, _ := store.CreateSession("chat", "m")
	cfg := testCfg()
	cfg.ContextSize = 100 // force the threshold low
	mgr := NewManager(store, sess, cfg, nil)

	long := strings.Repeat("many words to push us over the token threshold ", 20)
	if err := mgr.SaveTurn(long, long, "q summary", "a summary"); err != nil {
		t.Fatalf("save turn: %v", err)
	}

	compacted, err := mgr.CheckAndCompact(context.Background())
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if !compacted {
		t.Fatal("expected compaction to run")
	}

	sess, _ = store.GetSession(sess.ID)
	if sess.CompactedSummary == "" {
		t.Error("compacted summary is empty")
	}
	if !strings.Contains(sess.CompactedSummary, "q summary") {
		t.Errorf("summary = %q", sess.CompactedSummary)
	}

	msgs, _ := store.GetMessages(sess.ID)
	if len(msgs) != 0 {
		t.Errorf("messages after compaction = %d, want 0", len(msgs))
	}
}

type fakeSummarizer struct{ out string }

func (f fakeSummarizer) Summarize(ctx context.Context, content string) (string, error) {
	return f.out, nil
}

func TestCheckAndCompactLLMStrategy(t *testing.T) {
	store := newTestStore(t)
	sess, _ := store.CreateSession("chat", "m")
	cfg := testCfg()
	cfg.ContextSize = 100
	cfg.CompactionStrategy = "llm_summary"
	mgr := NewManager(store, sess, cfg, fakeSummarizer{out: "condensed history"})

	long := strings.Repeat("filler content for the compaction threshold ", 20)
	mgr.SaveTurn(long, long, "", "")

	compacted, err := mgr.CheckAndCompact(context.Background())
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if !compacted {
		t.Fatal("expected compaction")
	}
	sess, _ = store.GetSession(sess.ID)
	if sess.CompactedSummary != "condensed history" {
		t.Errorf("summary = %q", sess.CompactedSummary)
	}
}

func TestCheckAndCompactBelowThreshold(t *testing.T) {
	store := newTestStore(t)
	sess, _ := store.CreateSession("chat", "m")
	mgr := NewManager(store, sess, testCfg(), nil)
	mgr.SaveTurn("short", "tiny", "", "")

	compacted, err := mgr.CheckAndCompact(context.Background())
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if compacted {
		t.Error("compaction ran below threshold")
	}
}

func TestGenerateSessionName(t *testing.T) {
	cases := map[string]string{
		"What is the capital of France?":    "capital_france",
		"tell me about rust generics":      "rust_generics",
		"the a of":                          "session",
		"":                                  "session",
		"Kubernetes":                        "kubernetes",
	}
	for query, want := range cases {
		if got := GenerateSessionName(query); got != want {
			t.Errorf("GenerateSessionName(%q) = %q, want %q", query, got, want)
		}
	}
}

func TestRoomBindingRoundTrip(t *testing.T) {
	store := newTestStore(t)
	sess, _ := store.CreateSession("room", "m")

	if err := store.SetRoomBinding("room@muc.example", sess.ID); err != nil {
		t.Fatalf("set binding: %v", err)
	}
	id, err := store.GetRoomBinding("room@muc.example")
	if err != nil || id != sess.ID {
		t.Errorf("binding = %d, err = %v", id, err)
	}

	if err := store.ClearRoomBinding("room@muc.example"); err != nil {
		t.Fatalf("clear binding: %v", err)
	}
	id, _ = store.GetRoomBinding("room@muc.example")
	if id != 0 {
		t.Errorf("binding after clear = %d, want 0", id)
	}
}

func TestOverrideFilesUpsert(t *testing.T) {
	store := newTestStore(t)
	sess, _ := store.CreateSession("s", "m")

	store.SetOverrideFile(sess.ID, "extra.toml", "a = 1")
	store.SetOverrideFile(sess.ID, "extra.toml", "a = 2")

	files, err := store.GetOverrideFiles(sess.ID)
	if err != nil {
		t.Fatalf("get files: %v", err)
	}
	if len(files) != 1 || files["extra.toml"] != "a = 2" {
		t.Errorf("files = %+v", files)
	}
}

func TestInteractionsRoundTrip(t *testing.T) {
	store := newTestStore(t)

	id, err := store.SaveInteraction(Interaction{Query: "q", Answer: "a"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.GetInteractions([]int64{id, 9999})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || got[0].Query != "q" {
		t.Errorf("interactions = %+v", got)
	}
}

func TestShellStickyRoundTrip(t *testing.T) {
	prefix := "forager_test_"
	t.Cleanup(func() { ClearShellSessionID(prefix) })

	SetShellSessionID(prefix, 42)
	if id := GetShellSessionID(prefix); id != 42 {
		t.Errorf("shell id = %d, want 42", id)
	}
	ClearShellSessionID(prefix)
	if id := GetShellSessionID(prefix); id != 0 {
		t.Errorf("shell id after clear = %d, want 0", id)
	}
}

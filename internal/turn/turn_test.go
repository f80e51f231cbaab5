package turn

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forager-agent/forager/internal/config"
	"github.com/forager-agent/forager/internal/llm"
	"github.com/forager-agent/forager/internal/preload"
	"github.com/forager-agent/forager/internal/session"
	"github.com/forager-agent/forager/internal/types"
)

type scriptedChatter struct {
	responses []string
	requests  [][]types.Message
	fail      error
}

func (s *scriptedChatter) Chat(ctx context.Context, messages []types.Message, tools []types.ToolDefinition) (*llm.Response, error) {
	snapshot := make([]types.Message, len(messages))
	copy(snapshot, messages)
	s.requests = append(s.requests, snapshot)
	if s.fail != nil {
		return nil, s.fail
	}
	idx := len(s.requests) - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return &llm.Response{
		Message:    types.Message{Role: "assistant", Content: s.responses[idx]},
		UsageKnown: false,
	}, nil
}

func (s *scriptedChatter) SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	return "summary", nil
}

func (s *scriptedChatter) Alias() string      { return "test" }
func (s *scriptedChatter) ContextTokens() int { return 32768 }

func newTestClient(t *testing.T, chat llm.Chatter) (*Client, *session.Store) {
	t.Helper()
	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	return NewClient(cfg, Services{Chat: chat, Store: store}), store
}

func TestEmptyQueryHalts(t *testing.T) {
	chat := &scriptedChatter{responses: []string{"unused"}}
	client, _ := newTestClient(t, chat)

	res, err := client.Run(context.Background(), Request{Query: "   "})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Halted || res.HaltReason != HaltInvalidInput {
		t.Errorf("result = %+v", res)
	}
	if len(chat.requests) != 0 {
		t.Error("LLM called for an empty query")
	}
}

func TestSimpleTurn(t *testing.T) {
	chat := &scriptedChatter{responses: []string{"the answer"}}
	client, _ := newTestClient(t, chat)

	res, err := client.Run(context.Background(), Request{Query: "what is go", NoSave: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Halted || res.FinalAnswer != "the answer" {
		t.Fatalf("result = %+v", res)
	}

	sent := chat.requests[0]
	if sent[0].Role != "system" {
		t.Errorf("first message role = %q", sent[0].Role)
	}
	if last := sent[len(sent)-1]; last.Role != "user" || last.Content != "what is go" {
		t.Errorf("last message = %+v", last)
	}
}

func TestAmbiguousSessionHaltsBeforeLLM(t *testing.T) {
	chat := &scriptedChatter{responses: []string{"unused"}}
	client, store := newTestClient(t, chat)
	store.CreateSession("alpha_beta", "m")
	store.CreateSession("alpha_gamma", "m")

	res, err := client.Run(context.Background(), Request{Query: "hi", SessionTerm: "alpha"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Halted || res.HaltReason != HaltSessionAmbiguous {
		t.Fatalf("result = %+v", res)
	}
	if len(chat.requests) != 0 {
		t.Error("LLM called despite the halt")
	}
	joined := strings.Join(res.Notices, "\n")
	if !strings.Contains(joined, "alpha_beta") || !strings.Contains(joined, "alpha_gamma") {
		t.Errorf("notices = %v", res.Notices)
	}
}

func TestStickySessionPersistsTurn(t *testing.T) {
	chat := &scriptedChatter{responses: []string{"answer one"}}
	client, store := newTestClient(t, chat)

	res, err := client.Run(context.Background(), Request{Query: "explain gophers please", Sticky: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.SessionID == 0 || res.Session == nil {
		t.Fatalf("no session created: %+v", res)
	}
	if res.Session.Name != "explain_gophers" {
		t.Errorf("session name = %q", res.Session.Name)
	}

	msgs, _ := store.GetMessages(res.SessionID)
	if len(msgs) != 2 {
		t.Fatalf("stored messages = %d, want 2", len(msgs))
	}
	if msgs[0].Content != "explain gophers please" || msgs[1].Content != "answer one" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestSessionContextCarriesIntoNextTurn(t *testing.T) {
	chat := &scriptedChatter{responses: []string{"first answer", "second answer"}}
	client, store := newTestClient(t, chat)
	store.CreateSession("ongoing", "m")

	client.Run(context.Background(), Request{Query: "first question", SessionTerm: "ongoing"})
	client.Run(context.Background(), Request{Query: "second question", SessionTerm: "ongoing"})

	sent := chat.requests[1]
	var contents []string
	for _, m := range sent {
		contents = append(contents, m.Content)
	}
	joined := strings.Join(contents, "\n")
	if !strings.Contains(joined, "first question") || !strings.Contains(joined, "first answer") {
		t.Errorf("second request missing prior turn: %v", contents)
	}
}

func TestEngineFailureHaltsWithMaxRetries(t *testing.T) {
	chat := &scriptedChatter{fail: context.DeadlineExceeded}
	client, _ := newTestClient(t, chat)

	res, err := client.Run(context.Background(), Request{Query: "hi", NoSave: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Halted || res.HaltReason != HaltMaxRetries {
		t.Errorf("result = %+v", res)
	}
}

func TestDirectAnswerDisablesRetrievalTools(t *testing.T) {
	chat := &scriptedChatter{responses: []string{"x"}}
	client, _ := newTestClient(t, chat)

	pre := &preload.Resolution{SeedURLDirectAnswerReady: true}
	registry := client.buildRegistry(client.cfg, pre, false, true, &Result{})

	for _, name := range []string{"web_search", "get_url_content", "get_url_details"} {
		for _, def := range registry.Definitions() {
			if def.Name == name {
				t.Errorf("tool %s still published", name)
			}
		}
	}
}

func TestResearchModeKeepsRetrievalTools(t *testing.T) {
	chat := &scriptedChatter{responses: []string{"x"}}
	client, _ := newTestClient(t, chat)

	pre := &preload.Resolution{SeedURLDirectAnswerReady: true}
	registry := client.buildRegistry(client.cfg, pre, true, true, &Result{})

	if registry.Disabled("get_date_time") {
		t.Error("date_time disabled")
	}
	found := false
	for _, def := range registry.Definitions() {
		if def.Name == "get_date_time" {
			found = true
		}
	}
	if !found {
		t.Error("get_date_time missing from definitions")
	}
}

func TestHistoryIDsLoadInteractions(t *testing.T) {
	chat := &scriptedChatter{responses: []string{"ans"}}
	client, store := newTestClient(t, chat)
	id, _ := store.SaveInteraction(session.Interaction{Query: "old question", Answer: "old answer"})

	res, err := client.Run(context.Background(), Request{Query: "follow up", HistoryIDs: []int64{id}, NoSave: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Context) != 2 {
		t.Fatalf("context = %d messages, want 2", len(res.Context))
	}
	if res.Context[0].Content != "old question" || res.Context[1].Content != "old answer" {
		t.Errorf("context = %+v", res.Context)
	}
}

func TestSessionlessTurnSavesInteraction(t *testing.T) {
	chat := &scriptedChatter{responses: []string{"stored answer"}}
	client, store := newTestClient(t, chat)

	_, err := client.Run(context.Background(), Request{Query: "one-shot question"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got, err := store.GetInteractions([]int64{1})
	if err != nil {
		t.Fatalf("get interactions: %v", err)
	}
	if len(got) != 1 || got[0].Answer != "stored answer" {
		t.Errorf("interactions = %+v", got)
	}
}

func TestSessionOverrideMergesConfig(t *testing.T) {
	chat := &scriptedChatter{responses: []string{"x"}}
	client, store := newTestClient(t, chat)

	sess, err := store.CreateSession("override_test", "default")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.SetOverrideFile(sess.ID, "override.toml", "[llm]\nmax_turns = 3\n"); err != nil {
		t.Fatalf("set override: %v", err)
	}

	cfg := client.effectiveConfig(sess.ID)
	if cfg.LLM.MaxTurns != 3 {
		t.Errorf("merged max_turns = %d, want 3", cfg.LLM.MaxTurns)
	}
	if client.cfg.LLM.MaxTurns == 3 {
		t.Error("base config mutated by override merge")
	}
	if cfg.Session.CompactionStrategy != client.cfg.Session.CompactionStrategy {
		t.Error("unrelated setting changed by override merge")
	}
}

func TestEffectiveConfigWithoutSession(t *testing.T) {
	chat := &scriptedChatter{responses: []string{"x"}}
	client, _ := newTestClient(t, chat)

	if cfg := client.effectiveConfig(0); cfg != client.cfg {
		t.Error("sessionless turn should use the base config")
	}
}

package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forager-agent/forager/internal/config"
	"github.com/forager-agent/forager/internal/llm"
	"github.com/forager-agent/forager/internal/session"
	"github.com/forager-agent/forager/internal/transcribe"
	"github.com/forager-agent/forager/internal/transcripts"
	"github.com/forager-agent/forager/internal/turn"
	"github.com/forager-agent/forager/internal/types"
)

type cannedChatter struct {
	reply string
	calls int
}

func (c *cannedChatter) Chat(ctx context.Context, messages []types.Message, tools []types.ToolDefinition) (*llm.Response, error) {
	c.calls++
	return &llm.Response{Message: types.Message{Role: "assistant", Content: c.reply}}, nil
}

func (c *cannedChatter) SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	return c.reply, nil
}

func (c *cannedChatter) Alias() string      { return "test" }
func (c *cannedChatter) ContextTokens() int { return 32768 }

type fixedPlanner struct{ kind string }

func (p fixedPlanner) Classify(ctx context.Context, text string) (string, error) {
	return p.kind, nil
}

func newTestRouter(t *testing.T, cfg config.DaemonConfig, chat *cannedChatter) (*Router, *session.Store, *transcripts.Store) {
	t.Helper()
	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	records, err := transcripts.New(store.DB())
	if err != nil {
		t.Fatalf("transcripts: %v", err)
	}

	turns := turn.NewClient(config.Default(), turn.Services{Chat: chat, Store: store})
	return NewRouter(cfg, turns, store, records, nil, nil), store, records
}

func authorizedCfg() config.DaemonConfig {
	return config.DaemonConfig{
		AllowedJIDs:   []string{"alice@example.org"},
		CommandPrefix: "!",
	}
}

func TestIsAuthorized(t *testing.T) {
	router, _, _ := newTestRouter(t, authorizedCfg(), &cannedChatter{})

	if !router.IsAuthorized("alice@example.org") {
		t.Error("exact bare JID rejected")
	}
	if !router.IsAuthorized("alice@example.org/laptop") {
		t.Error("full JID with matching bare part rejected")
	}
	if router.IsAuthorized("mallory@example.org") {
		t.Error("unknown JID accepted")
	}
}

func TestUnauthorizedTextRejected(t *testing.T) {
	router, _, _ := newTestRouter(t, authorizedCfg(), &cannedChatter{reply: "x"})

	_, err := router.HandleTextMessage(context.Background(), Message{
		JID: "mallory@example.org", Type: "chat", Body: "hello",
	})
	if err == nil {
		t.Fatal("unauthorized sender was served")
	}
}

func TestGroupchatRequiresBinding(t *testing.T) {
	router, store, _ := newTestRouter(t, authorizedCfg(), &cannedChatter{reply: "answer"})

	msg := Message{JID: "room@muc/alice", Type: "groupchat", RoomJID: "room@muc", Body: "hi there everyone"}
	reply, err := router.HandleTextMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(reply, "not bound") {
		t.Errorf("reply = %q", reply)
	}

	sess, _ := store.CreateSession("room_session", "m")
	store.SetRoomBinding("room@muc", sess.ID)
	reply, err = router.HandleTextMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("handle bound: %v", err)
	}
	if reply != "answer" {
		t.Errorf("reply = %q", reply)
	}
}

func TestCommandPrefixExecutes(t *testing.T) {
	router, _, _ := newTestRouter(t, authorizedCfg(), &cannedChatter{})

	reply, err := router.HandleTextMessage(context.Background(), Message{
		JID: "alice@example.org", Type: "chat", Body: "!echo hello daemon",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply != "hello daemon" {
		t.Errorf("reply = %q", reply)
	}
}

func TestBlockedCommandNotExecuted(t *testing.T) {
	router, _, _ := newTestRouter(t, authorizedCfg(), &cannedChatter{})
	marker := filepath.Join(t.TempDir(), "marker")

	reply, err := router.HandleTextMessage(context.Background(), Message{
		JID: "alice@example.org", Type: "chat", Body: "!rm -rf " + marker,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(reply, "blocked") {
		t.Errorf("reply = %q", reply)
	}
}

func TestHeuristicClassify(t *testing.T) {
	cases := map[string]string{
		"ls -la /tmp":               "command",
		"--help":                    "command",
		"what is the weather today": "query",
		"df -h":                     "command",
	}
	for body, want := range cases {
		if got := heuristicClassify(body); got != want {
			t.Errorf("heuristicClassify(%q) = %q, want %q", body, got, want)
		}
	}
}

func TestPlannerOverridesHeuristic(t *testing.T) {
	chat := &cannedChatter{reply: "should not run as query"}
	router, _, _ := newTestRouter(t, authorizedCfg(), chat)
	router.planner = fixedPlanner{kind: "command"}

	reply, err := router.HandleTextMessage(context.Background(), Message{
		JID: "alice@example.org", Type: "chat", Body: "echo planned",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply != "planned" {
		t.Errorf("reply = %q", reply)
	}
	if chat.calls != 0 {
		t.Error("query path ran despite command classification")
	}
}

func TestPresetExpansion(t *testing.T) {
	presetFile := filepath.Join(t.TempDir(), "presets.yaml")
	os.WriteFile(presetFile, []byte("weather: what is the weather in\n"), 0o644)

	cfg := authorizedCfg()
	cfg.PresetFile = presetFile
	chat := &cannedChatter{reply: "sunny"}
	router, _, _ := newTestRouter(t, cfg, chat)

	reply, err := router.HandleTextMessage(context.Background(), Message{
		JID: "alice@example.org", Type: "chat", Body: `\weather Berlin`,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply != "sunny" {
		t.Errorf("reply = %q", reply)
	}

	reply, _ = router.HandleTextMessage(context.Background(), Message{
		JID: "alice@example.org", Type: "chat", Body: `\nosuch`,
	})
	if !strings.Contains(reply, "unknown preset") {
		t.Errorf("reply = %q", reply)
	}
}

func TestInlineTOMLStoredAsOverride(t *testing.T) {
	router, store, _ := newTestRouter(t, authorizedCfg(), &cannedChatter{})

	reply, err := router.HandleTextMessage(context.Background(), Message{
		JID: "alice@example.org", Type: "chat",
		Body: "[session]\ncontext_size = 4096\n",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(reply, "Override stored") {
		t.Fatalf("reply = %q", reply)
	}

	sess, _ := store.FindByExactName(sessionNameForJID("alice@example.org"))
	if sess == nil {
		t.Fatal("per-contact session not created")
	}
	files, _ := store.GetOverrideFiles(sess.ID)
	if !strings.Contains(files["override.toml"], "context_size") {
		t.Errorf("override files = %+v", files)
	}
}

func TestSessionBindCommand(t *testing.T) {
	router, store, _ := newTestRouter(t, authorizedCfg(), &cannedChatter{})
	store.CreateSession("project", "m")

	msg := Message{JID: "room@muc/alice", Type: "groupchat", RoomJID: "room@muc"}

	reply, err := router.HandleTextMessage(context.Background(), withBody(msg, "/session bind 1"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(reply, "bound to session #1") {
		t.Errorf("reply = %q", reply)
	}

	reply, _ = router.HandleTextMessage(context.Background(), withBody(msg, "/session unbind"))
	if !strings.Contains(reply, "unbound") {
		t.Errorf("reply = %q", reply)
	}
}

func withBody(msg Message, body string) Message {
	msg.Body = body
	return msg
}

func TestTranscriptConfirmationFlow(t *testing.T) {
	chat := &cannedChatter{reply: "ran the transcript"}
	cfg := authorizedCfg()
	router, store, records := newTestRouter(t, cfg, chat)
	sess, _ := store.CreateSession(sessionNameForJID("alice@example.org"), "m")

	rec, _ := records.Create(transcripts.KindAudio, sess.ID, "alice@example.org", "https://media/a.ogg")

	msg := Message{JID: "alice@example.org", Type: "chat",
		SenderJID: "alice@example.org", ConversationID: "alice@example.org"}
	reply, err := router.HandleTranscriptionResult(context.Background(), msg, transcripts.KindAudio,
		transcribe.Result{JobID: rec.ID, Text: "turn on the lights"})
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if !strings.Contains(reply, "#at1") || !strings.Contains(reply, "yes/no") {
		t.Fatalf("reply = %q", reply)
	}

	reply, err = router.HandleTextMessage(context.Background(), withBody(msg, "yes"))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if reply != "ran the transcript" {
		t.Errorf("reply = %q", reply)
	}

	got, _ := records.Get(transcripts.KindAudio, rec.ID)
	if !got.Used {
		t.Error("transcript not marked used")
	}

	// The confirmation is consumed; a second yes is an ordinary query.
	chat.reply = "plain answer"
	reply, _ = router.HandleTextMessage(context.Background(), withBody(msg, "yes"))
	if reply != "plain answer" {
		t.Errorf("reply after consumed confirmation = %q", reply)
	}
}

func TestTranscriptAutoRun(t *testing.T) {
	chat := &cannedChatter{reply: "auto answer"}
	cfg := authorizedCfg()
	cfg.TranscriptAutoRun = true
	router, store, records := newTestRouter(t, cfg, chat)
	sess, _ := store.CreateSession(sessionNameForJID("alice@example.org"), "m")
	rec, _ := records.Create(transcripts.KindAudio, sess.ID, "alice@example.org", "u")

	msg := Message{JID: "alice@example.org", Type: "chat",
		SenderJID: "alice@example.org", ConversationID: "alice@example.org"}
	reply, err := router.HandleTranscriptionResult(context.Background(), msg, transcripts.KindAudio,
		transcribe.Result{JobID: rec.ID, Text: "do the thing"})
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if reply != "auto answer" {
		t.Errorf("reply = %q", reply)
	}
	got, _ := records.Get(transcripts.KindAudio, rec.ID)
	if !got.Used {
		t.Error("auto-run transcript not marked used")
	}
}

func TestTranscriptNoDiscards(t *testing.T) {
	chat := &cannedChatter{reply: "should not run"}
	router, store, records := newTestRouter(t, authorizedCfg(), chat)
	sess, _ := store.CreateSession(sessionNameForJID("alice@example.org"), "m")
	rec, _ := records.Create(transcripts.KindAudio, sess.ID, "alice@example.org", "u")

	msg := Message{JID: "alice@example.org", Type: "chat",
		SenderJID: "alice@example.org", ConversationID: "alice@example.org"}
	router.HandleTranscriptionResult(context.Background(), msg, transcripts.KindAudio,
		transcribe.Result{JobID: rec.ID, Text: "something"})

	reply, err := router.HandleTextMessage(context.Background(), withBody(msg, "no"))
	if err != nil {
		t.Fatalf("discard: %v", err)
	}
	if reply != "Discarded." {
		t.Errorf("reply = %q", reply)
	}
	got, _ := records.Get(transcripts.KindAudio, rec.ID)
	if got.Used {
		t.Error("discarded transcript marked used")
	}
	if chat.calls != 0 {
		t.Error("discarded transcript executed")
	}
}

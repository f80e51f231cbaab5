// Package daemon routes inbound chat messages to the turn client: it
// authorizes senders, classifies command versus query, manages transcript
// confirmations and runs the scheduled maintenance jobs.
package daemon

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/forager-agent/forager/internal/config"
	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/research"
	"github.com/forager-agent/forager/internal/session"
	"github.com/forager-agent/forager/internal/transcribe"
	"github.com/forager-agent/forager/internal/transcripts"
	"github.com/forager-agent/forager/internal/turn"
)

// Message is one inbound chat message, normalized away from any particular
// wire protocol.
type Message struct {
	JID            string // full sender JID
	Type           string // "chat" or "groupchat"
	Body           string
	RoomJID        string // set for groupchat
	SenderJID      string // room occupant for groupchat, else JID
	ConversationID string // stable id for the chat or room
}

// Planner classifies free text as "command" or "query". The production
// implementation asks a small model; nil disables planning and transcript
// auto-run gating sees no planner.
type Planner interface {
	Classify(ctx context.Context, text string) (string, error)
}

type confirmKey struct {
	conversationID string
	senderJID      string
}

type pendingConfirm struct {
	kind     transcripts.Kind
	id       int64
	scopedID int64
}

// Router is the daemon's message handler. One Router serves all
// conversations; handlers are safe for concurrent use.
type Router struct {
	cfg     config.DaemonConfig
	turns   *turn.Client
	store   *session.Store
	records *transcripts.Store
	cache   *research.Cache

	audioPool *transcribe.Pool
	imagePool *transcribe.Pool

	planner Planner
	presets map[string]string
	reply   func(msg Message, text string)

	mu            sync.Mutex
	confirmations map[confirmKey]pendingConfirm
	jobs          map[jobKey]Message
}

// NewRouter wires the router. Optional collaborators may be nil.
func NewRouter(cfg config.DaemonConfig, turns *turn.Client, store *session.Store,
	records *transcripts.Store, cache *research.Cache, planner Planner) *Router {
	r := &Router{
		cfg:           cfg,
		turns:         turns,
		store:         store,
		records:       records,
		cache:         cache,
		planner:       planner,
		confirmations: map[confirmKey]pendingConfirm{},
		jobs:          map[jobKey]Message{},
	}
	r.presets = loadPresets(cfg.PresetFile)
	return r
}

// SetReplyFunc installs the outbound delivery callback used for replies that
// arrive asynchronously, such as transcription results.
func (r *Router) SetReplyFunc(fn func(msg Message, text string)) {
	r.reply = fn
}

// SetTranscriptionPools attaches the async transcription workers.
func (r *Router) SetTranscriptionPools(audio, image *transcribe.Pool) {
	r.audioPool = audio
	r.imagePool = image
}

// IsAuthorized accepts a full-JID match first, then a bare-JID match against
// the allow-list.
func (r *Router) IsAuthorized(jid string) bool {
	bare := bareJID(jid)
	for _, allowed := range r.cfg.AllowedJIDs {
		if jid == allowed {
			return true
		}
	}
	for _, allowed := range r.cfg.AllowedJIDs {
		if bare == bareJID(allowed) {
			return true
		}
	}
	return false
}

func bareJID(jid string) string {
	if idx := strings.IndexByte(jid, '/'); idx >= 0 {
		return jid[:idx]
	}
	return jid
}

// HandleTextMessage routes one text message and returns the reply body.
func (r *Router) HandleTextMessage(ctx context.Context, msg Message) (string, error) {
	if msg.Type == "groupchat" && msg.RoomJID == "" {
		return "", fmt.Errorf("groupchat message without room")
	}
	if msg.Type != "groupchat" && !r.IsAuthorized(msg.JID) {
		L_warn("daemon: unauthorized sender", "jid", msg.JID)
		return "", fmt.Errorf("unauthorized sender %s", bareJID(msg.JID))
	}

	body := strings.TrimSpace(msg.Body)
	if body == "" {
		return "", nil
	}

	// Session management must stay reachable in rooms that are not bound yet.
	if strings.HasPrefix(body, "/session") {
		return r.handleSessionCommand(msg, body)
	}
	if msg.Type == "groupchat" {
		bound, err := r.store.GetRoomBinding(msg.RoomJID)
		if err != nil {
			return "", err
		}
		if bound == 0 {
			return "This room is not bound to a session. Use /session bind <id>.", nil
		}
	}

	if reply, handled := r.consumeConfirmation(ctx, msg, body); handled {
		return reply, nil
	}
	if looksLikeTOML(body) {
		return r.handleOverrideUpload(msg, body)
	}
	if strings.HasPrefix(body, `\`) {
		expanded, err := r.expandPreset(body)
		if err != nil {
			return err.Error(), nil
		}
		body = expanded
	}
	if r.cfg.CommandPrefix != "" && strings.HasPrefix(body, r.cfg.CommandPrefix) {
		return r.runCommand(ctx, strings.TrimSpace(strings.TrimPrefix(body, r.cfg.CommandPrefix)))
	}

	if r.classify(ctx, body) == "command" {
		return r.runCommand(ctx, body)
	}
	return r.runQuery(ctx, msg, body)
}

// classify asks the planner when one is configured, else falls back to a
// first-token heuristic.
func (r *Router) classify(ctx context.Context, body string) string {
	if r.planner != nil {
		kind, err := r.planner.Classify(ctx, body)
		if err == nil && (kind == "command" || kind == "query") {
			return kind
		}
		if err != nil {
			L_warn("daemon: planner failed, using heuristic", "error", err)
		}
	}
	return heuristicClassify(body)
}

var knownCommands = map[string]bool{
	"ls": true, "cat": true, "grep": true, "ps": true, "df": true,
	"du": true, "uptime": true, "date": true, "whoami": true, "uname": true,
	"free": true, "tail": true, "head": true, "wc": true,
}

func heuristicClassify(body string) string {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return "query"
	}
	first := fields[0]
	if strings.HasPrefix(first, "-") || knownCommands[first] {
		return "command"
	}
	return "query"
}

func (r *Router) runQuery(ctx context.Context, msg Message, body string) (string, error) {
	req := turn.Request{
		Query: body,
		Lean:  true,
	}
	if msg.Type == "groupchat" {
		bound, err := r.store.GetRoomBinding(msg.RoomJID)
		if err != nil {
			return "", err
		}
		req.SessionTerm = fmt.Sprintf("%d", bound)
	} else {
		req.SessionTerm = sessionNameForJID(msg.JID)
		req.Sticky = true
		req.StickyName = sessionNameForJID(msg.JID)
	}

	result, err := r.turns.Run(ctx, req)
	if err != nil {
		return "", err
	}
	if result.Halted {
		reply := "Could not complete that request (" + result.HaltReason + ")."
		if len(result.Notices) > 0 {
			reply += "\n" + strings.Join(result.Notices, "\n")
		}
		return reply, nil
	}
	return result.FinalAnswer, nil
}

// sessionNameForJID derives a stable per-contact session name.
func sessionNameForJID(jid string) string {
	name := strings.ToLower(bareJID(jid))
	name = strings.NewReplacer("@", "_", ".", "_").Replace(name)
	return "jid_" + name
}

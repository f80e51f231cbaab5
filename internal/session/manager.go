package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/forager-agent/forager/internal/config"
	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/types"
)

// Summarizer condenses conversation text for compaction and per-message
// summaries.
type Summarizer interface {
	Summarize(ctx context.Context, content string) (string, error)
}

// ResolveRequest describes which session a caller wants.
type ResolveRequest struct {
	Term       string // digits = id, else exact then partial name match
	Sticky     bool   // create under StickyName when nothing matches
	StickyName string
	Model      string // model for a newly created session
}

// Resolution is the outcome of session resolution. Halted means no turn may
// proceed; MatchedSessions carries the ambiguity set.
type Resolution struct {
	Session         *Session
	Created         bool
	Halted          bool
	HaltReason      string
	MatchedSessions []*Session
	Notices         []string
}

// Manager wraps one resolved session with its history operations.
type Manager struct {
	store      *Store
	session    *Session
	cfg        config.SessionConfig
	estimator  *TokenEstimator
	summarizer Summarizer
}

// NewManager wraps an already-resolved session.
func NewManager(store *Store, sess *Session, cfg config.SessionConfig, summarizer Summarizer) *Manager {
	return &Manager{
		store:      store,
		session:    sess,
		cfg:        cfg,
		estimator:  GetTokenEstimator(),
		summarizer: summarizer,
	}
}

// Session returns the wrapped session.
func (m *Manager) Session() *Session { return m.session }

// Store returns the underlying repository.
func (m *Manager) Store() *Store { return m.store }

// Resolve finds or creates the session a request refers to. A nil Manager
// with a halted Resolution means the caller must stop before any LLM call.
func Resolve(store *Store, req ResolveRequest, cfg config.SessionConfig, summarizer Summarizer) (*Manager, *Resolution, error) {
	res := &Resolution{}

	if req.Term != "" {
		sess, err := resolveTerm(store, req.Term, res)
		if err != nil {
			return nil, nil, err
		}
		if res.Halted {
			return nil, res, nil
		}
		if sess != nil {
			res.Session = sess
			store.TouchSession(sess.ID)
			return NewManager(store, sess, cfg, summarizer), res, nil
		}
	}

	if req.Sticky {
		name := req.StickyName
		if name == "" {
			name = "session"
		}
		sess, err := store.CreateSession(name, req.Model)
		if err != nil {
			return nil, nil, err
		}
		res.Session = sess
		res.Created = true
		res.Notices = append(res.Notices, fmt.Sprintf("created session %q (#%d)", name, sess.ID))
		return NewManager(store, sess, cfg, summarizer), res, nil
	}

	if req.Term != "" {
		res.Notices = append(res.Notices, fmt.Sprintf("no session matching %q", req.Term))
	}
	return nil, res, nil
}

func resolveTerm(store *Store, term string, res *Resolution) (*Session, error) {
	if isDigits(term) {
		var id int64
		fmt.Sscanf(term, "%d", &id)
		return store.GetSession(id)
	}

	if sess, err := store.FindByExactName(term); err != nil {
		return nil, err
	} else if sess != nil {
		return sess, nil
	}

	matches, err := store.FindRecentPartial(term, 200)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		L_warn("session: ambiguous resume term", "term", term, "matches", len(matches))
		res.Halted = true
		res.HaltReason = "session_ambiguous"
		res.MatchedSessions = matches
		return nil, nil
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// BuildContextMessages returns the session's history as chat messages. A
// compacted summary becomes one user+assistant pseudo-turn ahead of the
// stored messages.
func (m *Manager) BuildContextMessages() ([]types.Message, error) {
	var out []types.Message

	if m.session.CompactedSummary != "" {
		out = append(out,
			types.Message{Role: "user", Content: "Summary of our conversation so far:\n" + m.session.CompactedSummary},
			types.Message{Role: "assistant", Content: "Understood, continuing from that summary."},
		)
	}

	stored, err := m.store.GetMessages(m.session.ID)
	if err != nil {
		return nil, err
	}
	for _, msg := range stored {
		out = append(out, types.Message{Role: msg.Role, Content: msg.Content})
	}
	return out, nil
}

// SaveTurn persists one query/answer pair with naive token counts.
func (m *Manager) SaveTurn(query, answer, querySummary, answerSummary string) error {
	return m.store.SaveTurn(m.session.ID, query, answer, querySummary, answerSummary,
		m.session.Model, m.estimator.EstimateTokens(query), m.estimator.EstimateTokens(answer))
}

// CheckAndCompact compacts the session when its context crosses the
// configured share of the context window. Returns true when compaction ran.
func (m *Manager) CheckAndCompact(ctx context.Context) (bool, error) {
	contextSize := m.cfg.ContextSize
	if contextSize <= 0 {
		contextSize = 32768
	}
	pct := m.cfg.CompactionThresholdPct
	if pct <= 0 {
		pct = 80
	}
	threshold := int(float64(contextSize) * pct / 100)

	messages, err := m.BuildContextMessages()
	if err != nil {
		return false, err
	}
	tokens := m.estimator.CountMessages(messages)
	if tokens < threshold {
		return false, nil
	}

	L_info("session: compacting", "id", m.session.ID, "tokens", tokens, "threshold", threshold,
		"strategy", m.cfg.CompactionStrategy)

	summary, err := m.buildCompactionSummary(ctx)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(summary) == "" {
		return false, fmt.Errorf("compaction produced empty summary")
	}

	if err := m.store.CompactSession(m.session.ID, summary); err != nil {
		return false, err
	}
	m.session.CompactedSummary = summary
	return true, nil
}

func (m *Manager) buildCompactionSummary(ctx context.Context) (string, error) {
	stored, err := m.store.GetMessages(m.session.ID)
	if err != nil {
		return "", err
	}

	if m.cfg.CompactionStrategy == "llm_summary" && m.summarizer != nil {
		var sb strings.Builder
		if m.session.CompactedSummary != "" {
			sb.WriteString("Earlier summary:\n")
			sb.WriteString(m.session.CompactedSummary)
			sb.WriteString("\n\n")
		}
		for _, msg := range stored {
			sb.WriteString(msg.Role)
			sb.WriteString(": ")
			sb.WriteString(msg.Content)
			sb.WriteString("\n")
		}
		summary, err := m.summarizer.Summarize(ctx, sb.String())
		if err != nil {
			L_warn("session: llm compaction failed, falling back to summaries", "error", err)
		} else {
			return summary, nil
		}
	}

	// "summaries" strategy: join per-message summaries, falling back to a
	// content prefix.
	var parts []string
	if m.session.CompactedSummary != "" {
		parts = append(parts, m.session.CompactedSummary)
	}
	for _, msg := range stored {
		text := msg.Summary
		if text == "" {
			text = msg.Content
			if len(text) > 100 {
				text = text[:100]
			}
		}
		parts = append(parts, fmt.Sprintf("%s: %s", msg.Role, text))
	}
	return strings.Join(parts, "\n"), nil
}

var sessionNameStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"what": true, "which": true, "who": true, "how": true, "why": true, "when": true,
	"where": true, "can": true, "could": true, "would": true, "should": true,
	"do": true, "does": true, "did": true, "i": true, "me": true, "my": true,
	"you": true, "your": true, "please": true, "tell": true, "about": true,
	"of": true, "to": true, "in": true, "on": true, "for": true, "and": true,
	"or": true, "with": true, "it": true, "this": true, "that": true,
}

// GenerateSessionName derives a short name from a query: the first two
// significant words joined by an underscore.
func GenerateSessionName(query string) string {
	var words []string
	for _, raw := range strings.Fields(strings.ToLower(query)) {
		word := strings.Trim(raw, ".,!?;:\"'()[]")
		if word == "" || sessionNameStopwords[word] {
			continue
		}
		words = append(words, word)
		if len(words) == 2 {
			break
		}
	}
	if len(words) == 0 {
		return "session"
	}
	return strings.Join(words, "_")
}

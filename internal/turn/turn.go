// Package turn is the top-level entry for one agent turn: resolve the
// session, run the preload pipeline, drive the conversation engine and
// persist the outcome.
package turn

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/forager-agent/forager/internal/config"
	"github.com/forager-agent/forager/internal/engine"
	"github.com/forager-agent/forager/internal/llm"
	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/preload"
	"github.com/forager-agent/forager/internal/session"
	"github.com/forager-agent/forager/internal/tools"
	"github.com/forager-agent/forager/internal/types"
	"github.com/forager-agent/forager/internal/vectorstore"
	"github.com/forager-agent/forager/internal/websearch"
)

// Halt reasons surfaced on Result.
const (
	HaltSessionAmbiguous = "session_ambiguous"
	HaltInvalidInput     = "invalid_input"
	HaltPolicyBlocked    = "policy_blocked"
	HaltMaxRetries       = "max_retries_exceeded"
	HaltCancelled        = "cancelled"
)

const memoryDedupeThreshold = 0.90

// Request describes one turn.
type Request struct {
	Query       string
	SessionTerm string
	Sticky      bool
	StickyName  string

	ResearchMode bool
	SourceMode   string // "", "web" or "local"
	LocalTargets []string
	SeedURLs     []string
	HistoryIDs   []int64

	NoSave   bool
	Lean     bool
	MaxTurns int

	Cancelled func() bool
	Display   engine.DisplayFunc
}

// Result is the outcome of one turn.
type Result struct {
	FinalAnswer string
	Halted      bool
	HaltReason  string
	Notices     []string
	Messages    []types.Message
	Context     []types.Message
	Preload     *preload.Resolution
	SessionID   int64
	Session     *session.Session
	Usage       *llm.UsageTracker
}

// Services bundles the shared resources a turn draws on. Everything except
// Chat is optional; missing pieces disable the features that need them.
type Services struct {
	Chat       llm.Chatter
	Summarizer *ModelSummarizer
	Store      *session.Store
	Vectors    *vectorstore.Store
	Corpus     *tools.Corpus
	Preloader  *preload.Pipeline
	Search     websearch.Adapter
	Audio      tools.AudioTranscriber
	Image      tools.ImageTranscriber
}

// Client runs turns against a fixed set of services.
type Client struct {
	cfg *config.Config
	svc Services
}

// NewClient builds the turn client.
func NewClient(cfg *config.Config, svc Services) *Client {
	return &Client{cfg: cfg, svc: svc}
}

// Run executes one turn end to end.
func (c *Client) Run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return &Result{Halted: true, HaltReason: HaltInvalidInput,
			Notices: []string{"empty query"}}, nil
	}

	res := &Result{Usage: llm.NewUsageTracker()}

	mgr, err := c.resolveSession(req, res)
	if err != nil {
		return nil, err
	}
	if res.Halted {
		return res, nil
	}

	cfg := c.effectiveConfig(res.SessionID)
	researchMode, sourceMode, localTargets, maxTurns := effectiveSettings(cfg, req, res.Session)
	webEnabled := sourceMode != "local"

	history, err := c.buildContext(mgr, req.HistoryIDs, res)
	if err != nil {
		return nil, err
	}
	res.Context = history

	pre := c.runPreload(ctx, req, res, researchMode && webEnabled, localTargets)
	res.Preload = pre

	messages := c.buildMessages(cfg, req, pre, history, researchMode, localTargets)
	registry := c.buildRegistry(cfg, pre, researchMode, webEnabled, res)

	engineResult, err := engine.Run(ctx, c.svc.Chat, messages, registry, res.Usage, engine.Options{
		MaxTurns:  maxTurns,
		Lean:      req.Lean,
		Cancelled: req.Cancelled,
		Display:   req.Display,
	})
	if err != nil {
		res.Halted = true
		res.HaltReason = HaltMaxRetries
		res.Notices = append(res.Notices, err.Error())
		if engineResult != nil {
			res.Messages = engineResult.Messages
		}
		return res, nil
	}

	res.FinalAnswer = engineResult.FinalAnswer
	res.Messages = engineResult.Messages
	if engineResult.Status == engine.StatusHalted {
		res.Halted = true
		res.HaltReason = HaltCancelled
	}

	if !req.NoSave && !res.Halted {
		c.persist(ctx, cfg, mgr, req.Query, res)
	}
	if mgr != nil && res.Session != nil && res.Session.MemoryAutoExtract && !req.Lean && !res.Halted {
		go c.extractMemories(req.Query, res.FinalAnswer)
	}
	return res, nil
}

func (c *Client) resolveSession(req Request, res *Result) (*session.Manager, error) {
	if c.svc.Store == nil || (req.SessionTerm == "" && !req.Sticky) {
		return nil, nil
	}

	stickyName := req.StickyName
	if req.Sticky && stickyName == "" {
		stickyName = session.GenerateSessionName(req.Query)
	}
	mgr, resolution, err := session.Resolve(c.svc.Store, session.ResolveRequest{
		Term:       req.SessionTerm,
		Sticky:     req.Sticky,
		StickyName: stickyName,
		Model:      c.cfg.LLM.DefaultModel,
	}, c.cfg.Session, c.sessionSummarizer())
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}

	res.Notices = append(res.Notices, resolution.Notices...)
	if resolution.Halted {
		res.Halted = true
		res.HaltReason = HaltSessionAmbiguous
		for _, s := range resolution.MatchedSessions {
			res.Notices = append(res.Notices, fmt.Sprintf("#%d %s", s.ID, s.Name))
		}
		return nil, nil
	}
	if mgr != nil {
		res.Session = mgr.Session()
		res.SessionID = mgr.Session().ID
	}
	return mgr, nil
}

// sessionSummarizer adapts the model summarizer to the session package's
// interface without forcing a dependency when none is configured.
func (c *Client) sessionSummarizer() session.Summarizer {
	if c.svc.Summarizer == nil {
		return nil
	}
	return c.svc.Summarizer
}

// effectiveConfig merges stored per-session override fragments over the base
// config. Merge failures keep the base config and log.
func (c *Client) effectiveConfig(sessionID int64) *config.Config {
	cfg := c.cfg
	if sessionID == 0 || c.svc.Store == nil {
		return cfg
	}
	files, err := c.svc.Store.GetOverrideFiles(sessionID)
	if err != nil {
		L_warn("turn: override files unavailable", "session", sessionID, "error", err)
		return cfg
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		merged, err := config.MergeOverride(cfg, files[name])
		if err != nil {
			L_warn("turn: bad override fragment", "session", sessionID, "file", name, "error", err)
			continue
		}
		cfg = merged
	}
	return cfg
}

// effectiveSettings merges per-session settings over the request, with the
// request winning where it is explicit.
func effectiveSettings(cfg *config.Config, req Request, sess *session.Session) (researchMode bool, sourceMode string, localTargets []string, maxTurns int) {
	researchMode = req.ResearchMode
	sourceMode = req.SourceMode
	localTargets = append(localTargets, req.LocalTargets...)
	maxTurns = req.MaxTurns

	if sess != nil {
		researchMode = researchMode || sess.ResearchMode
		if sourceMode == "" {
			sourceMode = sess.ResearchSourceMode
		}
		localTargets = append(localTargets, sess.LocalCorpusPaths...)
		if maxTurns <= 0 {
			maxTurns = sess.MaxTurns
		}
	}
	if maxTurns <= 0 {
		maxTurns = cfg.LLM.MaxTurns
	}
	return researchMode, sourceMode, dedupe(localTargets), maxTurns
}

// buildContext loads prior conversation: requested interaction history first,
// then the resolved session's messages.
func (c *Client) buildContext(mgr *session.Manager, historyIDs []int64, res *Result) ([]types.Message, error) {
	var out []types.Message

	if len(historyIDs) > 0 && c.svc.Store != nil {
		interactions, err := c.svc.Store.GetInteractions(historyIDs)
		if err != nil {
			return nil, fmt.Errorf("load interactions: %w", err)
		}
		for _, in := range interactions {
			out = append(out,
				types.Message{Role: "user", Content: in.Query},
				types.Message{Role: "assistant", Content: in.Answer})
		}
	}

	if mgr != nil {
		sessionMsgs, err := mgr.BuildContextMessages()
		if err != nil {
			return nil, fmt.Errorf("build session context: %w", err)
		}
		out = append(out, sessionMsgs...)
	}
	return out, nil
}

func (c *Client) runPreload(ctx context.Context, req Request, res *Result, shortlistResearch bool, localTargets []string) *preload.Resolution {
	if c.svc.Preloader == nil {
		return &preload.Resolution{}
	}
	var sessionID *int64
	if res.SessionID != 0 {
		id := res.SessionID
		sessionID = &id
	}
	return c.svc.Preloader.Run(ctx, preload.Request{
		Query:        req.Query,
		SeedURLs:     req.SeedURLs,
		LocalTargets: localTargets,
		ResearchMode: shortlistResearch,
		SessionID:    sessionID,
	})
}

func (c *Client) buildMessages(cfg *config.Config, req Request, pre *preload.Resolution, history []types.Message, researchMode bool, localTargets []string) []types.Message {
	parts := []string{systemPrompt(cfg.Prompts)}
	if researchMode {
		parts = append(parts, researchGuidance(cfg.Prompts))
	}
	if len(pre.LocalPayload.Sources) > 0 {
		parts = append(parts, localKBGuidance(cfg.Prompts))
	}
	if pre.IsCorpusPreloaded() && !researchMode {
		parts = append(parts, retrievalOnlyGuidance(cfg.Prompts))
	}

	messages := []types.Message{{Role: "system", Content: strings.Join(parts, "\n\n")}}
	messages = append(messages, history...)

	preloadBlock := pre.CombinedContext
	if pre.MemoryContext != "" {
		if preloadBlock != "" {
			preloadBlock += "\n\n"
		}
		preloadBlock += pre.MemoryContext
	}
	if preloadBlock != "" {
		messages = append(messages, types.Message{Role: "user", Content: preloadBlock})
	}

	messages = append(messages, types.Message{
		Role:    "user",
		Content: preload.RedactLocalTargets(req.Query, localTargets),
	})
	return messages
}

func (c *Client) buildRegistry(cfg *config.Config, pre *preload.Resolution, researchMode, webEnabled bool, res *Result) *tools.Registry {
	var sessionID *int64
	if res.SessionID != 0 {
		id := res.SessionID
		sessionID = &id
	}

	search := c.svc.Search
	if !webEnabled {
		search = nil
	}
	deps := tools.Deps{
		Corpus:     c.svc.Corpus,
		Search:     search,
		Summarizer: c.toolSummarizer(),
		Audio:      c.svc.Audio,
		Image:      c.svc.Image,
		SessionID:  sessionID,
		CorpusIDs:  pre.CacheIDs,
		Tools:      cfg.Tools,
		Research:   cfg.Research,
	}

	var registry *tools.Registry
	if researchMode {
		registry = tools.NewResearchRegistry(deps)
	} else {
		registry = tools.NewDefaultRegistry(deps)
	}

	// With the full answer already in context, retrieval tools only invite
	// redundant round trips.
	if pre.SeedURLDirectAnswerReady && !researchMode {
		registry.Disable("web_search", "get_url_content", "get_url_details")
	}
	return registry
}

func (c *Client) toolSummarizer() tools.Summarizer {
	if c.svc.Summarizer == nil {
		return nil
	}
	return c.svc.Summarizer
}

// persist writes the turn to the session, or to the interactions history for
// session-less turns.
func (c *Client) persist(ctx context.Context, cfg *config.Config, mgr *session.Manager, query string, res *Result) {
	querySummary := c.maybeSummarize(ctx, cfg, query)
	answerSummary := c.maybeSummarize(ctx, cfg, res.FinalAnswer)

	if mgr != nil {
		if err := mgr.SaveTurn(query, res.FinalAnswer, querySummary, answerSummary); err != nil {
			L_warn("turn: save failed", "error", err)
			res.Notices = append(res.Notices, "history save failed")
			return
		}
		if compacted, err := mgr.CheckAndCompact(ctx); err != nil {
			L_warn("turn: compaction failed", "error", err)
		} else if compacted {
			res.Notices = append(res.Notices, "session compacted")
		}
		return
	}

	if c.svc.Store != nil {
		if _, err := c.svc.Store.SaveInteraction(session.Interaction{
			Query:         query,
			Answer:        res.FinalAnswer,
			QuerySummary:  querySummary,
			AnswerSummary: answerSummary,
		}); err != nil {
			L_warn("turn: interaction save failed", "error", err)
		}
	}
}

// maybeSummarize produces a stored summary for long texts; short ones keep
// an empty summary and fall back to content prefixes at compaction time.
func (c *Client) maybeSummarize(ctx context.Context, cfg *config.Config, text string) string {
	threshold := cfg.Session.SummaryThresholdChars
	if threshold <= 0 {
		threshold = 400
	}
	if c.svc.Summarizer == nil || len(text) <= threshold {
		return ""
	}
	summary, err := c.svc.Summarizer.Summarize(ctx, text)
	if err != nil {
		L_warn("turn: summary generation failed", "error", err)
		return ""
	}
	return summary
}

// extractMemories asks the model for durable facts from the last turn and
// saves each through the memory dedupe path. Runs detached from the turn.
func (c *Client) extractMemories(query, answer string) {
	if c.svc.Chat == nil || c.svc.Vectors == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	content := fmt.Sprintf("User: %s\n\nAssistant: %s", query, answer)
	reply, err := c.svc.Chat.SimpleMessage(ctx, content, memoryExtractPrompt(c.cfg.Prompts))
	if err != nil {
		L_warn("turn: memory extraction failed", "error", err)
		return
	}

	for _, line := range strings.Split(reply, "\n") {
		fact := strings.TrimSpace(strings.TrimLeft(line, "-*• \t"))
		if fact == "" || strings.EqualFold(fact, "NONE") {
			continue
		}
		if _, _, err := c.svc.Vectors.SaveUserMemory(ctx, fact, nil, memoryDedupeThreshold); err != nil {
			L_warn("turn: memory save failed", "error", err)
		}
	}
}

func dedupe(in []string) []string {
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

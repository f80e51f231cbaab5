package tools

import (
	"time"

	"github.com/forager-agent/forager/internal/config"
	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/websearch"
)

// Deps bundles the shared resources tools draw on. Built once per turn by
// the turn client; tests substitute fakes field by field.
type Deps struct {
	Corpus     *Corpus
	Search     websearch.Adapter
	Summarizer Summarizer
	Audio      AudioTranscriber
	Image      ImageTranscriber

	// Turn scope.
	SessionID *int64
	CorpusIDs []int64

	Tools    config.ToolsConfig
	Research config.ResearchConfig
}

func (d Deps) timeout() time.Duration {
	return time.Duration(d.Tools.TimeoutSec) * time.Second
}

// NewDefaultRegistry builds the standard tool set: web_search,
// get_url_content, get_url_details, get_date_time, save_memory, plus any
// config-declared custom tools.
func NewDefaultRegistry(d Deps) *Registry {
	r := NewRegistry(d.timeout())

	mustRegister(r, &DateTimeTool{})
	if d.Search != nil {
		mustRegister(r, NewWebSearchTool(d.Search))
	}
	if d.Corpus != nil {
		mustRegister(r, NewURLContentTool(d.Corpus))
		mustRegister(r, NewURLDetailsTool(d.Corpus))
		mustRegister(r, NewSaveMemoryTool(d.Corpus.Vectors))
	}
	for _, cfg := range d.Tools.Custom {
		if cfg.Name == "" || cfg.Command == "" {
			L_warn("tools: skipping malformed custom tool", "name", cfg.Name)
			continue
		}
		if err := r.Register(NewCustomTool(cfg)); err != nil {
			L_warn("tools: custom tool name collision", "name", cfg.Name, "error", err)
		}
	}

	r.Disable(d.Tools.Disabled...)
	return r
}

// NewResearchRegistry builds the default set plus the research tools, and
// the transcription tools when their providers are wired.
func NewResearchRegistry(d Deps) *Registry {
	r := NewDefaultRegistry(d)

	if d.Corpus != nil {
		mustRegister(r, NewQueryResearchMemoryTool(d.Corpus.Vectors, d.SessionID))
		mustRegister(r, NewSaveFindingTool(d.Corpus.Vectors, d.SessionID))
		mustRegister(r, NewRelevantContentTool(d.Corpus, d.CorpusIDs, d.Research.DenseWeight, d.Research.MinScore))
		if d.Summarizer != nil {
			mustRegister(r, NewSummarizeSectionTool(d.Corpus, d.Summarizer))
		}
	}
	if d.Audio != nil {
		mustRegister(r, NewTranscribeAudioTool(d.Audio))
	}
	if d.Image != nil {
		mustRegister(r, NewTranscribeImageTool(d.Image))
	}

	r.Disable(d.Tools.Disabled...)
	return r
}

// mustRegister is for builtin registrations, where a name collision is a
// programming error.
func mustRegister(r *Registry, tool Tool) {
	if err := r.Register(tool); err != nil {
		L_error("tools: builtin registration failed", "name", tool.Name(), "error", err)
	}
}

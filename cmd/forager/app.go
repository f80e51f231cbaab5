package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forager-agent/forager/internal/config"
	"github.com/forager-agent/forager/internal/embeddings"
	"github.com/forager-agent/forager/internal/fetch"
	"github.com/forager-agent/forager/internal/llm"
	"github.com/forager-agent/forager/internal/preload"
	"github.com/forager-agent/forager/internal/research"
	"github.com/forager-agent/forager/internal/session"
	"github.com/forager-agent/forager/internal/tools"
	"github.com/forager-agent/forager/internal/transcribe"
	"github.com/forager-agent/forager/internal/turn"
	"github.com/forager-agent/forager/internal/vectorstore"
	"github.com/forager-agent/forager/internal/websearch"
)

// app is the composition root: every command that touches the databases or
// the model endpoints builds one of these and closes it on exit.
type app struct {
	cfg *config.Config

	chat       *llm.Client
	embed      *embeddings.Client
	researchDB *sql.DB
	vectors    *vectorstore.Store
	cache      *research.Cache
	store      *session.Store
	fetcher    *fetch.Fetcher
	search     websearch.Adapter
	corpus     *tools.Corpus
	preloader  *preload.Pipeline
	turns      *turn.Client
}

func newApp(cfg *config.Config) (*app, error) {
	mc, alias, err := cfg.ResolveModel(cfg.LLM.DefaultModel)
	if err != nil {
		return nil, fmt.Errorf("default model: %w", err)
	}
	chat := llm.NewClient(alias, mc, cfg.LLM)

	sumChat := chat
	if cfg.LLM.SummarizationModel != "" && cfg.LLM.SummarizationModel != alias {
		if smc, salias, err := cfg.ResolveModel(cfg.LLM.SummarizationModel); err == nil {
			sumChat = llm.NewClient(salias, smc, cfg.LLM)
		}
	}
	summarizer := turn.SummarizerFromConfig(sumChat, cfg.Prompts)

	for _, dir := range []string{filepath.Dir(cfg.Research.DBPath), filepath.Dir(cfg.Session.DBPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("data dir: %w", err)
		}
	}

	researchDB, err := research.Open(cfg.Research.DBPath)
	if err != nil {
		return nil, fmt.Errorf("research db: %w", err)
	}

	embed := embeddings.NewClient(cfg.Embeddings)
	vectors, err := vectorstore.New(researchDB, embed, nil)
	if err != nil {
		researchDB.Close()
		return nil, fmt.Errorf("vector store: %w", err)
	}

	cache, err := research.NewCache(researchDB, vectors, cfg.Research, summarizer)
	if err != nil {
		researchDB.Close()
		return nil, fmt.Errorf("research cache: %w", err)
	}

	store, err := session.NewStore(cfg.Session.DBPath)
	if err != nil {
		cache.Close()
		researchDB.Close()
		return nil, fmt.Errorf("session store: %w", err)
	}

	fetcher := fetch.New(time.Duration(cfg.Tools.TimeoutSec)*time.Second, "")
	search := websearch.FromConfig(cfg.Tools.SearchProvider, cfg.Search)

	corpus := &tools.Corpus{Cache: cache, Vectors: vectors, Fetch: fetcher.Fetch}
	preloader := preload.New(cfg.Preload, cache, vectors, fetcher, search, embed)

	svc := turn.Services{
		Chat:       chat,
		Summarizer: summarizer,
		Store:      store,
		Vectors:    vectors,
		Corpus:     corpus,
		Preloader:  preloader,
		Search:     search,
	}
	if cfg.Transcription.Enabled {
		svc.Audio = transcribe.NewAudio(cfg.Transcription)
		svc.Image = transcribe.NewImage(cfg.Transcription)
	}

	return &app{
		cfg:        cfg,
		chat:       chat,
		embed:      embed,
		researchDB: researchDB,
		vectors:    vectors,
		cache:      cache,
		store:      store,
		fetcher:    fetcher,
		search:     search,
		corpus:     corpus,
		preloader:  preloader,
		turns:      turn.NewClient(cfg, svc),
	}, nil
}

func (a *app) close() {
	a.cache.Close()
	a.store.Close()
	a.researchDB.Close()
}

// Package config loads and merges the forager TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"

	"github.com/forager-agent/forager/internal/logging"
)

// Config is the merged forager configuration.
type Config struct {
	Logging       LoggingConfig            `toml:"logging"`
	LLM           LLMConfig                `toml:"llm"`
	Embeddings    EmbeddingsConfig         `toml:"embeddings"`
	Research      ResearchConfig           `toml:"research"`
	Preload       PreloadConfig            `toml:"preload"`
	Session       SessionConfig            `toml:"session"`
	Daemon        DaemonConfig             `toml:"daemon"`
	Transcription TranscriptionConfig      `toml:"transcription"`
	Tools         ToolsConfig              `toml:"tools"`
	Search        SearchConfig             `toml:"search"`
	Prompts       PromptsConfig            `toml:"prompts"`
	Models        map[string]ModelConfig   `toml:"models"`
}

type LoggingConfig struct {
	Level string `toml:"level"` // trace, debug, info, warn, error
}

// ModelConfig describes one LLM endpoint entry keyed by alias.
type ModelConfig struct {
	BaseURL       string `toml:"base_url"`
	Model         string `toml:"model"`
	APIKeyEnv     string `toml:"api_key_env"`
	UserAgent     string `toml:"user_agent"`
	MaxTokens     int    `toml:"max_tokens"`
	ContextTokens int    `toml:"context_tokens"`
}

type LLMConfig struct {
	DefaultModel       string `toml:"default_model"`
	SummarizationModel string `toml:"summarization_model"` // alias used for summaries and compaction
	MaxTurns           int    `toml:"max_turns"`
	MaxRetries         int    `toml:"max_retries"`
	InitialBackoffMs   int    `toml:"initial_backoff_ms"`
	MaxBackoffMs       int    `toml:"max_backoff_ms"`
	RequestTimeoutSec  int    `toml:"request_timeout_sec"`
}

type EmbeddingsConfig struct {
	BaseURL   string `toml:"base_url"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
}

type ResearchConfig struct {
	DBPath         string  `toml:"db_path"`
	TTLHours       int     `toml:"ttl_hours"`
	SummaryWorkers int     `toml:"summary_workers"`
	DenseWeight    float64 `toml:"dense_weight"`
	MinScore       float64 `toml:"min_score"`
}

type PreloadConfig struct {
	Shortlist         string   `toml:"shortlist"` // "on", "off", "auto"
	ShortlistTopK     int      `toml:"shortlist_top_k"`
	SeedLinkLimit     int      `toml:"seed_link_limit"`
	PerSourceBudget   int      `toml:"per_source_budget"` // chars per preloaded source
	SearchResultSlots int      `toml:"search_result_slots"`
	FetchConcurrency  int      `toml:"fetch_concurrency"`
	CorpusRoots       []string `toml:"corpus_roots"`
	HostBlocklist     []string `toml:"host_blocklist"`
}

type SessionConfig struct {
	DBPath                 string  `toml:"db_path"`
	ContextSize            int     `toml:"context_size"`
	CompactionThresholdPct float64 `toml:"compaction_threshold_pct"`
	CompactionStrategy     string  `toml:"compaction_strategy"` // "summaries" or "llm_summary"
	StickyPrefix           string  `toml:"sticky_prefix"`       // /tmp/<prefix><ppid>
	MemoryAutoExtract      bool    `toml:"memory_auto_extract"`
	SummaryThresholdChars  int     `toml:"summary_threshold_chars"`
}

type DaemonConfig struct {
	AllowedJIDs       []string `toml:"allowed_jids"`
	CommandPrefix     string   `toml:"command_prefix"`
	TranscriptAutoRun bool     `toml:"transcript_auto_run"`
	TranscriptKeep    int      `toml:"transcript_keep"`
	PresetFile        string   `toml:"preset_file"`
	MaintenanceSpec   string   `toml:"maintenance_spec"` // cron spec for cache/transcript cleanup
	PlannerModel      string   `toml:"planner_model"`    // alias; empty disables the interface planner
}

type TranscriptionConfig struct {
	Enabled     bool   `toml:"enabled"`
	BaseURL     string `toml:"base_url"` // OpenAI-compatible endpoint for whisper/vision
	APIKeyEnv   string `toml:"api_key_env"`
	AudioModel  string `toml:"audio_model"` // whisper-1 by default
	VisionModel string `toml:"vision_model"`
	MediaDir    string `toml:"media_dir"`
	Workers     int    `toml:"workers"`
}

type ToolsConfig struct {
	Disabled       []string           `toml:"disabled"`
	TimeoutSec     int                `toml:"timeout_sec"`
	Custom         []CustomToolConfig `toml:"custom"`
	SearchProvider string             `toml:"search_provider"` // "searxng" or "serper"
}

// CustomToolConfig declares a config-defined tool that shells out to a command.
type CustomToolConfig struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
	Command     string `toml:"command"`
}

type SearchConfig struct {
	SearxURL     string `toml:"searx_url"`
	SerperAPIKey string `toml:"serper_api_key"`
}

// PromptsConfig carries the opaque prompt strings supplied by config.
type PromptsConfig struct {
	System        string `toml:"system"`
	Research      string `toml:"research"`
	LocalKB       string `toml:"local_kb"`
	RetrievalOnly string `toml:"retrieval_only"`
	Summarize     string `toml:"summarize"`
	FinalAnswer   string `toml:"final_answer"`
	MemoryExtract string `toml:"memory_extract"`
}

// Default returns the baseline configuration that file values merge over.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".forager")
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		LLM: LLMConfig{
			DefaultModel:      "default",
			MaxTurns:          10,
			MaxRetries:        5,
			InitialBackoffMs:  1000,
			MaxBackoffMs:      30000,
			RequestTimeoutSec: 120,
		},
		Research: ResearchConfig{
			DBPath:         filepath.Join(dataDir, "research.db"),
			TTLHours:       24,
			SummaryWorkers: 1,
			DenseWeight:    0.7,
			MinScore:       0.1,
		},
		Preload: PreloadConfig{
			Shortlist:         "auto",
			ShortlistTopK:     5,
			SeedLinkLimit:     10,
			PerSourceBudget:   8000,
			SearchResultSlots: 10,
			FetchConcurrency:  3,
		},
		Session: SessionConfig{
			DBPath:                 filepath.Join(dataDir, "forager.db"),
			ContextSize:            128000,
			CompactionThresholdPct: 80,
			CompactionStrategy:     "summaries",
			StickyPrefix:           "forager_session_",
			SummaryThresholdChars:  400,
		},
		Daemon: DaemonConfig{
			CommandPrefix:   "!",
			TranscriptKeep:  20,
			MaintenanceSpec: "@hourly",
		},
		Transcription: TranscriptionConfig{
			AudioModel: "whisper-1",
			MediaDir:   filepath.Join(dataDir, "media"),
			Workers:    1,
		},
		Tools: ToolsConfig{
			TimeoutSec:     60,
			SearchProvider: "searxng",
		},
		Models: map[string]ModelConfig{},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".forager", "forager.toml")
}

// Load reads the TOML config at path and merges it over the defaults.
// A missing file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.L_debug("config: no config file, using defaults", "path", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var fileCfg Config
	if err := toml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}

	logging.L_debug("config: loaded", "path", path, "models", len(cfg.Models))
	return cfg, nil
}

// MergeOverride parses a TOML fragment and merges it over cfg, returning a
// new Config. Used for per-session profile overrides.
func MergeOverride(cfg *Config, fragment string) (*Config, error) {
	merged := *cfg

	var overlay Config
	if err := toml.Unmarshal([]byte(fragment), &overlay); err != nil {
		return nil, fmt.Errorf("parse override: %w", err)
	}

	if err := mergo.Merge(&merged, overlay, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge override: %w", err)
	}
	return &merged, nil
}

// APIKey resolves a model's API key from its configured environment variable.
func (m ModelConfig) APIKey() string {
	if m.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(m.APIKeyEnv)
}

// ResolveModel returns the model config for an alias, falling back to the
// default model. An empty registry is a startup-fatal condition for callers.
func (c *Config) ResolveModel(alias string) (ModelConfig, string, error) {
	if alias == "" {
		alias = c.LLM.DefaultModel
	}
	if m, ok := c.Models[alias]; ok {
		return m, alias, nil
	}
	return ModelConfig{}, "", fmt.Errorf("unknown model alias: %s", alias)
}

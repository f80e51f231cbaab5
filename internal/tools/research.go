package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/vectorstore"
)

// QueryResearchMemoryTool searches stored findings semantically.
type QueryResearchMemoryTool struct {
	vectors   *vectorstore.Store
	sessionID *int64
}

// NewQueryResearchMemoryTool creates the query_research_memory tool. A
// non-nil sessionID scopes results to that session.
func NewQueryResearchMemoryTool(vectors *vectorstore.Store, sessionID *int64) *QueryResearchMemoryTool {
	return &QueryResearchMemoryTool{vectors: vectors, sessionID: sessionID}
}

func (t *QueryResearchMemoryTool) Name() string { return "query_research_memory" }

func (t *QueryResearchMemoryTool) Description() string {
	return "Search previously saved research findings by meaning."
}

func (t *QueryResearchMemoryTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "What to look for",
			},
			"top_k": map[string]any{
				"type":        "integer",
				"description": "Maximum findings to return (default: 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *QueryResearchMemoryTool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var params struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if params.TopK <= 0 {
		params.TopK = 5
	}

	matches, err := t.vectors.SearchFindings(ctx, params.Query, params.TopK, t.sessionID)
	if err != nil {
		L_warn("tools: finding search failed", "error", err)
		return map[string]any{"findings": []any{}}, nil
	}
	return map[string]any{"findings": matches}, nil
}

// SaveFindingTool persists a research note.
type SaveFindingTool struct {
	vectors   *vectorstore.Store
	sessionID *int64
}

// NewSaveFindingTool creates the save_finding tool.
func NewSaveFindingTool(vectors *vectorstore.Store, sessionID *int64) *SaveFindingTool {
	return &SaveFindingTool{vectors: vectors, sessionID: sessionID}
}

func (t *SaveFindingTool) Name() string { return "save_finding" }

func (t *SaveFindingTool) Description() string {
	return "Save a research finding for later semantic retrieval."
}

func (t *SaveFindingTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"finding": map[string]any{
				"type":        "string",
				"description": "The finding text",
			},
			"source_url": map[string]any{
				"type":        "string",
				"description": "URL the finding came from",
			},
			"source_title": map[string]any{
				"type":        "string",
				"description": "Title of the source",
			},
			"tags": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Optional category tags",
			},
		},
		"required": []string{"finding"},
	}
}

func (t *SaveFindingTool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var params struct {
		Finding     string   `json:"finding"`
		SourceURL   string   `json:"source_url"`
		SourceTitle string   `json:"source_title"`
		Tags        []string `json:"tags"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.Finding == "" {
		return nil, fmt.Errorf("finding is required")
	}

	id, err := t.vectors.AddFinding(ctx, vectorstore.Finding{
		FindingText: params.Finding,
		SourceURL:   params.SourceURL,
		SourceTitle: params.SourceTitle,
		Tags:        params.Tags,
		SessionID:   t.sessionID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id, "action": "saved"}, nil
}

// RelevantContentTool runs hybrid retrieval over the preloaded corpus.
type RelevantContentTool struct {
	corpus      *Corpus
	corpusIDs   []int64
	denseWeight float64
	minScore    float64
}

// NewRelevantContentTool creates the get_relevant_content tool over the
// given cached source ids.
func NewRelevantContentTool(corpus *Corpus, corpusIDs []int64, denseWeight, minScore float64) *RelevantContentTool {
	return &RelevantContentTool{
		corpus:      corpus,
		corpusIDs:   corpusIDs,
		denseWeight: denseWeight,
		minScore:    minScore,
	}
}

func (t *RelevantContentTool) Name() string { return "get_relevant_content" }

func (t *RelevantContentTool) Description() string {
	return "Retrieve the most relevant passages from the preloaded research corpus."
}

func (t *RelevantContentTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "What to look for",
			},
			"top_k": map[string]any{
				"type":        "integer",
				"description": "Maximum passages to return (default: 6)",
			},
		},
		"required": []string{"query"},
	}
}

type passage struct {
	URL   string  `json:"url"`
	Title string  `json:"title"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

func (t *RelevantContentTool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var params struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if params.TopK <= 0 {
		params.TopK = 6
	}

	var passages []passage
	for _, cacheID := range t.corpusIDs {
		matches, err := t.corpus.Vectors.SearchChunksHybrid(ctx, cacheID, params.Query, params.TopK, t.denseWeight, t.minScore)
		if err != nil {
			L_warn("tools: corpus search failed for source", "cacheID", cacheID, "error", err)
			continue
		}
		if len(matches) == 0 {
			continue
		}
		rec, err := t.corpus.Cache.GetCachedByID(cacheID)
		if err != nil || rec == nil {
			continue
		}
		for _, m := range matches {
			passages = append(passages, passage{
				URL:   rec.URL,
				Title: rec.Title,
				Text:  m.Text,
				Score: m.Score,
			})
		}
	}

	sort.Slice(passages, func(i, j int) bool {
		if passages[i].Score != passages[j].Score {
			return passages[i].Score > passages[j].Score
		}
		return passages[i].URL < passages[j].URL
	})
	if len(passages) > params.TopK {
		passages = passages[:params.TopK]
	}
	if passages == nil {
		passages = []passage{}
	}
	return map[string]any{"passages": passages}, nil
}

// Summarizer condenses text through the summarization model.
type Summarizer interface {
	Summarize(ctx context.Context, content string) (string, error)
}

// SummarizeSectionTool condenses supplied or cached text.
type SummarizeSectionTool struct {
	corpus     *Corpus
	summarizer Summarizer
}

// NewSummarizeSectionTool creates the summarize_section tool.
func NewSummarizeSectionTool(corpus *Corpus, summarizer Summarizer) *SummarizeSectionTool {
	return &SummarizeSectionTool{corpus: corpus, summarizer: summarizer}
}

func (t *SummarizeSectionTool) Name() string { return "summarize_section" }

func (t *SummarizeSectionTool) Description() string {
	return "Summarize a block of text, or the cached content of a URL."
}

func (t *SummarizeSectionTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "Text to summarize",
			},
			"url": map[string]any{
				"type":        "string",
				"description": "Summarize this URL's cached content instead of inline text",
			},
		},
	}
}

func (t *SummarizeSectionTool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var params struct {
		Text string `json:"text"`
		URL  string `json:"url"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	content := params.Text
	if content == "" && params.URL != "" {
		rec, err := t.corpus.Ensure(ctx, params.URL)
		if err != nil {
			return nil, err
		}
		content = rec.Content
	}
	if content == "" {
		return nil, fmt.Errorf("text or url is required")
	}

	summary, err := t.summarizer.Summarize(ctx, content)
	if err != nil {
		return nil, err
	}
	return map[string]any{"summary": summary}, nil
}

// AudioTranscriber converts remote audio to text.
type AudioTranscriber interface {
	TranscribeURL(ctx context.Context, url string) (string, error)
}

// ImageTranscriber describes remote images as text.
type ImageTranscriber interface {
	DescribeURL(ctx context.Context, url string) (string, error)
}

// TranscribeAudioTool transcribes an audio URL inline.
type TranscribeAudioTool struct {
	transcriber AudioTranscriber
}

// NewTranscribeAudioTool creates the transcribe_audio_url tool.
func NewTranscribeAudioTool(transcriber AudioTranscriber) *TranscribeAudioTool {
	return &TranscribeAudioTool{transcriber: transcriber}
}

func (t *TranscribeAudioTool) Name() string { return "transcribe_audio_url" }

func (t *TranscribeAudioTool) Description() string {
	return "Download an audio file and transcribe it to text."
}

func (t *TranscribeAudioTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The audio file URL",
			},
		},
		"required": []string{"url"},
	}
}

func (t *TranscribeAudioTool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	text, err := t.transcriber.TranscribeURL(ctx, params.URL)
	if err != nil {
		return nil, err
	}
	return map[string]any{"transcript": text}, nil
}

// TranscribeImageTool describes an image URL inline.
type TranscribeImageTool struct {
	transcriber ImageTranscriber
}

// NewTranscribeImageTool creates the transcribe_image_url tool.
func NewTranscribeImageTool(transcriber ImageTranscriber) *TranscribeImageTool {
	return &TranscribeImageTool{transcriber: transcriber}
}

func (t *TranscribeImageTool) Name() string { return "transcribe_image_url" }

func (t *TranscribeImageTool) Description() string {
	return "Download an image and describe its contents as text."
}

func (t *TranscribeImageTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The image URL",
			},
		},
		"required": []string{"url"},
	}
}

func (t *TranscribeImageTool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	text, err := t.transcriber.DescribeURL(ctx, params.URL)
	if err != nil {
		return nil, err
	}
	return map[string]any{"description": text}, nil
}

// Package transcribe turns remote media into text: audio through an
// OpenAI-compatible whisper endpoint, images through a vision chat model.
// Both providers also run as bounded worker pools for the daemon's async
// transcription path.
package transcribe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/forager-agent/forager/internal/config"
	. "github.com/forager-agent/forager/internal/logging"
)

// maxMediaBytes bounds a single media download (whisper's own request limit).
const maxMediaBytes = 25 << 20

// Audio transcribes audio URLs through the configured whisper model.
type Audio struct {
	api      *openai.Client
	model    string
	mediaDir string
	http     *http.Client
}

// NewAudio builds the audio transcriber from config.
func NewAudio(cfg config.TranscriptionConfig) *Audio {
	model := cfg.AudioModel
	if model == "" {
		model = "whisper-1"
	}
	return &Audio{
		api:      newAPIClient(cfg),
		model:    model,
		mediaDir: cfg.MediaDir,
		http:     &http.Client{Timeout: 120 * time.Second},
	}
}

func newAPIClient(cfg config.TranscriptionConfig) *openai.Client {
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	if apiKey == "" {
		apiKey = "not-needed"
	}
	cc := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		baseURL := cfg.BaseURL
		if !strings.HasSuffix(baseURL, "/v1") && !strings.HasSuffix(baseURL, "/v1/") {
			baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
		}
		cc.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cc)
}

// TranscribeURL downloads and transcribes an audio URL, returning the text.
func (a *Audio) TranscribeURL(ctx context.Context, url string) (string, error) {
	text, _, _, err := a.Transcribe(ctx, url)
	return text, err
}

// Transcribe downloads the media to the media directory, runs whisper on it
// and returns the text, the local file path and the reported duration.
func (a *Audio) Transcribe(ctx context.Context, url string) (text, mediaPath string, durationSeconds float64, err error) {
	path, err := a.download(ctx, url)
	if err != nil {
		return "", "", 0, fmt.Errorf("download media: %w", err)
	}

	resp, err := a.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    a.model,
		FilePath: path,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return "", path, 0, fmt.Errorf("transcription: %w", err)
	}

	L_debug("transcribe: audio done", "url", url, "duration", resp.Duration, "chars", len(resp.Text))
	return strings.TrimSpace(resp.Text), path, resp.Duration, nil
}

// download fetches the media body, sniffs its type and writes it to the
// media directory under a fresh name with the detected extension.
func (a *Audio) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("media fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty media body")
	}

	ext := mimetype.Detect(data).Extension()
	if ext == "" {
		ext = ".bin"
	}
	if err := os.MkdirAll(a.mediaDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(a.mediaDir, uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Package genai wraps the OpenAI API for patient reply generation and post-call
// recording transcription.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/PromptCall/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"
)

// Sampling parameters are fixed for every turn.
const (
	DefaultModel       = "gpt-4.1-mini"
	DefaultTemperature = 0.4
	DefaultMaxTokens   = 256
)

// WhisperCostPerMinute is the published whisper-1 price in USD, used for cost logging.
const WhisperCostPerMinute = 0.006

var (
	// ErrAPIKeyMissing is returned when no API key is configured.
	ErrAPIKeyMissing = errors.New("OPENAI_API_KEY not set")
	// ErrNoChoicesReturned is returned when a completion has no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
)

// chatService is the subset of the chat completions API the client uses.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// transcriptionService is the subset of the audio transcription API the client uses.
type transcriptionService interface {
	New(ctx context.Context, body openai.AudioTranscriptionNewParams, opts ...option.RequestOption) (*openai.Transcription, error)
}

// ClientInterface is implemented by Client and by test doubles.
type ClientInterface interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
	Transcribe(ctx context.Context, audioPath string) (*models.WhisperTranscription, error)
}

// Client talks to the OpenAI API.
type Client struct {
	chat        chatService
	audio       transcriptionService
	model       string
	temperature float64
	maxTokens   int64
	debugMode   bool
	stateDir    string
}

// Opts holds configuration for a Client.
type Opts struct {
	APIKey    string
	Model     string
	Timeout   time.Duration // per-request HTTP timeout
	DebugMode bool          // write request/response JSON under StateDir/debug
	StateDir  string
}

// Option configures a Client.
type Option func(*Opts)

// WithAPIKey sets the API key. Without it OPENAI_API_KEY is used.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithDebugMode enables request/response debug files.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the directory debug files are written under.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// NewClient creates a Client. The SDK's own retries are disabled: a failed turn
// degrades to a fallback utterance instead of stalling the call.
func NewClient(opts ...Option) (*Client, error) {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.APIKey == "" {
		o.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if o.APIKey == "" {
		return nil, ErrAPIKeyMissing
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(o.APIKey),
		option.WithMaxRetries(0),
	}
	if o.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(o.Timeout))
	}
	cli := openai.NewClient(reqOpts...)

	slog.Debug("genai.NewClient: client created", "model", o.Model, "timeout", o.Timeout, "debug", o.DebugMode)
	return &Client{
		chat:        &cli.Chat.Completions,
		audio:       &cli.Audio.Transcriptions,
		model:       o.Model,
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
		debugMode:   o.DebugMode,
		stateDir:    o.StateDir,
	}, nil
}

// GenerateWithMessages runs one chat completion and returns the first choice's text.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages:    messages,
		Model:       openai.ChatModel(c.model),
		Temperature: openai.Float(c.temperature),
		MaxTokens:   openai.Int(c.maxTokens),
	}

	start := time.Now()
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Debug("Client.GenerateWithMessages: request failed", "model", c.model, "elapsed", time.Since(start), "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	c.writeDebug("GenerateWithMessages", params, resp)

	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := resp.Choices[0].Message.Content
	slog.Debug("Client.GenerateWithMessages: completed", "model", c.model, "elapsed", time.Since(start), "chars", len(content))
	return content, nil
}

// Transcribe sends an audio file to whisper-1 and returns the verbose transcription.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (*models.WhisperTranscription, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio %s: %w", audioPath, err)
	}
	defer f.Close()

	params := openai.AudioTranscriptionNewParams{
		File:           f,
		Model:          openai.AudioModelWhisper1,
		Language:       openai.String("en"),
		ResponseFormat: openai.AudioResponseFormatVerboseJSON,
	}
	resp, err := c.audio.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("transcription failed: %w", err)
	}

	out := ParseVerboseTranscription(resp.RawJSON())
	if out.FullText == "" {
		out.FullText = strings.TrimSpace(resp.Text)
	}
	out.TranscribedAt = time.Now()

	minutes := out.Duration / 60
	slog.Info("Client.Transcribe: transcription complete", "file", filepath.Base(audioPath),
		"durationSeconds", out.Duration, "segments", len(out.Segments),
		"estimatedCostUSD", fmt.Sprintf("%.4f", minutes*WhisperCostPerMinute))
	return out, nil
}

// ParseVerboseTranscription extracts text, duration, language and segments from a
// verbose_json transcription body.
func ParseVerboseTranscription(raw string) *models.WhisperTranscription {
	out := &models.WhisperTranscription{
		FullText: strings.TrimSpace(gjson.Get(raw, "text").String()),
		Duration: gjson.Get(raw, "duration").Float(),
		Language: gjson.Get(raw, "language").String(),
	}
	gjson.Get(raw, "segments").ForEach(func(_, seg gjson.Result) bool {
		out.Segments = append(out.Segments, models.WhisperSegment{
			Start: seg.Get("start").Float(),
			End:   seg.Get("end").Float(),
			Text:  strings.TrimSpace(seg.Get("text").String()),
		})
		return true
	})
	return out
}

// writeDebug records a request/response pair when debug mode is on. Failures are
// logged and otherwise ignored.
func (c *Client) writeDebug(method string, params, response interface{}) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("Client.writeDebug: failed to create debug dir", "dir", dir, "error", err)
		return
	}

	now := time.Now()
	entry := map[string]interface{}{
		"timestamp": now.Format(time.RFC3339Nano),
		"method":    method,
		"model":     c.model,
		"params":    params,
		"response":  response,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("Client.writeDebug: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", now.Format("20060102T150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		slog.Warn("Client.writeDebug: write failed", "error", err)
	}
}

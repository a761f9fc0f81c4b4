// Package recording downloads finished call recordings and, when enabled, attaches a
// Whisper transcription to the stored transcript.
package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BTreeMap/PromptCall/internal/events"
	"github.com/BTreeMap/PromptCall/internal/metrics"
	"github.com/BTreeMap/PromptCall/internal/models"
	"github.com/BTreeMap/PromptCall/internal/telephony"
	"github.com/BTreeMap/PromptCall/internal/util"
)

// Defaults for recording handling.
const (
	DefaultSubdir       = "recordings"
	DefaultMediaBaseURL = "https://api.twilio.com/"
	DefaultAttempts     = 3
	DefaultRetryDelay   = 2 * time.Second
	DefaultHTTPTimeout  = 60 * time.Second
)

var (
	// ErrInvalidCallSID is returned for call SIDs that cannot name a file.
	ErrInvalidCallSID = errors.New("invalid call SID")
	// ErrUntrustedURL is returned for recording URLs outside the media base URL.
	ErrUntrustedURL = errors.New("recording URL is not on the media host")
	// ErrNoRecording is returned when neither the webhook nor the API has a recording.
	ErrNoRecording = errors.New("no recording available")
)

var validCallSID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Transcriber turns an audio file into a Whisper transcription.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (*models.WhisperTranscription, error)
}

// TranscriptStore is the subset of the transcript store the manager needs.
type TranscriptStore interface {
	Save(t models.Transcript) error
	Load(callSID string) (*models.Transcript, error)
}

// Lookup finds recording metadata when a webhook did not carry the URL.
type Lookup interface {
	LatestRecording(ctx context.Context, callSID string) (*telephony.Recording, error)
}

// Opts holds configuration for a Manager.
type Opts struct {
	AccountSID   string
	AuthToken    string
	Dir          string // recordings are written to Dir/<CallSid>.mp3
	Download     bool
	Transcriber  Transcriber // nil disables Whisper enrichment
	Store        TranscriptStore
	Publisher    events.Publisher
	Metrics      *metrics.Metrics
	Lookup       Lookup
	HTTPClient   *http.Client
	MediaBaseURL string
	Attempts     int
	RetryDelay   time.Duration
}

// Option configures a Manager.
type Option func(*Opts)

// WithCredentials sets the account credentials used for basic auth on downloads.
func WithCredentials(accountSID, authToken string) Option {
	return func(o *Opts) { o.AccountSID, o.AuthToken = accountSID, authToken }
}

// WithDir sets the recordings directory.
func WithDir(dir string) Option {
	return func(o *Opts) { o.Dir = dir }
}

// WithDownload enables or disables downloading recordings.
func WithDownload(enabled bool) Option {
	return func(o *Opts) { o.Download = enabled }
}

// WithTranscriber enables Whisper enrichment.
func WithTranscriber(t Transcriber) Option {
	return func(o *Opts) { o.Transcriber = t }
}

// WithStore sets the transcript store enriched transcripts are written to.
func WithStore(s TranscriptStore) Option {
	return func(o *Opts) { o.Store = s }
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *Opts) { o.Publisher = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithLookup sets the recording metadata lookup.
func WithLookup(l Lookup) Option {
	return func(o *Opts) { o.Lookup = l }
}

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithMediaBaseURL restricts downloads to URLs under base. Credentials are only
// ever sent to this host.
func WithMediaBaseURL(base string) Option {
	return func(o *Opts) { o.MediaBaseURL = base }
}

// WithRetry sets how many download attempts are made and the base delay between them.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(o *Opts) { o.Attempts, o.RetryDelay = attempts, delay }
}

// Manager handles the recording-complete webhook.
type Manager struct {
	cfg Opts
}

// NewManager creates a Manager. Download defaults to enabled.
func NewManager(opts ...Option) *Manager {
	cfg := Opts{
		Dir:          filepath.Join("data", DefaultSubdir),
		Download:     true,
		MediaBaseURL: DefaultMediaBaseURL,
		Attempts:     DefaultAttempts,
		RetryDelay:   DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	slog.Debug("recording.NewManager: configured", "dir", cfg.Dir, "download", cfg.Download,
		"whisper", cfg.Transcriber != nil, "lookup", cfg.Lookup != nil)
	return &Manager{cfg: cfg}
}

// Dir returns the directory recordings are written to.
func (m *Manager) Dir() string {
	return m.cfg.Dir
}

// HandleRecording downloads the recording for callSID and enriches its transcript.
// recordingURL is the webhook's RecordingUrl without extension; when empty the
// lookup is asked for the latest recording. It returns the local file path, or ""
// when downloading is disabled.
func (m *Manager) HandleRecording(ctx context.Context, callSID, recordingURL string) (string, error) {
	if !validCallSID.MatchString(callSID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCallSID, callSID)
	}
	if !m.cfg.Download {
		slog.Info("Manager.HandleRecording: downloads disabled, skipping", "callSID", callSID)
		return "", nil
	}

	if recordingURL == "" {
		if m.cfg.Lookup == nil {
			return "", ErrNoRecording
		}
		rec, err := m.cfg.Lookup.LatestRecording(ctx, callSID)
		if err != nil {
			return "", fmt.Errorf("recording lookup failed: %w", err)
		}
		if rec == nil {
			return "", ErrNoRecording
		}
		recordingURL = rec.MediaURL
		slog.Debug("Manager.HandleRecording: recording found via API", "callSID", callSID, "recordingSID", rec.SID)
	}

	path, err := m.Download(ctx, callSID, recordingURL)
	if err != nil {
		return "", err
	}
	if m.cfg.Transcriber == nil {
		return path, nil
	}
	if err := m.Enrich(ctx, callSID, path); err != nil {
		slog.Warn("Manager.HandleRecording: whisper enrichment failed", "callSID", callSID, "error", err)
		return path, err
	}
	return path, nil
}

// Download fetches <recordingURL>.mp3 into Dir/<callSID>.mp3, retrying not-yet-available
// and server errors with backoff.
func (m *Manager) Download(ctx context.Context, callSID, recordingURL string) (string, error) {
	if !validCallSID.MatchString(callSID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCallSID, callSID)
	}
	if !strings.HasPrefix(recordingURL, m.cfg.MediaBaseURL) {
		return "", fmt.Errorf("%w: %s", ErrUntrustedURL, recordingURL)
	}
	mediaURL := strings.TrimSuffix(recordingURL, ".mp3") + ".mp3"

	if err := os.MkdirAll(m.cfg.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create recordings directory: %w", err)
	}
	dest := filepath.Join(m.cfg.Dir, callSID+".mp3")

	var lastErr error
	for attempt := 0; attempt < m.cfg.Attempts; attempt++ {
		if attempt > 0 {
			delay := util.Backoff(m.cfg.RetryDelay, attempt-1)
			slog.Debug("Manager.Download: retrying", "callSID", callSID, "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
		n, retry, err := m.fetch(ctx, mediaURL, dest)
		if err == nil {
			slog.Info("Manager.Download: recording saved", "callSID", callSID, "path", dest, "bytes", n)
			return dest, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	slog.Error("Manager.Download: recording download failed", "callSID", callSID, "error", lastErr)
	return "", lastErr
}

// fetch performs one download attempt. retry reports whether the failure is worth retrying.
func (m *Manager) fetch(ctx context.Context, mediaURL, dest string) (n int64, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to build download request: %w", err)
	}
	if m.cfg.AccountSID != "" {
		req.SetBasicAuth(m.cfg.AccountSID, m.cfg.AuthToken)
	}
	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, ctx.Err() == nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		retry = resp.StatusCode == http.StatusNotFound || resp.StatusCode >= 500
		return 0, retry, fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.tmp")
	if err != nil {
		return 0, false, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	n, err = io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, true, fmt.Errorf("failed to write recording: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return 0, false, fmt.Errorf("failed to move recording into place: %w", err)
	}
	return n, false, nil
}

// Enrich transcribes audioPath and stores the result on the call's transcript. A
// transcript that does not exist yet is created so the result is not lost.
func (m *Manager) Enrich(ctx context.Context, callSID, audioPath string) error {
	if m.cfg.Transcriber == nil {
		return nil
	}
	whisper, err := m.cfg.Transcriber.Transcribe(ctx, audioPath)
	m.cfg.Metrics.Transcribed(err)
	if err != nil {
		return fmt.Errorf("transcription failed: %w", err)
	}
	if m.cfg.Store == nil {
		slog.Warn("Manager.Enrich: no transcript store, discarding transcription", "callSID", callSID)
		return nil
	}

	doc, err := m.cfg.Store.Load(callSID)
	if err != nil {
		return fmt.Errorf("failed to load transcript: %w", err)
	}
	if doc == nil {
		doc = &models.Transcript{
			CallSID:   callSID,
			Timestamp: time.Now(),
			Status:    models.TranscriptStatusCompleted,
		}
	}
	doc.Whisper = whisper
	if err := m.cfg.Store.Save(*doc); err != nil {
		m.cfg.Metrics.PersistenceFailed()
		return fmt.Errorf("failed to save enriched transcript: %w", err)
	}

	ev := events.CallEvent{
		CallSID:         doc.CallSID,
		RunID:           doc.RunID,
		Scenario:        doc.ScenarioName,
		TurnCount:       doc.TurnCount,
		GoalMet:         doc.GoalMet,
		Ended:           doc.Ended,
		DurationSeconds: doc.DurationSeconds,
		At:              time.Now(),
	}
	if err := m.cfg.Publisher.Publish(events.SubjectTranscriptEnriched, ev); err != nil {
		slog.Warn("Manager.Enrich: event not sent", "callSID", callSID, "error", err)
	}
	slog.Info("Manager.Enrich: whisper transcription stored", "callSID", callSID, "chars", len(whisper.FullText))
	return nil
}

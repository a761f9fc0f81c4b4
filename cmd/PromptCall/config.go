package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/PromptCall/internal/api"
	"github.com/BTreeMap/PromptCall/internal/flow"
	"github.com/BTreeMap/PromptCall/internal/genai"
	"github.com/BTreeMap/PromptCall/internal/recording"
	"github.com/BTreeMap/PromptCall/internal/store"
	"github.com/BTreeMap/PromptCall/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir holds transcripts, recordings, debug dumps and the lock file
	DefaultStateDir = "data"
	// DefaultScenariosDir holds one <name>.yaml per scenario
	DefaultScenariosDir = "scenarios"
	// DefaultScenariosFile is the legacy multi-scenario file
	DefaultScenariosFile = "scenarios.yaml"
)

// Config holds environment configuration. Command-line flags override it.
type Config struct {
	AccountSID     string
	AuthToken      string
	FromNumber     string
	TestLineNumber string
	BaseURL        string

	OpenAIKey   string
	OpenAIModel string
	LLMTimeout  time.Duration
	GenAIDebug  bool

	APIAddr         string
	StateDir        string
	ScenariosDir    string
	ScenariosFile   string
	DefaultScenario string
	TranscriptDSN   string

	DownloadRecordings bool
	UseWhisper         bool
	ValidateSignature  bool

	NATSURL   string
	NATSToken string

	LogLevel  string
	LogFormat string
}

// loadEnvironmentConfig loads configuration from a .env file and the environment.
// Variables already set in the environment win over the .env file.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		AccountSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		AuthToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		FromNumber:     os.Getenv("TWILIO_PHONE_NUMBER"),
		TestLineNumber: os.Getenv("TEST_LINE_NUMBER"),
		BaseURL:        strings.TrimRight(os.Getenv("BASE_URL"), "/"),

		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: util.StringEnv("OPENAI_MODEL", genai.DefaultModel),
		LLMTimeout:  util.ParseDurationEnv("LLM_TIMEOUT", flow.DefaultGenerationTimeout),
		GenAIDebug:  util.ParseBoolEnv("GENAI_DEBUG", false),

		APIAddr:         util.StringEnv("API_ADDR", api.DefaultAddr),
		StateDir:        util.StringEnv("PROMPTCALL_STATE_DIR", DefaultStateDir),
		ScenariosDir:    util.StringEnv("SCENARIOS_DIR", DefaultScenariosDir),
		ScenariosFile:   util.StringEnv("SCENARIOS_FILE", DefaultScenariosFile),
		DefaultScenario: util.StringEnv("DEFAULT_SCENARIO", api.DefaultScenario),
		TranscriptDSN:   os.Getenv("TRANSCRIPT_DSN"),

		DownloadRecordings: util.ParseBoolEnv("DOWNLOAD_RECORDINGS", true),
		UseWhisper:         util.ParseBoolEnv("USE_WHISPER_TRANSCRIPTION", false),
		ValidateSignature:  util.ParseBoolEnv("VALIDATE_TWILIO_SIGNATURE", false),

		NATSURL:   os.Getenv("NATS_URL"),
		NATSToken: os.Getenv("NATS_TOKEN"),

		LogLevel:  util.StringEnv("LOG_LEVEL", "info"),
		LogFormat: util.StringEnv("LOG_FORMAT", "text"),
	}

	slog.Debug("environment variables loaded",
		"TWILIO_ACCOUNT_SID_SET", config.AccountSID != "",
		"TWILIO_AUTH_TOKEN_SET", config.AuthToken != "",
		"TWILIO_PHONE_NUMBER_SET", config.FromNumber != "",
		"BASE_URL", config.BaseURL,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"PROMPTCALL_STATE_DIR", config.StateDir,
		"TRANSCRIPT_DSN_SET", config.TranscriptDSN != "",
		"NATS_URL_SET", config.NATSURL != "")
	return config
}

// initializeLogger installs the process-wide slog logger.
func initializeLogger(w io.Writer, level, format string) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildStoreOptions constructs transcript store options
func buildStoreOptions(cfg Config) []store.Option {
	opts := []store.Option{store.WithDir(cfg.StateDir)}
	if cfg.TranscriptDSN != "" {
		opts = append(opts, store.WithDSN(cfg.TranscriptDSN))
	}
	return opts
}

// buildGenAIOptions constructs OpenAI client options. No request timeout is set here:
// chat turns are bounded by the composer and transcriptions by the recording handler.
func buildGenAIOptions(cfg Config) []genai.Option {
	opts := []genai.Option{
		genai.WithModel(cfg.OpenAIModel),
		genai.WithDebugMode(cfg.GenAIDebug),
		genai.WithStateDir(cfg.StateDir),
	}
	if cfg.OpenAIKey != "" {
		opts = append(opts, genai.WithAPIKey(cfg.OpenAIKey))
	}
	return opts
}

// buildAPIOptions constructs API server options
func buildAPIOptions(cfg Config) []api.Option {
	opts := []api.Option{
		api.WithAddr(cfg.APIAddr),
		api.WithBaseURL(cfg.BaseURL),
		api.WithDefaultScenario(cfg.DefaultScenario),
		api.WithTestLineNumber(cfg.TestLineNumber),
	}
	if cfg.ValidateSignature {
		if cfg.AuthToken == "" {
			slog.Warn("VALIDATE_TWILIO_SIGNATURE set without TWILIO_AUTH_TOKEN, signatures not checked")
		} else {
			opts = append(opts, api.WithSignatureValidation(cfg.AuthToken))
		}
	}
	return opts
}

// buildRecordingOptions constructs recording manager options
func buildRecordingOptions(cfg Config) []recording.Option {
	return []recording.Option{
		recording.WithCredentials(cfg.AccountSID, cfg.AuthToken),
		recording.WithDir(filepath.Join(cfg.StateDir, recording.DefaultSubdir)),
		recording.WithDownload(cfg.DownloadRecordings),
	}
}

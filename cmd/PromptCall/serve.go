package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BTreeMap/PromptCall/internal/api"
	"github.com/BTreeMap/PromptCall/internal/events"
	"github.com/BTreeMap/PromptCall/internal/flow"
	"github.com/BTreeMap/PromptCall/internal/genai"
	"github.com/BTreeMap/PromptCall/internal/lockfile"
	"github.com/BTreeMap/PromptCall/internal/metrics"
	"github.com/BTreeMap/PromptCall/internal/recording"
	"github.com/BTreeMap/PromptCall/internal/scenario"
	"github.com/BTreeMap/PromptCall/internal/store"
	"github.com/BTreeMap/PromptCall/internal/telephony"
	"github.com/spf13/cobra"
)

func newServeCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server that plays the patient",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.APIAddr, "addr", cfg.APIAddr, "listen address (overrides $API_ADDR)")
	f.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "public URL Twilio reaches this server on (overrides $BASE_URL)")
	f.StringVar(&cfg.OpenAIKey, "openai-api-key", cfg.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	f.StringVar(&cfg.OpenAIModel, "model", cfg.OpenAIModel, "chat model for patient replies (overrides $OPENAI_MODEL)")
	f.DurationVar(&cfg.LLMTimeout, "llm-timeout", cfg.LLMTimeout, "bound on one reply generation (overrides $LLM_TIMEOUT)")
	f.StringVar(&cfg.DefaultScenario, "default-scenario", cfg.DefaultScenario, "scenario used when a webhook names none (overrides $DEFAULT_SCENARIO)")
	f.BoolVar(&cfg.DownloadRecordings, "download-recordings", cfg.DownloadRecordings, "download call recordings (overrides $DOWNLOAD_RECORDINGS)")
	f.BoolVar(&cfg.UseWhisper, "whisper", cfg.UseWhisper, "transcribe recordings with Whisper (overrides $USE_WHISPER_TRANSCRIPTION)")
	f.BoolVar(&cfg.ValidateSignature, "validate-signature", cfg.ValidateSignature, "reject unsigned webhooks (overrides $VALIDATE_TWILIO_SIGNATURE)")
	f.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "publish call events to this NATS server (overrides $NATS_URL)")
	return cmd
}

func runServe(ctx context.Context, cfg Config) error {
	lock, err := lockfile.Acquire(cfg.StateDir, "serve "+cfg.APIAddr)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.New(buildStoreOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("failed to open transcript store: %w", err)
	}
	defer st.Close()

	gen, err := genai.NewClient(buildGenAIOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("failed to create OpenAI client: %w", err)
	}

	m := metrics.New()

	var publisher events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		nc, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSToken)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		publisher = nc
	}
	defer publisher.Close()

	loader := scenario.NewLoader(scenario.WithDir(cfg.ScenariosDir), scenario.WithLegacyFile(cfg.ScenariosFile))
	if defs, err := loader.List(); err != nil {
		slog.Warn("serve: failed to list scenarios", "error", err)
	} else {
		slog.Info("serve: scenarios available", "count", len(defs), "default", cfg.DefaultScenario)
	}

	recOpts := append(buildRecordingOptions(cfg),
		recording.WithStore(st),
		recording.WithPublisher(publisher),
		recording.WithMetrics(m),
	)
	if cfg.UseWhisper {
		recOpts = append(recOpts, recording.WithTranscriber(gen))
	}
	apiOpts := append(buildAPIOptions(cfg), api.WithMetrics(m))

	tel, err := telephony.NewClient(
		telephony.WithAccountSID(cfg.AccountSID),
		telephony.WithAuthToken(cfg.AuthToken),
		telephony.WithFromNumber(cfg.FromNumber),
	)
	if err != nil {
		slog.Warn("serve: Twilio client not configured, POST /calls and recording lookup disabled", "error", err)
	} else {
		recOpts = append(recOpts, recording.WithLookup(tel))
		apiOpts = append(apiOpts, api.WithCaller(tel))
	}
	apiOpts = append(apiOpts, api.WithRecordings(recording.NewManager(recOpts...)))

	conv := flow.NewConversation(
		flow.NewRegistry(loader),
		flow.NewReplyComposer(gen, cfg.LLMTimeout),
		flow.WithTranscriptSink(st),
		flow.WithPublisher(publisher),
		flow.WithMetrics(m),
	)

	if cfg.BaseURL == "" {
		slog.Warn("serve: BASE_URL not set, outbound calls cannot be placed")
	}
	slog.Info("Bootstrapping PromptCall server", "addr", cfg.APIAddr, "stateDir", cfg.StateDir,
		"model", cfg.OpenAIModel, "whisper", cfg.UseWhisper, "downloadRecordings", cfg.DownloadRecordings)
	return api.NewServer(conv, loader, st, apiOpts...).Run(ctx)
}

// Command promptcall places test calls to a voice agent and plays a simulated patient
// on the line, recording every turn for later review.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	// Bootstrap logger so .env loading is visible at debug level
	initializeLogger(os.Stderr, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	cfg := loadEnvironmentConfig()
	if err := newRootCmd(&cfg).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Flag defaults come from cfg, so flags override
// the environment.
func newRootCmd(cfg *Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "promptcall",
		Short: "Test-call a voice agent with a simulated patient",
		Long: `promptcall places outbound calls to a voice agent under test. A language model
plays the patient described by a scenario, and every turn is saved as a transcript.

Examples:
  promptcall serve
  promptcall call refill_request --to +15551234567
  promptcall scenarios
  promptcall analyze CA0123456789abcdef`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initializeLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for transcripts and recordings (overrides $PROMPTCALL_STATE_DIR)")
	pf.StringVar(&cfg.ScenariosDir, "scenarios-dir", cfg.ScenariosDir, "directory of <name>.yaml scenarios (overrides $SCENARIOS_DIR)")
	pf.StringVar(&cfg.ScenariosFile, "scenarios-file", cfg.ScenariosFile, "legacy multi-scenario YAML file (overrides $SCENARIOS_FILE)")
	pf.StringVar(&cfg.TranscriptDSN, "transcript-dsn", cfg.TranscriptDSN, "SQLite path or Postgres DSN; empty stores JSON files (overrides $TRANSCRIPT_DSN)")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	pf.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json (overrides $LOG_FORMAT)")

	root.AddCommand(
		newServeCmd(cfg),
		newCallCmd(cfg),
		newScenariosCmd(cfg),
		newAnalyzeCmd(cfg),
	)
	return root
}

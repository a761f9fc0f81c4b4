package main

import (
	"fmt"
	"log/slog"

	"github.com/BTreeMap/PromptCall/internal/scenario"
	"github.com/BTreeMap/PromptCall/internal/telephony"
	"github.com/spf13/cobra"
)

func newCallCmd(cfg *Config) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "call [scenario]",
		Short: "Place one test call; a running server handles the conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := cfg.DefaultScenario
			if len(args) == 1 {
				name = args[0]
			}
			if to == "" {
				to = cfg.TestLineNumber
			}
			if to == "" {
				return fmt.Errorf("no destination: pass --to or set TEST_LINE_NUMBER")
			}

			loader := scenario.NewLoader(scenario.WithDir(cfg.ScenariosDir), scenario.WithLegacyFile(cfg.ScenariosFile))
			if _, err := loader.Scenario(name); err != nil {
				return err
			}

			tel, err := telephony.NewClient(
				telephony.WithAccountSID(cfg.AccountSID),
				telephony.WithAuthToken(cfg.AuthToken),
				telephony.WithFromNumber(cfg.FromNumber),
			)
			if err != nil {
				return err
			}
			callSID, err := tel.PlaceCall(cmd.Context(), telephony.CallRequest{To: to, BaseURL: cfg.BaseURL, Scenario: name})
			if err != nil {
				slog.Error("call: failed to place call", "error", err, "hint", telephony.FailureHint(err))
				return fmt.Errorf("%w (%s)", err, telephony.FailureHint(err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Call placed: %s\nScenario:    %s\nTo:          %s\n", callSID, name, to)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "number to dial in E.164 format (defaults to $TEST_LINE_NUMBER)")
	cmd.Flags().StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "public URL of the running server (overrides $BASE_URL)")
	cmd.Flags().StringVar(&cfg.DefaultScenario, "default-scenario", cfg.DefaultScenario, "scenario when none is given (overrides $DEFAULT_SCENARIO)")
	return cmd
}

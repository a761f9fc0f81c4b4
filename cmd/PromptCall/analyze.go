package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/BTreeMap/PromptCall/internal/models"
	"github.com/BTreeMap/PromptCall/internal/store"
	"github.com/spf13/cobra"
)

func newAnalyzeCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <call_sid>",
		Short: "Print a stored transcript for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.New(buildStoreOptions(*cfg)...)
			if err != nil {
				return err
			}
			defer st.Close()
			doc, err := st.Load(args[0])
			if err != nil {
				return err
			}
			if doc == nil {
				return fmt.Errorf("no transcript for call %s", args[0])
			}
			writeAnalysis(cmd.OutOrStdout(), doc)
			return nil
		},
	}
}

// writeAnalysis renders a transcript as a human-readable report.
func writeAnalysis(w io.Writer, doc *models.Transcript) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Call:      %s\n", doc.CallSID)
	fmt.Fprintf(w, "Status:    %s\n", doc.Status)
	fmt.Fprintf(w, "Scenario:  %s\n", doc.ScenarioName)
	if info := doc.ScenarioInfo; info != nil {
		fmt.Fprintf(w, "Test type: %s\n", info.TestType)
		if info.Description != "" {
			fmt.Fprintf(w, "About:     %s\n", info.Description)
		}
	}
	fmt.Fprintf(w, "Turns:     %d\n", doc.TurnCount)
	fmt.Fprintf(w, "Goal met:  %t\n", doc.GoalMet)
	if doc.DurationSeconds > 0 {
		fmt.Fprintf(w, "Duration:  %ds\n", doc.DurationSeconds)
	}
	if !doc.Timestamp.IsZero() {
		fmt.Fprintf(w, "Started:   %s\n", doc.Timestamp.Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Fprintln(w, rule)

	fmt.Fprintln(w, "\nTranscript:")
	for _, turn := range doc.Turns {
		speaker := "Patient"
		if turn.Speaker == models.SpeakerAgent {
			speaker = "Agent"
		}
		line := fmt.Sprintf("  [%d] %s: %s", turn.Turn, speaker, turn.Text)
		if turn.Confidence != nil {
			line += fmt.Sprintf(" (confidence %.2f)", *turn.Confidence)
		}
		fmt.Fprintln(w, line)
	}

	if wt := doc.Whisper; wt != nil {
		fmt.Fprintf(w, "\nWhisper transcription (%.1fs, %s):\n", wt.Duration, wt.Language)
		for _, seg := range wt.Segments {
			fmt.Fprintf(w, "  [%6.1f - %6.1f] %s\n", seg.Start, seg.End, strings.TrimSpace(seg.Text))
		}
		if len(wt.Segments) == 0 {
			fmt.Fprintf(w, "  %s\n", wt.FullText)
		}
	}
}

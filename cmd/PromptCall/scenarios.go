package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/BTreeMap/PromptCall/internal/scenario"
	"github.com/spf13/cobra"
)

func newScenariosCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List available scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := scenario.NewLoader(scenario.WithDir(cfg.ScenariosDir), scenario.WithLegacyFile(cfg.ScenariosFile))
			defs, err := loader.List()
			if err != nil {
				return err
			}
			if len(defs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No scenarios found in %s or %s\n", cfg.ScenariosDir, cfg.ScenariosFile)
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTYPE\tDESCRIPTION")
			for _, def := range defs {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", def.Name, def.TestType, def.Description)
			}
			return tw.Flush()
		},
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/preset"
)

func newPresetsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List the configured manifest presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			presets, err := preset.Load(ctx.cfg.PresetsFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(presets) == 0 {
				fmt.Fprintf(out, "No presets in %s\n", ctx.cfg.PresetsFile)
				return nil
			}
			rows := make([][]string, 0, len(presets))
			for _, p := range presets {
				rows = append(rows, []string{p.Name, p.URI.Redacted(), string(p.Credentials.Kind())})
			}
			fmt.Fprintln(out, renderTable([]string{"Name", "URI", "Credentials"}, rows, nil))
			return nil
		},
	}
}

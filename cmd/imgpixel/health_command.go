package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tendant/imgpixel/pkg/runner"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the background-removal service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRunner(cmd.Context(), func(r *runner.Runner) error {
				status, err := r.Health(cmd.Context())
				if err != nil {
					return err
				}
				model := "not loaded"
				if status.ModelLoaded {
					model = "loaded"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (api %s, model %s)\n", r.Client().BaseURL(), status.Status, status.API, model)
				return nil
			})
		},
	}
}

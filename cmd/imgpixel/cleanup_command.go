package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tendant/imgpixel/pkg/runner"
)

func newCleanupCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup <identifier>...",
		Short: "Delete master or export files from the service",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRunner(cmd.Context(), func(r *runner.Runner) error {
				for _, id := range args {
					removed, err := r.Cleanup(cmd.Context(), id)
					if err != nil {
						return fmt.Errorf("cleanup %s: %w", id, err)
					}
					status := "not found"
					if removed {
						status = "removed"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", id, status)
				}
				return nil
			})
		},
	}
}

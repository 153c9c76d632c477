package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/tendant/imgpixel/internal/ledger"
	"github.com/tendant/imgpixel/pkg/runner"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent exports from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRunner(cmd.Context(), func(r *runner.Runner) error {
				exports, err := r.History(cmd.Context(), limit)
				if errors.Is(err, runner.ErrLedgerDisabled) {
					return fmt.Errorf("%w: set IMGPIXEL_LEDGER_DSN or ledger_dsn", err)
				}
				if err != nil {
					return err
				}
				if len(exports) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No exports recorded")
					return nil
				}

				fmt.Fprintln(cmd.OutOrStdout(), renderHistory(exports))
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of exports to show (0 for all)")
	return cmd
}

// renderHistory lays out exports newest first with the ID column right aligned
func renderHistory(exports []ledger.Export) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"ID", "Created", "Options", "Filename", "Master", "Output"})
	for _, e := range exports {
		tw.AppendRow(table.Row{
			e.ID,
			e.CreatedAt.Local().Format(time.DateTime),
			e.Options.String(),
			e.Filename,
			e.MasterFile,
			e.OutputFile,
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Name: "ID", Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tendant/imgpixel/pkg/pipeline"
	"github.com/tendant/imgpixel/pkg/runner"
)

func newProcessCommand(ctx *commandContext) *cobra.Command {
	var (
		exportSpecs []string
		outDir      string
		cleanup     bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "process <image>",
		Short: "Remove the background of an image and save one or more exports",
		Example: "  imgpixel process photo.jpg\n" +
			"  imgpixel process photo.jpg --export png:hd --export webp:4k --out ./exports",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if outDir != "" {
				cfg.OutputDir = outDir
			}
			if metricsAddr == "" {
				metricsAddr = cfg.MetricsAddr
			}

			ext := strings.ToLower(filepath.Ext(args[0]))
			if !slices.Contains(pipeline.AllowedUploadExtensions, ext) {
				return fmt.Errorf("unsupported file extension %q (allowed: %s)", ext, strings.Join(pipeline.AllowedUploadExtensions, ", "))
			}

			base, err := cfg.ExportDefaults()
			if err != nil {
				return err
			}
			exports := make([]pipeline.ExportOptions, 0, len(exportSpecs))
			for _, spec := range exportSpecs {
				opts, err := pipeline.ParseExportSpec(spec, base)
				if err != nil {
					return fmt.Errorf("invalid --export %q: %w", spec, err)
				}
				exports = append(exports, opts)
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return ctx.withRunner(runCtx, func(r *runner.Runner) error {
				if metricsAddr != "" {
					shutdown := serveMetrics(metricsAddr, r.MetricsHandler())
					defer shutdown()
				}

				result, err := r.ProcessFile(runCtx, args[0], exports, cleanup)
				if result != nil {
					printResult(cmd, result)
				}
				return err
			})
		},
	}

	cmd.Flags().StringArrayVarP(&exportSpecs, "export", "e", nil, "Export as format:resolution (repeatable), e.g. webp:hd")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Directory to save exports to")
	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "Delete the master and exports from the service afterwards")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address while processing")

	return cmd
}

func printResult(cmd *cobra.Command, result *runner.ProcessResult) {
	out := cmd.OutOrStdout()
	if result.MasterFile != "" {
		fmt.Fprintf(out, "Background removed: %s (master %s)\n", result.Source, result.MasterFile)
	}
	if result.SeenCount > 1 {
		fmt.Fprintf(out, "Same image processed %d times\n", result.SeenCount)
	}
	for _, e := range result.Exports {
		fmt.Fprintf(out, "Saved %s -> %s\n", e.Options, e.Location)
	}
}

func serveMetrics(addr string, handler http.Handler) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

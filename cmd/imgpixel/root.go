package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tendant/imgpixel/internal/config"
	"github.com/tendant/imgpixel/internal/logging"
	"github.com/tendant/imgpixel/pkg/runner"
)

type commandContext struct {
	configPath *string
	logLevel   *string
	cfg        *config.Config
}

func newCommandContext(configPath, logLevel *string) *commandContext {
	return &commandContext{configPath: configPath, logLevel: logLevel}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if *c.logLevel != "" {
		cfg.LogLevel = *c.logLevel
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

// withRunner builds a runner for one command and shuts it down afterwards
func (c *commandContext) withRunner(ctx context.Context, fn func(r *runner.Runner) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	r, err := runner.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.Shutdown(context.Background())
	return fn(r)
}

func newRootCommand() *cobra.Command {
	var configFlag string
	var logLevelFlag string

	ctx := newCommandContext(&configFlag, &logLevelFlag)

	rootCmd := &cobra.Command{
		Use:           "imgpixel",
		Short:         "Remove image backgrounds and export the result",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newProcessCommand(ctx))
	rootCmd.AddCommand(newHealthCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newCleanupCommand(ctx))

	return rootCmd
}

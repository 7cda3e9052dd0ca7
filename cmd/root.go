// Package cmd defines and implements the CLI commands for the judex executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmpumuro/judex/internal/config"
	"github.com/jmpumuro/judex/internal/logging"
	"github.com/jmpumuro/judex/internal/server"
)

type configKeyType string

const configKey configKeyType = "config"

// newApp is the application factory. It's a variable so tests can wrap it.
var newApp = func(ctx context.Context, cfg config.Config, opts ...server.Option) (*server.App, error) {
	return server.Build(ctx, cfg, opts...)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "judex",
		Short: "Real-time progress sync for video evaluation jobs.",
		Long: `judex follows the server-pushed event streams of video evaluation jobs
and reconciles them into a local view model: it maps server ids onto local
entities, turns pipeline stages into a 0-100 percentage, coalesces bursts of
updates, and reconnects dropped streams with bounded backoff.`,
		SilenceUsage: true,

		// Runs before every subcommand so each one sees a validated config.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML/JSON/TOML); JUDEX_* env vars override it")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWatchCmd())

	return cmd
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		logger, lerr := logging.New(false)
		if lerr != nil {
			logger = zap.NewExample()
		}
		logger.Fatal("command execution failed", zap.Error(err))
	}
}

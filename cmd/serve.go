package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand, which runs the control API until
// interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the progress sync engine and its HTTP API",
		Long: `Starts the event loop, the update coalescer and the HTTP API. Jobs are
tracked by POSTing {job_id, entity_id} to /v1/sessions; the view model is read
from /v1/entities.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	app, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run app: %w", err)
	}
	return nil
}

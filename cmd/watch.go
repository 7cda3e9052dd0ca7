package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmpumuro/judex/internal/logging"
	"github.com/jmpumuro/judex/internal/progress/sinks"
	"github.com/jmpumuro/judex/internal/server"
	"github.com/jmpumuro/judex/internal/session"
)

type watchOptions struct {
	jobID    string
	entityID string
	timeout  time.Duration
}

// newWatchCmd creates the 'watch' subcommand, which follows a single job
// until it reaches a terminal state.
func newWatchCmd() *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follows one evaluation job and logs every flushed update",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatchCommand(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.jobID, "job", "", "server job id to follow")
	cmd.Flags().StringVar(&opts.entityID, "entity", "", "local entity id to update (defaults to the job id)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "give up after this long (0 waits forever)")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func runWatchCommand(cmd *cobra.Command, opts watchOptions) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	if opts.entityID == "" {
		opts.entityID = opts.jobID
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	done := make(chan session.Outcome, 1)
	key := session.KeyFor(opts.jobID)
	notifier := session.NotifierFunc(func(_ context.Context, o session.Outcome) error {
		if o.Key == key {
			select {
			case done <- o:
			default:
			}
		}
		return nil
	})

	base, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = base.Sync() }()
	logger := base.Named("watch")

	app, err := newApp(ctx, cfg,
		server.WithLogger(base),
		server.WithNotifier(notifier),
		server.WithSink(sinks.NewLogSink(logger)),
	)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		if cerr := app.Close(closeCtx); cerr != nil {
			logger.Warn("close failed", zap.Error(cerr))
		}
	}()

	if err := app.Manager().Connect(opts.jobID, opts.entityID, nil, 0); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	logger.Info("watching job", zap.String("job_id", opts.jobID), zap.String("entity_id", opts.entityID))

	select {
	case o := <-done:
		logger.Info("job finished",
			zap.String("job_id", o.JobID),
			zap.String("reason", string(o.Reason)),
			zap.Int("retry_count", o.RetryCount),
		)
		switch o.Reason {
		case session.ReasonFailed, session.ReasonRetriesExhausted:
			return fmt.Errorf("job %s ended: %s", o.JobID, o.Reason)
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("watch job %s: %w", opts.jobID, ctx.Err())
		}
		return nil
	}
}

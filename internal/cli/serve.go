package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nickpoorman/http-requeue/internal/service"
	"github.com/spf13/cobra"
)

type ServeOptions struct {
	*RootOptions
	HTTPAddr string
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the requeue daemon",
		Long: `Run the requeue daemon.

Opens the configured store and queues, fires their replay triggers, drops
expired requests and serves the HTTP API until SIGINT or SIGTERM.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.HTTPAddr, "http-addr", "", "override http.addr from the config")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.HTTPAddr != "" {
		cfg.HTTP.Addr = opts.HTTPAddr
	}
	logger, err := opts.logger(cmd.ErrOrStderr(), cfg.Log, true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := service.New(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	if err := s.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "service stopped", err)
	}
	return nil
}

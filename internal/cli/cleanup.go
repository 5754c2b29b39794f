package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type CleanupOptions struct {
	*RootOptions
	QueueFlags
}

type CleanupResult struct {
	Queue     string `json:"queue"`
	Evicted   int    `json:"evicted"`
	Remaining int    `json:"remaining"`
}

func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CleanupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "cleanup",
		Short:         "Drop requests older than the queue's max retention time",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd.Context(), opts, cmd)
		},
	}

	opts.QueueFlags.register(cmd)
	_ = cmd.MarkFlagRequired("queue")

	return cmd
}

func runCleanup(ctx context.Context, opts *CleanupOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, err := opts.logger(cmd.ErrOrStderr(), cfg.Log, false)
	if err != nil {
		return err
	}
	o, err := openQueue(ctx, cfg, &opts.QueueFlags, logger, false, false)
	if err != nil {
		return err
	}
	defer o.close()

	evicted, err := o.queue.CleanupQueue(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "cleanup failed", err)
	}
	remaining, err := o.queue.Len(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count pending requests", err)
	}

	result := CleanupResult{Queue: o.queue.Name(), Evicted: evicted, Remaining: remaining}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Dropped %d expired request(s) from %s, %d remaining\n", result.Evicted, result.Queue, result.Remaining)
	})
}

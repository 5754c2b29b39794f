package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	requeue "github.com/nickpoorman/http-requeue"
	"github.com/spf13/cobra"
)

type ReplayOptions struct {
	*RootOptions
	QueueFlags
}

// ReplayResult summarizes one replay pass.
type ReplayResult struct {
	Queue     string               `json:"queue"`
	Replayed  int                  `json:"replayed"`
	Remaining int                  `json:"remaining"`
	Failures  []ReplayFailureEntry `json:"failures"`
}

type ReplayFailureEntry struct {
	EntryID string `json:"entry_id"`
	Status  int    `json:"status,omitempty"`
	Error   string `json:"error"`
}

func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay every pending request of a queue once",
		Long: `Replay every pending request of a queue once, oldest first.

Delivered requests are removed. Failed ones stay queued and the command
exits with status 1.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, cmd)
		},
	}

	opts.QueueFlags.register(cmd)
	_ = cmd.MarkFlagRequired("queue")

	return cmd
}

func runReplay(ctx context.Context, opts *ReplayOptions, cmd *cobra.Command) error {
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
	o, err := openQueue(ctx, cfg, &opts.QueueFlags, logger, true, false)
	if err != nil {
		return err
	}
	defer o.close()

	before, err := o.queue.Len(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count pending requests", err)
	}

	result := ReplayResult{Queue: o.queue.Name(), Failures: []ReplayFailureEntry{}}
	replayErr := o.queue.ReplayRequests(ctx)
	var re *requeue.ReplayError
	switch {
	case replayErr == nil:
	case errors.As(replayErr, &re):
		for i := range re.Failures {
			f := &re.Failures[i]
			result.Failures = append(result.Failures, ReplayFailureEntry{
				EntryID: f.EntryID,
				Status:  f.Status(),
				Error:   f.Err.Error(),
			})
		}
	default:
		return WrapExitError(ExitCommandError, "replay failed", replayErr)
	}

	result.Remaining, err = o.queue.Len(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count pending requests", err)
	}
	result.Replayed = before - result.Remaining

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if err := out.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Replayed %d request(s) from %s, %d remaining\n", result.Replayed, result.Queue, result.Remaining)
		for _, f := range result.Failures {
			if f.Status != 0 {
				fmt.Fprintf(w, "  %s: status %d: %s\n", f.EntryID, f.Status, f.Error)
				continue
			}
			fmt.Fprintf(w, "  %s: %s\n", f.EntryID, f.Error)
		}
	}); err != nil {
		return err
	}
	if len(result.Failures) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d request(s) failed to replay", len(result.Failures)))
	}
	return nil
}

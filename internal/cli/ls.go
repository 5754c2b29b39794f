package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	requeue "github.com/nickpoorman/http-requeue"
	"github.com/nickpoorman/http-requeue/internal/config"
	"github.com/nickpoorman/http-requeue/internal/queue"
	"github.com/nickpoorman/http-requeue/internal/service"
	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/spf13/cobra"
)

type ListOptions struct {
	*RootOptions
	StoreNames []string
}

func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List the queues in the store with their pending requests",
		Long: `List the queues in the store with their pending requests.

Without --store-name every store name used by the config is listed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.StoreNames, "store-name", nil, "store name to list, repeatable")

	return cmd
}

func storeNames(cfg config.Config) []string {
	seen := map[string]bool{requeue.DefaultStoreName: true}
	for _, q := range cfg.Queues {
		seen[q.StoreNameOrDefault()] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func runList(ctx context.Context, opts *ListOptions, cmd *cobra.Command) error {
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
	st, err := service.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer st.Close()

	names := opts.StoreNames
	if len(names) == 0 {
		names = storeNames(cfg)
	}
	now := time.Now()
	stats := []protocol.QueueStatsMessage{}
	for _, name := range names {
		s, err := queue.NewManager(st, name, logger).Stats(ctx, now)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read queues", err)
		}
		stats = append(stats, s...)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(stats, func(w io.Writer) {
		if len(stats) == 0 {
			fmt.Fprintln(w, "No queues found.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STORE\tQUEUE\tPENDING\tOLDEST\tMAX RETENTION")
		for _, s := range stats {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.StoreName, s.QueueName, s.Pending, s.OldestAge.Truncate(time.Second), s.MaxAge)
		}
		_ = tw.Flush()
	})
}

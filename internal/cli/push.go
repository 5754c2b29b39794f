package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/spf13/cobra"
)

type PushOptions struct {
	*RootOptions
	QueueFlags

	Method      string
	Headers     []string
	Data        string
	EntryConfig string
}

// PushResult is the JSON payload of a successful push.
type PushResult struct {
	Queue     string `json:"queue"`
	StoreName string `json:"store_name"`
	Method    string `json:"method"`
	URL       string `json:"url"`
	Pending   int    `json:"pending"`
}

func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PushOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "push <url>",
		Short: "Queue a request for a later replay",
		Long: `Queue a request for a later replay.

The body is given with --data: a literal string, @file to read a file, or
@- to read stdin. Headers are given as "Name: value".`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(cmd.Context(), opts, args[0], cmd)
		},
	}

	opts.QueueFlags.register(cmd)
	cmd.Flags().StringVarP(&opts.Method, "method", "X", http.MethodPost, "request method")
	cmd.Flags().StringArrayVarP(&opts.Headers, "header", "H", nil, "request header, repeatable")
	cmd.Flags().StringVarP(&opts.Data, "data", "d", "", "request body, @file or @- for stdin")
	cmd.Flags().StringVar(&opts.EntryConfig, "entry-config", "", "JSON config handed back to the replay callbacks")
	_ = cmd.MarkFlagRequired("queue")

	return cmd
}

func runPush(ctx context.Context, opts *PushOptions, url string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	header, err := parseHeaders(opts.Headers)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid header", err)
	}
	body, err := readData(opts.Data, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read body", err)
	}
	var entryCfg protocol.EntryConfig
	if opts.EntryConfig != "" {
		if !json.Valid([]byte(opts.EntryConfig)) {
			return NewExitError(ExitCommandError, "--entry-config is not valid JSON")
		}
		entryCfg = protocol.EntryConfig(opts.EntryConfig)
	}
	req, err := protocol.NewCapturedRequest(strings.ToUpper(opts.Method), url, header, body)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid request", err)
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, err := opts.logger(cmd.ErrOrStderr(), cfg.Log, false)
	if err != nil {
		return err
	}
	o, err := openQueue(ctx, cfg, &opts.QueueFlags, logger, false, true)
	if err != nil {
		return err
	}
	defer o.close()

	if err := o.queue.PushCaptured(ctx, req, entryCfg); err != nil {
		return WrapExitError(ExitCommandError, "failed to push", err)
	}
	n, err := o.queue.Len(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count pending requests", err)
	}

	result := PushResult{
		Queue:     o.queue.Name(),
		StoreName: o.queue.StoreName(),
		Method:    req.Method,
		URL:       req.URL,
		Pending:   n,
	}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Queued %s %s in %s (%d pending)\n", result.Method, result.URL, result.Queue, result.Pending)
	})
}

func parseHeaders(raw []string) (http.Header, error) {
	h := make(http.Header, len(raw))
	for _, line := range raw {
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, fmt.Errorf("%q: want \"Name: value\"", line)
		}
		h.Add(strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]))
	}
	return h, nil
}

func readData(data string, stdin io.Reader) ([]byte, error) {
	switch {
	case data == "@-":
		return io.ReadAll(stdin)
	case strings.HasPrefix(data, "@"):
		return os.ReadFile(data[1:])
	case data == "":
		return nil, nil
	}
	return []byte(data), nil
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	requeue "github.com/nickpoorman/http-requeue"
	"github.com/nickpoorman/http-requeue/internal/config"
	"github.com/nickpoorman/http-requeue/internal/service"
	"github.com/nickpoorman/http-requeue/store"
	"github.com/nickpoorman/http-requeue/transport"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// QueueFlags select a queue in the configured store.
type QueueFlags struct {
	Queue        string
	StoreName    string
	MaxRetention time.Duration
}

func (f *QueueFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.Queue, "queue", "q", "", "queue name (required)")
	fs.StringVar(&f.StoreName, "store-name", requeue.DefaultStoreName, "store name the queue lives in")
	fs.DurationVar(&f.MaxRetention, "max-retention", 0, "override the queue's max retention time")
}

// configured reports whether the config declares the selected queue.
func (f *QueueFlags) configured(cfg config.Config) bool {
	for _, q := range cfg.Queues {
		if q.Name == f.Queue && q.StoreNameOrDefault() == f.StoreName {
			return true
		}
	}
	return false
}

// retention picks the flag, then the queue's config entry. Zero leaves the
// retention already stored for the queue, or the default for a new one.
func (f *QueueFlags) retention(cfg config.Config) time.Duration {
	if f.MaxRetention > 0 {
		return f.MaxRetention
	}
	for _, q := range cfg.Queues {
		if q.Name == f.Queue && q.StoreNameOrDefault() == f.StoreName {
			return q.MaxRetention
		}
	}
	return 0
}

// opened is a queue opened outside the daemon along with what it holds open.
type opened struct {
	queue *requeue.SyncQueue
	store store.Store
	close func()
}

// openQueue opens the store from cfg and the queue selected by f. With
// withNATS set and nats.url configured, nats:// requests are routed over NATS.
// Unless create is set, a queue missing from the config must already exist
// in the store.
func openQueue(ctx context.Context, cfg config.Config, f *QueueFlags, logger zerolog.Logger, withNATS, create bool) (*opened, error) {
	if f.Queue == "" {
		return nil, NewExitError(ExitCommandError, "--queue is required")
	}
	st, err := service.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	closers := []func(){func() { _ = st.Close() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	h, err := transport.NewHTTP(
		transport.HTTPTimeout(cfg.Transport.Timeout),
		transport.MaxBodyBytes(cfg.Transport.MaxBodyBytes),
	)
	if err != nil {
		closeAll()
		return nil, WrapExitError(ExitCommandError, "invalid transport config", err)
	}
	schemes := transport.NewSchemes(h)
	if withNATS && cfg.NATS.URL != "" {
		nc, err := service.ConnectNATS(ctx, cfg.NATS, logger)
		if err != nil {
			closeAll()
			return nil, WrapExitError(ExitCommandError, "failed to connect to nats", err)
		}
		closers = append(closers, nc.Close)
		schemes.Handle(transport.URLScheme, transport.NewNATS(nc, "", cfg.Transport.Timeout))
	}

	options := []requeue.Option{
		requeue.QueueName(f.Queue),
		requeue.StoreName(f.StoreName),
		requeue.MaxRetentionTime(f.retention(cfg)),
		requeue.WithStore(st),
		requeue.WithTransport(schemes),
		requeue.WithLogger(logger),
	}
	if !create && !f.configured(cfg) {
		options = append(options, requeue.MustExist())
	}
	q, err := requeue.New(ctx, options...)
	if err != nil {
		closeAll()
		if errors.Is(err, requeue.ErrQueueNotFound) {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("queue %s not found in store %s", f.Queue, f.StoreName))
		}
		return nil, WrapExitError(ExitCommandError, "failed to open queue", err)
	}
	return &opened{queue: q, store: st, close: closeAll}, nil
}

package requeue

import (
	"context"
	"net/http"
	"time"

	"github.com/nickpoorman/http-requeue/internal/queue"
	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/nickpoorman/http-requeue/store"
	"github.com/nickpoorman/http-requeue/transport"
	"github.com/nickpoorman/http-requeue/trigger"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"
)

const (
	// DefaultQueueName is the prefix of generated queue names. A queue created
	// without a name is called DefaultQueueName + "_" + a unique suffix so two
	// anonymous queues never share entries.
	DefaultQueueName = "bgQueueSyncManager"

	// DefaultStoreName is the store namespace queues are written to.
	DefaultStoreName = "bgQueueSyncDB"

	// DefaultMaxRetentionTime is how long a request may wait to be replayed
	// before CleanupQueue drops it.
	DefaultMaxRetentionTime = 5 * 24 * time.Hour
)

// Entry is a pending request.
type Entry = queue.Entry

func New(ctx context.Context, options ...Option) (*SyncQueue, error) {
	opts := GetDefaultOptions()
	for _, opt := range options {
		if opt != nil {
			if err := opt(&opts); err != nil {
				return nil, err
			}
		}
	}
	return opts.New(ctx)
}

// Option is a function on the options to create a SyncQueue.
type Option func(*Options) error

// QueueName sets the queue name. Entries are only ever visible to queues of
// the same name and store.
func QueueName(name string) Option {
	return func(o *Options) error {
		if err := queue.ValidateName(name); err != nil {
			return &ConfigError{Field: "QueueName", Reason: err.Error()}
		}
		o.QueueName = name
		return nil
	}
}

// MaxRetentionTime sets how long an entry is kept before it is evicted. Zero
// keeps the retention recorded for an existing queue and selects
// DefaultMaxRetentionTime for a new one.
func MaxRetentionTime(d time.Duration) Option {
	return func(o *Options) error {
		if d < 0 {
			return &ConfigError{Field: "MaxRetentionTime", Reason: "must not be negative"}
		}
		o.MaxRetentionTime = d
		return nil
	}
}

// StoreName sets the store namespace.
func StoreName(name string) Option {
	return func(o *Options) error {
		if name == "" {
			return &ConfigError{Field: "StoreName", Reason: "cannot be empty"}
		}
		o.StoreName = name
		return nil
	}
}

// MustExist makes New fail with ErrQueueNotFound when the queue was never
// created in the store, instead of creating it.
func MustExist() Option {
	return func(o *Options) error {
		o.MustExist = true
		return nil
	}
}

// WithCallbacks sets the callbacks invoked during replay.
func WithCallbacks(cb Callbacks) Option {
	return func(o *Options) error {
		o.Callbacks = cb
		return nil
	}
}

// WithStore sets the durable store. Required.
func WithStore(s store.Store) Option {
	return func(o *Options) error {
		o.Store = s
		return nil
	}
}

// WithTransport sets how requests are replayed. Defaults to HTTP.
func WithTransport(t transport.Transport) Option {
	return func(o *Options) error {
		o.Transport = t
		return nil
	}
}

// WithLogger sets the logger. Defaults to the global zerolog logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Options) error {
		o.Logger = logger
		return nil
	}
}

// WithClock replaces time.Now for stamping and expiring entries.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) error {
		if clock == nil {
			return &ConfigError{Field: "Clock", Reason: "cannot be nil"}
		}
		o.Clock = clock
		return nil
	}
}

// Options can be used to create a customized SyncQueue.
type Options struct {
	QueueName        string
	MaxRetentionTime time.Duration
	StoreName        string
	MustExist        bool
	Callbacks        Callbacks

	Store     store.Store
	Transport transport.Transport

	Logger zerolog.Logger
	Clock  func() time.Time
}

func GetDefaultOptions() Options {
	return Options{
		StoreName: DefaultStoreName,
		Logger:    log.Logger,
		Clock:     time.Now,
	}
}

func (o Options) validate() error {
	if o.Store == nil {
		return &ConfigError{Field: "Store", Reason: "a store is required"}
	}
	if o.MaxRetentionTime < 0 {
		return &ConfigError{Field: "MaxRetentionTime", Reason: "must not be negative"}
	}
	if o.StoreName == "" {
		return &ConfigError{Field: "StoreName", Reason: "cannot be empty"}
	}
	if o.QueueName != "" {
		if err := queue.ValidateName(o.QueueName); err != nil {
			return &ConfigError{Field: "QueueName", Reason: err.Error()}
		}
	}
	if o.Clock == nil {
		return &ConfigError{Field: "Clock", Reason: "cannot be nil"}
	}
	return nil
}

// New validates the options and opens the queue.
func (o Options) New(ctx context.Context) (*SyncQueue, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	if o.QueueName == "" {
		o.QueueName = DefaultQueueName + "_" + ksuid.New().String()
	}
	if o.Transport == nil {
		h, err := transport.NewHTTP()
		if err != nil {
			return nil, err
		}
		o.Transport = h
	}

	logger := o.Logger.With().Str("queue", o.QueueName).Logger()
	q, err := queue.Open(ctx, o.Store, queue.Config{
		Name:          o.QueueName,
		StoreName:     o.StoreName,
		MaxAge:        o.MaxRetentionTime,
		DefaultMaxAge: DefaultMaxRetentionTime,
		MustExist:     o.MustExist,
		Clock:         o.Clock,
		Logger:        &o.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &SyncQueue{
		opts:  o,
		queue: q,
		rm: &requestManager{
			transport: o.Transport,
			callbacks: o.Callbacks,
			logger:    logger,
		},
		logger:    logger,
		replaying: make(chan struct{}, 1),
	}, nil
}

// SyncQueue is a durable FIFO of requests waiting to be replayed. It is safe
// for concurrent use; replay passes on one SyncQueue never overlap.
type SyncQueue struct {
	opts   Options
	queue  *queue.Queue
	rm     *requestManager
	logger zerolog.Logger

	// replaying holds a token while a replay pass runs.
	replaying chan struct{}
}

func (q *SyncQueue) Name() string {
	return q.queue.Name()
}

func (q *SyncQueue) StoreName() string {
	return q.queue.StoreName()
}

func (q *SyncQueue) MaxRetentionTime() time.Duration {
	return q.queue.MaxAge()
}

// PushIntoQueue captures req and stores it for a later replay. The body of req
// is read and put back so req stays usable. It returns once the entry is
// durable.
func (q *SyncQueue) PushIntoQueue(ctx context.Context, req *http.Request, cfg protocol.EntryConfig) error {
	c, err := protocol.CaptureRequest(req)
	if err != nil {
		return errors.Wrap(err, "requeue: capturing request")
	}
	return q.PushCaptured(ctx, c, cfg)
}

// PushCaptured stores an already captured request. A capture that could not
// be rebuilt into a request is refused with protocol.ErrInvalidRequest.
func (q *SyncQueue) PushCaptured(ctx context.Context, req protocol.CapturedRequest, cfg protocol.EntryConfig) error {
	if err := req.Validate(); err != nil {
		return err
	}
	_, err := q.queue.Push(ctx, req, cfg)
	return err
}

// ReplayRequests sends every pending request once, oldest first. Successful
// requests are removed; failed ones stay queued and are returned together in a
// *ReplayError. A call made while another pass is running waits for it.
//
// Store errors end the pass immediately. So does ctx: requests already
// replayed stay removed and the rest stay queued.
func (q *SyncQueue) ReplayRequests(ctx context.Context) error {
	select {
	case q.replaying <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-q.replaying }()

	entries, err := q.queue.ListPending(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	q.logger.Debug().Int("pending", len(entries)).Msg("requeue: replaying requests")

	var failures []ReplayFailure
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := q.rm.execute(ctx, e)
		if err != nil {
			failures = append(failures, ReplayFailure{
				EntryID:  e.ID.String(),
				Config:   e.Config,
				Response: resp,
				Err:      err,
			})
			continue
		}
		// A delivered request is removed even if ctx ended during the attempt.
		if err := q.queue.Remove(context.WithoutCancel(ctx), e.ID); err != nil {
			return err
		}
	}

	if len(failures) > 0 {
		q.logger.Info().
			Int("failed", len(failures)).
			Int("replayed", len(entries)-len(failures)).
			Msg("requeue: requests left in queue")
		return &ReplayError{Queue: q.Name(), Failures: failures}
	}
	q.logger.Info().Int("replayed", len(entries)).Msg("requeue: all requests replayed")
	return nil
}

// CleanupQueue removes the entries older than the maximum retention time and
// returns how many were removed.
func (q *SyncQueue) CleanupQueue(ctx context.Context) (int, error) {
	return q.queue.EvictExpired(ctx, q.opts.Clock())
}

// RegisterTrigger runs t, replaying the queue every time it fires. It blocks
// until ctx is done or t fails.
func (q *SyncQueue) RegisterTrigger(ctx context.Context, t trigger.Trigger) error {
	return t.Run(ctx, q.ReplayRequests)
}

// Len returns the number of pending requests.
func (q *SyncQueue) Len(ctx context.Context) (int, error) {
	return q.queue.Len(ctx)
}

// Pending returns the pending requests in replay order.
func (q *SyncQueue) Pending(ctx context.Context) ([]Entry, error) {
	return q.queue.ListPending(ctx)
}

// Stats reports the pending count and the age of the oldest request.
func (q *SyncQueue) Stats(ctx context.Context) (protocol.QueueStatsMessage, error) {
	return q.queue.Stats(ctx, q.opts.Clock())
}

// Package reaper periodically drops the expired requests of a set of queues.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/nickpoorman/http-requeue/internal/ticker"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// The interval in which to sweep the queues for expired requests.
	DefaultReapInterval = 60 * time.Second
)

// Cleaner is a queue that can evict its expired entries.
type Cleaner interface {
	Name() string
	CleanupQueue(ctx context.Context) (int, error)
}

// ReapedCallbackFunc is a callback to trigger when requests were evicted from
// a queue.
type ReapedCallbackFunc func(queue string, evicted int)

type Options struct {
	// The interval in which to sweep the queues.
	reapInterval time.Duration

	// Callbacks to trigger when requests are reaped.
	reapedCallbacks []ReapedCallbackFunc

	logger zerolog.Logger
}

func GetDefaultOptions() Options {
	return Options{
		reapInterval:    DefaultReapInterval,
		reapedCallbacks: make([]ReapedCallbackFunc, 0),
		logger:          log.Logger,
	}
}

// Option is a function on the options for Reaper.
type Option func(*Options) error

// ReapInterval sets the interval in which to sweep the queues.
func ReapInterval(reapInterval time.Duration) Option {
	return func(o *Options) error {
		if reapInterval <= 0 {
			return errors.Errorf("reaper: interval must be positive, got %s", reapInterval)
		}
		o.reapInterval = reapInterval
		return nil
	}
}

// ReapedCallbacks appends a callback to trigger when requests are reaped.
func ReapedCallbacks(callbacks ...ReapedCallbackFunc) Option {
	return func(o *Options) error {
		for _, cb := range callbacks {
			if cb != nil {
				o.reapedCallbacks = append(o.reapedCallbacks, cb)
			}
		}
		return nil
	}
}

func Logger(logger zerolog.Logger) Option {
	return func(o *Options) error {
		o.logger = logger
		return nil
	}
}

type Reaper struct {
	queues []Cleaner
	opts   Options

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewReaper starts sweeping queues in the background until ctx is done or
// Close is called.
func NewReaper(ctx context.Context, queues []Cleaner, options ...Option) (*Reaper, error) {
	opts := GetDefaultOptions()
	for _, opt := range options {
		if opt != nil {
			if err := opt(&opts); err != nil {
				return nil, err
			}
		}
	}

	reaper := &Reaper{
		queues: queues,
		opts:   opts,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go reaper.initBackgroundTasks(ctx)
	return reaper, nil
}

func (r *Reaper) initBackgroundTasks(ctx context.Context) {
	defer close(r.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	t := ticker.New(r.opts.reapInterval)
	t.Loop(ctx, func() bool {
		r.Reap(ctx)
		return true
	})
}

// Close stops the reaper and waits for a running sweep to finish.
func (r *Reaper) Close() {
	r.once.Do(func() {
		close(r.quit)
	})
	<-r.done
}

// Reap sweeps every queue once and returns the total number of evicted
// requests. A queue that fails is logged and skipped.
func (r *Reaper) Reap(ctx context.Context) int {
	var total int
	for _, q := range r.queues {
		if ctx.Err() != nil {
			return total
		}
		n, err := q.CleanupQueue(ctx)
		if err != nil {
			r.opts.logger.Err(err).
				Str("queue", q.Name()).
				Msg("reaper: unable to clean up queue")
			continue
		}
		if n > 0 {
			r.opts.logger.Debug().
				Str("queue", q.Name()).
				Int("evicted", n).
				Msg("reaper: evicted expired requests")
			r.triggerReapedCallbacks(q.Name(), n)
		}
		total += n
	}
	return total
}

func (r *Reaper) triggerReapedCallbacks(queue string, n int) {
	for _, cb := range r.opts.reapedCallbacks {
		cb(queue, n)
	}
}

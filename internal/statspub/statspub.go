// Package statspub periodically publishes queue stats on NATS.
package statspub

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nickpoorman/http-requeue/internal/ticker"
	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultStatsPublisherInterval = 5 * time.Second
	StatsSubject                  = "_requeue._stats"
)

// Source reports the stats of a group of queues, usually a queue.Manager.
type Source interface {
	Stats(ctx context.Context, now time.Time) ([]protocol.QueueStatsMessage, error)
}

// Options can be used to set custom options for a StatsPublisher.
type Options struct {
	// On this interval, the stats will be published.
	pubInterval time.Duration
	subject     string
	clock       func() time.Time
	logger      zerolog.Logger
}

func OptionsDefault() Options {
	return Options{
		pubInterval: DefaultStatsPublisherInterval,
		subject:     StatsSubject,
		clock:       time.Now,
		logger:      log.Logger,
	}
}

// Option is a function on the options for a StatsPublisher.
type Option func(*Options) error

// On this interval, the stats will be published.
func StatsPublishInterval(interval time.Duration) Option {
	return func(o *Options) error {
		if interval <= 0 {
			return errors.Errorf("statspub: interval must be positive, got %s", interval)
		}
		o.pubInterval = interval
		return nil
	}
}

// Subject overrides StatsSubject.
func Subject(subject string) Option {
	return func(o *Options) error {
		if subject == "" {
			return errors.New("statspub: subject cannot be empty")
		}
		o.subject = subject
		return nil
	}
}

func Clock(clock func() time.Time) Option {
	return func(o *Options) error {
		o.clock = clock
		return nil
	}
}

func Logger(logger zerolog.Logger) Option {
	return func(o *Options) error {
		o.logger = logger
		return nil
	}
}

type StatsPublisher struct {
	sources    []Source
	nc         *nats.Conn
	instanceId string

	opts Options

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func NewStatsPublisher(ctx context.Context, nc *nats.Conn, sources []Source, instanceId string, options ...Option) (*StatsPublisher, error) {
	opts := OptionsDefault()
	for _, opt := range options {
		if opt != nil {
			if err := opt(&opts); err != nil {
				return nil, err
			}
		}
	}

	sp := &StatsPublisher{
		sources:    sources,
		nc:         nc,
		instanceId: instanceId,
		opts:       opts,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go sp.initBackgroundTasks(ctx)

	return sp, nil
}

func (sp *StatsPublisher) initBackgroundTasks(ctx context.Context) {
	defer close(sp.done)

	t := ticker.New(sp.opts.pubInterval)
	go func() {
		select {
		case <-sp.quit:
		case <-ctx.Done():
		}
		t.Stop()
	}()
	t.Loop(ctx, func() bool {
		if err := sp.Publish(ctx); err != nil {
			sp.opts.logger.Err(err).Msg("statspub: problem publishing stats")
		}
		return true
	})
}

// Close stops publishing and waits for a running publish to finish.
func (sp *StatsPublisher) Close() {
	sp.once.Do(func() {
		close(sp.quit)
	})
	<-sp.done
}

// Collect gathers the stats of every source.
func (sp *StatsPublisher) Collect(ctx context.Context) (protocol.InstanceStatsMessage, error) {
	ism := protocol.InstanceStatsMessage{
		InstanceId: sp.instanceId,
		Queues:     make([]protocol.QueueStatsMessage, 0),
	}
	now := sp.opts.clock()
	for _, src := range sp.sources {
		stats, err := src.Stats(ctx, now)
		if err != nil {
			return ism, errors.Wrap(err, "statspub: collecting stats")
		}
		ism.Queues = append(ism.Queues, stats...)
	}
	return ism, nil
}

// Publish emits the current stats once.
func (sp *StatsPublisher) Publish(ctx context.Context) error {
	ism, err := sp.Collect(ctx)
	if err != nil {
		return err
	}
	sp.opts.logger.Debug().Int("queues", len(ism.Queues)).Msg("statspub: collected stats")

	b, err := ism.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "statspub: encoding stats")
	}
	if err := sp.nc.Publish(sp.opts.subject, b); err != nil {
		return errors.Wrap(err, "statspub: publishing stats")
	}
	return nil
}

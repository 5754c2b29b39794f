// Package service runs the requeue daemon: it opens the store, builds the
// configured queues and drives their triggers, the reaper, the stats publisher
// and the HTTP API until it is shut down.
package service

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	requeue "github.com/nickpoorman/http-requeue"
	"github.com/nickpoorman/http-requeue/internal/config"
	"github.com/nickpoorman/http-requeue/internal/httpapi"
	"github.com/nickpoorman/http-requeue/internal/queue"
	"github.com/nickpoorman/http-requeue/internal/reaper"
	"github.com/nickpoorman/http-requeue/internal/statspub"
	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/nickpoorman/http-requeue/store"
	"github.com/nickpoorman/http-requeue/transport"
	"github.com/nickpoorman/http-requeue/trigger"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type closers struct {
	background *Closer
	nats       *Closer
	store      *Closer
}

type Service struct {
	cfg        config.Config
	logger     zerolog.Logger
	instanceID string

	store    store.Store
	nc       *nats.Conn
	queues   []*requeue.SyncQueue
	managers []*queue.Manager

	closers   closers
	closeOnce sync.Once
}

// New opens everything the config names. Nothing runs until Run is called.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:        cfg,
		logger:     logger,
		instanceID: cfg.InstanceID,
		closers: closers{
			background: NewCloser(0),
			nats:       NewCloser(0),
			store:      NewCloser(0),
		},
	}
	if s.instanceID == "" {
		s.instanceID = ksuid.New().String()
	}
	s.logger = s.logger.With().Str("instance", s.instanceID).Logger()

	if err := s.initStore(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.initNATS(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.initQueues(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) initStore(ctx context.Context) error {
	st, err := OpenStore(ctx, s.cfg.Store, s.logger)
	if err != nil {
		return err
	}
	s.store = st

	s.closers.store.AddRunning(1)
	go func() {
		defer s.closers.store.Done()
		<-s.closers.store.HasBeenClosed()
		if err := st.Close(); err != nil {
			s.logger.Err(err).Msg("service: error closing store")
		}
		s.logger.Debug().Msg("service: closed store")
	}()
	return nil
}

func (s *Service) initNATS(ctx context.Context) error {
	if s.cfg.NATS.URL == "" {
		return nil
	}
	nc, err := ConnectNATS(ctx, s.cfg.NATS, s.logger)
	if err != nil {
		if s.cfg.NeedsNATS() {
			return err
		}
		// Only nats:// replays need it; those will fail and stay queued.
		s.logger.Err(err).Msg("service: continuing without nats")
		return nil
	}
	s.nc = nc

	s.closers.nats.AddRunning(1)
	go func() {
		defer s.closers.nats.Done()
		<-s.closers.nats.HasBeenClosed()
		s.logger.Debug().Msg("service: draining nats...")
		if err := nc.Drain(); err != nil {
			s.logger.Err(err).Msg("service: error draining nats")
		}
		nc.Close()
		s.logger.Debug().Msg("service: closed nats")
	}()
	return nil
}

func (s *Service) transport() (transport.Transport, error) {
	h, err := transport.NewHTTP(
		transport.HTTPTimeout(s.cfg.Transport.Timeout),
		transport.MaxBodyBytes(s.cfg.Transport.MaxBodyBytes),
	)
	if err != nil {
		return nil, err
	}
	schemes := transport.NewSchemes(h)
	if s.nc != nil {
		schemes.Handle(transport.URLScheme, transport.NewNATS(s.nc, "", s.cfg.Transport.Timeout))
	}
	return schemes, nil
}

func (s *Service) initQueues(ctx context.Context) error {
	tr, err := s.transport()
	if err != nil {
		return err
	}

	storeNames := make(map[string]bool)
	for _, qc := range s.cfg.Queues {
		logger := s.logger.With().Str("queue", qc.Name).Logger()
		q, err := requeue.New(ctx,
			requeue.QueueName(qc.Name),
			requeue.StoreName(qc.StoreNameOrDefault()),
			requeue.MaxRetentionTime(qc.MaxRetention),
			requeue.WithStore(s.store),
			requeue.WithTransport(tr),
			requeue.WithLogger(s.logger),
			requeue.WithCallbacks(requeue.Callbacks{
				OnResponse: func(cfg protocol.EntryConfig, resp *transport.Response) {
					logger.Debug().Int("status", resp.StatusCode).Msg("service: request replayed")
				},
				OnRetryFail: func(cfg protocol.EntryConfig, err error) {
					logger.Warn().Err(err).Msg("service: replay failed, request stays queued")
				},
			}),
		)
		if err != nil {
			return errors.Wrapf(err, "service: queue %s", qc.Name)
		}
		s.queues = append(s.queues, q)

		if !storeNames[q.StoreName()] {
			storeNames[q.StoreName()] = true
			s.managers = append(s.managers, queue.NewManager(s.store, q.StoreName(), s.logger))
		}
		logger.Info().
			Str("store_name", q.StoreName()).
			Dur("max_retention", q.MaxRetentionTime()).
			Msg("service: queue ready")
	}
	return nil
}

// Queues returns the configured queues in config order.
func (s *Service) Queues() []*requeue.SyncQueue {
	return s.queues
}

// Queue returns the configured queue called name in storeName.
func (s *Service) Queue(storeName, name string) (*requeue.SyncQueue, bool) {
	for _, q := range s.queues {
		if q.Name() == name && q.StoreName() == storeName {
			return q, true
		}
	}
	return nil, false
}

// Managers returns one queue manager per store name in use.
func (s *Service) Managers() []*queue.Manager {
	return s.managers
}

func (s *Service) triggers(qc config.Queue, q *requeue.SyncQueue) ([]trigger.Trigger, error) {
	var out []trigger.Trigger
	for _, tc := range qc.Triggers {
		switch tc.Type {
		case config.TriggerInterval:
			t, err := trigger.NewInterval(tc.Interval, tc.Immediate, s.logger.With().Str("queue", q.Name()).Logger())
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		case config.TriggerNATS:
			if s.nc == nil {
				return nil, errors.Errorf("service: queue %s: nats trigger without a nats connection", q.Name())
			}
			subject := tc.Subject
			if subject == "" {
				subject = trigger.SyncSubject(q.Name())
			}
			out = append(out, trigger.NewNATSSubject(s.nc, subject, tc.QueueGroup, s.logger.With().Str("queue", q.Name()).Logger()))
		default:
			return nil, errors.Errorf("service: queue %s: unknown trigger type %q", q.Name(), tc.Type)
		}
	}
	return out, nil
}

// Run drives the triggers, the reaper, the stats publisher and the HTTP API
// until ctx is done or one of them fails, then closes the service.
func (s *Service) Run(ctx context.Context) error {
	defer s.Close()

	type registration struct {
		q  *requeue.SyncQueue
		tr trigger.Trigger
	}
	var regs []registration
	for i, qc := range s.cfg.Queues {
		trs, err := s.triggers(qc, s.queues[i])
		if err != nil {
			return err
		}
		for _, tr := range trs {
			regs = append(regs, registration{q: s.queues[i], tr: tr})
		}
	}

	var srv *http.Server
	if s.cfg.HTTP.Addr != "" {
		handler, err := s.httpHandler()
		if err != nil {
			return err
		}
		srv = &http.Server{Addr: s.cfg.HTTP.Addr, Handler: handler}
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := s.startBackground(gctx); err != nil {
		return err
	}

	for _, r := range regs {
		r := r
		g.Go(func() error {
			return r.q.RegisterTrigger(gctx, r.tr)
		})
	}

	if srv != nil {
		g.Go(func() error {
			s.logger.Info().Str("addr", srv.Addr).Msg("service: serving http")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "service: http server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	s.logger.Info().Int("queues", len(s.queues)).Msg("service: running")
	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		s.logger.Err(err).Msg("service: stopped")
		return err
	}
	return nil
}

func (s *Service) httpHandler() (http.Handler, error) {
	opts := []httpapi.Option{
		httpapi.MaxBodyBytes(s.cfg.HTTP.MaxBodyBytes),
		httpapi.Logger(s.logger),
	}
	if s.nc != nil && s.cfg.Stats.Enabled {
		opts = append(opts, httpapi.StatsStream(s.nc, s.cfg.Stats.Subject))
	}
	return httpapi.NewServer(s.uniqueQueues(), opts...)
}

// uniqueQueues drops queues whose name is already taken by an earlier queue
// in another store; the HTTP API addresses queues by name only.
func (s *Service) uniqueQueues() []*requeue.SyncQueue {
	seen := make(map[string]bool, len(s.queues))
	var out []*requeue.SyncQueue
	for _, q := range s.queues {
		if seen[q.Name()] {
			s.logger.Warn().
				Str("queue", q.Name()).
				Str("store_name", q.StoreName()).
				Msg("service: queue name already served over http, skipping")
			continue
		}
		seen[q.Name()] = true
		out = append(out, q)
	}
	return out
}

func (s *Service) startBackground(ctx context.Context) error {
	cleaners := make([]reaper.Cleaner, len(s.queues))
	for i, q := range s.queues {
		cleaners[i] = q
	}
	rp, err := reaper.NewReaper(ctx, cleaners,
		reaper.ReapInterval(s.cfg.Reaper.Interval),
		reaper.Logger(s.logger),
		reaper.ReapedCallbacks(func(queue string, n int) {
			s.logger.Info().Str("queue", queue).Int("evicted", n).Msg("service: expired requests dropped")
		}),
	)
	if err != nil {
		return err
	}
	s.closers.background.AddRunning(1)
	go func() {
		defer s.closers.background.Done()
		<-s.closers.background.HasBeenClosed()
		rp.Close()
	}()

	if !s.cfg.Stats.Enabled || s.nc == nil {
		return nil
	}
	sources := make([]statspub.Source, len(s.managers))
	for i, m := range s.managers {
		sources[i] = m
	}
	sp, err := statspub.NewStatsPublisher(ctx, s.nc, sources, s.instanceID,
		statspub.StatsPublishInterval(s.cfg.Stats.Interval),
		statspub.Subject(s.cfg.Stats.Subject),
		statspub.Logger(s.logger),
	)
	if err != nil {
		return err
	}
	s.closers.background.AddRunning(1)
	go func() {
		defer s.closers.background.Done()
		<-s.closers.background.HasBeenClosed()
		sp.Close()
	}()
	return nil
}

// Close stops the background work, then NATS, then the store.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.logger.Info().Msg("service: closing...")
		s.closers.background.SignalAndWait()
		s.closers.nats.SignalAndWait()
		s.closers.store.SignalAndWait()
		s.logger.Info().Msg("service: closed")
	})
}

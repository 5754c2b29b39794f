package queue

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nickpoorman/http-requeue/internal/key"
	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/nickpoorman/http-requeue/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Entry is a pending request as read back from the store.
type Entry struct {
	ID        key.Key
	Request   protocol.CapturedRequest
	Config    protocol.EntryConfig
	CreatedAt time.Time
}

// State is the record written under _q._s.<name>.config so queues can be
// found again after a restart.
type State struct {
	Name      string        `json:"name"`
	MaxAge    time.Duration `json:"max_age_ns"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type Config struct {
	Name string

	// StoreName is the store namespace every record is written to.
	StoreName string

	// MaxAge is how long an entry may wait before EvictExpired removes it.
	// Zero keeps the retention already recorded for the queue, or
	// DefaultMaxAge for a queue seen for the first time.
	MaxAge        time.Duration
	DefaultMaxAge time.Duration

	// MustExist makes Open fail with ErrQueueNotFound instead of creating a
	// queue that has no state record yet.
	MustExist bool

	Clock func() time.Time

	// Logger defaults to the global logger when nil.
	Logger *zerolog.Logger
}

type Queue struct {
	store  store.Store
	ns     string
	name   string
	maxAge time.Duration
	clock  func() time.Time
	logger zerolog.Logger

	// mu serializes pushes so commit order matches key order.
	mu  sync.Mutex
	gen *key.Generator
}

// Open opens the queue described by cfg and seeds the key generator from the
// newest entry already stored. The state record is written only when it is
// missing or the retention changed.
func Open(ctx context.Context, s store.Store, cfg Config) (*Queue, error) {
	if err := ValidateName(cfg.Name); err != nil {
		return nil, err
	}
	if cfg.StoreName == "" {
		return nil, errors.New("queue: store name cannot be empty")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	logger = logger.With().Str("queue", cfg.Name).Logger()

	stored, found, err := loadState(ctx, s, cfg.StoreName, cfg.Name, logger)
	if err != nil {
		return nil, &StoreReadError{Queue: cfg.Name, Op: "open", Err: err}
	}
	if !found && cfg.MustExist {
		return nil, errors.Wrapf(ErrQueueNotFound, "queue %s in %s", cfg.Name, cfg.StoreName)
	}
	maxAge := cfg.MaxAge
	if maxAge == 0 {
		maxAge = cfg.DefaultMaxAge
		if found && stored.MaxAge > 0 {
			maxAge = stored.MaxAge
		}
	}
	if maxAge <= 0 {
		return nil, errors.Errorf("queue %s: max age must be positive", cfg.Name)
	}

	q := &Queue{
		store:  s,
		ns:     cfg.StoreName,
		name:   cfg.Name,
		maxAge: maxAge,
		clock:  cfg.Clock,
		logger: logger,
	}

	ids, err := q.ids(ctx)
	if err != nil {
		return nil, &StoreReadError{Queue: q.name, Op: "open", Err: err}
	}
	var last key.Key
	if len(ids) > 0 {
		last = ids[len(ids)-1]
	}
	q.gen = key.NewGenerator(last)

	if !found || stored.MaxAge != maxAge {
		if err := q.saveState(ctx); err != nil {
			return nil, &StoreWriteError{Queue: q.name, Op: "open", Err: err}
		}
	}
	return q, nil
}

// loadState reads the state record of a queue. A record that no longer
// decodes is reported as missing so Open rewrites it.
func loadState(ctx context.Context, s store.Store, ns, name string, logger zerolog.Logger) (State, bool, error) {
	v, err := s.Get(ctx, ns, NewQueueKeyForState(name, ConfigProperty).Bytes())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return State{}, false, nil
		}
		return State{}, false, err
	}
	var st State
	if err := json.Unmarshal(v, &st); err != nil {
		logger.Err(err).Msg("queue: ignoring bad state record")
		return State{}, false, nil
	}
	return st, true, nil
}

func (q *Queue) saveState(ctx context.Context) error {
	st := State{Name: q.name, MaxAge: q.maxAge, UpdatedAt: q.clock()}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return q.store.Put(ctx, q.ns, NewQueueKeyForState(q.name, ConfigProperty).Bytes(), b)
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) StoreName() string {
	return q.ns
}

func (q *Queue) MaxAge() time.Duration {
	return q.maxAge
}

// Push stores a request and returns its id once the write has committed.
func (q *Queue) Push(ctx context.Context, req protocol.CapturedRequest, cfg protocol.EntryConfig) (key.Key, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.gen.Next(q.clock())
	e := protocol.QueueEntry{
		ID:        id.Bytes(),
		CreatedAt: id.Time(),
		Request:   req,
		Config:    cfg,
	}
	qk := NewQueueKeyForMessage(q.name, id)
	if err := q.store.Put(ctx, q.ns, qk.Bytes(), e.Bytes()); err != nil {
		return nil, &StoreWriteError{Queue: q.name, Op: "push", Err: err}
	}
	q.logger.Debug().Str("id", id.String()).Str("url", req.URL).Msg("queue: pushed request")
	return id, nil
}

// ids lists this queue's keys in ascending order. Keys belonging to other
// queues sharing the prefix are dropped.
func (q *Queue) ids(ctx context.Context) ([]key.Key, error) {
	return listIDs(ctx, q.store, q.ns, q.name)
}

func listIDs(ctx context.Context, s store.Store, ns, name string) ([]key.Key, error) {
	raw, err := s.ListKeys(ctx, ns, MessagesPrefix(name))
	if err != nil {
		return nil, err
	}
	ids := make([]key.Key, 0, len(raw))
	for _, k := range raw {
		qk, err := ParseQueueKey(k)
		if err != nil || qk.Name != name {
			continue
		}
		ids = append(ids, qk.Key)
	}
	return ids, nil
}

// ListPending returns a snapshot of the entries in push order. Entries removed
// while listing are skipped, as are values that no longer decode; those still
// age out through EvictExpired.
func (q *Queue) ListPending(ctx context.Context) ([]Entry, error) {
	ids, err := q.ids(ctx)
	if err != nil {
		return nil, &StoreReadError{Queue: q.name, Op: "list", Err: err}
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		v, err := q.store.Get(ctx, q.ns, NewQueueKeyForMessage(q.name, id).Bytes())
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, &StoreReadError{Queue: q.name, Op: "read", Err: err}
		}

		var qe protocol.QueueEntry
		if err := qe.UnmarshalBinary(v); err != nil {
			q.logger.Err(err).Str("id", id.String()).Msg("queue: skipping undecodable entry")
			continue
		}
		entries = append(entries, Entry{
			ID:        id,
			Request:   qe.Request,
			Config:    qe.Config,
			CreatedAt: id.Time(),
		})
	}
	return entries, nil
}

// Remove deletes an entry. Removing a missing entry is not an error.
func (q *Queue) Remove(ctx context.Context, id key.Key) error {
	if err := q.store.Delete(ctx, q.ns, NewQueueKeyForMessage(q.name, id).Bytes()); err != nil {
		return &StoreWriteError{Queue: q.name, Op: "remove", Err: err}
	}
	return nil
}

// EvictExpired deletes the entries older than the queue's max age at now and
// returns how many were removed. Only keys are read.
func (q *Queue) EvictExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.ids(ctx)
	if err != nil {
		return 0, &StoreReadError{Queue: q.name, Op: "evict", Err: err}
	}

	var n int
	for _, id := range ids {
		// Keys are in time order so the first young entry ends the sweep.
		if now.Sub(id.Time()) <= q.maxAge {
			break
		}
		if err := q.store.Delete(ctx, q.ns, NewQueueKeyForMessage(q.name, id).Bytes()); err != nil {
			return n, &StoreWriteError{Queue: q.name, Op: "evict", Err: err}
		}
		n++
	}
	if n > 0 {
		q.logger.Info().Int("evicted", n).Msg("queue: evicted expired entries")
	}
	return n, nil
}

// Len returns the number of pending entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	ids, err := q.ids(ctx)
	if err != nil {
		return 0, &StoreReadError{Queue: q.name, Op: "len", Err: err}
	}
	return len(ids), nil
}

package queue

import (
	"context"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/nickpoorman/http-requeue/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// The manager finds the queues stored in one store namespace from their state
// records. It only reads, so it is safe next to queues that are open in the
// same process.
type Manager struct {
	store  store.Store
	ns     string
	logger zerolog.Logger
}

// NewManager creates a Manager for the queues written under storeName.
func NewManager(s store.Store, storeName string, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  s,
		ns:     storeName,
		logger: logger.With().Str("store", storeName).Logger(),
	}
}

// Queues lists the state of every queue in the namespace, ordered by name.
// Unreadable state records are logged and skipped.
func (m *Manager) Queues(ctx context.Context) ([]State, error) {
	keys, err := m.store.ListKeys(ctx, m.ns, StatesPrefix())
	if err != nil {
		return nil, &StoreReadError{Queue: "*", Op: "discover", Err: err}
	}

	states := make([]State, 0, len(keys))
	for _, k := range keys {
		qk, err := ParseQueueKey(k)
		if err != nil || qk.Property != ConfigProperty {
			continue
		}
		v, err := m.store.Get(ctx, m.ns, k)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, &StoreReadError{Queue: qk.Name, Op: "discover", Err: err}
		}
		var st State
		if err := json.Unmarshal(v, &st); err != nil {
			m.logger.Err(err).Str("queue", qk.Name).Msg("queue manager: skipping bad state record")
			continue
		}
		// The key is authoritative for the name.
		st.Name = qk.Name
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states, nil
}

// Stats reports every queue in the namespace at now.
func (m *Manager) Stats(ctx context.Context, now time.Time) ([]protocol.QueueStatsMessage, error) {
	states, err := m.Queues(ctx)
	if err != nil {
		return nil, err
	}
	stats := make([]protocol.QueueStatsMessage, 0, len(states))
	for _, st := range states {
		s, err := statsFromStore(ctx, m.store, st, m.ns, now)
		if err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, nil
}

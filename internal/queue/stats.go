package queue

import (
	"context"
	"time"

	"github.com/nickpoorman/http-requeue/internal/key"
	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/nickpoorman/http-requeue/store"
)

// Stats reports the pending count and the age of the oldest entry at now.
func (q *Queue) Stats(ctx context.Context, now time.Time) (protocol.QueueStatsMessage, error) {
	ids, err := q.ids(ctx)
	if err != nil {
		return protocol.QueueStatsMessage{}, &StoreReadError{Queue: q.name, Op: "stats", Err: err}
	}
	return statsOf(q.ns, q.name, q.maxAge, ids, now), nil
}

func statsOf(ns, name string, maxAge time.Duration, ids []key.Key, now time.Time) protocol.QueueStatsMessage {
	m := protocol.QueueStatsMessage{
		StoreName: ns,
		QueueName: name,
		Pending:   int64(len(ids)),
		MaxAge:    maxAge,
	}
	if len(ids) > 0 {
		if age := now.Sub(ids[0].Time()); age > 0 {
			m.OldestAge = age
		}
	}
	return m
}

// statsFromStore computes stats without an open Queue.
func statsFromStore(ctx context.Context, s store.Store, st State, ns string, now time.Time) (protocol.QueueStatsMessage, error) {
	ids, err := listIDs(ctx, s, ns, st.Name)
	if err != nil {
		return protocol.QueueStatsMessage{}, &StoreReadError{Queue: st.Name, Op: "stats", Err: err}
	}
	return statsOf(ns, st.Name, st.MaxAge, ids, now), nil
}

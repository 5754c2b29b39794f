package queue

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerDiscoversQueues(t *testing.T) {
	s := setup(t)
	clock := newFakeClock()
	ctx := context.Background()

	high := openQueue(t, s, "high", clock)
	openQueue(t, s, "low", clock)
	openQueue(t, s, "high.sub", clock)

	_, err := high.Push(ctx, request(t, "https://example.com/1"), nil)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = high.Push(ctx, request(t, "https://example.com/2"), nil)
	require.NoError(t, err)

	m := NewManager(s, "bgQueueSyncDB", zerolog.Nop())
	states, err := m.Queues(ctx)
	require.NoError(t, err)
	require.Len(t, states, 3)
	assert.Equal(t, "high", states[0].Name)
	assert.Equal(t, "high.sub", states[1].Name)
	assert.Equal(t, "low", states[2].Name)
	assert.Equal(t, time.Hour, states[0].MaxAge)

	stats, err := m.Stats(ctx, clock.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stats, 3)
	assert.Equal(t, int64(2), stats[0].Pending)
	assert.Equal(t, 2*time.Minute, stats[0].OldestAge)
	assert.Equal(t, "bgQueueSyncDB", stats[0].StoreName)
	assert.Equal(t, int64(0), stats[1].Pending)
	assert.Equal(t, time.Duration(0), stats[1].OldestAge)
}

func TestManagerOtherNamespaceIsEmpty(t *testing.T) {
	s := setup(t)
	openQueue(t, s, "high", newFakeClock())

	states, err := NewManager(s, "otherDB", zerolog.Nop()).Queues(context.Background())
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestManagerSkipsBadStateRecords(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	openQueue(t, s, "good", newFakeClock())
	require.NoError(t, s.Put(ctx, "bgQueueSyncDB", NewQueueKeyForState("bad", ConfigProperty).Bytes(), []byte("{")))
	require.NoError(t, s.Put(ctx, "bgQueueSyncDB", NewQueueKeyForState("other", "checkpoint").Bytes(), []byte("x")))

	states, err := NewManager(s, "bgQueueSyncDB", zerolog.Nop()).Queues(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "good", states[0].Name)
}

func TestQueueStats(t *testing.T) {
	s := setup(t)
	clock := newFakeClock()
	q := openQueue(t, s, "q", clock)
	ctx := context.Background()

	st, err := q.Stats(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Pending)

	_, err = q.Push(ctx, request(t, "https://example.com"), nil)
	require.NoError(t, err)
	st, err = q.Stats(ctx, clock.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Pending)
	assert.Equal(t, 5*time.Second, st.OldestAge)
	assert.Equal(t, time.Hour, st.MaxAge)
}

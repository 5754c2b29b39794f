package requeue_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	requeue "github.com/nickpoorman/http-requeue"
	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/nickpoorman/http-requeue/store"
	badgerstore "github.com/nickpoorman/http-requeue/store/badger"
	"github.com/nickpoorman/http-requeue/transport"
	"github.com/nickpoorman/http-requeue/trigger"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func setup(t *testing.T) store.Store {
	s, err := badgerstore.Open(context.Background(), "", badgerstore.InMemory(), badgerstore.Logger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1600000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder is an HTTP endpoint that answers 404 for paths starting with
// /missing and 200 otherwise, remembering every path it saw.
type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.paths = append(r.paths, req.URL.Path)
	r.mu.Unlock()
	if strings.HasPrefix(req.URL.Path, "/missing") {
		http.NotFound(w, req)
		return
	}
	fmt.Fprint(w, "ok")
}

func (r *recorder) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func newServer(t *testing.T) (*httptest.Server, *recorder) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	return srv, rec
}

func newQueue(t *testing.T, options ...requeue.Option) *requeue.SyncQueue {
	opts := append([]requeue.Option{requeue.WithLogger(zerolog.Nop())}, options...)
	q, err := requeue.New(context.Background(), opts...)
	require.NoError(t, err)
	return q
}

func push(t *testing.T, q *requeue.SyncQueue, url string) {
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader("payload"))
	require.NoError(t, err)
	require.NoError(t, q.PushIntoQueue(context.Background(), req, protocol.EntryConfig(`{"url":"`+url+`"}`)))
}

func pendingURLs(t *testing.T, q *requeue.SyncQueue) []string {
	entries, err := q.Pending(context.Background())
	require.NoError(t, err)
	out := []string{}
	for _, e := range entries {
		out = append(out, e.Request.URL)
	}
	return out
}

func TestReplayInQueueOrder(t *testing.T) {
	srv, rec := newServer(t)
	q := newQueue(t, requeue.WithStore(setup(t)), requeue.QueueName("orders"))

	for i := 0; i < 5; i++ {
		push(t, q, fmt.Sprintf("%s/orders/%d", srv.URL, i))
	}
	require.NoError(t, q.ReplayRequests(context.Background()))

	assert.Equal(t, []string{"/orders/0", "/orders/1", "/orders/2", "/orders/3", "/orders/4"}, rec.Paths())
}

func TestReplayAllSucceedEmptiesQueue(t *testing.T) {
	srv, _ := newServer(t)
	var responses []string
	q := newQueue(t,
		requeue.WithStore(setup(t)),
		requeue.WithCallbacks(requeue.Callbacks{
			OnResponse: func(cfg protocol.EntryConfig, resp *transport.Response) {
				assert.Equal(t, http.StatusOK, resp.StatusCode)
				responses = append(responses, string(cfg))
			},
			OnRetryFail: func(cfg protocol.EntryConfig, err error) {
				t.Errorf("unexpected failure for %s: %v", cfg, err)
			},
		}),
	)

	push(t, q, srv.URL+"/a")
	push(t, q, srv.URL+"/b")
	push(t, q, srv.URL+"/c")
	require.NoError(t, q.ReplayRequests(context.Background()))

	assert.Equal(t, []string{
		`{"url":"` + srv.URL + `/a"}`,
		`{"url":"` + srv.URL + `/b"}`,
		`{"url":"` + srv.URL + `/c"}`,
	}, responses)
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Nothing left to do.
	require.NoError(t, q.ReplayRequests(context.Background()))
}

func TestReplayKeepsFailures(t *testing.T) {
	srv, _ := newServer(t)
	var failed []error
	q := newQueue(t,
		requeue.WithStore(setup(t)),
		requeue.QueueName("mixed"),
		requeue.WithCallbacks(requeue.Callbacks{
			OnRetryFail: func(cfg protocol.EntryConfig, err error) {
				failed = append(failed, err)
			},
		}),
	)

	push(t, q, srv.URL+"/ok")
	push(t, q, srv.URL+"/missing")

	err := q.ReplayRequests(context.Background())
	require.Error(t, err)

	var replayErr *requeue.ReplayError
	require.True(t, errors.As(err, &replayErr))
	assert.Equal(t, "mixed", replayErr.Queue)
	require.Len(t, replayErr.Failures, 1)
	assert.Equal(t, http.StatusNotFound, replayErr.Failures[0].Status())
	assert.Equal(t, protocol.EntryConfig(`{"url":"`+srv.URL+`/missing"}`), replayErr.Failures[0].Config)
	assert.Contains(t, err.Error(), "404")

	var statusErr *transport.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Response.StatusCode)

	require.Len(t, failed, 1)
	assert.Equal(t, []string{srv.URL + "/missing"}, pendingURLs(t, q))
}

func TestReplayTransportErrorHasNoStatus(t *testing.T) {
	q := newQueue(t,
		requeue.WithStore(setup(t)),
		requeue.WithTransport(transport.Func(func(context.Context, protocol.CapturedRequest) (*transport.Response, error) {
			return nil, errors.New("connection refused")
		})),
	)
	push(t, q, "http://offline.invalid/x")

	err := q.ReplayRequests(context.Background())
	var replayErr *requeue.ReplayError
	require.True(t, errors.As(err, &replayErr))
	require.Len(t, replayErr.Failures, 1)
	assert.Equal(t, 0, replayErr.Failures[0].Status())
	assert.Nil(t, replayErr.Failures[0].Response)
	assert.Len(t, pendingURLs(t, q), 1)
}

func TestCleanupIsIndependentPerQueue(t *testing.T) {
	s := setup(t)
	clockA := newFakeClock()
	clockB := newFakeClock()

	a := newQueue(t, requeue.WithStore(s), requeue.QueueName("a"), requeue.MaxRetentionTime(time.Hour), requeue.WithClock(clockA.Now))
	b := newQueue(t, requeue.WithStore(s), requeue.QueueName("b"), requeue.MaxRetentionTime(time.Hour), requeue.WithClock(clockB.Now))
	// Same queue name in another store namespace.
	other := newQueue(t, requeue.WithStore(s), requeue.QueueName("a"), requeue.StoreName("otherDB"),
		requeue.MaxRetentionTime(time.Hour), requeue.WithClock(clockB.Now))

	push(t, a, "https://example.com/a")
	push(t, b, "https://example.com/b")
	push(t, other, "https://example.com/other")

	clockA.Advance(2 * time.Hour)
	n, err := a.CleanupQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Empty(t, pendingURLs(t, a))
	assert.Equal(t, []string{"https://example.com/b"}, pendingURLs(t, b))
	assert.Equal(t, []string{"https://example.com/other"}, pendingURLs(t, other))
}

func TestCleanupByAge(t *testing.T) {
	clock := newFakeClock()
	q := newQueue(t, requeue.WithStore(setup(t)), requeue.MaxRetentionTime(time.Hour), requeue.WithClock(clock.Now))
	ctx := context.Background()

	push(t, q, "https://example.com/old")
	clock.Advance(30 * time.Minute)
	push(t, q, "https://example.com/new")

	// Exactly max age is still kept.
	clock.Advance(30 * time.Minute)
	n, err := q.CleanupQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(time.Second)
	n, err = q.CleanupQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"https://example.com/new"}, pendingURLs(t, q))

	// A second cleanup with nothing expired changes nothing.
	n, err = q.CleanupQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, []string{"https://example.com/new"}, pendingURLs(t, q))
}

func TestCleanupEmptyQueue(t *testing.T) {
	q := newQueue(t, requeue.WithStore(setup(t)))
	for i := 0; i < 2; i++ {
		n, err := q.CleanupQueue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	}
}

func TestDefaultNamesAreDistinct(t *testing.T) {
	s := setup(t)
	a := newQueue(t, requeue.WithStore(s))
	b := newQueue(t, requeue.WithStore(s))

	assert.NotEqual(t, a.Name(), b.Name())
	assert.True(t, strings.HasPrefix(a.Name(), requeue.DefaultQueueName+"_"))
	assert.Equal(t, requeue.DefaultStoreName, a.StoreName())
	assert.Equal(t, requeue.DefaultMaxRetentionTime, a.MaxRetentionTime())

	push(t, a, "https://example.com/a")
	assert.Empty(t, pendingURLs(t, b))
}

func TestConfigErrors(t *testing.T) {
	var cfgErr *requeue.ConfigError

	_, err := requeue.New(context.Background())
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "Store", cfgErr.Field)

	_, err = requeue.New(context.Background(), requeue.WithStore(setup(t)), requeue.MaxRetentionTime(-time.Second))
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "MaxRetentionTime", cfgErr.Field)

	_, err = requeue.New(context.Background(), requeue.WithStore(setup(t)), requeue.QueueName(""))
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "QueueName", cfgErr.Field)

	q := newQueue(t, requeue.WithStore(setup(t)), requeue.MaxRetentionTime(0))
	assert.Equal(t, requeue.DefaultMaxRetentionTime, q.MaxRetentionTime())
}

func TestReopenSeesPendingRequests(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := badgerstore.Open(ctx, dir, badgerstore.Logger(zerolog.Nop()))
	require.NoError(t, err)
	q := newQueue(t, requeue.WithStore(s), requeue.QueueName("durable"))
	push(t, q, "https://example.com/1")
	push(t, q, "https://example.com/2")
	require.NoError(t, s.Close())

	s, err = badgerstore.Open(ctx, dir, badgerstore.Logger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
	})
	q = newQueue(t, requeue.WithStore(s), requeue.QueueName("durable"))
	push(t, q, "https://example.com/3")
	assert.Equal(t, []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"}, pendingURLs(t, q))
}

func TestConcurrentReplaysDoNotOverlap(t *testing.T) {
	var inflight, maxInflight, calls int32
	q := newQueue(t,
		requeue.WithStore(setup(t)),
		requeue.WithTransport(transport.Func(func(context.Context, protocol.CapturedRequest) (*transport.Response, error) {
			n := atomic.AddInt32(&inflight, 1)
			defer atomic.AddInt32(&inflight, -1)
			for {
				m := atomic.LoadInt32(&maxInflight)
				if n <= m || atomic.CompareAndSwapInt32(&maxInflight, m, n) {
					break
				}
			}
			atomic.AddInt32(&calls, 1)
			time.Sleep(20 * time.Millisecond)
			return &transport.Response{StatusCode: http.StatusOK}, nil
		})),
	)
	push(t, q, "https://example.com/1")
	push(t, q, "https://example.com/2")

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			return q.ReplayRequests(context.Background())
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInflight))
	// Later passes find the queue drained by the first one.
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestReplayStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls int32
	q := newQueue(t,
		requeue.WithStore(setup(t)),
		requeue.WithTransport(transport.Func(func(context.Context, protocol.CapturedRequest) (*transport.Response, error) {
			atomic.AddInt32(&calls, 1)
			cancel()
			return &transport.Response{StatusCode: http.StatusOK}, nil
		})),
	)
	push(t, q, "https://example.com/1")
	push(t, q, "https://example.com/2")
	push(t, q, "https://example.com/3")

	err := q.ReplayRequests(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, []string{"https://example.com/2", "https://example.com/3"}, pendingURLs(t, q))
}

func TestRegisterTriggerReplays(t *testing.T) {
	srv, rec := newServer(t)
	q := newQueue(t, requeue.WithStore(setup(t)))
	push(t, q, srv.URL+"/triggered")

	tr, err := trigger.NewInterval(5*time.Millisecond, true, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- q.RegisterTrigger(ctx, tr)
	}()

	require.Eventually(t, func() bool {
		n, err := q.Len(context.Background())
		return err == nil && n == 0
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, []string{"/triggered"}, rec.Paths())
}

func TestStats(t *testing.T) {
	clock := newFakeClock()
	q := newQueue(t, requeue.WithStore(setup(t)), requeue.QueueName("stats"), requeue.WithClock(clock.Now))
	push(t, q, "https://example.com/1")
	clock.Advance(time.Minute)
	push(t, q, "https://example.com/2")
	clock.Advance(time.Minute)

	st, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stats", st.QueueName)
	assert.Equal(t, requeue.DefaultStoreName, st.StoreName)
	assert.Equal(t, int64(2), st.Pending)
	assert.Equal(t, 2*time.Minute, st.OldestAge)
}

func TestPushIntoQueueKeepsRequestUsable(t *testing.T) {
	q := newQueue(t, requeue.WithStore(setup(t)))
	req, err := http.NewRequest(http.MethodPut, "https://example.com/doc", strings.NewReader("document"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")

	require.NoError(t, q.PushIntoQueue(context.Background(), req, nil))

	body := make([]byte, 8)
	_, err = req.Body.Read(body)
	require.NoError(t, err)
	assert.Equal(t, "document", string(body))

	entries, err := q.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, http.MethodPut, entries[0].Request.Method)
	assert.Equal(t, "text/plain", entries[0].Request.Header.Get("Content-Type"))
	assert.Equal(t, []byte("document"), entries[0].Request.Body)
}

// flaky answers 503 until up is set.
func flaky(up *int32) transport.Transport {
	return transport.Func(func(ctx context.Context, req protocol.CapturedRequest) (*transport.Response, error) {
		if atomic.LoadInt32(up) == 0 {
			return &transport.Response{StatusCode: http.StatusServiceUnavailable, Status: "503 Service Unavailable"}, nil
		}
		return &transport.Response{StatusCode: http.StatusOK, Status: "200 OK"}, nil
	})
}

func TestCleanupEvictsFailedRequests(t *testing.T) {
	var up int32
	clock := newFakeClock()
	q := newQueue(t,
		requeue.WithStore(setup(t)),
		requeue.MaxRetentionTime(time.Hour),
		requeue.WithClock(clock.Now),
		requeue.WithTransport(flaky(&up)),
	)
	ctx := context.Background()

	push(t, q, "https://example.com/down")
	err := q.ReplayRequests(ctx)
	var replayErr *requeue.ReplayError
	require.True(t, errors.As(err, &replayErr))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	clock.Advance(time.Hour + time.Second)
	evicted, err := q.CleanupQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFailedRequestSucceedsOnLaterReplay(t *testing.T) {
	var up int32
	var responses int32
	q := newQueue(t,
		requeue.WithStore(setup(t)),
		requeue.WithTransport(flaky(&up)),
		requeue.WithCallbacks(requeue.Callbacks{
			OnResponse: func(cfg protocol.EntryConfig, resp *transport.Response) {
				atomic.AddInt32(&responses, 1)
			},
		}),
	)
	ctx := context.Background()

	push(t, q, "https://example.com/later")
	for i := 0; i < 3; i++ {
		require.Error(t, q.ReplayRequests(ctx))
		assert.Equal(t, []string{"https://example.com/later"}, pendingURLs(t, q))
	}

	atomic.StoreInt32(&up, 1)
	require.NoError(t, q.ReplayRequests(ctx))
	assert.Empty(t, pendingURLs(t, q))
	assert.Equal(t, int32(1), atomic.LoadInt32(&responses))
}

func TestReopenKeepsStoredRetention(t *testing.T) {
	s := setup(t)
	clock := newFakeClock()
	ctx := context.Background()

	q := newQueue(t, requeue.WithStore(s), requeue.QueueName("orders"), requeue.MaxRetentionTime(time.Hour), requeue.WithClock(clock.Now))
	push(t, q, "https://example.com/1")

	// Opened again without a retention, the queue keeps its hour.
	again := newQueue(t, requeue.WithStore(s), requeue.QueueName("orders"), requeue.WithClock(clock.Now))
	assert.Equal(t, time.Hour, again.MaxRetentionTime())
	clock.Advance(2 * time.Hour)
	n, err := again.CleanupQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMustExist(t *testing.T) {
	s := setup(t)
	newQueue(t, requeue.WithStore(s), requeue.QueueName("orders"))

	_, err := requeue.New(context.Background(), requeue.WithStore(s), requeue.QueueName("ordrs"),
		requeue.MustExist(), requeue.WithLogger(zerolog.Nop()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, requeue.ErrQueueNotFound))

	q := newQueue(t, requeue.WithStore(s), requeue.QueueName("orders"), requeue.MustExist())
	assert.Equal(t, "orders", q.Name())
}

func TestPushCapturedRejectsUnreplayable(t *testing.T) {
	q := newQueue(t, requeue.WithStore(setup(t)))
	ctx := context.Background()

	for _, c := range []protocol.CapturedRequest{
		{Method: "GE T", URL: "https://example.com/"},
		{Method: http.MethodPost, URL: "http://exa mple.com/%zz"},
		{Method: http.MethodPost},
	} {
		err := q.PushCaptured(ctx, c, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, protocol.ErrInvalidRequest))
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

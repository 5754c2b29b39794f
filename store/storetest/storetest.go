// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/nickpoorman/http-requeue/store"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run runs the conformance tests against stores returned by open. Each sub
// test gets its own store and closes it when done.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"GetMissing", testGetMissing},
		{"PutGetOverwrite", testPutGetOverwrite},
		{"DeleteIsIdempotent", testDeleteIsIdempotent},
		{"ListKeysOrdered", testListKeysOrdered},
		{"ListKeysPrefix", testListKeysPrefix},
		{"NamespacesIsolated", testNamespacesIsolated},
		{"ConcurrentPuts", testConcurrentPuts},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			defer func() {
				assert.NoError(t, s.Close())
			}()
			tt.fn(t, s)
		})
	}
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.Get(context.Background(), "ns", []byte("missing"))
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
}

func testPutGetOverwrite(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "ns", []byte("k"), []byte("v1")))
	v, err := s.Get(ctx, "ns", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Put(ctx, "ns", []byte("k"), []byte("v2")))
	v, err = s.Get(ctx, "ns", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)

	keys, err := s.ListKeys(ctx, "ns", nil)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func testDeleteIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "ns", []byte("k"), []byte("v")))
	require.NoError(t, s.Delete(ctx, "ns", []byte("k")))
	require.NoError(t, s.Delete(ctx, "ns", []byte("k")))
	require.NoError(t, s.Delete(ctx, "ns", []byte("never-there")))

	_, err := s.Get(ctx, "ns", []byte("k"))
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testListKeysOrdered(t *testing.T, s store.Store) {
	ctx := context.Background()
	keys, err := s.ListKeys(ctx, "ns", nil)
	require.NoError(t, err)
	assert.Empty(t, keys)

	want := [][]byte{
		{0x00},
		{0x00, 0x01},
		{0x01, 0xff},
		{0x7f},
		{0x80, 0x00},
		{0xff, 0xff, 0xff},
	}
	// Insert out of order.
	for _, i := range []int{3, 0, 5, 2, 4, 1} {
		require.NoError(t, s.Put(ctx, "ns", want[i], []byte{byte(i)}))
	}

	keys, err = s.ListKeys(ctx, "ns", nil)
	require.NoError(t, err)
	assert.Equal(t, want, keys)
}

func testListKeysPrefix(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, k := range []string{"_q._m.a.1", "_q._m.a.2", "_q._m.ab.1", "_q._m.b.1", "_q._s.a.config"} {
		require.NoError(t, s.Put(ctx, "ns", []byte(k), []byte("x")))
	}

	keys, err := s.ListKeys(ctx, "ns", []byte("_q._m.a"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{
		[]byte("_q._m.a.1"),
		[]byte("_q._m.a.2"),
		[]byte("_q._m.ab.1"),
	}, keys)

	keys, err = s.ListKeys(ctx, "ns", []byte("_q._s."))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("_q._s.a.config")}, keys)

	keys, err = s.ListKeys(ctx, "ns", []byte("_x"))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testNamespacesIsolated(t *testing.T, s store.Store) {
	ctx := context.Background()
	// "a"+"bk" and "ab"+"k" must not collide.
	require.NoError(t, s.Put(ctx, "a", []byte("bk"), []byte("1")))
	require.NoError(t, s.Put(ctx, "ab", []byte("k"), []byte("2")))

	v, err := s.Get(ctx, "a", []byte("bk"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	v, err = s.Get(ctx, "ab", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)

	_, err = s.Get(ctx, "a", []byte("k"))
	assert.True(t, errors.Is(err, store.ErrNotFound))

	keys, err := s.ListKeys(ctx, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("bk")}, keys)

	require.NoError(t, s.Delete(ctx, "a", []byte("bk")))
	_, err = s.Get(ctx, "ab", []byte("k"))
	assert.NoError(t, err)
}

func testConcurrentPuts(t *testing.T, s store.Store) {
	ctx := context.Background()
	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.Put(ctx, "ns", []byte(fmt.Sprintf("k%03d", i)), []byte("v"))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	keys, err := s.ListKeys(ctx, "ns", []byte("k"))
	require.NoError(t, err)
	assert.Len(t, keys, n)
}

package redis

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nickpoorman/http-requeue/store"
	"github.com/nickpoorman/http-requeue/store/storetest"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLexRange(t *testing.T) {
	r := lexRange(nil)
	assert.Equal(t, "-", r.Min)
	assert.Equal(t, "+", r.Max)

	r = lexRange([]byte("_q._m.a"))
	assert.Equal(t, "[_q._m.a", r.Min)
	assert.Equal(t, "(_q._m.b", r.Max)

	r = lexRange([]byte{0xff})
	assert.Equal(t, "[\xff", r.Min)
	assert.Equal(t, "+", r.Max)
}

func TestKeysShareSlot(t *testing.T) {
	s := New(nil, "p:")
	assert.Equal(t, "p:{bgQueueSyncDB}:v", s.valuesKey("bgQueueSyncDB"))
	assert.Equal(t, "p:{bgQueueSyncDB}:k", s.indexKey("bgQueueSyncDB"))
}

var redisPrefixCounter uint64

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REQUEUE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set REQUEUE_TEST_REDIS_ADDR to run redis integration tests")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		client := redis.NewClient(&redis.Options{Addr: addr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, client.Ping(ctx).Err())

		prefix := fmt.Sprintf("requeue-it:%d:%d:", time.Now().UnixNano(), atomic.AddUint64(&redisPrefixCounter, 1))
		t.Cleanup(func() {
			keys, _ := client.Keys(context.Background(), prefix+"*").Result()
			if len(keys) > 0 {
				client.Del(context.Background(), keys...)
			}
			client.Close()
		})
		return New(client, prefix)
	})
}

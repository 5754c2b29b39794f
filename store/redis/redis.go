// Package redis implements store.Store on Redis.
//
// Each namespace is a hash holding the values and a sorted set holding the
// keys, all with score zero, so ZRANGEBYLEX lists them in byte order. Both are
// updated in one MULTI/EXEC.
package redis

import (
	"bytes"
	"context"

	"github.com/nickpoorman/http-requeue/store"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is prepended to every redis key the store writes.
const DefaultKeyPrefix = "requeue:"

type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	owned     bool
}

// Open connects to the redis server at addr and pings it. An empty keyPrefix
// selects DefaultKeyPrefix.
func Open(ctx context.Context, addr string, db int, keyPrefix string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "redis: connecting to %s", addr)
	}
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	s := New(client, keyPrefix)
	s.owned = true
	return s, nil
}

// New uses an existing client. Close leaves the client open.
func New(client redis.UniversalClient, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix}
}

// Braces make both keys of a namespace hash to the same cluster slot.
func (s *Store) valuesKey(namespace string) string {
	return s.keyPrefix + "{" + namespace + "}:v"
}

func (s *Store) indexKey(namespace string) string {
	return s.keyPrefix + "{" + namespace + "}:k"
}

func (s *Store) Put(ctx context.Context, namespace string, key, value []byte) error {
	k := string(key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.valuesKey(namespace), k, value)
		pipe.ZAdd(ctx, s.indexKey(namespace), redis.Z{Score: 0, Member: k})
		return nil
	})
	return errors.Wrap(err, "redis: put")
}

func (s *Store) Get(ctx context.Context, namespace string, key []byte) ([]byte, error) {
	v, err := s.client.HGet(ctx, s.valuesKey(namespace), string(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis: get")
	}
	return v, nil
}

func (s *Store) Delete(ctx context.Context, namespace string, key []byte) error {
	k := string(key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.valuesKey(namespace), k)
		pipe.ZRem(ctx, s.indexKey(namespace), k)
		return nil
	})
	return errors.Wrap(err, "redis: delete")
}

func (s *Store) ListKeys(ctx context.Context, namespace string, prefix []byte) ([][]byte, error) {
	members, err := s.client.ZRangeByLex(ctx, s.indexKey(namespace), lexRange(prefix)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis: list keys")
	}
	keys := make([][]byte, 0, len(members))
	for _, m := range members {
		k := []byte(m)
		if !bytes.HasPrefix(k, prefix) {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// lexRange covers every member starting with prefix.
func lexRange(prefix []byte) *redis.ZRangeBy {
	r := &redis.ZRangeBy{Min: "-", Max: "+"}
	if len(prefix) == 0 {
		return r
	}
	r.Min = "[" + string(prefix)
	if end := store.PrefixEnd(prefix); end != nil {
		r.Max = "(" + string(end)
	}
	return r
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

var _ store.Store = (*Store)(nil)

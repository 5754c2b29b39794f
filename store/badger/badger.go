// Package badger is the default store.Store, backed by an embedded Badger
// database.
package badger

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v2"
	"github.com/nickpoorman/http-requeue/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// DefaultLockWait is how long Open keeps retrying while another process holds
// the directory lock.
const DefaultLockWait = 10 * time.Second

type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool

	// LockWait bounds the retries of Open while the directory is locked by
	// another process. Zero disables retrying.
	LockWait time.Duration

	Logger zerolog.Logger
}

func GetDefaultOptions() Options {
	return Options{
		LockWait: DefaultLockWait,
		Logger:   log.Logger,
	}
}

// Option is a function on the options for Open.
type Option func(*Options) error

// InMemory keeps everything in memory. Used by tests.
func InMemory() Option {
	return func(o *Options) error {
		o.InMemory = true
		return nil
	}
}

// LockWait sets how long to wait for a locked directory.
func LockWait(d time.Duration) Option {
	return func(o *Options) error {
		o.LockWait = d
		return nil
	}
}

// Logger sets the logger badger's own messages are sent to.
func Logger(logger zerolog.Logger) Option {
	return func(o *Options) error {
		o.Logger = logger
		return nil
	}
}

type Store struct {
	db    *badger.DB
	owned bool
}

// Open opens (creating if needed) the Badger database in path.
func Open(ctx context.Context, path string, options ...Option) (*Store, error) {
	opts := GetDefaultOptions()
	opts.Path = path
	for _, opt := range options {
		if opt != nil {
			if err := opt(&opts); err != nil {
				return nil, err
			}
		}
	}

	openOpts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		openOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	openOpts.Logger = badgerLogger{logger: opts.Logger.With().Str("component", "badger").Logger()}

	var db *badger.DB
	open := func() error {
		var err error
		db, err = badger.Open(openOpts)
		if err == nil {
			return nil
		}
		if isLocked(err) {
			opts.Logger.Warn().Str("path", opts.Path).Msg("badger: directory locked, retrying")
			return err
		}
		return backoff.Permanent(err)
	}

	if opts.LockWait <= 0 || opts.InMemory {
		if err := open(); err != nil {
			return nil, errors.Wrapf(unwrapPermanent(err), "badger: opening %q", opts.Path)
		}
		return &Store{db: db, owned: true}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = opts.LockWait
	if err := backoff.Retry(open, backoff.WithContext(b, ctx)); err != nil {
		return nil, errors.Wrapf(unwrapPermanent(err), "badger: opening %q", opts.Path)
	}
	return &Store{db: db, owned: true}, nil
}

// New wraps an already open database. Close leaves db open.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

func isLocked(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// DB exposes the underlying database.
func (s *Store) DB() *badger.DB {
	return s.db
}

// dbKey prefixes key with the length prefixed namespace so that namespaces
// sharing a prefix cannot see each other's keys.
func dbKey(namespace string, key []byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(namespace)))
	k := make([]byte, 0, n+len(namespace)+len(key))
	k = append(k, lenBuf[:n]...)
	k = append(k, namespace...)
	return append(k, key...)
}

func (s *Store) Put(ctx context.Context, namespace string, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(dbKey(namespace, key), value)
	})
}

func (s *Store) Get(ctx context.Context, namespace string, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dbKey(namespace, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	return value, err
}

func (s *Store) Delete(ctx context.Context, namespace string, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(dbKey(namespace, key))
	})
}

func (s *Store) ListKeys(ctx context.Context, namespace string, prefix []byte) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nsPrefix := dbKey(namespace, nil)
	seek := dbKey(namespace, prefix)

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = seek
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(seek); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if item.IsDeletedOrExpired() {
				continue
			}
			k := item.KeyCopy(nil)
			keys = append(keys, k[len(nsPrefix):])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Close closes the database if Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

var _ store.Store = (*Store)(nil)

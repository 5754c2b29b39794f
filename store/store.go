// Package store defines the durable key/value surface the queues persist to.
//
// A Store is shared between queues. Every call is scoped to a namespace (the
// store name a queue was configured with) and keys are opaque bytes compared
// bytewise. Backends live in the sub packages.
package store

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: not found")

type Store interface {
	// Put writes value under key, replacing any previous value. The write is
	// durable once Put returns nil.
	Put(ctx context.Context, namespace string, key, value []byte) error

	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, namespace string, key []byte) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, namespace string, key []byte) error

	// ListKeys returns every key in namespace starting with prefix in
	// ascending byte order.
	ListKeys(ctx context.Context, namespace string, prefix []byte) ([][]byte, error)

	Close() error
}

// PrefixEnd returns the smallest key greater than every key starting with
// prefix, or nil when no such key exists (the prefix is empty or all 0xff).
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

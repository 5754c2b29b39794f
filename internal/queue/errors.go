package queue

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrQueueNotFound is returned by Open with MustExist set when the queue has
// never been created in the store.
var ErrQueueNotFound = errors.New("queue not found")

// StoreWriteError is returned when a write to the store did not commit. For a
// push nothing was persisted.
type StoreWriteError struct {
	Queue string
	Op    string
	Err   error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("queue %s: %s: store write failed: %v", e.Queue, e.Op, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }
func (e *StoreWriteError) Cause() error  { return e.Err }

// StoreReadError is returned when listing or reading entries failed.
type StoreReadError struct {
	Queue string
	Op    string
	Err   error
}

func (e *StoreReadError) Error() string {
	return fmt.Sprintf("queue %s: %s: store read failed: %v", e.Queue, e.Op, e.Err)
}

func (e *StoreReadError) Unwrap() error { return e.Err }
func (e *StoreReadError) Cause() error  { return e.Err }

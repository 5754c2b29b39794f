package requeue

import (
	"fmt"
	"strings"

	"github.com/nickpoorman/http-requeue/internal/queue"
	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/nickpoorman/http-requeue/transport"
)

type (
	// StoreWriteError is returned when a push or removal did not commit. A
	// failed push persisted nothing.
	StoreWriteError = queue.StoreWriteError

	// StoreReadError is returned when pending entries could not be listed or
	// read.
	StoreReadError = queue.StoreReadError
)

// ErrQueueNotFound is returned by New with MustExist when the queue was never
// created in the store.
var ErrQueueNotFound = queue.ErrQueueNotFound

// ConfigError reports an invalid option. No queue was created.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("requeue: invalid %s: %s", e.Field, e.Reason)
}

// ReplayFailure is one entry that failed during a replay pass. It stays in
// the queue.
type ReplayFailure struct {
	EntryID string
	Config  protocol.EntryConfig

	// Response is nil when no response was received.
	Response *transport.Response
	Err      error
}

// Status is the status code of the failed response, or 0 without one.
func (f *ReplayFailure) Status() int {
	if f.Response == nil {
		return 0
	}
	return f.Response.StatusCode
}

func (f *ReplayFailure) Error() string {
	return fmt.Sprintf("entry %s: %v", f.EntryID, f.Err)
}

func (f *ReplayFailure) Unwrap() error { return f.Err }

// ReplayError is returned by a replay pass in which at least one entry
// failed. Failures are in queue order.
type ReplayError struct {
	Queue    string
	Failures []ReplayFailure
}

func (e *ReplayError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "requeue: queue %s: %d request(s) failed to replay", e.Queue, len(e.Failures))
	for i := range e.Failures {
		if i == 3 {
			fmt.Fprintf(&b, "; and %d more", len(e.Failures)-i)
			break
		}
		b.WriteString("; ")
		b.WriteString(e.Failures[i].Error())
	}
	return b.String()
}

func (e *ReplayError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i := range e.Failures {
		errs[i] = &e.Failures[i]
	}
	return errs
}

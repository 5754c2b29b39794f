// Package transport performs a single attempt of a captured request.
//
// A transport never retries on its own; a failed attempt stays queued and is
// tried again on the next replay.
package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nickpoorman/http-requeue/protocol"
)

type Transport interface {
	// Perform issues req once. An error means no response was obtained. A
	// response is returned for every status code, including non 2xx ones.
	Perform(ctx context.Context, req protocol.CapturedRequest) (*Response, error)
}

// Func adapts a function to a Transport.
type Func func(ctx context.Context, req protocol.CapturedRequest) (*Response, error)

func (f Func) Perform(ctx context.Context, req protocol.CapturedRequest) (*Response, error) {
	return f(ctx, req)
}

// Response is the outcome of an attempt with the body fully read.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// StatusError is the failure for a response that was not OK.
type StatusError struct {
	Response *Response
}

func (e *StatusError) Error() string {
	if e.Response == nil {
		return "transport: no response"
	}
	status := e.Response.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.Response.StatusCode, http.StatusText(e.Response.StatusCode))
	}
	return "transport: unexpected status " + status
}

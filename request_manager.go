package requeue

import (
	"context"

	"github.com/nickpoorman/http-requeue/internal/queue"
	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/nickpoorman/http-requeue/transport"
	"github.com/rs/zerolog"
)

// Callbacks observe the outcome of each replayed request. Both are optional
// and are called synchronously, in queue order, from the replay pass.
type Callbacks struct {
	// OnResponse is called with the 2xx response of a replayed request.
	OnResponse func(cfg protocol.EntryConfig, resp *transport.Response)

	// OnRetryFail is called when a replay attempt failed. A
	// *transport.StatusError carries the response of a non 2xx reply.
	OnRetryFail func(cfg protocol.EntryConfig, err error)
}

// requestManager performs one attempt per entry and reports it to exactly one
// callback. It never retries.
type requestManager struct {
	transport transport.Transport
	callbacks Callbacks
	logger    zerolog.Logger
}

func (m *requestManager) execute(ctx context.Context, e queue.Entry) (*transport.Response, error) {
	resp, err := m.transport.Perform(ctx, e.Request)
	if err == nil && !resp.OK() {
		err = &transport.StatusError{Response: resp}
	}

	if err != nil {
		m.logger.Debug().
			Err(err).
			Str("id", e.ID.String()).
			Str("method", e.Request.Method).
			Str("url", e.Request.URL).
			Msg("requeue: replay attempt failed")
		if m.callbacks.OnRetryFail != nil {
			m.callbacks.OnRetryFail(e.Config, err)
		}
		return resp, err
	}

	m.logger.Debug().
		Str("id", e.ID.String()).
		Int("status", resp.StatusCode).
		Str("url", e.Request.URL).
		Msg("requeue: replayed request")
	if m.callbacks.OnResponse != nil {
		m.callbacks.OnResponse(e.Config, resp)
	}
	return resp, nil
}

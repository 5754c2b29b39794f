// Package httpapi exposes the queues of a running service over HTTP.
package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	requeue "github.com/nickpoorman/http-requeue"
	"github.com/nickpoorman/http-requeue/internal/statspub"
	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultMaxBodyBytes = 1 << 20

// Options can be used to set custom options for a Server.
type Options struct {
	maxBodyBytes int64

	// Used to stream published stats. Streaming is disabled without it.
	natsConn     *nats.Conn
	statsSubject string

	logger zerolog.Logger
}

func OptionsDefault() Options {
	return Options{
		maxBodyBytes: DefaultMaxBodyBytes,
		statsSubject: statspub.StatsSubject,
		logger:       log.Logger,
	}
}

// Option is a function on the options for a Server.
type Option func(*Options) error

// MaxBodyBytes limits the size of a pushed request.
func MaxBodyBytes(n int64) Option {
	return func(o *Options) error {
		if n <= 0 {
			return errors.Errorf("httpapi: max body bytes must be positive, got %d", n)
		}
		o.maxBodyBytes = n
		return nil
	}
}

// StatsStream enables GET /v1/stats/stream, forwarding the stats published on
// subject.
func StatsStream(nc *nats.Conn, subject string) Option {
	return func(o *Options) error {
		o.natsConn = nc
		if subject != "" {
			o.statsSubject = subject
		}
		return nil
	}
}

func Logger(logger zerolog.Logger) Option {
	return func(o *Options) error {
		o.logger = logger
		return nil
	}
}

type Server struct {
	opts Options

	mu     sync.RWMutex
	queues map[string]*requeue.SyncQueue

	Mux *http.ServeMux
}

func NewServer(queues []*requeue.SyncQueue, options ...Option) (*Server, error) {
	opts := OptionsDefault()
	for _, opt := range options {
		if opt != nil {
			if err := opt(&opts); err != nil {
				return nil, err
			}
		}
	}

	s := &Server{
		opts:   opts,
		queues: make(map[string]*requeue.SyncQueue, len(queues)),
	}
	for _, q := range queues {
		if _, ok := s.queues[q.Name()]; ok {
			return nil, errors.Errorf("httpapi: queue %q registered twice", q.Name())
		}
		s.queues[q.Name()] = q
	}

	s.Mux = http.NewServeMux()
	s.Mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	s.Mux.HandleFunc("GET /v1/queues", s.handleListQueues)
	s.Mux.HandleFunc("GET /v1/queues/{name}", s.withQueue(s.handleQueueStats))
	s.Mux.HandleFunc("POST /v1/queues/{name}/requests", s.withQueue(s.handlePush))
	s.Mux.HandleFunc("POST /v1/queues/{name}/replay", s.withQueue(s.handleReplay))
	s.Mux.HandleFunc("POST /v1/queues/{name}/cleanup", s.withQueue(s.handleCleanup))
	s.Mux.HandleFunc("GET /v1/stats/stream", s.handleStatsStream)

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Mux.ServeHTTP(w, r)
}

func (s *Server) withQueue(h func(http.ResponseWriter, *http.Request, *requeue.SyncQueue)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		s.mu.RLock()
		q, ok := s.queues[name]
		s.mu.RUnlock()
		if !ok {
			writeError(w, http.StatusNotFound, "queue_not_found", fmt.Sprintf("no queue named %q", name))
			return
		}
		h(w, r, q)
	}
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	queues := make([]*requeue.SyncQueue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.RUnlock()
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name() < queues[j].Name() })

	stats := make([]protocol.QueueStatsMessage, 0, len(queues))
	for _, q := range queues {
		st, err := q.Stats(r.Context())
		if err != nil {
			s.storeError(w, q, err)
			return
		}
		stats = append(stats, st)
	}
	writeJSON(w, http.StatusOK, ListQueuesResponse{Queues: stats})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request, q *requeue.SyncQueue) {
	st, err := q.Stats(r.Context())
	if err != nil {
		s.storeError(w, q, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, q *requeue.SyncQueue) {
	var req PushRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	captured, err := req.Capture()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := q.PushCaptured(r.Context(), captured, req.Config()); err != nil {
		s.storeError(w, q, err)
		return
	}
	writeJSON(w, http.StatusAccepted, PushResponse{Queue: q.Name(), RequestID: captured.ID})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request, q *requeue.SyncQueue) {
	err := q.ReplayRequests(r.Context())
	var replayErr *requeue.ReplayError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ReplayResponse{Queue: q.Name(), Failures: []ReplayFailure{}})
	case errors.As(err, &replayErr):
		resp := ReplayResponse{Queue: q.Name(), Failures: make([]ReplayFailure, len(replayErr.Failures))}
		for i := range replayErr.Failures {
			f := &replayErr.Failures[i]
			resp.Failures[i] = ReplayFailure{EntryID: f.EntryID, Status: f.Status(), Error: f.Err.Error()}
		}
		writeJSON(w, http.StatusBadGateway, resp)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "canceled", err.Error())
	default:
		s.storeError(w, q, err)
	}
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request, q *requeue.SyncQueue) {
	n, err := q.CleanupQueue(r.Context())
	if err != nil {
		s.storeError(w, q, err)
		return
	}
	writeJSON(w, http.StatusOK, CleanupResponse{Queue: q.Name(), Evicted: n})
}

// handleStatsStream forwards every published stats message as a server-sent
// event until the client goes away.
func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	if s.opts.natsConn == nil {
		writeError(w, http.StatusNotFound, "not_enabled", "stats streaming is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "unsupported", "streaming unsupported")
		return
	}

	msgs := make(chan *nats.Msg, 64)
	sub, err := s.opts.natsConn.ChanSubscribe(s.opts.statsSubject, msgs)
	if err != nil {
		s.opts.logger.Err(err).Msg("httpapi: problem subscribing to stats")
		writeError(w, http.StatusBadGateway, "subscribe_failed", "unable to subscribe to stats")
		return
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-msgs:
			ism, err := protocol.InstanceStatsMessageFromNATS(msg)
			if err != nil {
				s.opts.logger.Err(err).Msg("httpapi: problem decoding the stats message")
				continue
			}
			payload, err := json.Marshal(ism)
			if err != nil {
				s.opts.logger.Err(err).Msg("httpapi: problem encoding the stats message")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: stats\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) storeError(w http.ResponseWriter, q *requeue.SyncQueue, err error) {
	s.opts.logger.Err(err).Str("queue", q.Name()).Msg("httpapi: store error")
	writeError(w, http.StatusInternalServerError, "store_error", err.Error())
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

package httpapi

import (
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/pkg/errors"
)

// PushRequest describes a request to defer. Body is base64 in JSON.
type PushRequest struct {
	Method   string            `json:"method"`
	URL      string            `json:"url"`
	Header   http.Header       `json:"header,omitempty"`
	Body     []byte            `json:"body,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// EntryConfig is handed back to the replay callbacks untouched.
	EntryConfig json.RawMessage `json:"config,omitempty"`
}

// Capture validates the request and turns it into a CapturedRequest.
func (p PushRequest) Capture() (protocol.CapturedRequest, error) {
	if p.URL == "" {
		return protocol.CapturedRequest{}, errors.New("url is required")
	}
	c, err := protocol.NewCapturedRequest(strings.ToUpper(p.Method), p.URL, p.Header, p.Body)
	if err != nil {
		return protocol.CapturedRequest{}, err
	}
	for k, v := range p.Metadata {
		c.SetMeta(k, v)
	}
	return c, nil
}

func (p PushRequest) Config() protocol.EntryConfig {
	if len(p.EntryConfig) == 0 {
		return nil
	}
	return protocol.EntryConfig(p.EntryConfig)
}

type PushResponse struct {
	Queue     string `json:"queue"`
	RequestID string `json:"request_id"`
}

type ReplayFailure struct {
	EntryID string `json:"entry_id"`
	Status  int    `json:"status,omitempty"`
	Error   string `json:"error"`
}

type ReplayResponse struct {
	Queue    string          `json:"queue"`
	Failures []ReplayFailure `json:"failures"`
}

type CleanupResponse struct {
	Queue   string `json:"queue"`
	Evicted int    `json:"evicted"`
}

type ListQueuesResponse struct {
	Queues []protocol.QueueStatsMessage `json:"queues"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

package transport

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/pkg/errors"
)

const (
	// DefaultHTTPTimeout bounds a single replay attempt.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultMaxBodyBytes is how much of a response body is kept.
	DefaultMaxBodyBytes = 1 << 20
)

type HTTPOptions struct {
	Client       *http.Client
	Timeout      time.Duration
	MaxBodyBytes int64
}

func GetDefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		Timeout:      DefaultHTTPTimeout,
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

// HTTPOption is a function on the options for an HTTP transport.
type HTTPOption func(*HTTPOptions) error

// HTTPClient sets the client requests are sent with.
func HTTPClient(c *http.Client) HTTPOption {
	return func(o *HTTPOptions) error {
		o.Client = c
		return nil
	}
}

// HTTPTimeout sets the per attempt timeout. Zero disables it.
func HTTPTimeout(d time.Duration) HTTPOption {
	return func(o *HTTPOptions) error {
		if d < 0 {
			return errors.New("transport: negative timeout")
		}
		o.Timeout = d
		return nil
	}
}

// MaxBodyBytes sets how much of the response body is read.
func MaxBodyBytes(n int64) HTTPOption {
	return func(o *HTTPOptions) error {
		if n < 0 {
			return errors.New("transport: negative max body size")
		}
		o.MaxBodyBytes = n
		return nil
	}
}

// HTTP replays captured requests over net/http.
type HTTP struct {
	client  *http.Client
	timeout time.Duration
	maxBody int64
}

func NewHTTP(options ...HTTPOption) (*HTTP, error) {
	opts := GetDefaultHTTPOptions()
	for _, opt := range options {
		if opt != nil {
			if err := opt(&opts); err != nil {
				return nil, err
			}
		}
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{
		client:  client,
		timeout: opts.Timeout,
		maxBody: opts.MaxBodyBytes,
	}, nil
}

func (h *HTTP) Perform(ctx context.Context, req protocol.CapturedRequest) (*Response, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	hreq, err := req.NewHTTPRequest(ctx)
	if err != nil {
		return nil, err
	}
	if ref := req.Metadata[protocol.MetaReferrer]; ref != "" && hreq.Header.Get("Referer") == "" {
		hreq.Header.Set("Referer", ref)
	}

	resp, err := h.client.Do(hreq)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: %s %s", req.Method, req.URL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody))
	if err != nil {
		return nil, errors.Wrapf(err, "transport: reading response of %s %s", req.Method, req.URL)
	}
	// Drain what is left so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

var _ Transport = (*HTTP)(nil)

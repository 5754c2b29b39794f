package transport

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/pkg/errors"
)

// DefaultNATSTimeout bounds a single request/reply attempt.
const DefaultNATSTimeout = 5 * time.Second

// URLScheme marks captured requests whose URL names a NATS subject, e.g.
// nats://orders.create.
const URLScheme = "nats"

// NATS replays captured requests as NATS request/reply. The payload is the
// encoded CapturedRequest and any reply counts as a 200 response.
type NATS struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
}

// NewNATS sends every request to subject. With an empty subject the subject
// is taken from each request's nats:// URL.
func NewNATS(nc *nats.Conn, subject string, timeout time.Duration) *NATS {
	if timeout <= 0 {
		timeout = DefaultNATSTimeout
	}
	return &NATS{nc: nc, subject: subject, timeout: timeout}
}

// SubjectFromURL returns the subject of a nats:// URL.
func SubjectFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(err, "transport: parsing %q", raw)
	}
	if u.Scheme != URLScheme {
		return "", errors.Errorf("transport: %q is not a %s:// url", raw, URLScheme)
	}
	var parts []string
	if u.Host != "" {
		parts = append(parts, u.Host)
	}
	if p := strings.Trim(u.Path, "/"); p != "" {
		parts = append(parts, strings.Split(p, "/")...)
	}
	subject := strings.Join(parts, ".")
	if subject == "" {
		return "", errors.Errorf("transport: %q has no subject", raw)
	}
	return subject, nil
}

func (n *NATS) Perform(ctx context.Context, req protocol.CapturedRequest) (*Response, error) {
	subject := n.subject
	if subject == "" {
		var err error
		if subject, err = SubjectFromURL(req.URL); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	msg, err := n.nc.RequestWithContext(ctx, subject, req.Bytes())
	if err != nil {
		return nil, errors.Wrapf(err, "transport: request on %s", subject)
	}
	return &Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     http.Header{},
		Body:       msg.Data,
	}, nil
}

var _ Transport = (*NATS)(nil)

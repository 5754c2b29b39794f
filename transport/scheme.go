package transport

import (
	"context"
	"net/url"
	"strings"

	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/pkg/errors"
)

// Schemes picks a transport by the scheme of the request URL. Requests with
// an unregistered scheme go to Default.
type Schemes struct {
	Default Transport
	byName  map[string]Transport
}

func NewSchemes(def Transport) *Schemes {
	return &Schemes{Default: def, byName: make(map[string]Transport)}
}

// Handle routes scheme to t. Schemes are case insensitive.
func (s *Schemes) Handle(scheme string, t Transport) *Schemes {
	s.byName[strings.ToLower(scheme)] = t
	return s
}

func (s *Schemes) Perform(ctx context.Context, req protocol.CapturedRequest) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: parsing %q", req.URL)
	}
	if t, ok := s.byName[strings.ToLower(u.Scheme)]; ok {
		return t.Perform(ctx, req)
	}
	if s.Default == nil {
		return nil, errors.Errorf("transport: no transport for scheme %q", u.Scheme)
	}
	return s.Default.Perform(ctx, req)
}

var _ Transport = (*Schemes)(nil)

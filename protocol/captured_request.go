package protocol

import (
	"bytes"
	"context"
	"encoding"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/gofrs/uuid"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/nickpoorman/http-requeue/flatbuf"
	"github.com/pkg/errors"
)

// CapturedRequestVersion is the current encoding version of a CapturedRequest.
// Decoding refuses anything newer.
const CapturedRequestVersion uint16 = 1

// RequestIDHeader carries the capture id on every replay so the receiving end
// can deduplicate attempts of the same request.
const RequestIDHeader = "Requeue-Request-Id"

// Metadata keys describing how the request was originally issued. They are
// carried along untouched so a transport can honor them on replay.
const (
	MetaMode           = "mode"
	MetaCredentials    = "credentials"
	MetaCache          = "cache"
	MetaRedirect       = "redirect"
	MetaReferrer       = "referrer"
	MetaReferrerPolicy = "referrer-policy"
	MetaIntegrity      = "integrity"
)

var (
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrMalformed          = errors.New("protocol: malformed message")

	// ErrInvalidRequest is returned for a capture that could never be
	// rebuilt into a request.
	ErrInvalidRequest = errors.New("protocol: invalid request")
)

// CapturedRequest is everything needed to rebuild and re-issue an outgoing
// request without the original live request.
type CapturedRequest struct {
	// Version of the encoding this value was decoded from. Always
	// CapturedRequestVersion for freshly captured requests.
	Version uint16

	// ID uniquely identifies the captured request across replays.
	ID string

	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Metadata holds mode/credentials style options of the original request.
	Metadata map[string]string
}

// NewCapturedRequest returns a capture with a fresh id.
func NewCapturedRequest(method, url string, header http.Header, body []byte) (CapturedRequest, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return CapturedRequest{}, errors.Wrap(err, "protocol: generating capture id")
	}
	if method == "" {
		method = http.MethodGet
	}
	if header == nil {
		header = http.Header{}
	}
	c := CapturedRequest{
		Version: CapturedRequestVersion,
		ID:      id.String(),
		Method:  method,
		URL:     url,
		Header:  header,
		Body:    body,
	}
	if err := c.Validate(); err != nil {
		return CapturedRequest{}, err
	}
	return c, nil
}

// Validate checks that the capture can be rebuilt into a request: an absolute
// URL, a valid method token and well formed headers.
func (c *CapturedRequest) Validate() error {
	if c.URL == "" {
		return errors.Wrap(ErrInvalidRequest, "url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.Wrapf(ErrInvalidRequest, "url: %v", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return errors.Wrapf(ErrInvalidRequest, "url %q is not absolute", c.URL)
	}
	for name, values := range c.Header {
		if !isToken(name) {
			return errors.Wrapf(ErrInvalidRequest, "header name %q", name)
		}
		for _, v := range values {
			if strings.ContainsAny(v, "\r\n\x00") {
				return errors.Wrapf(ErrInvalidRequest, "header %s has a control character", name)
			}
		}
	}
	if _, err := c.NewHTTPRequest(context.Background()); err != nil {
		return errors.Wrap(ErrInvalidRequest, err.Error())
	}
	return nil
}

// isToken reports whether s is an RFC 7230 token.
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("!#$%&'*+-.^_`|~", r):
		default:
			return false
		}
	}
	return true
}

// CaptureRequest snapshots r. The body is read in full and put back on r so
// the caller can still use the request afterwards.
func CaptureRequest(r *http.Request) (CapturedRequest, error) {
	if r == nil || r.URL == nil {
		return CapturedRequest{}, errors.Wrap(ErrMalformed, "nil request")
	}

	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return CapturedRequest{}, errors.Wrap(err, "protocol: reading request body")
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(b))
		body = b
	}

	c, err := NewCapturedRequest(r.Method, r.URL.String(), r.Header.Clone(), body)
	if err != nil {
		return CapturedRequest{}, err
	}
	if ref := r.Referer(); ref != "" {
		c.SetMeta(MetaReferrer, ref)
	}
	return c, nil
}

// SetMeta sets a metadata attribute.
func (c *CapturedRequest) SetMeta(k, v string) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	c.Metadata[k] = v
}

// NewHTTPRequest rebuilds a live request from the capture.
func (c *CapturedRequest) NewHTTPRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if len(c.Body) > 0 {
		body = bytes.NewReader(c.Body)
	}
	req, err := http.NewRequestWithContext(ctx, c.Method, c.URL, body)
	if err != nil {
		return nil, errors.Wrapf(err, "protocol: rebuilding %s %s", c.Method, c.URL)
	}
	for name, values := range c.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if c.ID != "" {
		req.Header.Set(RequestIDHeader, c.ID)
	}
	return req, nil
}

func (c *CapturedRequest) Bytes() []byte {
	b := flatbuffers.NewBuilder(0)
	msg := c.toFlatbuf(b)
	b.Finish(msg)
	return b.FinishedBytes()
}

func (c *CapturedRequest) MarshalBinary() ([]byte, error) {
	return c.Bytes(), nil
}

func (c *CapturedRequest) UnmarshalBinary(data []byte) (err error) {
	defer recoverMalformed(&err)
	if len(data) < flatbuffers.SizeUOffsetT {
		return errors.Wrap(ErrMalformed, "captured request too short")
	}
	return c.fromFlatbuf(flatbuf.GetRootAsCapturedRequest(data, 0))
}

func (c *CapturedRequest) toFlatbuf(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	// Sort so the encoding is stable for a given request.
	names := make([]string, 0, len(c.Header))
	for name := range c.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	headerOffsets := make([]flatbuffers.UOffsetT, len(names))
	for i, name := range names {
		values := c.Header[name]
		valueOffsets := make([]flatbuffers.UOffsetT, len(values))
		for j, v := range values {
			valueOffsets[j] = b.CreateString(v)
		}
		flatbuf.HeaderStartValuesVector(b, len(valueOffsets))
		for j := len(valueOffsets) - 1; j >= 0; j-- {
			b.PrependUOffsetT(valueOffsets[j])
		}
		valuesVec := b.EndVector(len(valueOffsets))
		nameOff := b.CreateString(name)

		flatbuf.HeaderStart(b)
		flatbuf.HeaderAddName(b, nameOff)
		flatbuf.HeaderAddValues(b, valuesVec)
		headerOffsets[i] = flatbuf.HeaderEnd(b)
	}
	// Add the offsets in reverse so we maintain order.
	flatbuf.CapturedRequestStartHeadersVector(b, len(headerOffsets))
	for i := len(headerOffsets) - 1; i >= 0; i-- {
		b.PrependUOffsetT(headerOffsets[i])
	}
	headers := b.EndVector(len(headerOffsets))

	metaKeys := make([]string, 0, len(c.Metadata))
	for k := range c.Metadata {
		metaKeys = append(metaKeys, k)
	}
	sort.Strings(metaKeys)
	metaOffsets := make([]flatbuffers.UOffsetT, len(metaKeys))
	for i, k := range metaKeys {
		kOff := b.CreateString(k)
		vOff := b.CreateString(c.Metadata[k])
		flatbuf.AttributeStart(b)
		flatbuf.AttributeAddKey(b, kOff)
		flatbuf.AttributeAddValue(b, vOff)
		metaOffsets[i] = flatbuf.AttributeEnd(b)
	}
	flatbuf.CapturedRequestStartMetadataVector(b, len(metaOffsets))
	for i := len(metaOffsets) - 1; i >= 0; i-- {
		b.PrependUOffsetT(metaOffsets[i])
	}
	metadata := b.EndVector(len(metaOffsets))

	id := b.CreateString(c.ID)
	method := b.CreateString(c.Method)
	url := b.CreateString(c.URL)
	body := b.CreateByteVector(c.Body)

	flatbuf.CapturedRequestStart(b)
	flatbuf.CapturedRequestAddVersion(b, CapturedRequestVersion)
	flatbuf.CapturedRequestAddId(b, id)
	flatbuf.CapturedRequestAddMethod(b, method)
	flatbuf.CapturedRequestAddUrl(b, url)
	flatbuf.CapturedRequestAddHeaders(b, headers)
	flatbuf.CapturedRequestAddBody(b, body)
	flatbuf.CapturedRequestAddMetadata(b, metadata)
	return flatbuf.CapturedRequestEnd(b)
}

func (c *CapturedRequest) fromFlatbuf(m *flatbuf.CapturedRequest) error {
	if v := m.Version(); v > CapturedRequestVersion {
		return errors.Wrapf(ErrUnsupportedVersion, "captured request version %d", v)
	}
	c.Version = m.Version()
	c.ID = string(m.Id())
	c.Method = string(m.Method())
	c.URL = string(m.Url())

	c.Header = make(http.Header, m.HeadersLength())
	h := &flatbuf.Header{}
	for i := 0; i < m.HeadersLength(); i++ {
		if ok := m.Headers(h, i); !ok {
			continue
		}
		values := make([]string, h.ValuesLength())
		for j := range values {
			values[j] = string(h.Values(j))
		}
		// Names were canonical when captured; keep them verbatim.
		c.Header[string(h.Name())] = values
	}

	c.Body = nil
	if body := m.BodyBytes(); len(body) > 0 {
		// Copy so the request does not pin the whole entry buffer.
		c.Body = append([]byte(nil), body...)
	}

	c.Metadata = nil
	a := &flatbuf.Attribute{}
	for i := 0; i < m.MetadataLength(); i++ {
		if ok := m.Metadata(a, i); !ok {
			continue
		}
		c.SetMeta(string(a.Key()), string(a.Value()))
	}
	return nil
}

// Reading a flatbuffer that was not produced by us panics with an index out of
// range; surface that as ErrMalformed instead.
func recoverMalformed(err *error) {
	if r := recover(); r != nil {
		*err = errors.Wrapf(ErrMalformed, "%v", r)
	}
}

var (
	_ encoding.BinaryMarshaler   = (*CapturedRequest)(nil)
	_ encoding.BinaryUnmarshaler = (*CapturedRequest)(nil)
)

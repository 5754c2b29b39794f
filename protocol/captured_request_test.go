package protocol

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/nickpoorman/http-requeue/flatbuf"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureRequestRestoresBody(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "https://example.com/api/items?x=1", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Add("X-Multi", "one")
	req.Header.Add("X-Multi", "two")
	req.Header.Set("Referer", "https://example.com/page")

	c, err := CaptureRequest(req)
	require.NoError(t, err)

	assert.Equal(t, CapturedRequestVersion, c.Version)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, http.MethodPost, c.Method)
	assert.Equal(t, "https://example.com/api/items?x=1", c.URL)
	assert.Equal(t, []byte(`{"a":1}`), c.Body)
	assert.Equal(t, []string{"one", "two"}, c.Header["X-Multi"])
	assert.Equal(t, "https://example.com/page", c.Metadata[MetaReferrer])

	// The live request is still usable.
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))
}

func TestCapturedRequestRoundTripsThroughFlatbuffers(t *testing.T) {
	c, err := NewCapturedRequest(http.MethodPut, "https://example.com/x", http.Header{
		"Authorization": {"Bearer abc"},
		"X-Multi":       {"1", "2", "3"},
	}, []byte("payload"))
	require.NoError(t, err)
	c.SetMeta(MetaCredentials, "include")
	c.SetMeta(MetaMode, "cors")

	out := CapturedRequest{}
	require.NoError(t, out.UnmarshalBinary(c.Bytes()))
	assert.Equal(t, c, out)
}

func TestCapturedRequestEmptyBody(t *testing.T) {
	c, err := NewCapturedRequest("", "https://example.com", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, c.Method)

	out := CapturedRequest{}
	require.NoError(t, out.UnmarshalBinary(c.Bytes()))
	assert.Nil(t, out.Body)
	assert.Empty(t, out.Header)
	assert.Nil(t, out.Metadata)
}

func TestNewHTTPRequest(t *testing.T) {
	c, err := NewCapturedRequest(http.MethodPost, "https://example.com/a", http.Header{
		"Content-Type": {"text/plain"},
	}, []byte("hi"))
	require.NoError(t, err)

	req, err := c.NewHTTPRequest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "text/plain", req.Header.Get("Content-Type"))
	assert.Equal(t, c.ID, req.Header.Get(RequestIDHeader))
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(body))
}

func TestCapturedRequestRejectsFutureVersion(t *testing.T) {
	c, err := NewCapturedRequest(http.MethodGet, "https://example.com", nil, nil)
	require.NoError(t, err)
	b := c.Bytes()

	fb := flatbuf.GetRootAsCapturedRequest(b, 0)
	require.True(t, fb.MutateVersion(CapturedRequestVersion+1))

	out := CapturedRequest{}
	assert.ErrorIs(t, out.UnmarshalBinary(b), ErrUnsupportedVersion)
}

func TestCapturedRequestMalformed(t *testing.T) {
	out := CapturedRequest{}
	assert.ErrorIs(t, out.UnmarshalBinary([]byte{1}), ErrMalformed)
	assert.ErrorIs(t, out.UnmarshalBinary([]byte{0xff, 0xff, 0xff, 0x7f, 1, 2}), ErrMalformed)
}

func TestQueueEntryRoundTrip(t *testing.T) {
	c, err := NewCapturedRequest(http.MethodDelete, "https://example.com/z", nil, nil)
	require.NoError(t, err)
	created := time.Unix(1600000000, 123)
	e := QueueEntry{
		ID:        []byte{0, 1, 2, 3},
		CreatedAt: created,
		Request:   c,
		Config:    EntryConfig(`{"tag":"x"}`),
	}

	out := QueueEntry{}
	require.NoError(t, out.UnmarshalBinary(e.Bytes()))
	assert.Equal(t, e.ID, out.ID)
	assert.True(t, created.Equal(out.CreatedAt))
	assert.Equal(t, e.Config, out.Config)
	assert.Equal(t, c.URL, out.Request.URL)
	assert.Equal(t, c.ID, out.Request.ID)
}

func TestNewCapturedRequestRejectsUnreplayable(t *testing.T) {
	for name, tc := range map[string]struct {
		method, url string
		header      http.Header
	}{
		"method with space": {method: "GE T", url: "http://example.com/"},
		"bad host":          {method: http.MethodPost, url: "http://exa mple.com/%zz"},
		"relative url":      {method: http.MethodGet, url: "/relative"},
		"empty url":         {method: http.MethodGet, url: ""},
		"bad header name":   {method: http.MethodGet, url: "https://example.com", header: http.Header{"Bad Header": {"x"}}},
		"header newline":    {method: http.MethodGet, url: "https://example.com", header: http.Header{"X-Ok": {"a\r\nInjected: 1"}}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewCapturedRequest(tc.method, tc.url, tc.header, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRequest))
		})
	}

	c, err := NewCapturedRequest("PATCH", "nats://orders.create", http.Header{"X-Ok": {"1"}}, nil)
	require.NoError(t, err)
	assert.NoError(t, c.Validate())

	c.Method = "GE T"
	assert.True(t, errors.Is(c.Validate(), ErrInvalidRequest))
}

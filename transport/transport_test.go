package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, method, url string, body string) protocol.CapturedRequest {
	c, err := protocol.NewCapturedRequest(method, url, http.Header{"X-Test": {"1"}}, []byte(body))
	require.NoError(t, err)
	return c
}

func TestResponseOK(t *testing.T) {
	var nilResp *Response
	assert.False(t, nilResp.OK())
	assert.True(t, (&Response{StatusCode: 200}).OK())
	assert.True(t, (&Response{StatusCode: 204}).OK())
	assert.False(t, (&Response{StatusCode: 304}).OK())
	assert.False(t, (&Response{StatusCode: 404}).OK())
	assert.False(t, (&Response{StatusCode: 199}).OK())
}

func TestStatusErrorMessage(t *testing.T) {
	err := &StatusError{Response: &Response{StatusCode: 404}}
	assert.Equal(t, "transport: unexpected status 404 Not Found", err.Error())
	err = &StatusError{Response: &Response{StatusCode: 500, Status: "500 Internal Server Error"}}
	assert.Equal(t, "transport: unexpected status 500 Internal Server Error", err.Error())
}

func TestHTTPPerform(t *testing.T) {
	var gotID, gotHeader, gotBody, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotMethod = r.Method
		gotID = r.Header.Get(protocol.RequestIDHeader)
		gotHeader = r.Header.Get("X-Test")
		w.Header().Set("X-Reply", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer srv.Close()

	h, err := NewHTTP()
	require.NoError(t, err)
	req := capture(t, http.MethodPut, srv.URL+"/items", "payload")

	resp, err := h.Perform(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "created", string(resp.Body))
	assert.Equal(t, "yes", resp.Header.Get("X-Reply"))

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "payload", gotBody)
	assert.Equal(t, req.ID, gotID)
	assert.Equal(t, "1", gotHeader)
}

func TestHTTPNon2xxIsAResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	h, err := NewHTTP()
	require.NoError(t, err)
	resp, err := h.Perform(context.Background(), capture(t, http.MethodGet, srv.URL, ""))
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPBodyIsBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	h, err := NewHTTP(MaxBodyBytes(10))
	require.NoError(t, err)
	resp, err := h.Perform(context.Background(), capture(t, http.MethodGet, srv.URL, ""))
	require.NoError(t, err)
	assert.Len(t, resp.Body, 10)
}

func TestHTTPTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h, err := NewHTTP(HTTPTimeout(50 * time.Millisecond))
	require.NoError(t, err)
	_, err = h.Perform(context.Background(), capture(t, http.MethodGet, srv.URL, ""))
	assert.Error(t, err)
}

func TestHTTPUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h, err := NewHTTP()
	require.NoError(t, err)
	_, err = h.Perform(context.Background(), capture(t, http.MethodGet, url, ""))
	assert.Error(t, err)
}

func TestHTTPOptionsValidate(t *testing.T) {
	_, err := NewHTTP(HTTPTimeout(-1))
	assert.Error(t, err)
	_, err = NewHTTP(MaxBodyBytes(-1))
	assert.Error(t, err)
}

func TestSubjectFromURL(t *testing.T) {
	for raw, want := range map[string]string{
		"nats://orders.create":   "orders.create",
		"nats://orders/create/x": "orders.create.x",
	} {
		got, err := SubjectFromURL(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got)
	}
	for _, raw := range []string{"https://example.com", "nats://", "::"} {
		_, err := SubjectFromURL(raw)
		assert.Error(t, err, raw)
	}
}

func TestNATSPerform(t *testing.T) {
	s := natsserver.RunRandClientPortServer()
	t.Cleanup(func() {
		s.Shutdown()
	})
	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	t.Cleanup(func() {
		nc.Close()
	})

	got := make(chan protocol.CapturedRequest, 1)
	_, err = nc.Subscribe("orders.create", func(msg *nats.Msg) {
		var c protocol.CapturedRequest
		if err := c.UnmarshalBinary(msg.Data); err == nil {
			got <- c
		}
		msg.Respond([]byte("ack"))
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	tr := NewNATS(nc, "", time.Second)
	req := capture(t, http.MethodPost, "nats://orders.create", "payload")
	resp, err := tr.Perform(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, "ack", string(resp.Body))

	c := <-got
	assert.Equal(t, req.ID, c.ID)
	assert.Equal(t, []byte("payload"), c.Body)
}

func TestNATSNoResponder(t *testing.T) {
	s := natsserver.RunRandClientPortServer()
	t.Cleanup(func() {
		s.Shutdown()
	})
	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	t.Cleanup(func() {
		nc.Close()
	})

	tr := NewNATS(nc, "nobody.listens", 100*time.Millisecond)
	_, err = tr.Perform(context.Background(), capture(t, http.MethodPost, "https://ignored", ""))
	assert.Error(t, err)
}

func TestSchemesRouting(t *testing.T) {
	var got []string
	named := func(name string) Transport {
		return Func(func(_ context.Context, req protocol.CapturedRequest) (*Response, error) {
			got = append(got, name+" "+req.URL)
			return &Response{StatusCode: http.StatusOK}, nil
		})
	}
	s := NewSchemes(named("http")).Handle("NATS", named("nats"))

	for _, u := range []string{"https://example.com/a", "nats://orders.create", "http://example.com/b"} {
		resp, err := s.Perform(context.Background(), capture(t, http.MethodPost, u, ""))
		require.NoError(t, err)
		assert.True(t, resp.OK())
	}
	assert.Equal(t, []string{
		"http https://example.com/a",
		"nats nats://orders.create",
		"http http://example.com/b",
	}, got)

	_, err := NewSchemes(nil).Perform(context.Background(), capture(t, http.MethodGet, "ftp://example.com", ""))
	assert.Error(t, err)
}

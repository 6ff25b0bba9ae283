package service

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forward-proxy-go/internal/client"
	"forward-proxy-go/internal/config"
	"forward-proxy-go/internal/model"
)

func newTestEngine(t *testing.T) *ForwardingEngine {
	t.Helper()
	cfg := &config.Config{Upstream: config.UpstreamConfig{TimeoutSeconds: 5, IdleConnections: 4}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewForwardingEngine(client.NewOriginClient(cfg, logger, nil), logger)
}

func proxyRequest(t *testing.T, ctx context.Context, method, target string, body []byte) *model.ProxyRequest {
	t.Helper()
	u, err := url.Parse(target)
	require.NoError(t, err)
	return &model.ProxyRequest{Ctx: ctx, Method: method, URL: u, Header: http.Header{}, Body: body}
}

// recordingOrigin captures the last request it received.
type recordingOrigin struct {
	calls  int
	method string
	body   []byte
	header http.Header
	length int64
}

func (o *recordingOrigin) server(t *testing.T, status int, respBody string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.calls++
		o.method = r.Method
		o.header = r.Header.Clone()
		o.length = r.ContentLength
		o.body, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, respBody)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestForward_GetRelaysOrigin(t *testing.T) {
	var origin recordingOrigin
	srv := origin.server(t, http.StatusOK, "hello")
	e := newTestEngine(t)

	pr := proxyRequest(t, context.Background(), http.MethodGet, srv.URL+"/a?q=1", []byte("ignored"))
	pr.Header.Set("Accept", "text/plain")

	resp, err := e.Forward(pr)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(resp.Body))
	assert.Equal(t, "yes", resp.Header.Get("X-Origin"))

	assert.Equal(t, http.MethodGet, origin.method)
	assert.Empty(t, origin.body, "GET is forwarded without a body")
	assert.Equal(t, "text/plain", origin.header.Get("Accept"))
}

func TestForward_HeadAndDeleteSendNoBody(t *testing.T) {
	for _, method := range []string{http.MethodHead, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			var origin recordingOrigin
			srv := origin.server(t, http.StatusNoContent, "")
			e := newTestEngine(t)

			resp, err := e.Forward(proxyRequest(t, context.Background(), method, srv.URL, []byte("payload")))
			require.NoError(t, err)
			assert.Equal(t, http.StatusNoContent, resp.StatusCode)
			assert.Equal(t, method, origin.method)
			assert.Empty(t, origin.body)
		})
	}
}

func TestForward_PostRecomputesContentLength(t *testing.T) {
	for _, method := range []string{http.MethodPost, http.MethodPut} {
		t.Run(method, func(t *testing.T) {
			var origin recordingOrigin
			srv := origin.server(t, http.StatusCreated, "created")
			e := newTestEngine(t)

			pr := proxyRequest(t, context.Background(), method, srv.URL+"/items", []byte(`{"a":1}`))
			pr.Header.Set("Content-Type", "application/json")
			pr.Header.Set("Content-Length", "9999")

			resp, err := e.Forward(pr)
			require.NoError(t, err)
			assert.Equal(t, http.StatusCreated, resp.StatusCode)
			assert.Equal(t, `{"a":1}`, string(origin.body))
			assert.Equal(t, int64(7), origin.length)
			assert.Equal(t, "application/json", origin.header.Get("Content-Type"))
			assert.Equal(t, "9999", pr.Header.Get("Content-Length"), "inbound headers are not mutated")
		})
	}
}

func TestForward_OptionsIsSynthetic(t *testing.T) {
	var origin recordingOrigin
	srv := origin.server(t, http.StatusOK, "")
	e := newTestEngine(t)

	resp, err := e.Forward(proxyRequest(t, context.Background(), http.MethodOptions, srv.URL, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OPTIONS, GET, HEAD, POST, PUT, DELETE, CONNECT", resp.Header.Get("Allow"))
	assert.Empty(t, resp.Body)
	assert.Zero(t, origin.calls)
}

func TestForward_UnsupportedMethods(t *testing.T) {
	for _, method := range []string{http.MethodTrace, http.MethodConnect, http.MethodPatch, "PROPFIND"} {
		t.Run(method, func(t *testing.T) {
			var origin recordingOrigin
			srv := origin.server(t, http.StatusOK, "")
			e := newTestEngine(t)

			resp, err := e.Forward(proxyRequest(t, context.Background(), method, srv.URL, nil))
			require.NoError(t, err)
			assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
			assert.Equal(t, "405 Method Not Allowed", resp.Status)
			assert.Equal(t, AllowedMethods, resp.Header.Get("Allow"))
			assert.Zero(t, origin.calls)
		})
	}
}

func TestForward_OriginErrorStatus(t *testing.T) {
	var origin recordingOrigin
	srv := origin.server(t, http.StatusNotFound, "no such page")
	e := newTestEngine(t)

	_, err := e.Forward(proxyRequest(t, context.Background(), http.MethodGet, srv.URL+"/missing", nil))
	fe := Classify(err)
	require.Equal(t, KindOriginStatus, fe.Kind)
	require.NotNil(t, fe.Response)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode())
	assert.Equal(t, "404 Not Found", fe.Reason)
	assert.Equal(t, "no such page", string(fe.Response.Body))
}

func TestForward_InvalidTargets(t *testing.T) {
	e := newTestEngine(t)
	for _, target := range []string{"https://example.com/", "/relative/path", "ftp://example.com/file"} {
		t.Run(target, func(t *testing.T) {
			_, err := e.Forward(proxyRequest(t, context.Background(), http.MethodGet, target, nil))
			fe := Classify(err)
			assert.Equal(t, KindInvalidRequest, fe.Kind)
			assert.Equal(t, http.StatusBadRequest, fe.StatusCode())
		})
	}
}

func TestForward_Unreachable(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Forward(proxyRequest(t, context.Background(), http.MethodGet, "http://127.0.0.1:1/", nil))
	fe := Classify(err)
	assert.Equal(t, KindUnreachable, fe.Kind)
	assert.Equal(t, http.StatusBadGateway, fe.StatusCode())
	assert.NotEmpty(t, fe.Reason)
}

func TestForward_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()
	e := newTestEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Forward(proxyRequest(t, ctx, http.MethodGet, srv.URL, nil))
	fe := Classify(err)
	assert.Equal(t, KindTimeout, fe.Kind)
	assert.Equal(t, http.StatusGatewayTimeout, fe.StatusCode())
}

func TestForward_UpstreamClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()
	cfg := &config.Config{Upstream: config.UpstreamConfig{TimeoutSeconds: 1, IdleConnections: 4}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewForwardingEngine(client.NewOriginClient(cfg, logger, nil), logger)

	_, err := e.Forward(proxyRequest(t, context.Background(), http.MethodGet, srv.URL, nil))
	fe := Classify(err)
	assert.Equal(t, KindTimeout, fe.Kind)
	assert.Equal(t, http.StatusGatewayTimeout, fe.StatusCode())
}

func TestForward_ClientGone(t *testing.T) {
	var origin recordingOrigin
	srv := origin.server(t, http.StatusOK, "")
	e := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Forward(proxyRequest(t, ctx, http.MethodGet, srv.URL, nil))
	fe := Classify(err)
	assert.Equal(t, KindPeerDisconnect, fe.Kind)
	assert.Zero(t, fe.StatusCode())
}

package proxy

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forward-proxy-go/internal/config"
	"forward-proxy-go/internal/events"
)

func newTestServer(t *testing.T, handler http.Handler, proxyProtocol bool) (*Server, *events.Sink) {
	t.Helper()
	cfg := &config.Config{Proxy: config.ProxyConfig{Host: "127.0.0.1", Port: 0, ProxyProtocol: proxyProtocol}}
	sink := events.NewSink(0)
	s := NewServer(cfg, handler, sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, sink
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.RemoteAddr)
	})
}

func get(t *testing.T, addr string) (int, string) {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + addr + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_StartStop(t *testing.T) {
	s, sink := newTestServer(t, okHandler(), false)
	require.False(t, s.IsRunning())

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())

	status, _ := get(t, s.Addr())
	assert.Equal(t, http.StatusOK, status)

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning(), "not running once Stop returns")

	_, err := net.DialTimeout("tcp", s.bound.Load().(string), time.Second)
	assert.Error(t, err, "listener is closed")

	lines := sink.Drain()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "proxy started on 127.0.0.1:")
	assert.Contains(t, lines[1], "proxy stopped")
}

func TestServer_StartIsIdempotent(t *testing.T) {
	s, sink := newTestServer(t, okHandler(), false)

	require.NoError(t, s.Start())
	addr := s.Addr()
	require.NoError(t, s.Start())

	assert.Equal(t, addr, s.Addr(), "second Start must not bind again")
	assert.Len(t, sink.Drain(), 1)
}

func TestServer_Restart(t *testing.T) {
	s, _ := newTestServer(t, okHandler(), false)

	require.NoError(t, s.Start())
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()), "stopping twice is harmless")
	require.NoError(t, s.Start())

	assert.True(t, s.IsRunning())
	status, _ := get(t, s.Addr())
	assert.Equal(t, http.StatusOK, status)
}

func TestServer_BindError(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	host, port, _ := net.SplitHostPort(taken.Addr().String())
	var cfg config.Config
	cfg.Proxy.Host = host
	cfg.Proxy.Port, err = strconv.Atoi(port)
	require.NoError(t, err)

	s := NewServer(&cfg, okHandler(), events.NewSink(0), slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, s.Start())
	assert.False(t, s.IsRunning())
}

func TestServer_StopWaitsForInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s, _ := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		_, _ = io.WriteString(w, "finished")
	}), false)
	require.NoError(t, s.Start())

	type result struct {
		status int
		body   string
	}
	results := make(chan result, 1)
	go func() {
		resp, err := http.Get("http://" + s.Addr() + "/")
		if err != nil {
			results <- result{}
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		results <- result{resp.StatusCode, string(b)}
	}()
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a request was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)
	assert.Equal(t, result{http.StatusOK, "finished"}, <-results)
}

func TestServer_ProxyProtocol(t *testing.T) {
	s, _ := newTestServer(t, okHandler(), true)
	require.NoError(t, s.Start())

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer conn.Close()

	src := &net.TCPAddr{IP: net.ParseIP("203.0.113.7"), Port: 40000}
	dst := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 8080}
	_, err = proxyproto.HeaderProxyFromAddrs(1, src, dst).WriteTo(conn)
	require.NoError(t, err)

	_, err = io.WriteString(conn, "GET / HTTP/1.1\r\nHost: proxy\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, "203.0.113.7:40000", string(body), "handler sees the original client")
}

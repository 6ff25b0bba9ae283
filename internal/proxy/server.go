// Package proxy runs the forwarding listener and lets the admin API start and
// stop it at runtime.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	proxyproto "github.com/pires/go-proxyproto"

	"forward-proxy-go/internal/config"
	"forward-proxy-go/internal/events"
)

const proxyHeaderTimeout = 5 * time.Second

// Server owns the proxy listener. Each Start binds a fresh listener and
// http.Server, so a stopped Server can be started again.
type Server struct {
	addr          string
	proxyProtocol bool
	handler       http.Handler
	events        *events.Sink
	logger        *slog.Logger

	mu   sync.Mutex // serializes Start and Stop
	srv  *http.Server
	done chan struct{} // closed when the current Serve returns

	running atomic.Bool
	bound   atomic.Value // string: address of the current listener
}

// NewServer creates a Server for cfg.Proxy. It does not bind until Start.
func NewServer(cfg *config.Config, handler http.Handler, sink *events.Sink, logger *slog.Logger) *Server {
	return &Server{
		addr:          cfg.Proxy.Addr(),
		proxyProtocol: cfg.Proxy.ProxyProtocol,
		handler:       handler,
		events:        sink,
		logger:        logger.With("component", "proxy_server"),
	}
}

// Start binds the listener and begins serving. Calling Start on a running
// Server does nothing.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.addr, err)
	}
	if s.proxyProtocol {
		ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: proxyHeaderTimeout}
	}

	srv := &http.Server{
		Handler: s.handler,
		// Inbound timeouts to mitigate slow-client attacks. WriteTimeout stays
		// 0; the origin timeout bounds each forward.
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	done := make(chan struct{})

	s.srv, s.done = srv, done
	s.bound.Store(ln.Addr().String())
	s.running.Store(true)

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("proxy server error", "err", err)
			s.events.Pushf("proxy listener failed: %v", err)
		}
		s.running.Store(false)
	}()

	s.logger.Info("proxy started", "addr", ln.Addr().String(), "proxy_protocol", s.proxyProtocol)
	s.events.Pushf("proxy started on %s", ln.Addr())
	return nil
}

// Stop closes the listener and waits for in-flight requests to finish or for
// ctx to end, whichever comes first. Requests still running when ctx ends are
// not interrupted. Stop on a stopped Server does nothing.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return nil
	}

	err := s.srv.Shutdown(ctx)
	// Serve returns as soon as the listener is closed.
	<-s.done
	s.srv, s.done = nil, nil

	s.logger.Info("proxy stopped")
	s.events.Pushf("proxy stopped")
	if err != nil {
		return fmt.Errorf("shutdown proxy: %w", err)
	}
	return nil
}

// IsRunning reports whether the listener is open and serving.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the bound address while running, otherwise the configured one.
func (s *Server) Addr() string {
	if s.running.Load() {
		if a, ok := s.bound.Load().(string); ok {
			return a
		}
	}
	return s.addr
}

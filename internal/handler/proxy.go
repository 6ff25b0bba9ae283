package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"forward-proxy-go/internal/cache"
	"forward-proxy-go/internal/events"
	"forward-proxy-go/internal/filter"
	"forward-proxy-go/internal/metrics"
	"forward-proxy-go/internal/middleware"
	"forward-proxy-go/internal/model"
	"forward-proxy-go/internal/service"
	"forward-proxy-go/internal/settings"
)

// Cache markers set on GET responses while caching is enabled.
const (
	HeaderCache = "X-Cache"
	CacheHit    = "HIT"
	CacheMiss   = "MISS"
)

var errNoHost = errors.New("request target has no host; send an absolute http:// URL")

// ProxyHandler runs the per-request pipeline: filter, cache lookup, forward,
// error mapping. It never returns forwarding failures to Echo; every outcome
// is written here.
type ProxyHandler struct {
	engine   *service.ForwardingEngine
	cache    cache.Cache
	settings *settings.Store
	events   *events.Sink
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(
	engine *service.ForwardingEngine,
	c cache.Cache,
	s *settings.Store,
	sink *events.Sink,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ProxyHandler {
	return &ProxyHandler{
		engine:   engine,
		cache:    c,
		settings: s,
		events:   sink,
		metrics:  m,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Handle serves one proxied request.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()

	// One snapshot per request; admin updates apply to the next request.
	snap := h.settings.Load()

	target, asterisk, err := requestTarget(req)
	if err != nil {
		return h.fail(c, req.RequestURI, &service.ForwardError{Kind: service.KindInvalidRequest, Reason: err.Error(), Err: err})
	}

	policy := snap.Policy()
	if asterisk {
		// "OPTIONS *" names no host; only the client is checked.
		policy = filter.Policy{IP: policy.IP}
	}
	clientIP := filter.ClientIP(req.RemoteAddr)
	if v := policy.Evaluate(clientIP, filter.TargetHost(target.Host)); !v.Allowed {
		h.metrics.FilterRejections.WithLabelValues(string(v.Dimension)).Inc()
		h.logger.Debug("request rejected by filter",
			"client_ip", clientIP,
			"host", target.Host,
			"dimension", v.Dimension,
		)
		return c.String(http.StatusForbidden, "Access Denied")
	}

	key := target.String()
	cacheable := req.Method == http.MethodGet && snap.Caching.Enabled

	if cacheable {
		if entry, ok := h.lookup(ctx, key); ok {
			h.events.Pushf("cache hit: %s", key)
			entry.Header.Set(HeaderCache, CacheHit)
			return h.relay(c, key, http.StatusOK, entry.Header, entry.Body)
		}
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			// BodyLimit rejected the request.
			return he
		}
		kind := service.KindInvalidRequest
		if service.IsClientGone(err) || ctx.Err() != nil {
			kind = service.KindPeerDisconnect
		}
		return h.fail(c, key, &service.ForwardError{Kind: kind, Reason: "read request body: " + err.Error(), Err: err})
	}

	resp, err := h.engine.Forward(&model.ProxyRequest{
		Ctx:    ctx,
		Method: req.Method,
		URL:    target,
		Header: req.Header,
		Body:   body,
	})
	if err != nil {
		return h.fail(c, key, service.Classify(err))
	}

	if cacheable {
		if resp.StatusCode == http.StatusOK {
			h.store(ctx, key, resp, snap.Caching)
		}
		resp.Header.Set(HeaderCache, CacheMiss)
	}

	return h.relay(c, key, resp.StatusCode, resp.Header, resp.Body)
}

// requestTarget returns the absolute URL a proxy request asks for. The second
// result reports an "OPTIONS *" request, which has no host.
func requestTarget(req *http.Request) (*url.URL, bool, error) {
	if req.Method == http.MethodOptions && req.RequestURI == "*" {
		return &url.URL{Path: "*"}, true, nil
	}
	if req.URL.Host == "" {
		return nil, false, errNoHost
	}
	u := *req.URL
	return &u, false, nil
}

func (h *ProxyHandler) lookup(ctx context.Context, key string) (cache.Entry, bool) {
	entry, ok, err := h.cache.Get(ctx, key)
	switch {
	case err != nil:
		h.metrics.CacheLookups.WithLabelValues("error").Inc()
		h.logger.Warn("cache lookup failed, forwarding", "err", err, "key", key)
		return cache.Entry{}, false
	case !ok:
		h.metrics.CacheLookups.WithLabelValues("miss").Inc()
		return cache.Entry{}, false
	}
	h.metrics.CacheLookups.WithLabelValues("hit").Inc()
	if entry.Header == nil {
		entry.Header = make(http.Header)
	}
	return entry, true
}

func (h *ProxyHandler) store(ctx context.Context, key string, resp *model.ProxyResponse, caching settings.Caching) {
	entry := cache.Entry{Header: resp.Header.Clone(), Body: resp.Body}
	// Finish the write even if the client leaves while it is in progress.
	if err := h.cache.Set(context.WithoutCancel(ctx), key, entry, caching.TTL()); err != nil {
		h.logger.Warn("cache store failed", "err", err, "key", key)
		return
	}
	h.logger.Debug("response cached", "key", key, "ttl_seconds", caching.TTLSeconds)
}

// relay writes an origin (or cached) response. Hop-by-hop headers are the
// only ones not copied.
func (h *ProxyHandler) relay(c echo.Context, target string, status int, header http.Header, body []byte) error {
	res := c.Response()
	dst := res.Header()
	for k, vals := range header {
		dst[k] = append([]string(nil), vals...)
	}
	middleware.RemoveHopByHop(dst)

	res.WriteHeader(status)
	if c.Request().Method == http.MethodHead || len(body) == 0 {
		return nil
	}

	if _, err := res.Write(body); err != nil {
		if service.IsClientGone(err) {
			h.events.Pushf("client disconnected while receiving %s", target)
			h.logger.Info("client disconnected", "target", target, "err", err)
			return nil
		}
		h.logger.Error("writing response body", "target", target, "err", err)
	}
	return nil
}

// fail maps a classified forwarding failure to the client response and its
// event line.
func (h *ProxyHandler) fail(c echo.Context, target string, fe *service.ForwardError) error {
	method := c.Request().Method
	h.metrics.ForwardErrors.WithLabelValues(fe.Kind.String()).Inc()

	switch fe.Kind {
	case service.KindOriginStatus:
		h.logger.Info("origin returned error status",
			"method", method, "target", target, "status", fe.Response.StatusCode)
		return h.relay(c, target, fe.Response.StatusCode, fe.Response.Header, fe.Response.Body)

	case service.KindPeerDisconnect:
		h.events.Pushf("client disconnected during %s %s", method, target)
		h.logger.Info("client disconnected", "method", method, "target", target, "err", fe.Err)
		return nil

	case service.KindTimeout:
		h.events.Pushf("timeout: %s %s got no answer from the origin", method, target)
		h.logger.Warn("origin timeout", "method", method, "target", target, "err", fe.Err)
		return c.String(fe.StatusCode(), "Gateway Timeout")

	case service.KindUnreachable:
		h.events.Pushf("cannot reach origin for %s %s: %s", method, target, fe.Reason)
		h.logger.Warn("origin unreachable", "method", method, "target", target, "reason", fe.Reason)
		return c.String(fe.StatusCode(), "Bad Gateway: "+fe.Reason)

	case service.KindInvalidRequest:
		h.events.Pushf("invalid request %s %s: %s", method, target, fe.Reason)
		h.logger.Info("invalid request", "method", method, "target", target, "reason", fe.Reason)
		return c.String(fe.StatusCode(), "Bad Request: "+fe.Reason)

	case service.KindLocalIO:
		h.events.Pushf("local I/O error during %s %s: %v", method, target, fe.Err)
		h.logger.Error("local I/O error", "method", method, "target", target, "err", fe.Err)
		return c.String(fe.StatusCode(), "Internal Server Error")

	case service.KindUnclassified:
	}

	h.events.Pushf("error during %s %s: %v", method, target, fe)
	h.logger.Error("proxy error", "method", method, "target", target, "err", fe)
	return c.String(fe.StatusCode(), "Internal Server Error")
}

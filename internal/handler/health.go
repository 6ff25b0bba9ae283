package handler

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"forward-proxy-go/internal/config"
	"forward-proxy-go/internal/events"
	"forward-proxy-go/internal/settings"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	version  Version
	proxy    ProxyController
	settings *settings.Store
	events   *events.Sink
	started  time.Time
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, p ProxyController, s *settings.Store, sink *events.Sink) *HealthHandler {
	return &HealthHandler{
		cfg:      cfg,
		version:  v,
		proxy:    p,
		settings: s,
		events:   sink,
		started:  time.Now(),
	}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	caching := h.settings.Load().Caching

	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         string(h.version),
		"started":         humanize.Time(h.started),
		"proxy_running":   h.proxy.IsRunning(),
		"proxy_addr":      h.proxy.Addr(),
		"cache_backend":   h.cfg.Cache.Backend,
		"caching_enabled": caching.Enabled,
		"cache_ttl":       caching.TTL().String(),
		"events_buffered": humanize.Comma(int64(h.events.Len())),
		"events_dropped":  humanize.Comma(int64(h.events.Dropped())),
	})
}

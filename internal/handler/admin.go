package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"forward-proxy-go/internal/cache"
	"forward-proxy-go/internal/events"
	"forward-proxy-go/internal/settings"
)

const (
	// DefaultStreamPoll is how often the log stream drains the event sink.
	DefaultStreamPoll = time.Second

	proxyStopTimeout = 15 * time.Second
)

// ProxyController starts and stops the forwarding listener.
type ProxyController interface {
	Start() error
	Stop(ctx context.Context) error
	IsRunning() bool
	Addr() string
}

// SettingsPayload is the JSON form of the runtime settings. On PUT a missing
// section keeps its current value.
type SettingsPayload struct {
	Filters *settings.FilterLists `json:"filters,omitempty"`
	Caching *settings.Caching     `json:"caching,omitempty"`
}

// ProxyState reports the forwarding listener's state.
type ProxyState struct {
	Running bool   `json:"running"`
	Addr    string `json:"addr,omitempty"`
}

// AdminHandler serves the operator API: settings, cache, event log and proxy control.
type AdminHandler struct {
	settings *settings.Store
	cache    cache.Cache
	events   *events.Sink
	proxy    ProxyController
	logger   *slog.Logger

	// StreamPoll is the drain interval of StreamLogs.
	StreamPoll time.Duration
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(s *settings.Store, c cache.Cache, sink *events.Sink, p ProxyController, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		settings:   s,
		cache:      c,
		events:     sink,
		proxy:      p,
		logger:     logger.With("component", "admin_handler"),
		StreamPoll: DefaultStreamPoll,
	}
}

// GetSettings returns the current filter lists and caching settings.
func (h *AdminHandler) GetSettings(c echo.Context) error {
	return c.JSON(http.StatusOK, settingsPayload(h.settings.Load()))
}

// PutSettings replaces the filter lists and/or caching settings.
func (h *AdminHandler) PutSettings(c echo.Context) error {
	var p SettingsPayload
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid settings body")
	}

	cur := h.settings.Load()
	filters, caching := cur.Filters, cur.Caching
	if p.Filters != nil {
		filters = *p.Filters
	}
	if p.Caching != nil {
		caching = *p.Caching
	}

	if err := h.settings.Update(filters, caching); err != nil {
		if errors.Is(err, settings.ErrNegativeTTL) {
			return echo.NewHTTPError(http.StatusBadRequest, settings.ErrNegativeTTL.Error())
		}
		return err
	}

	snap := h.settings.Load()
	h.events.Pushf("settings updated: caching=%t ttl=%ds, %d/%d ip white/black, %d/%d host white/black",
		snap.Caching.Enabled, snap.Caching.TTLSeconds,
		len(snap.Filters.IPWhitelist), len(snap.Filters.IPBlacklist),
		len(snap.Filters.URLWhitelist), len(snap.Filters.URLBlacklist),
	)
	h.logger.Info("settings updated",
		"caching_enabled", snap.Caching.Enabled,
		"ttl_seconds", snap.Caching.TTLSeconds,
	)

	return c.JSON(http.StatusOK, settingsPayload(snap))
}

// ClearCache removes every cached response.
func (h *AdminHandler) ClearCache(c echo.Context) error {
	if err := h.cache.Clear(c.Request().Context()); err != nil {
		h.logger.Error("cache clear failed", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "cache clear failed")
	}
	h.events.Pushf("cache cleared")
	h.logger.Info("cache cleared")
	return c.JSON(http.StatusOK, map[string]string{"status": "cleared"})
}

// DrainLogs returns and removes every buffered event line.
func (h *AdminHandler) DrainLogs(c echo.Context) error {
	lines := h.events.Drain()
	if lines == nil {
		lines = []string{}
	}
	return c.JSON(http.StatusOK, map[string][]string{"lines": lines})
}

// StreamLogs drains the event sink every StreamPoll and sends the lines as
// Server-Sent Events until the client disconnects.
func (h *AdminHandler) StreamLogs(c echo.Context) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	ticker := time.NewTicker(h.StreamPoll)
	defer ticker.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			lines := h.events.Drain()
			if len(lines) == 0 {
				continue
			}
			for _, line := range lines {
				if _, err := fmt.Fprint(res, sseEvent(line)); err != nil {
					return nil
				}
			}
			res.Flush()
		}
	}
}

// sseEvent formats one line as an SSE message; embedded newlines become
// separate data fields of the same event.
func sseEvent(line string) string {
	var b strings.Builder
	for _, part := range strings.Split(line, "\n") {
		b.WriteString("data: ")
		b.WriteString(part)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.String()
}

// StartProxy starts the forwarding listener if it is not running.
func (h *AdminHandler) StartProxy(c echo.Context) error {
	if err := h.proxy.Start(); err != nil {
		h.logger.Error("proxy start failed", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "proxy start failed: "+err.Error())
	}
	return c.JSON(http.StatusOK, h.proxyState())
}

// StopProxy gracefully stops the forwarding listener.
func (h *AdminHandler) StopProxy(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), proxyStopTimeout)
	defer cancel()

	if err := h.proxy.Stop(ctx); err != nil {
		h.logger.Error("proxy stop failed", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "proxy stop failed: "+err.Error())
	}
	return c.JSON(http.StatusOK, h.proxyState())
}

func (h *AdminHandler) proxyState() ProxyState {
	state := ProxyState{Running: h.proxy.IsRunning()}
	if state.Running {
		state.Addr = h.proxy.Addr()
	}
	return state
}

func settingsPayload(s *settings.Snapshot) SettingsPayload {
	f, c := s.Filters, s.Caching
	return SettingsPayload{Filters: &f, Caching: &c}
}

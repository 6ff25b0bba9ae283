package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"forward-proxy-go/internal/config"
	"forward-proxy-go/internal/events"
	"forward-proxy-go/internal/settings"
)

func newTestHealthHandler(t *testing.T, p ProxyController) *HealthHandler {
	t.Helper()
	store, err := settings.NewStore(settings.FilterLists{}, settings.Caching{Enabled: true, TTLSeconds: 300})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	cfg := &config.Config{Cache: config.CacheConfig{Backend: config.CacheBackendRedis}}
	return NewHealthHandler(cfg, "1.0.0-test", p, store, events.NewSink(0))
}

func TestHealthHandler_Healthz(t *testing.T) {
	h := newTestHealthHandler(t, &fakeProxy{})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestHealthHandler_Status(t *testing.T) {
	h := newTestHealthHandler(t, &fakeProxy{running: true})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["version"] != "1.0.0-test" {
		t.Errorf("version = %v, want %q", body["version"], "1.0.0-test")
	}
	if body["proxy_running"] != true {
		t.Errorf("proxy_running = %v, want true", body["proxy_running"])
	}
	if body["proxy_addr"] != "127.0.0.1:8080" {
		t.Errorf("proxy_addr = %v, want %q", body["proxy_addr"], "127.0.0.1:8080")
	}
	if body["cache_backend"] != "redis" {
		t.Errorf("cache_backend = %v, want %q", body["cache_backend"], "redis")
	}
	if body["cache_ttl"] != "5m0s" {
		t.Errorf("cache_ttl = %v, want %q", body["cache_ttl"], "5m0s")
	}
	if body["events_buffered"] != "0" {
		t.Errorf("events_buffered = %v, want %q", body["events_buffered"], "0")
	}
}

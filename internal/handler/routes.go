package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forward-proxy-go/internal/config"
	"forward-proxy-go/internal/metrics"
)

// RegisterProxyRoutes sends every request on the proxy listener through the
// proxy pipeline, whatever its method or target.
func RegisterProxyRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Any("/*", proxy.Handle)
}

// RegisterAdminRoutes wires the operator API onto the admin listener.
func RegisterAdminRoutes(e *echo.Echo, admin *AdminHandler, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)

	api := e.Group("/api")
	api.GET("/status", health.Status)
	api.GET("/settings", admin.GetSettings)
	api.PUT("/settings", admin.PutSettings)
	api.POST("/cache/clear", admin.ClearCache)
	api.GET("/logs", admin.DrainLogs)
	api.GET("/logs/stream", admin.StreamLogs)
	api.POST("/proxy/start", admin.StartProxy)
	api.POST("/proxy/stop", admin.StopProxy)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}

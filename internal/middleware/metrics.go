package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"forward-proxy-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. server labels the listener (metrics.ServerProxy or
// metrics.ServerAdmin).
func MetricsMiddleware(m *metrics.Metrics, server string) echo.MiddlewareFunc {
	inFlight := m.RequestsInFlight.WithLabelValues(server)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			inFlight.Inc()
			defer inFlight.Dec()

			start := time.Now()

			err := next(c)

			status := strconv.Itoa(responseStatus(c, err))
			method := metrics.NormalizeMethod(c.Request().Method)
			duration := time.Since(start).Seconds()

			m.RequestsTotal.WithLabelValues(server, method, status).Inc()
			m.RequestDuration.WithLabelValues(server, method, status).Observe(duration)

			return err
		}
	}
}

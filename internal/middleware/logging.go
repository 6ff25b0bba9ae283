// Package middleware provides Echo middleware for logging, metrics and header hygiene.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"forward-proxy-go/internal/events"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			logger.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", responseStatus(c, err),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}

// AccessLog returns an Echo middleware for the proxy listener. It writes one
// access line per request to the event sink and logs the same request with slog.
//
// The line has the form
//
//	<client> "<METHOD> <target> <proto>" <status> <size> <duration>
//
// where status is "-" when no response was written.
func AccessLog(logger *slog.Logger, sink *events.Sink) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()
			duration := time.Since(start)

			status := "-"
			code := responseStatus(c, err)
			if res.Committed || err != nil {
				status = strconv.Itoa(code)
			}

			sink.Pushf("%s %q %s %s %s",
				req.RemoteAddr,
				req.Method+" "+req.RequestURI+" "+req.Proto,
				status,
				humanize.Bytes(uint64(max(res.Size, 0))),
				duration.Round(time.Microsecond),
			)
			logger.Info("proxied",
				"method", req.Method,
				"target", req.RequestURI,
				"status", code,
				"committed", res.Committed,
				"duration_ms", duration.Milliseconds(),
				"remote_addr", req.RemoteAddr,
				"bytes_out", res.Size,
			)

			return err
		}
	}
}

// responseStatus resolves the status that is or will be sent. When a handler
// returns an *echo.HTTPError the response has not been written yet; Echo's
// central error handler does that later.
func responseStatus(c echo.Context, err error) int {
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
		if !c.Response().Committed {
			return http.StatusInternalServerError
		}
	}
	return c.Response().Status
}

package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// RouteAnyTarget is a pre-routing middleware for the proxy listener. Request
// targets in authority form (CONNECT host:port) or asterisk form (OPTIONS *)
// have no path, which Echo's router cannot match; they are routed as "/".
// The original target stays available in Request().RequestURI.
func RouteAnyTarget() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if u := c.Request().URL; !strings.HasPrefix(u.Path, "/") {
				u.RawPath = ""
				u.Path = "/"
			}
			return next(c)
		}
	}
}

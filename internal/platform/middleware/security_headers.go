package middleware

import "github.com/labstack/echo/v4"

// apiHeaders are set on every response of a JSON-only API serving clinical
// data.
var apiHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
}

const hsts = "max-age=31536000; includeSubDomains"

// SecurityHeaders applies apiHeaders. HSTS is only sent when the request
// reached us over TLS, directly or through a proxy that says so.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range apiHeaders {
				h.Set(kv[0], kv[1])
			}
			if c.Scheme() == "https" {
				h.Set("Strict-Transport-Security", hsts)
			}
			return next(c)
		}
	}
}

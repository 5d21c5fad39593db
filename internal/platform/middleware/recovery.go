package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Recovery turns a panicking handler into a 500 so one bad rule or request
// cannot take the server down. The stack goes to the log, never to the client.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					rid, _ := c.Get("request_id").(string)
					tenant, _ := c.Get("tenant_id").(string)
					logger.Error().
						Interface("panic", r).
						Str("request_id", rid).
						Str("tenant_id", tenant).
						Str("route", c.Path()).
						Bytes("stack", debug.Stack()).
						Msg("handler panicked")
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}

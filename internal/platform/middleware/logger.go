package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger writes one structured line per request. The actor is whatever the
// auth middleware stored as "user_id"; request bodies are never logged
// because they carry patient answers.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			rid, _ := c.Get("request_id").(string)
			actor, _ := c.Get("user_id").(string)

			evt := logger.Info()
			switch {
			case err != nil:
				evt = logger.Error().Err(err)
			case c.Response().Status >= 500:
				evt = logger.Error()
			case c.Response().Status >= 400:
				evt = logger.Warn()
			}

			evt.
				Str("request_id", rid).
				Str("actor", actor).
				Str("method", req.Method).
				Str("route", c.Path()).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}

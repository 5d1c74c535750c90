package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// RequestLogger writes one logrus entry per request.  Server errors log at
// Error, client errors at Warn and everything else at Info.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// Let echo's error handler pick the status before logging it.
				c.Error(err)
			}

			req, res := c.Request(), c.Response()
			fields := log.Fields{
				"method":     req.Method,
				"route":      c.Path(),
				"uri":        req.RequestURI,
				"status":     res.Status,
				"latency_ms": time.Since(start).Milliseconds(),
				"ip":         c.RealIP(),
				"bytes_out":  res.Size,
			}
			if id := res.Header().Get(echo.HeaderXRequestID); id != "" {
				fields["request_id"] = id
			}
			if uid := currentUserID(c); uid != "anon" {
				fields["user_id"] = uid
			}
			entry := log.WithFields(fields)
			if err != nil {
				entry = entry.WithError(err)
			}
			switch {
			case res.Status >= 500:
				entry.Error("request failed")
			case res.Status >= 400:
				entry.Warn("request rejected")
			default:
				entry.Info("request")
			}
			return nil
		}
	}
}

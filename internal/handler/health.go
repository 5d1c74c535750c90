package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Pinger is anything whose reachability the health check reports (the
// MySQL pool, the Redis client adapter).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Health returns 200 "ok" when every dependency answers within two
// seconds, 503 naming the failing ones otherwise.
func Health(deps map[string]Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		failing := echo.Map{}
		for name, p := range deps {
			if p == nil {
				continue
			}
			if err := p.PingContext(ctx); err != nil {
				failing[name] = err.Error()
			}
		}
		if len(failing) > 0 {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "degraded", "failing": failing})
		}
		return c.String(http.StatusOK, "ok")
	}
}

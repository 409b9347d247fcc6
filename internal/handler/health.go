package handler

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// HealthHandler reports whether the process and its stores are reachable.
// It is used by load balancers and monitoring, so it answers in plain JSON
// rather than the API envelope.
type HealthHandler struct {
	DB    *sql.DB       // nil skips the database check
	Redis *redis.Client // nil means Redis is not configured
}

// Health pings each configured store. MySQL is required; Redis is
// optional and only reported.
func (h *HealthHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := echo.Map{}
	if h.DB != nil {
		if err := h.DB.PingContext(ctx); err != nil {
			checks["mysql"] = "down"
			status = http.StatusServiceUnavailable
		} else {
			checks["mysql"] = "ok"
		}
	}
	switch {
	case h.Redis == nil:
		checks["redis"] = "disabled"
	case h.Redis.Ping(ctx).Err() != nil:
		checks["redis"] = "down"
	default:
		checks["redis"] = "ok"
	}
	return c.JSON(status, echo.Map{"status": http.StatusText(status), "checks": checks})
}

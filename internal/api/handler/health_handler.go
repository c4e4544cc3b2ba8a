package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/electro/session-sync/internal/core/ports"
)

// HealthHandler serves the liveness probe.
type HealthHandler struct{}

func NewHealthHandler() *HealthHandler { return &HealthHandler{} }

func (h *HealthHandler) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// HealthDependenciesHandler serves the readiness probe: redis reachability
// (when configured) and the realtime channel state.
type HealthDependenciesHandler struct {
	rdb     *redis.Client
	channel ports.RealtimeChannel
}

func NewHealthDependenciesHandler(rdb *redis.Client, channel ports.RealtimeChannel) *HealthDependenciesHandler {
	return &HealthDependenciesHandler{rdb: rdb, channel: channel}
}

func (h *HealthDependenciesHandler) Readiness(c echo.Context) error {
	deps := map[string]string{}
	healthy := true

	if h.rdb != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := h.rdb.Ping(ctx).Err(); err != nil {
			deps["redis"] = "unreachable"
			healthy = false
		} else {
			deps["redis"] = "ok"
		}
	} else {
		deps["redis"] = "not configured"
	}

	// A disconnected channel is degraded, not dead: the polling loop still
	// reconciles roles.
	deps["realtime"] = string(h.channel.Status())

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]any{"status": deps})
}

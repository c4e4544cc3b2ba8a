package api

import (
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/electro/session-sync/internal/api/handler"
	"github.com/electro/session-sync/internal/api/middleware"
	"github.com/electro/session-sync/internal/core/ports"
)

// NewRouter builds the Echo instance exposing the session control surface:
// login/logout, session and profile endpoints, health probes and metrics.
func NewRouter(sessions ports.SessionService, channel ports.RealtimeChannel, rdb *redis.Client, log zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = handler.NewValidator()
	e.HTTPErrorHandler = NewHTTPErrorHandler(log)

	// --- Global middleware ---
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.RequestID())
	e.Use(echomiddleware.Logger())

	sessionHandler := handler.NewSessionHandler(sessions)

	// --- Session lifecycle (no guard: login must be reachable logged out) ---
	e.POST("/session/login", sessionHandler.Login)
	e.POST("/session/logout", sessionHandler.Logout)
	e.GET("/session", sessionHandler.Session)

	// --- Authenticated surface ---
	authed := e.Group("/api", middleware.Guard(sessions, middleware.Requirement{}))
	authed.GET("/profile", sessionHandler.Profile)
	authed.POST("/profile/refresh", sessionHandler.RefreshProfile)
	authed.PUT("/profile", sessionHandler.UpdateProfile)

	// --- Admin surface ---
	admin := e.Group("/api/admin", middleware.Guard(sessions, middleware.Requirement{Admin: true}))
	admin.GET("/session", sessionHandler.Session)

	// --- Health probes (no guard) ---
	healthHandler := handler.NewHealthHandler()
	healthDepsHandler := handler.NewHealthDependenciesHandler(rdb, channel)

	e.GET("/health", healthHandler.Liveness)            // liveness  – is the process alive?
	e.GET("/health/ready", healthDepsHandler.Readiness) // readiness – are dependencies up?

	// --- Metrics ---
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}

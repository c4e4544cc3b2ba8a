// Package app is the composition root: it builds every adapter from
// configuration, wires them into the session service and hands back the
// assembled pieces plus an ordered shutdown.
package app

import (
	"context"
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/electro/session-sync/internal/api"
	"github.com/electro/session-sync/internal/core/ports"
	"github.com/electro/session-sync/internal/core/service"
	"github.com/electro/session-sync/internal/infrastructure/broadcast"
	"github.com/electro/session-sync/internal/infrastructure/credstore"
	"github.com/electro/session-sync/internal/infrastructure/httpclient"
	"github.com/electro/session-sync/internal/infrastructure/realtime"
	"github.com/electro/session-sync/internal/infrastructure/uibus"
	"github.com/electro/session-sync/internal/pkg/config"
	"github.com/electro/session-sync/pkg/logger"
)

// App holds the wired session subsystem.
type App struct {
	Sessions ports.SessionService
	Bus      *uibus.Bus
	Router   *echo.Echo

	rdb         *redis.Client
	broadcaster *broadcast.Broadcaster
}

// NewFromEnv assembles the subsystem from environment variables.
func NewFromEnv(ctx context.Context) (*App, error) {
	return New(ctx, config.Load())
}

// New assembles the subsystem from configuration. Redis being down or
// unconfigured is not fatal: the broadcaster degrades to its file
// fallback.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logger.Init(logger.Options{
		Level:  cfg.LogLevel,
		Pretty: cfg.Env == "development",
	})

	store, err := credstore.New(cfg.CredentialDir, logger.With("credstore"))
	if err != nil {
		return nil, fmt.Errorf("app: credential store: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = broadcast.Connect(ctx, cfg.Redis.Addr, cfg.Redis.DB)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, logout broadcast degrades to file sentinel")
			rdb = nil
		}
	}

	broadcaster, err := broadcast.New(rdb, store.SentinelPath(), logger.With("broadcast"))
	if err != nil {
		return nil, fmt.Errorf("app: broadcaster: %w", err)
	}

	apiClient := httpclient.New(cfg.APIBaseURL, store, logger.With("httpclient"))
	channel := realtime.New(cfg.WSURL, store, cfg.Session.ReconnectAttempts, cfg.Session.ReconnectDelay, logger.With("realtime"))
	bus := uibus.New(logger.With("uibus"))

	sessions := service.NewSessionService(
		store,
		apiClient,
		channel,
		broadcaster,
		bus,
		bus,
		ports.AlwaysVisible{},
		service.Config{
			PollInterval:   cfg.Session.PollInterval,
			DowngradeGrace: cfg.Session.DowngradeGrace,
			ReloadGrace:    cfg.Session.ReloadGrace,
		},
		logger.With("session"),
	)

	// A fatal 401 anywhere in the REST surface ends the session; the
	// service's own teardown is idempotent, so racing with an event-driven
	// logout is harmless.
	apiClient.SetUnauthorizedHandler(func(reason string) {
		sessions.Logout(reason)
	})

	router := api.NewRouter(sessions, channel, rdb, logger.With("api"))

	return &App{
		Sessions:    sessions,
		Bus:         bus,
		Router:      router,
		rdb:         rdb,
		broadcaster: broadcaster,
	}, nil
}

// Close shuts the subsystem down in dependency order.
func (a *App) Close() {
	a.Sessions.Close()
	if err := a.broadcaster.Close(); err != nil {
		log := logger.Get()
		log.Warn().Err(err).Msg("closing broadcaster")
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}

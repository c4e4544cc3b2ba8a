package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Env      string `env:"ENV,       default=development"`
	LogLevel string `env:"LOG_LEVEL, default=info"`

	// APIBaseURL is the REST gateway the session subsystem talks to.
	APIBaseURL string `env:"API_BASE_URL, default=http://localhost:8081"`
	// WSURL is the realtime endpoint pushing permission-change events.
	WSURL string `env:"WS_URL, default=ws://localhost:8081/ws"`

	// CredentialDir holds the persisted token and cached user snapshot.
	CredentialDir string `env:"CREDENTIAL_DIR, default=.electro-session"`

	Redis RedisConfig

	Session SessionConfig
}

type RedisConfig struct {
	// Addr may be empty, in which case the logout broadcaster runs on the
	// file-sentinel fallback only.
	Addr string `env:"REDIS_ADDR"`
	DB   int    `env:"REDIS_DB, default=0"`
}

type SessionConfig struct {
	PollInterval      time.Duration `env:"ROLE_POLL_INTERVAL,    default=10s"`
	DowngradeGrace    time.Duration `env:"DOWNGRADE_GRACE,       default=3s"`
	ReloadGrace       time.Duration `env:"RELOAD_GRACE,          default=2s"`
	ReconnectAttempts int           `env:"WS_RECONNECT_ATTEMPTS, default=3"`
	ReconnectDelay    time.Duration `env:"WS_RECONNECT_DELAY,    default=10s"`
}

// Load reads configuration from environment variables using go-envconfig.
func Load() *Config {
	var cfg Config
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		panic(fmt.Sprintf("config: failed to load configuration: %v", err))
	}
	return &cfg
}

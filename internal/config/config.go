// Package config loads sync engine settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries every tunable the engine exposes. Defaults are wired for a
// responsive chat UI; deployments override via environment.
type Config struct {
	ServerURL string `env:"CHATSYNC_SERVER_URL" envDefault:"ws://localhost:8080/ws"`
	RedisURL  string `env:"CHATSYNC_REDIS_URL"`
	LogLevel  string `env:"CHATSYNC_LOG_LEVEL" envDefault:"info"`

	// Connection
	HeartbeatInterval time.Duration `env:"CHATSYNC_HEARTBEAT_INTERVAL" envDefault:"15s"`
	ReconnectBase     time.Duration `env:"CHATSYNC_RECONNECT_BASE" envDefault:"500ms"`
	ReconnectMax      time.Duration `env:"CHATSYNC_RECONNECT_MAX" envDefault:"30s"`
	ReconnectAttempts int           `env:"CHATSYNC_RECONNECT_ATTEMPTS" envDefault:"10"`
	PoolCapacity      int           `env:"CHATSYNC_POOL_CAPACITY" envDefault:"4"`

	// Dispatch
	FlushInterval time.Duration `env:"CHATSYNC_FLUSH_INTERVAL" envDefault:"50ms"`
	SendAttempts  int           `env:"CHATSYNC_SEND_ATTEMPTS" envDefault:"3"`
	SendBackoff   time.Duration `env:"CHATSYNC_SEND_BACKOFF" envDefault:"500ms"`
	HistoryBound  int           `env:"CHATSYNC_HISTORY_BOUND" envDefault:"1000"`

	// Typing
	TypingTTL      time.Duration `env:"CHATSYNC_TYPING_TTL" envDefault:"3s"`
	TypingDebounce time.Duration `env:"CHATSYNC_TYPING_DEBOUNCE" envDefault:"300ms"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the env tags cannot express.
func (c *Config) Validate() error {
	if c.ReconnectBase <= 0 || c.ReconnectMax < c.ReconnectBase {
		return fmt.Errorf("reconnect delays must satisfy 0 < base <= max")
	}
	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("reconnect attempts must be at least 1")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive")
	}
	if c.HistoryBound < 1 {
		return fmt.Errorf("history bound must be at least 1")
	}
	if c.TypingTTL <= c.TypingDebounce {
		return fmt.Errorf("typing TTL must exceed the debounce window")
	}
	return nil
}

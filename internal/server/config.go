// Package server provides configuration for the relay gateway, loaded from
// the environment with sanitized defaults.
package server

import (
	"net"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the gateway runtime settings.
type Config struct {
	Host     string `envconfig:"GW_HOST" default:"0.0.0.0"`
	Port     int    `envconfig:"GW_PORT" default:"4100"`
	WSPath   string `envconfig:"GW_WS_PATH" default:"/ws"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// AllowedOrigins is a comma-separated list of origins permitted to open
	// WebSocket connections. "*" allows any origin.
	AllowedOrigins []string `envconfig:"GW_ALLOWED_ORIGINS" default:"*"`

	MaxMessageSize          int64         `envconfig:"GW_MAX_MESSAGE_SIZE" default:"65536"`
	RateLimitBurst          int           `envconfig:"GW_RATE_LIMIT_BURST" default:"50"`
	RateLimitRefillInterval time.Duration `envconfig:"GW_RATE_LIMIT_REFILL_INTERVAL" default:"1s"`

	// Heartbeat cadence advertised to clients in the ready greeting. The
	// router refreshes liveness timestamps on traffic but never
	// force-disconnects a silent connection.
	HeartbeatInterval time.Duration `envconfig:"GW_HEARTBEAT_INTERVAL" default:"25s"`
	HeartbeatTimeout  time.Duration `envconfig:"GW_HEARTBEAT_TIMEOUT" default:"75s"`

	ShutdownTimeout time.Duration `envconfig:"GW_SHUTDOWN_TIMEOUT" default:"10s"`
}

// LoadConfig reads the configuration from environment variables, applying
// defaults for anything unset and clamping invalid values.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	cfg.sanitize()
	return cfg, nil
}

// DefaultConfig returns the default configuration as if no environment
// variable were set.
func DefaultConfig() Config {
	cfg := Config{
		Host:                    "0.0.0.0",
		Port:                    4100,
		WSPath:                  "/ws",
		LogLevel:                "info",
		AllowedOrigins:          []string{"*"},
		MaxMessageSize:          65536,
		RateLimitBurst:          50,
		RateLimitRefillInterval: time.Second,
		HeartbeatInterval:       25 * time.Second,
		HeartbeatTimeout:        75 * time.Second,
		ShutdownTimeout:         10 * time.Second,
	}
	return cfg
}

func (c *Config) sanitize() {
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = 4100
	}
	if c.WSPath == "" || c.WSPath[0] != '/' {
		c.WSPath = "/ws"
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 65536
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 50
	}
	if c.RateLimitRefillInterval <= 0 {
		c.RateLimitRefillInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Addr returns the host:port the gateway listens on.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// heartbeatPolicy converts the configured cadence to the wire representation.
func (c Config) heartbeatPolicy() HeartbeatPolicy {
	return HeartbeatPolicy{
		IntervalMs: c.HeartbeatInterval.Milliseconds(),
		TimeoutMs:  c.HeartbeatTimeout.Milliseconds(),
	}
}

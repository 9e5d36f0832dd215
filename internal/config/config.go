package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds everything the server reads from the environment. The
// listen address is not here: ip and port come from argv per the CLI
// contract (`chatd <ip> <port>`).
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Backing services
	MySQLDSN string `env:"CHAT_MYSQL_DSN" envDefault:"root:123456@tcp(127.0.0.1:3306)/chat?parseTime=true"`
	NATSURL  string `env:"CHAT_NATS_URL" envDefault:"nats://127.0.0.1:4222"`

	// Capacity
	MaxConnections  int `env:"CHAT_MAX_CONNECTIONS" envDefault:"10000"`
	WorkerCount     int `env:"CHAT_WORKER_COUNT" envDefault:"4"`
	WorkerQueueSize int `env:"CHAT_WORKER_QUEUE_SIZE" envDefault:"1024"`

	// Per-connection inbound rate limiting
	MsgRatePerSec int `env:"CHAT_MSG_RATE_PER_SEC" envDefault:"10"`
	MsgRateBurst  int `env:"CHAT_MSG_RATE_BURST" envDefault:"100"`

	// Monitoring
	MetricsInterval time.Duration `env:"CHAT_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (optional) and the
// environment. Priority: env vars > .env file > defaults.
func Load(logger zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and enum values.
func (c *Config) Validate() error {
	if c.MySQLDSN == "" {
		return fmt.Errorf("CHAT_MYSQL_DSN is required")
	}
	if c.NATSURL == "" {
		return fmt.Errorf("CHAT_NATS_URL is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("CHAT_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("CHAT_WORKER_COUNT must be > 0, got %d", c.WorkerCount)
	}
	if c.WorkerQueueSize < 1 {
		return fmt.Errorf("CHAT_WORKER_QUEUE_SIZE must be > 0, got %d", c.WorkerQueueSize)
	}
	if c.MsgRatePerSec < 1 {
		return fmt.Errorf("CHAT_MSG_RATE_PER_SEC must be > 0, got %d", c.MsgRatePerSec)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("nats_url", c.NATSURL).
		Int("max_connections", c.MaxConnections).
		Int("worker_count", c.WorkerCount).
		Int("worker_queue_size", c.WorkerQueueSize).
		Int("msg_rate_per_sec", c.MsgRatePerSec).
		Int("msg_rate_burst", c.MsgRateBurst).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}

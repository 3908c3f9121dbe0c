// Package config loads server configuration from the environment, with an
// optional .env file for development. Priority: process env > .env > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chatd/internal/chat"
)

// Config holds all server configuration.
type Config struct {
	// Server basics
	BindAddr string `env:"BIND_ADDRESS" envDefault:":8080"`
	DBPath   string `env:"DB_PATH" envDefault:"chatd.db"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Session liveness
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	AwayThreshold     time.Duration `env:"AWAY_THRESHOLD" envDefault:"5m"`

	// Message policy
	MaxMessageLength     int `env:"MAX_MESSAGE_LENGTH" envDefault:"4000"`
	MaxMessagesPerMinute int `env:"MAX_MESSAGES_PER_MINUTE" envDefault:"20"`

	// Connections
	ConnectionLimitPerUser int           `env:"CONNECTION_LIMIT_PER_USER" envDefault:"3"`
	SendQueueSize          int           `env:"SEND_QUEUE_SIZE" envDefault:"256"`
	ShutdownTimeout        time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Admission control
	ConnRatePerIP   float64 `env:"CONN_RATE_PER_IP" envDefault:"1.0"`
	ConnBurstPerIP  int     `env:"CONN_BURST_PER_IP" envDefault:"10"`
	ConnRateGlobal  float64 `env:"CONN_RATE_GLOBAL" envDefault:"50.0"`
	ConnBurstGlobal int     `env:"CONN_BURST_GLOBAL" envDefault:"300"`

	// Persistence
	DBOpTimeout time.Duration `env:"DB_OP_TIMEOUT" envDefault:"5s"`

	// Handshake
	JWTSecret string `env:"JWT_SECRET"`

	// Announcement bus (disabled when empty)
	NATSUrl         string `env:"NATS_URL" envDefault:""`
	AnnounceSubject string `env:"ANNOUNCE_SUBJECT" envDefault:"chat.announcements"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`
}

// Load reads configuration from .env and environment variables, validates
// it, and returns it. A missing .env file is fine; in production the
// environment is the only source.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("BIND_ADDRESS is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.HeartbeatInterval < time.Second {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be >= 1s, got %s", c.HeartbeatInterval)
	}
	if c.AwayThreshold < c.HeartbeatInterval {
		return fmt.Errorf("AWAY_THRESHOLD (%s) must be >= HEARTBEAT_INTERVAL (%s)",
			c.AwayThreshold, c.HeartbeatInterval)
	}

	if c.MaxMessageLength < 1 || c.MaxMessageLength > chat.MaxMessageLength {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be 1-%d, got %d",
			chat.MaxMessageLength, c.MaxMessageLength)
	}
	if c.MaxMessagesPerMinute < 1 {
		return fmt.Errorf("MAX_MESSAGES_PER_MINUTE must be > 0, got %d", c.MaxMessagesPerMinute)
	}

	if c.ConnectionLimitPerUser < 1 {
		return fmt.Errorf("CONNECTION_LIMIT_PER_USER must be > 0, got %d", c.ConnectionLimitPerUser)
	}
	if c.SendQueueSize < 16 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be >= 16, got %d", c.SendQueueSize)
	}

	if c.ConnRatePerIP <= 0 || c.ConnRateGlobal <= 0 {
		return fmt.Errorf("connection rates must be > 0")
	}
	if c.ConnBurstPerIP < 1 || c.ConnBurstGlobal < 1 {
		return fmt.Errorf("connection bursts must be > 0")
	}

	if c.DBOpTimeout < 100*time.Millisecond {
		return fmt.Errorf("DB_OP_TIMEOUT must be >= 100ms, got %s", c.DBOpTimeout)
	}

	validLogLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: trace, debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration at startup. Secrets are
// reported by presence only.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("bind_address", c.BindAddr).
		Str("db_path", c.DBPath).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("away_threshold", c.AwayThreshold).
		Int("max_message_length", c.MaxMessageLength).
		Int("max_messages_per_minute", c.MaxMessagesPerMinute).
		Int("connection_limit_per_user", c.ConnectionLimitPerUser).
		Int("send_queue_size", c.SendQueueSize).
		Dur("shutdown_timeout", c.ShutdownTimeout).
		Dur("db_op_timeout", c.DBOpTimeout).
		Bool("jwt_secret_set", c.JWTSecret != "").
		Str("nats_url", c.NATSUrl).
		Str("announce_subject", c.AnnounceSubject).
		Dur("metrics_interval", c.MetricsInterval).
		Msg("server configuration loaded")
}

// Package config loads server configuration from the environment, with an
// optional .env file for development convenience. Environment variables win
// over .env values; defaults come from struct tags.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
type Config struct {
	// Server basics
	Port int    `env:"WS_PORT,required"`
	Host string `env:"WS_HOST" envDefault:"0.0.0.0"`

	// Heartbeating
	HeartbeatInterval    time.Duration `env:"WS_HEARTBEAT_INTERVAL" envDefault:"30s"`
	MinHeartbeatInterval time.Duration `env:"WS_MIN_HEARTBEAT_INTERVAL" envDefault:"5s"`
	MaxHeartbeatInterval time.Duration `env:"WS_MAX_HEARTBEAT_INTERVAL" envDefault:"60s"`
	AdaptiveHeartbeat    bool          `env:"WS_ADAPTIVE_HEARTBEAT_ENABLED" envDefault:"true"`

	// Quality tracking
	LatencyWindowSize    int           `env:"WS_LATENCY_WINDOW_SIZE" envDefault:"10"`
	QualityCheckInterval time.Duration `env:"WS_QUALITY_CHECK_INTERVAL" envDefault:"10s"`
	QualityThreshold     float64       `env:"WS_CONNECTION_QUALITY_THRESHOLD" envDefault:"0.7"`

	// Sessions
	SessionTimeout      time.Duration `env:"WS_SESSION_TIMEOUT" envDefault:"300s"`
	MaxConnections      int           `env:"WS_MAX_CONNECTIONS" envDefault:"1000"`
	BufferSize          int           `env:"WS_BUFFER_SIZE" envDefault:"4096"`
	MaxBufferedMessages int           `env:"WS_MAX_BUFFERED_MESSAGES" envDefault:"1024"`
	MaxBufferedBytes    int           `env:"WS_MAX_BUFFERED_BYTES" envDefault:"4194304"`
	BufferingEnabled    bool          `env:"WS_BUFFERING_ENABLED" envDefault:"true"`
	SendQueueSize       int           `env:"WS_SEND_QUEUE_SIZE" envDefault:"256"`

	// Pool
	IdleTimeout time.Duration `env:"WS_IDLE_TIMEOUT" envDefault:"120s"`

	// Security
	AllowedOrigins       []string      `env:"WS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	RateLimitWindow      time.Duration `env:"WS_RATE_LIMIT_WINDOW" envDefault:"60s"`
	RateLimitMaxRequests int           `env:"WS_RATE_LIMIT_MAX_REQUESTS" envDefault:"10000"`
	MaxPayloadBytes      int           `env:"WS_MAX_PAYLOAD_BYTES" envDefault:"65536"`

	// Bridge (empty URL disables)
	NATSURL         string `env:"NATS_URL"`
	NATSSubject     string `env:"NATS_SUBJECT" envDefault:"ws.broadcast"`
	WorkerCount     int    `env:"WS_WORKER_COUNT" envDefault:"8"`
	WorkerQueueSize int    `env:"WS_WORKER_QUEUE_SIZE" envDefault:"800"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Addr returns the host:port the listener binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Production reports whether rate limiting and DoS heuristics are enforced.
func (c *Config) Production() bool {
	return c.Environment == "production"
}

// Load reads configuration from an optional .env file and the environment.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
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

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("WS_PORT must be 1-65535, got %d", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MinHeartbeatInterval <= 0 {
		return fmt.Errorf("WS_MIN_HEARTBEAT_INTERVAL must be > 0, got %s", c.MinHeartbeatInterval)
	}
	if c.MaxHeartbeatInterval < c.MinHeartbeatInterval {
		return fmt.Errorf("WS_MAX_HEARTBEAT_INTERVAL (%s) must be >= WS_MIN_HEARTBEAT_INTERVAL (%s)",
			c.MaxHeartbeatInterval, c.MinHeartbeatInterval)
	}
	if c.HeartbeatInterval < c.MinHeartbeatInterval || c.HeartbeatInterval > c.MaxHeartbeatInterval {
		return fmt.Errorf("WS_HEARTBEAT_INTERVAL (%s) must be within [%s, %s]",
			c.HeartbeatInterval, c.MinHeartbeatInterval, c.MaxHeartbeatInterval)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("WS_SESSION_TIMEOUT must be > 0, got %s", c.SessionTimeout)
	}
	if c.LatencyWindowSize < 1 {
		return fmt.Errorf("WS_LATENCY_WINDOW_SIZE must be > 0, got %d", c.LatencyWindowSize)
	}
	if c.QualityThreshold < 0 || c.QualityThreshold > 1 {
		return fmt.Errorf("WS_CONNECTION_QUALITY_THRESHOLD must be 0-1, got %.2f", c.QualityThreshold)
	}
	if c.MaxPayloadBytes < 1 || c.MaxPayloadBytes > 65536 {
		return fmt.Errorf("WS_MAX_PAYLOAD_BYTES must be 1-65536, got %d", c.MaxPayloadBytes)
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("WS_ALLOWED_ORIGINS must not be empty")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	validEnvs := map[string]bool{"development": true, "production": true}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("ENVIRONMENT must be development or production (got: %s)", c.Environment)
	}

	if c.Production() {
		for _, origin := range c.AllowedOrigins {
			if origin == "*" {
				return fmt.Errorf("WS_ALLOWED_ORIGINS wildcard is not permitted in production")
			}
		}
	}
	return nil
}

// LogConfig dumps the effective configuration through structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr()).
		Int("max_connections", c.MaxConnections).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("min_heartbeat_interval", c.MinHeartbeatInterval).
		Dur("max_heartbeat_interval", c.MaxHeartbeatInterval).
		Bool("adaptive_heartbeat", c.AdaptiveHeartbeat).
		Int("latency_window_size", c.LatencyWindowSize).
		Dur("quality_check_interval", c.QualityCheckInterval).
		Float64("quality_threshold", c.QualityThreshold).
		Dur("session_timeout", c.SessionTimeout).
		Dur("idle_timeout", c.IdleTimeout).
		Int("max_buffered_messages", c.MaxBufferedMessages).
		Int("max_buffered_bytes", c.MaxBufferedBytes).
		Bool("buffering_enabled", c.BufferingEnabled).
		Strs("allowed_origins", c.AllowedOrigins).
		Dur("rate_limit_window", c.RateLimitWindow).
		Int("rate_limit_max_requests", c.RateLimitMaxRequests).
		Int("max_payload_bytes", c.MaxPayloadBytes).
		Str("nats_url", c.NATSURL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}

// Package config loads relay settings with the precedence
// defaults -> YAML file -> environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a relay instance.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Log       LogConfig       `yaml:"log"`
}

// HTTPConfig holds the combined API/WebSocket server settings.
type HTTPConfig struct {
	Host            string        `yaml:"host" env:"RELAY_HTTP_HOST"`
	Port            int           `yaml:"port" env:"RELAY_HTTP_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"RELAY_HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"RELAY_HTTP_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"RELAY_HTTP_SHUTDOWN_TIMEOUT"`
	AllowedOrigin   string        `yaml:"allowed_origin" env:"RELAY_ALLOWED_ORIGIN"`
}

// WebSocketConfig holds per-connection transport settings.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"RELAY_WS_HANDSHAKE_TIMEOUT"`
	PingInterval     time.Duration `yaml:"ping_interval" env:"RELAY_WS_PING_INTERVAL"`
	ReadTimeout      time.Duration `yaml:"read_timeout" env:"RELAY_WS_READ_TIMEOUT"`
	WriteTimeout     time.Duration `yaml:"write_timeout" env:"RELAY_WS_WRITE_TIMEOUT"`
	SendBuffer       int           `yaml:"send_buffer" env:"RELAY_WS_SEND_BUFFER"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level" env:"RELAY_LOG_LEVEL"`
}

// Default returns the configuration used when nothing is overridden.
// The read timeout must stay comfortably above the ping interval or healthy
// idle connections get reaped between heartbeats.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            5004,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigin:   "*",
		},
		WebSocket: WebSocketConfig{
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     30 * time.Second,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     5 * time.Second,
			SendBuffer:       100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the effective configuration. path may be empty; when set, the
// file is read with ${VAR} expansion before parsing. Environment variables
// override both defaults and file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot serve.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("http host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("http timeouts must be positive")
	}
	if c.WebSocket.HandshakeTimeout <= 0 || c.WebSocket.PingInterval <= 0 ||
		c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("websocket timeouts must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("websocket read timeout must exceed ping interval")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("websocket send buffer must be positive")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	return nil
}

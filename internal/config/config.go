// Package config loads sfplink settings from a YAML file with .env and
// environment overrides, and builds the shared logger.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds every caller-overridable wire constant plus the ambient
// settings. Durations are expressed in milliseconds to keep the YAML
// flat.
type Config struct {
	Mode          string `yaml:"mode"`           // auto, direct, proxy
	ProxyEndpoint string `yaml:"proxy_endpoint"` // ws:// or wss:// URL of the relay

	ChunkSize            int `yaml:"chunk_size"`
	ChunkDelayMs         int `yaml:"chunk_delay_ms"`
	PollIntervalMs       int `yaml:"poll_interval_ms"`
	StageTimeoutMs       int `yaml:"stage_timeout_ms"`
	CorrelationTimeoutMs int `yaml:"correlation_timeout_ms"`

	FirmwareBaseline string `yaml:"firmware_baseline"`
	LogLevel         string `yaml:"log_level"`
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return Config{
		Mode:                 "auto",
		ChunkSize:            20,
		ChunkDelayMs:         10,
		PollIntervalMs:       5000,
		StageTimeoutMs:       10000,
		CorrelationTimeoutMs: 5000,
		LogLevel:             "info",
	}
}

// DefaultPath returns the default config file location
// (~/.sfplink/config.yaml).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".sfplink", "config.yaml"), nil
}

// Load reads the config file at path (missing file is fine), then
// applies .env and environment overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	// A local .env is developer convenience; absence is not an error.
	_ = godotenv.Load()
	applyEnv(&cfg)

	return cfg, nil
}

// applyEnv overlays SFPLINK_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SFPLINK_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("SFPLINK_PROXY_ENDPOINT"); v != "" {
		cfg.ProxyEndpoint = v
	}
	if v := os.Getenv("SFPLINK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SFPLINK_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ChunkSize = n
		}
	}
}

// ChunkDelay returns the inter-chunk delay as a duration.
func (c Config) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMs) * time.Millisecond
}

// PollInterval returns the status-poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// StageTimeout returns the per-stage GATT timeout as a duration.
func (c Config) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutMs) * time.Millisecond
}

// CorrelationTimeout returns the message-correlation timeout as a
// duration.
func (c Config) CorrelationTimeout() time.Duration {
	return time.Duration(c.CorrelationTimeoutMs) * time.Millisecond
}

// NewLogger builds the shared logger at the configured level.
func NewLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

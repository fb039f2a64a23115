// Package config loads cosync settings from an optional YAML file and
// COSYNC_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportWebsocket = "ws"
	TransportRedis     = "redis"
)

// Config defines the settings of one cosync process.
type Config struct {
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Hub       HubConfig       `yaml:"hub"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Log       LogConfig       `yaml:"log"`
}

type SessionConfig struct {
	ID          string `yaml:"id"`
	Participant string `yaml:"participant"`
	Permission  string `yaml:"permission"`
}

type TransportConfig struct {
	Kind     string `yaml:"kind"`
	HubURL   string `yaml:"hub_url"`
	RedisURL string `yaml:"redis_url"`
	Prefix   string `yaml:"prefix"`
}

type HubConfig struct {
	Addr string `yaml:"addr"`
}

type WorkspaceConfig struct {
	Ignore []string `yaml:"ignore"`
	Watch  bool     `yaml:"watch"`
}

type WatchdogConfig struct {
	Interval time.Duration `yaml:"interval"`
	Backoff  time.Duration `yaml:"backoff"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Session: SessionConfig{
			ID:         "default",
			Permission: "write",
		},
		Transport: TransportConfig{
			Kind:   TransportWebsocket,
			HubURL: "ws://localhost:8787/session",
			Prefix: "cosync",
		},
		Hub: HubConfig{
			Addr: ":8787",
		},
		Workspace: WorkspaceConfig{
			Watch: true,
		},
		Watchdog: WatchdogConfig{
			Interval: 10 * time.Second,
			Backoff:  30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path, or from COSYNC_CONFIG when path is
// empty, and applies environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("COSYNC_CONFIG")
	}
	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"COSYNC_SESSION_ID":  &cfg.Session.ID,
		"COSYNC_PARTICIPANT": &cfg.Session.Participant,
		"COSYNC_PERMISSION":  &cfg.Session.Permission,
		"COSYNC_TRANSPORT":   &cfg.Transport.Kind,
		"COSYNC_HUB_URL":     &cfg.Transport.HubURL,
		"COSYNC_REDIS_URL":   &cfg.Transport.RedisURL,
		"COSYNC_PREFIX":      &cfg.Transport.Prefix,
		"COSYNC_HUB_ADDR":    &cfg.Hub.Addr,
		"COSYNC_LOG_LEVEL":   &cfg.Log.Level,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"COSYNC_WATCHDOG_INTERVAL": &cfg.Watchdog.Interval,
		"COSYNC_WATCHDOG_BACKOFF":  &cfg.Watchdog.Backoff,
	}
	for key, dst := range durations {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
	}

	if v := os.Getenv("COSYNC_IGNORE"); v != "" {
		cfg.Workspace.Ignore = strings.Split(v, ",")
	}
	return nil
}

// Validate reports settings no component can run with.
func (c Config) Validate() error {
	switch c.Transport.Kind {
	case TransportWebsocket:
		if c.Transport.HubURL == "" {
			return fmt.Errorf("transport %q needs a hub url", c.Transport.Kind)
		}
	case TransportRedis:
		if c.Transport.RedisURL == "" {
			return fmt.Errorf("transport %q needs a redis url", c.Transport.Kind)
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport.Kind)
	}

	switch c.Session.Permission {
	case "write", "readonly":
	default:
		return fmt.Errorf("unknown permission %q", c.Session.Permission)
	}

	if c.Watchdog.Interval <= 0 || c.Watchdog.Backoff <= 0 {
		return fmt.Errorf("watchdog interval and backoff must be positive")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses the configured log level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}
	return level, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

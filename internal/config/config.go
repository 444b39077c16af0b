// Switchcast - Multi-Camera Live Event Streaming
// Copyright 2026 Switchcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/switchcast/switchcast

// Package config loads Switchcast configuration with koanf: defaults first,
// then an optional YAML file, then SWITCHCAST_-prefixed environment
// variables, each layer overriding the previous one.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the config file paths searched in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/switchcast/config.yaml",
	"/etc/switchcast/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "SWITCHCAST_CONFIG"

// envPrefix is the prefix for environment variable overrides, e.g.
// SWITCHCAST_REALTIME_HEARTBEAT_INTERVAL maps to realtime.heartbeat_interval.
const envPrefix = "SWITCHCAST_"

// Config is the root configuration for the switchcastd daemon.
type Config struct {
	Log      LogConfig      `koanf:"log"`
	HTTP     HTTPConfig     `koanf:"http"`
	NATS     NATSConfig     `koanf:"nats"`
	Store    StoreConfig    `koanf:"store"`
	Realtime RealtimeConfig `koanf:"realtime"`
	Sync     SyncConfig     `koanf:"sync"`
	Cache    CacheConfig    `koanf:"cache"`
}

// LogConfig configures the zerolog pipeline.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// HTTPConfig configures the operational HTTP surface.
type HTTPConfig struct {
	Addr           string        `koanf:"addr" validate:"required"`
	RatePerMinute  int           `koanf:"rate_per_minute" validate:"gte=0"`
	AllowedOrigins []string      `koanf:"allowed_origins"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
}

// NATSConfig configures the pub/sub transport.
type NATSConfig struct {
	URL            string `koanf:"url" validate:"required"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	StreamName     string `koanf:"stream_name" validate:"required"`
}

// StoreConfig configures the durable store.
type StoreConfig struct {
	Driver string `koanf:"driver" validate:"oneof=sqlite memory"`
	Path   string `koanf:"path"`
}

// RealtimeConfig carries the connection-health and presence policy knobs.
// The quality thresholds are policy choices, not protocol constants, which
// is exactly why they live in configuration.
type RealtimeConfig struct {
	HealthInterval       time.Duration `koanf:"health_interval" validate:"gt=0"`
	HeartbeatInterval    time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`
	PongTimeout          time.Duration `koanf:"pong_timeout" validate:"gt=0"`
	LatencyWindow        int           `koanf:"latency_window" validate:"gt=0"`
	ExcellentBelow       time.Duration `koanf:"excellent_below" validate:"gt=0"`
	GoodBelow            time.Duration `koanf:"good_below" validate:"gt=0"`
	AutoReconnect        bool          `koanf:"auto_reconnect"`
	MaxReconnectAttempts int           `koanf:"max_reconnect_attempts" validate:"gte=0"`
	ReconnectBaseDelay   time.Duration `koanf:"reconnect_base_delay" validate:"gt=0"`
	ReconnectPerMinute   int           `koanf:"reconnect_per_minute" validate:"gte=0"`
}

// SyncConfig carries the optimistic sync engine policy knobs.
type SyncConfig struct {
	Interval      time.Duration `koanf:"interval" validate:"gt=0"`
	RetryAttempts int           `koanf:"retry_attempts" validate:"gte=0"`
	Strategy      string        `koanf:"strategy" validate:"oneof=last-write-wins merge operational-transform user-choice"`
}

// CacheConfig bounds the per-subscription TTL caches.
type CacheConfig struct {
	Capacity int           `koanf:"capacity" validate:"gt=0"`
	TTL      time.Duration `koanf:"ttl" validate:"gt=0"`
}

// defaultConfig returns the full default configuration. Interval and
// threshold defaults match the documented realtime policy.
func defaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		HTTP: HTTPConfig{
			Addr:          ":8080",
			RatePerMinute: 300,
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  15 * time.Second,
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: false,
			StoreDir:       "/data/switchcast/jetstream",
			StreamName:     "switchcast",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "/data/switchcast/switchcast.db",
		},
		Realtime: RealtimeConfig{
			HealthInterval:       5 * time.Second,
			HeartbeatInterval:    30 * time.Second,
			PongTimeout:          5 * time.Second,
			LatencyWindow:        10,
			ExcellentBelow:       100 * time.Millisecond,
			GoodBelow:            300 * time.Millisecond,
			AutoReconnect:        true,
			MaxReconnectAttempts: 5,
			ReconnectBaseDelay:   time.Second,
			ReconnectPerMinute:   30,
		},
		Sync: SyncConfig{
			Interval:      30 * time.Second,
			RetryAttempts: 3,
			Strategy:      "last-write-wins",
		},
		Cache: CacheConfig{
			Capacity: 200,
			TTL:      5 * time.Minute,
		},
	}
}

// Load builds the configuration from defaults, the config file (explicit
// path, SWITCHCAST_CONFIG, or the first DefaultConfigPaths hit), and
// environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	if path == "" {
		for _, candidate := range DefaultConfigPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envToKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envToKey maps SWITCHCAST_SECTION_SOME_FIELD to section.some_field.
// Only the first underscore separates the section from the field name, so
// multi-word field names survive the mapping.
func envToKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Realtime.ExcellentBelow >= c.Realtime.GoodBelow {
		return fmt.Errorf("invalid configuration: excellent_below (%v) must be lower than good_below (%v)",
			c.Realtime.ExcellentBelow, c.Realtime.GoodBelow)
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("invalid configuration: store.path is required for the sqlite driver")
	}
	return nil
}

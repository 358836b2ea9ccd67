// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the synchronization core.
type Config struct {
	Mode     string         `yaml:"mode"` // async, sync, offline, read-only
	Queue    QueueConfig    `yaml:"queue"`
	Backends []BackendEntry `yaml:"backends"`
	Backend  BackendEntry   `yaml:"backend"` // single-backend shorthand
	Channel  ChannelConfig  `yaml:"channel"`
	Signals  SignalsConfig  `yaml:"signals"`
	Log      LogConfig      `yaml:"log"`
}

// QueueConfig holds durable queue and consumer settings.
type QueueConfig struct {
	// Root directory for queue data; async/ and offline/ live under it.
	Root string `yaml:"root"`

	InMemory bool `yaml:"in_memory"`

	BatchSize     int   `yaml:"batch_size"`
	BatchMaxBytes int64 `yaml:"batch_max_bytes"`

	SegmentMaxBytes   int64  `yaml:"segment_max_bytes"`
	SegmentMaxRecords int    `yaml:"segment_max_records"`
	Compression       string `yaml:"compression"` // none, s2, zstd
	SyncEveryPut      bool   `yaml:"sync_every_put"`

	FlushPeriod time.Duration `yaml:"flush_period"`
	StopTimeout time.Duration `yaml:"stop_timeout"`

	RetryBackoffStart time.Duration `yaml:"retry_backoff_start"`
	RetryBackoffCap   time.Duration `yaml:"retry_backoff_cap"`
}

// BackendEntry identifies one tracking-service endpoint.
type BackendEntry struct {
	URL      string `yaml:"url"`
	APIToken string `yaml:"api_token"`

	RequestDeadline time.Duration `yaml:"request_deadline"`
	BackoffCap      time.Duration `yaml:"backoff_cap"`
	RateLimit       float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	RateBurst       int           `yaml:"rate_burst"`
}

// ChannelConfig holds out-of-band websocket settings.
type ChannelConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// SignalsConfig holds sync-progress monitoring settings.
type SignalsConfig struct {
	LagThreshold        time.Duration `yaml:"lag_threshold"`
	NoProgressThreshold time.Duration `yaml:"no_progress_threshold"`
	CallbackInterval    time.Duration `yaml:"callback_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Mode: "async",
		Queue: QueueConfig{
			Root:              defaultRoot(),
			BatchSize:         1000,
			BatchMaxBytes:     16 * 1024 * 1024,
			SegmentMaxBytes:   8 * 1024 * 1024,
			SegmentMaxRecords: 10000,
			Compression:       "none",
			SyncEveryPut:      true,
			FlushPeriod:       3 * time.Second,
			StopTimeout:       60 * time.Second,
			RetryBackoffStart: 2 * time.Second,
			RetryBackoffCap:   120 * time.Second,
		},
		Backend: BackendEntry{
			RequestDeadline: 60 * time.Second,
			BackoffCap:      30 * time.Second,
		},
		Signals: SignalsConfig{
			LagThreshold:        time.Minute,
			NoProgressThreshold: 5 * time.Minute,
			CallbackInterval:    5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/minfx"
	}
	return ".minfx"
}

// Load reads configuration from a YAML file, applies environment
// overrides and validates the result. A missing file yields defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv layers environment variables over the file values. The
// environment wins, so a deployment can flip modes without editing the
// config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("MINFX_MODE"); v != "" {
		c.Mode = v
	}
	if v := os.Getenv("MINFX_API_TOKEN"); v != "" {
		c.Backend.APIToken = v
	}
	if v := os.Getenv("MINFX_QUEUE_ROOT"); v != "" {
		c.Queue.Root = v
	}
	if v := os.Getenv("MINFX_IN_MEMORY_QUEUE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Queue.InMemory = b
		}
	}
	if v := os.Getenv("MINFX_STOP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Queue.StopTimeout = d
		}
	}
	if v := os.Getenv("MINFX_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.BatchSize = n
		}
	}
}

// AllBackends returns the configured backends, folding the
// single-backend shorthand into the list form.
func (c *Config) AllBackends() []BackendEntry {
	if len(c.Backends) > 0 {
		return c.Backends
	}
	if c.Backend.URL != "" {
		return []BackendEntry{c.Backend}
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Mode {
	case "async", "sync", "offline", "read-only":
	default:
		return fmt.Errorf("unknown mode: %s", c.Mode)
	}
	if c.Mode == "sync" && len(c.Backends) > 1 {
		return fmt.Errorf("sync mode supports a single backend, got %d", len(c.Backends))
	}
	if c.Queue.Root == "" && !c.Queue.InMemory && c.Mode != "read-only" {
		return fmt.Errorf("queue root directory is required")
	}
	switch c.Queue.Compression {
	case "", "none", "s2", "zstd":
	default:
		return fmt.Errorf("unknown compression: %s", c.Queue.Compression)
	}
	if c.Queue.BatchSize < 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.Queue.BatchSize)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %s", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format: %s", c.Log.Format)
	}
	return nil
}

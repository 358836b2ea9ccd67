// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "async", cfg.Mode)
	assert.Equal(t, 1000, cfg.Queue.BatchSize)
	assert.Equal(t, int64(16*1024*1024), cfg.Queue.BatchMaxBytes)
	assert.Equal(t, int64(8*1024*1024), cfg.Queue.SegmentMaxBytes)
	assert.Equal(t, 10000, cfg.Queue.SegmentMaxRecords)
	assert.True(t, cfg.Queue.SyncEveryPut)
	assert.Equal(t, 3*time.Second, cfg.Queue.FlushPeriod)
	assert.Equal(t, 60*time.Second, cfg.Queue.StopTimeout)
	assert.Equal(t, 2*time.Second, cfg.Queue.RetryBackoffStart)
	assert.Equal(t, 120*time.Second, cfg.Queue.RetryBackoffCap)
	assert.Equal(t, 60*time.Second, cfg.Backend.RequestDeadline)
	assert.Equal(t, 30*time.Second, cfg.Backend.BackoffCap)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minfx.yaml")
	content := `
mode: offline
queue:
  root: /var/lib/minfx
  batch_size: 250
  compression: zstd
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "offline", cfg.Mode)
	assert.Equal(t, "/var/lib/minfx", cfg.Queue.Root)
	assert.Equal(t, 250, cfg.Queue.BatchSize)
	assert.Equal(t, "zstd", cfg.Queue.Compression)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched values keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.Queue.StopTimeout)
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "async", cfg.Mode)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MINFX_MODE", "sync")
	t.Setenv("MINFX_IN_MEMORY_QUEUE", "true")
	t.Setenv("MINFX_STOP_TIMEOUT", "15s")
	t.Setenv("MINFX_BATCH_SIZE", "42")
	t.Setenv("MINFX_API_TOKEN", "tok-env")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sync", cfg.Mode)
	assert.True(t, cfg.Queue.InMemory)
	assert.Equal(t, 15*time.Second, cfg.Queue.StopTimeout)
	assert.Equal(t, 42, cfg.Queue.BatchSize)
	assert.Equal(t, "tok-env", cfg.Backend.APIToken)
}

func TestValidate_Errors(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown mode":        func(c *Config) { c.Mode = "turbo" },
		"unknown compression": func(c *Config) { c.Queue.Compression = "lz77" },
		"unknown log level":   func(c *Config) { c.Log.Level = "verbose" },
		"unknown log format":  func(c *Config) { c.Log.Format = "xml" },
		"missing queue root":  func(c *Config) { c.Queue.Root = "" },
		"sync multi backend": func(c *Config) {
			c.Mode = "sync"
			c.Backends = []BackendEntry{{URL: "https://a"}, {URL: "https://b"}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestAllBackends(t *testing.T) {
	cfg := Default()
	assert.Nil(t, cfg.AllBackends())

	cfg.Backend.URL = "https://api.example.com"
	require.Len(t, cfg.AllBackends(), 1)

	cfg.Backends = []BackendEntry{{URL: "https://a"}, {URL: "https://b"}}
	assert.Len(t, cfg.AllBackends(), 2)
}

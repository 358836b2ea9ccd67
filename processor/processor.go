// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

// Package processor implements the operation-processing policy layer:
// five processor variants over the durable queue and the backend client,
// with a background consumer loop and a two-level retry protocol.
package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/minfx-ai/minfx/backend"
	"github.com/minfx-ai/minfx/diskqueue"
	"github.com/minfx-ai/minfx/operation"
	"github.com/minfx-ai/minfx/signals"
)

// Mode selects the processor variant.
type Mode string

const (
	// ModeAsync persists operations durably and syncs them from a
	// background consumer loop. The default.
	ModeAsync Mode = "async"
	// ModeSync executes every operation inline on the caller's
	// goroutine, spilling to disk when the backend is unreachable.
	ModeSync Mode = "sync"
	// ModeOffline persists operations durably and never contacts the
	// network.
	ModeOffline Mode = "offline"
	// ModeReadOnly rejects every mutation.
	ModeReadOnly Mode = "read-only"
)

// Directory names under the queue root, one per connected mode.
const (
	AsyncDirectory   = "async"
	OfflineDirectory = "offline"
)

var (
	// ErrReadOnly is returned by every Enqueue on a read-only processor.
	ErrReadOnly = errors.New("processor: run is read-only")

	// ErrNotAccepting is returned by Enqueue after a stop was requested.
	ErrNotAccepting = errors.New("processor: no longer accepting operations")

	// ErrConfiguration marks an invalid processor construction. It is
	// raised before any operation is accepted.
	ErrConfiguration = errors.New("processor: invalid configuration")
)

// StopResult is the terminal state of a processor shutdown.
type StopResult int

const (
	// ResultStopped means the queue drained before the shutdown timeout
	// and local state was deleted.
	ResultStopped StopResult = iota
	// ResultStoppedWithData means unacknowledged data remains on disk
	// for later recovery by an out-of-process sync.
	ResultStoppedWithData
)

func (r StopResult) String() string {
	if r == ResultStopped {
		return "stopped"
	}
	return "stopped-with-data"
}

// Processor is the common contract of all five variants.
type Processor interface {
	// Enqueue submits one operation. Whether it blocks on network I/O
	// depends on the variant; the default (async) never does.
	Enqueue(op operation.Operation) error
	// Start launches the variant's consumer loop, if it has one.
	Start() error
	// Stop drains and shuts down, bounded by the timeout. It returns
	// even if the drain has not completed.
	Stop(timeout time.Duration) StopResult
	// RequestStop asks for the stopping transition without blocking.
	// Safe to call from a signal handler path.
	RequestStop()
	// Flush forces buffered queue data to durable storage.
	Flush() error
	// WaitForSync blocks until every put operation is acknowledged or
	// the timeout elapses, returning false on timeout.
	WaitForSync(timeout time.Duration) bool
	// Pause halts the consumer loop before its next batch; Resume
	// continues from the persisted offset.
	Pause()
	Resume()
	// State reports the current connection state.
	State() ConnectionState
}

// Config configures processor construction.
type Config struct {
	Mode  Mode
	RunID string
	// Root is the queue root directory holding async/ and offline/
	// subtrees.
	Root string
	// Backends to deliver to. One for sync and async; more than one
	// selects the multi-backend fan-out. Ignored by offline/read-only.
	Backends []backend.Backend

	BatchSize     int           // default 1000 operations
	BatchMaxBytes int64         // default 16 MiB
	FlushPeriod   time.Duration // default 3s
	StopTimeout   time.Duration // default 60s

	// RetryBackoffStart/Cap bound the daemon-level reconnect backoff.
	RetryBackoffStart time.Duration // default 2s
	RetryBackoffCap   time.Duration // default 120s

	// InMemoryQueue trades crash durability for speed (benchmarking).
	InMemoryQueue bool
	Queue         diskqueue.Config

	// Signals receives sync-progress notifications when non-nil.
	Signals *signals.Queue
	// OnError receives application-level rejections, keyed to the
	// failing operation.
	OnError func(error)

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.BatchMaxBytes <= 0 {
		c.BatchMaxBytes = 16 * 1024 * 1024
	}
	if c.FlushPeriod <= 0 {
		c.FlushPeriod = 3 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 60 * time.Second
	}
	if c.RetryBackoffStart <= 0 {
		c.RetryBackoffStart = 2 * time.Second
	}
	if c.RetryBackoffCap <= 0 {
		c.RetryBackoffCap = 120 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Queue == (diskqueue.Config{}) {
		c.Queue = diskqueue.DefaultConfig()
	}
	if c.Queue.Logger == nil {
		c.Queue.Logger = c.Logger
	}
}

func (c *Config) validate() error {
	if c.RunID == "" {
		return fmt.Errorf("%w: run id is required", ErrConfiguration)
	}
	switch c.Mode {
	case ModeReadOnly:
		return nil
	case ModeOffline:
		if c.Root == "" {
			return fmt.Errorf("%w: queue root is required for offline mode", ErrConfiguration)
		}
		return nil
	case ModeAsync, ModeSync:
		if c.Root == "" {
			return fmt.Errorf("%w: queue root is required for %s mode", ErrConfiguration, c.Mode)
		}
		if len(c.Backends) == 0 {
			return fmt.Errorf("%w: %s mode requires a backend", ErrConfiguration, c.Mode)
		}
		if c.Mode == ModeSync && len(c.Backends) > 1 {
			return fmt.Errorf("%w: sync mode supports a single backend", ErrConfiguration)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrConfiguration, c.Mode)
	}
}

// New builds the processor variant selected by the configuration.
// Configuration problems fail here, before any operation is accepted.
// Async mode with more than one backend returns the multi-backend
// fan-out.
func New(cfg Config) (Processor, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	switch cfg.Mode {
	case ModeReadOnly:
		return newReadOnly(cfg.Logger), nil
	case ModeOffline:
		return newOffline(cfg)
	case ModeSync:
		return newSync(cfg)
	case ModeAsync:
		if len(cfg.Backends) > 1 {
			return newMulti(cfg)
		}
		dir := filepath.Join(cfg.Root, AsyncDirectory, cfg.RunID)
		return newAsync(cfg, dir, cfg.Backends[0], 0)
	}
	return nil, fmt.Errorf("%w: unknown mode %q", ErrConfiguration, cfg.Mode)
}

// MetadataFile is the per-queue-directory descriptor consumed by the
// out-of-process status and sync tooling.
const MetadataFile = "metadata.json"

// Metadata describes the owner of one queue directory.
type Metadata struct {
	Mode           Mode      `json:"mode"`
	RunID          string    `json:"run_id"`
	BackendAddress string    `json:"backend_address,omitempty"`
	InstanceID     string    `json:"instance_id"`
	CreatedAt      time.Time `json:"created_at"`
}

func writeMetadata(dir string, mode Mode, runID, backendAddr string) error {
	md := Metadata{
		Mode:           mode,
		RunID:          runID,
		BackendAddress: backendAddr,
		InstanceID:     uuid.NewString(),
		CreatedAt:      time.Now().UTC(),
	}
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("processor: encode metadata: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("processor: create queue directory: %w", err)
	}
	path := filepath.Join(dir, MetadataFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("processor: write metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("processor: replace metadata: %w", err)
	}
	return nil
}

// ReadMetadata loads a queue directory descriptor.
func ReadMetadata(dir string) (Metadata, error) {
	var md Metadata
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return md, err
	}
	if err := json.Unmarshal(data, &md); err != nil {
		return md, fmt.Errorf("processor: decode metadata: %w", err)
	}
	return md, nil
}

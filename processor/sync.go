// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/minfx-ai/minfx/backend"
	"github.com/minfx-ai/minfx/diskqueue"
	"github.com/minfx-ai/minfx/metrics"
	"github.com/minfx-ai/minfx/operation"
)

// Sync executes every operation inline on the caller's goroutine. When
// the backend stays unreachable past the request deadline the operation
// is spilled to the durable queue instead of being dropped, where the
// out-of-process sync command can deliver it later. Once spilled, later
// operations follow the same path so per-path ordering holds.
type Sync struct {
	cfg     Config
	runID   string
	backend backend.Backend
	dir     string
	logger  *slog.Logger
	metrics *metrics.Metrics

	seq       atomic.Uint64
	state     atomic.Int32
	accepting atomic.Bool

	mu    sync.Mutex
	spill *diskqueue.Queue // lazily created on the first delivery failure
}

func newSync(cfg Config) (*Sync, error) {
	be := cfg.Backends[0]
	s := &Sync{
		cfg:     cfg,
		runID:   cfg.RunID,
		backend: be,
		dir:     filepath.Join(cfg.Root, AsyncDirectory, cfg.RunID),
		logger:  cfg.Logger.With(slog.String("run", cfg.RunID)),
	}
	m, err := metrics.New(be.Address(), nil)
	if err != nil {
		return nil, err
	}
	s.metrics = m
	s.accepting.Store(true)
	return s, nil
}

// Enqueue delivers the operation before returning. A rejection is
// returned to the caller; an unreachable backend spills the operation
// to disk and returns nil, since the data is durable.
func (s *Sync) Enqueue(op operation.Operation) error {
	if !s.accepting.Load() {
		return ErrNotAccepting
	}
	op.Seq = s.seq.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.spill != nil && !s.spill.IsEmpty() {
		// Earlier operations are still stranded on disk; delivering this
		// one inline would reorder writes to the same path.
		return s.spillLocked(op)
	}

	s.setState(StateSyncing)
	s.metrics.Enqueued(1)
	_, rejected, err := s.backend.Execute(context.Background(), s.runID, []operation.Operation{op})
	if err != nil {
		s.logger.Warn("inline delivery failed, spilling operation to disk",
			slog.String("path", op.PathString()),
			slog.String("error", err.Error()))
		return s.spillLocked(op)
	}
	if len(rejected) > 0 {
		e := rejected[0]
		s.metrics.Rejected(1)
		if s.cfg.OnError != nil {
			s.cfg.OnError(&e)
		}
		s.setState(StateConnected)
		return &e
	}
	s.metrics.Acked(1)
	s.setState(StateConnected)
	return nil
}

func (s *Sync) spillLocked(op operation.Operation) error {
	if s.spill == nil {
		if err := writeMetadata(s.dir, ModeSync, s.runID, s.backend.Address()); err != nil {
			return err
		}
		q, err := diskqueue.Open(s.dir, s.cfg.Queue)
		if err != nil {
			return fmt.Errorf("processor: open spill queue: %w", err)
		}
		s.spill = q
	}
	if _, err := s.spill.Put(op); err != nil {
		return err
	}
	s.setState(StateDisconnected)
	return nil
}

// Start is a no-op: sync mode has no consumer loop.
func (s *Sync) Start() error { return nil }

// Flush persists any spilled data.
func (s *Sync) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spill == nil {
		return nil
	}
	return s.spill.Flush()
}

// WaitForSync reports whether everything accepted so far was delivered.
// Spilled data never drains in-process, so it returns false immediately
// when a spill exists.
func (s *Sync) WaitForSync(time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spill == nil || s.spill.IsEmpty()
}

// Pause and Resume are no-ops: there is no consumer loop to halt.
func (s *Sync) Pause()  {}
func (s *Sync) Resume() {}

// RequestStop stops accepting operations.
func (s *Sync) RequestStop() {
	s.accepting.Store(false)
	s.setState(StateStopping)
}

// Stop closes the processor. Spilled data is preserved on disk for the
// out-of-process sync command.
func (s *Sync) Stop(time.Duration) StopResult {
	s.RequestStop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spill == nil {
		s.state.Store(int32(StateStopped))
		return ResultStopped
	}
	if s.spill.IsEmpty() {
		if err := s.spill.Remove(); err != nil {
			s.logger.Warn("failed to remove empty spill directory", slog.String("error", err.Error()))
		}
		s.state.Store(int32(StateStopped))
		return ResultStopped
	}
	remaining := s.spill.Size()
	_ = s.spill.Close()
	s.state.Store(int32(StateStoppedWithData))
	s.logger.Warn("stopped with undelivered operations preserved on disk",
		slog.Uint64("operations_remaining", remaining),
		slog.String("directory", s.dir))
	return ResultStoppedWithData
}

// State reports the connection state.
func (s *Sync) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

func (s *Sync) setState(next ConnectionState) {
	old := ConnectionState(s.state.Load())
	if old == next || old.terminal() || (old == StateStopping && !next.terminal()) {
		return
	}
	s.state.Store(int32(next))
}

var _ Processor = (*Sync)(nil)

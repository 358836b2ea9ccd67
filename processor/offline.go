// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/minfx-ai/minfx/diskqueue"
	"github.com/minfx-ai/minfx/metrics"
	"github.com/minfx-ai/minfx/operation"
)

// Offline persists operations to the durable queue and never touches the
// network. The queue lives under the offline/ root, where the
// out-of-process sync command picks it up once connectivity exists.
type Offline struct {
	runID  string
	queue  *diskqueue.Queue
	logger *slog.Logger
	m      *metrics.Metrics

	state     atomic.Int32
	accepting atomic.Bool
}

func newOffline(cfg Config) (*Offline, error) {
	dir := filepath.Join(cfg.Root, OfflineDirectory, cfg.RunID)
	if err := writeMetadata(dir, ModeOffline, cfg.RunID, ""); err != nil {
		return nil, err
	}
	q, err := diskqueue.Open(dir, cfg.Queue)
	if err != nil {
		return nil, err
	}
	m, err := metrics.New("", func() int64 { return int64(q.Size()) })
	if err != nil {
		return nil, err
	}
	o := &Offline{
		runID:  cfg.RunID,
		queue:  q,
		logger: cfg.Logger.With(slog.String("run", cfg.RunID)),
		m:      m,
	}
	o.accepting.Store(true)
	o.state.Store(int32(StateDisconnected))
	return o, nil
}

// Enqueue persists the operation.
func (o *Offline) Enqueue(op operation.Operation) error {
	if !o.accepting.Load() {
		return ErrNotAccepting
	}
	if _, err := o.queue.Put(op); err != nil {
		return err
	}
	o.m.Enqueued(1)
	return nil
}

// Start is a no-op: nothing consumes an offline queue in-process.
func (o *Offline) Start() error { return nil }

// Flush forces queued data to durable storage.
func (o *Offline) Flush() error { return o.queue.Flush() }

// WaitForSync returns false whenever unacknowledged data exists, since
// nothing in-process will ever acknowledge it.
func (o *Offline) WaitForSync(time.Duration) bool {
	return o.queue.IsEmpty()
}

// Pause and Resume are no-ops: there is no consumer loop.
func (o *Offline) Pause()  {}
func (o *Offline) Resume() {}

// RequestStop stops accepting operations.
func (o *Offline) RequestStop() {
	o.accepting.Store(false)
	o.state.Store(int32(StateStopping))
}

// Stop closes the queue. Collected data is always preserved for the
// out-of-process sync command; only an untouched queue is cleaned up.
func (o *Offline) Stop(time.Duration) StopResult {
	o.RequestStop()

	if o.queue.IsEmpty() {
		if err := o.queue.Remove(); err != nil {
			o.logger.Warn("failed to remove empty offline directory", slog.String("error", err.Error()))
		}
		o.state.Store(int32(StateStopped))
		return ResultStopped
	}
	remaining := o.queue.Size()
	if err := o.queue.Close(); err != nil {
		o.logger.Warn("failed to close offline queue", slog.String("error", err.Error()))
	}
	o.state.Store(int32(StateStoppedWithData))
	o.logger.Info("offline data preserved for later synchronization",
		slog.Uint64("operations", remaining),
		slog.String("directory", o.queue.Dir()))
	return ResultStoppedWithData
}

// State reports the connection state; an offline processor is
// disconnected by definition until stopped.
func (o *Offline) State() ConnectionState {
	return ConnectionState(o.state.Load())
}

var _ Processor = (*Offline)(nil)

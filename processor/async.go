// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/minfx-ai/minfx/backend"
	"github.com/minfx-ai/minfx/diskqueue"
	"github.com/minfx-ai/minfx/metrics"
	"github.com/minfx-ai/minfx/operation"
	"github.com/minfx-ai/minfx/signals"
)

// Backpressure warnings fire every time the queue grows by this many
// unsynced operations; a lifted notice follows once it shrinks below.
const backpressureStep = 5000

// Progress of a stuck drain is reported at this frequency during stop.
const stopStatusInterval = 10 * time.Second

// Async is the default processor: Enqueue persists to the durable queue
// and returns immediately; a background consumer loop drains the queue,
// executes batches against the backend and advances the ack offset.
type Async struct {
	cfg          Config
	runID        string
	backend      backend.Backend
	backendIndex int
	queue        diskqueue.OperationQueue
	daemon       *daemon
	logger       *slog.Logger
	sig          *signals.Queue
	metrics      *metrics.Metrics

	state     atomic.Int32
	accepting atomic.Bool
	consumed  atomic.Uint64 // highest acknowledged version

	backpressureMark atomic.Int64 // last crossed threshold, in steps
	lastFlush        atomic.Int64 // unix nanos of the last periodic flush
}

// newAsync builds an async processor over the given queue directory.
// backendIndex tags log lines when several processors fan out under a
// multi-backend parent.
func newAsync(cfg Config, dir string, be backend.Backend, backendIndex int) (*Async, error) {
	logger := cfg.Logger.With(slog.String("run", cfg.RunID))
	if backendIndex > 0 || len(cfg.Backends) > 1 {
		logger = logger.With(slog.Int("backend_index", backendIndex))
	}

	var queue diskqueue.OperationQueue
	if cfg.InMemoryQueue {
		logger.Info("using in-memory queue, crash durability is off")
		queue = diskqueue.NewMemoryQueue()
	} else {
		if err := writeMetadata(dir, ModeAsync, cfg.RunID, be.Address()); err != nil {
			return nil, err
		}
		q, err := diskqueue.Open(dir, cfg.Queue)
		if err != nil {
			return nil, err
		}
		queue = q
	}

	m, err := metrics.New(be.Address(), func() int64 {
		return int64(queue.Size())
	})
	if err != nil {
		return nil, err
	}

	a := &Async{
		cfg:          cfg,
		runID:        cfg.RunID,
		backend:      be,
		backendIndex: backendIndex,
		queue:        queue,
		logger:       logger,
		sig:          cfg.Signals,
		metrics:      m,
	}
	a.accepting.Store(true)
	a.consumed.Store(queue.LastAck())
	a.daemon = newDaemon("minfx-async-consumer", cfg.FlushPeriod, a.consume, logger)
	return a, nil
}

// Enqueue persists the operation and returns without touching the
// network. The consumer is woken once enough operations are pending to
// fill half a batch.
func (a *Async) Enqueue(op operation.Operation) error {
	if !a.accepting.Load() {
		return ErrNotAccepting
	}
	if _, err := a.queue.Put(op); err != nil {
		return err
	}
	a.metrics.Enqueued(1)
	a.transition(StateConnected, StateBuffering)
	a.checkBackpressure()

	if a.queue.Size() > uint64(a.cfg.BatchSize/2) {
		a.daemon.wakeUp()
	}
	return nil
}

func (a *Async) checkBackpressure() {
	size := int64(a.queue.Size())
	mark := size / backpressureStep
	if mark > a.backpressureMark.Load() {
		a.backpressureMark.Store(mark)
		a.logger.Warn("queue backpressure: sync is slower than logging",
			slog.Int64("operations_queued", mark*backpressureStep))
	}
}

func (a *Async) checkBackpressureLifted() {
	if a.backpressureMark.Load() == 0 {
		return
	}
	if size := int64(a.queue.Size()); size < backpressureStep {
		a.backpressureMark.Store(0)
		a.logger.Info("queue backpressure lifted",
			slog.Int64("operations_remaining", size))
	}
}

// Start launches the consumer loop.
func (a *Async) Start() error {
	a.daemon.start()
	return nil
}

// Pause halts the consumer before its next batch without discarding
// queued data, then flushes.
func (a *Async) Pause() {
	a.daemon.pause()
	_ = a.Flush()
}

// Resume continues draining from the persisted offset.
func (a *Async) Resume() {
	a.daemon.resume()
}

// Flush forces queue data to durable storage.
func (a *Async) Flush() error {
	err := a.queue.Flush()
	if errors.Is(err, diskqueue.ErrClosed) {
		return nil
	}
	return err
}

// WaitForSync blocks until the queue is fully acknowledged, bounded by
// the timeout.
func (a *Async) WaitForSync(timeout time.Duration) bool {
	a.daemon.wakeUp()
	return a.queue.WaitForEmpty(timeout)
}

// State reports the connection state.
func (a *Async) State() ConnectionState {
	return ConnectionState(a.state.Load())
}

// RequestStop initiates the stopping transition without blocking: new
// operations are refused and the consumer switches to a continuous
// drain. Safe from a signal handling path.
func (a *Async) RequestStop() {
	a.accepting.Store(false)
	a.setState(StateStopping)
	a.daemon.disableSleep()
	a.daemon.wakeUp()
}

// Stop drains the queue bounded by the timeout. When the drain finishes
// in time the queue directory is deleted; otherwise the on-disk queue is
// preserved for later recovery and StoppedWithData is returned.
func (a *Async) Stop(timeout time.Duration) StopResult {
	a.RequestStop()
	_ = a.Flush()

	if a.daemon.isRunning() {
		a.waitForDrain(timeout)
	}
	a.daemon.interrupt()
	// Bounded join: an in-flight network call is not forcibly
	// cancelled, the bound applies to how long we wait for it.
	a.daemon.join(timeout + 5*time.Second)

	if a.queue.IsEmpty() {
		if err := a.queue.Remove(); err != nil {
			a.logger.Warn("failed to remove drained queue directory", slog.String("error", err.Error()))
		}
		a.setState(StateStopped)
		return ResultStopped
	}
	_ = a.queue.Close()
	a.setState(StateStoppedWithData)
	a.logger.Warn("stopped with unsynchronized data preserved on disk",
		slog.Uint64("operations_remaining", a.queue.LastPut()-a.consumed.Load()))
	return ResultStoppedWithData
}

// waitForDrain waits for the queue to empty, logging progress every few
// seconds, and gives up when the timeout elapses.
func (a *Async) waitForDrain(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	deadline := time.Now().Add(timeout)
	initial := a.queue.Size()
	if initial == 0 {
		return
	}
	if a.daemon.backoff() > 0 {
		a.logger.Warn("waiting for reconnection before shutdown",
			slog.Duration("timeout", timeout))
	} else {
		a.logger.Info("waiting for remaining operations to synchronize",
			slog.Uint64("operations", initial))
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			a.logger.Warn("shutdown timeout elapsed with operations still pending",
				slog.Uint64("operations", a.queue.Size()))
			return
		}
		wait := stopStatusInterval
		if remaining < wait {
			wait = remaining
		}
		if a.queue.WaitForEmpty(wait) {
			a.logger.Info("all operations synchronized")
			return
		}
		if !a.daemon.isRunning() {
			return
		}
		size := a.queue.Size()
		done := initial - size
		a.logger.Info("still waiting for synchronization",
			slog.Uint64("operations_remaining", size),
			slog.Uint64("operations_synced", done),
			slog.Bool("disconnected", a.daemon.backoff() > 0))
	}
}

// consume is the daemon work function: drain every available batch, then
// report idle. The periodic flush rides on the same wakeups.
func (a *Async) consume() (idle bool) {
	now := time.Now().UnixNano()
	if last := a.lastFlush.Load(); now-last >= int64(a.cfg.FlushPeriod) {
		a.lastFlush.Store(now)
		if err := a.Flush(); err != nil {
			a.logger.Warn("queue flush failed", slog.String("error", err.Error()))
		}
	}

	for {
		if a.daemon.interrupted() || a.daemon.pauseRequested() {
			return true
		}
		batch, err := a.queue.GetBatch(a.cfg.BatchSize, a.cfg.BatchMaxBytes)
		if err != nil {
			if !errors.Is(err, diskqueue.ErrClosed) {
				a.logger.Error("failed to read batch from queue", slog.String("error", err.Error()))
			}
			return true
		}
		if len(batch) == 0 {
			a.transition(StateSyncing, StateConnected)
			a.transition(StateBuffering, StateConnected)
			return true
		}

		a.sig.BatchStarted()
		a.sig.BatchLag(time.Since(batch[0].Time))
		a.processBatch(batch)
	}
}

// processBatch pushes one batch through the preprocessor and the backend,
// retrying transient failures with the daemon-level backoff until the
// batch is fully accepted or rejected, then acks past it.
func (a *Async) processBatch(batch []operation.Operation) {
	version := batch[len(batch)-1].Seq
	remaining := operation.Merge(batch)
	start := time.Now()

	for len(remaining) > 0 {
		if a.daemon.interrupted() || a.daemon.pauseRequested() {
			// Leave the batch unacked: a resumed consumer re-reads it
			// from the persisted offset.
			return
		}
		a.setState(StateSyncing)
		processed, rejected, err := a.backend.Execute(context.Background(), a.runID, remaining)
		if processed > len(remaining) {
			processed = len(remaining)
		}
		remaining = remaining[processed:]
		if len(rejected) > 0 {
			remaining = a.reportRejections(remaining, rejected)
		}
		if err != nil {
			if !a.backoffWait(err) {
				return // interrupted mid-retry; data stays queued
			}
			continue
		}
		a.recovered()
	}

	if err := a.queue.Ack(version); err != nil {
		a.logger.Error("failed to acknowledge batch", slog.String("error", err.Error()))
		return
	}
	a.consumed.Store(version)
	a.metrics.Acked(len(batch))
	a.metrics.BatchDone(time.Since(start))
	a.sig.BatchProcessed()
	a.checkBackpressureLifted()
	if err := a.queue.Cleanup(); err != nil && !errors.Is(err, diskqueue.ErrClosed) {
		a.logger.Warn("segment cleanup failed", slog.String("error", err.Error()))
	}
}

// reportRejections surfaces application-level rejections and removes the
// offending operations from the remainder so they cannot block the
// queue.
func (a *Async) reportRejections(remaining []operation.Operation, rejected []backend.OperationError) []operation.Operation {
	rejectedSeqs := make(map[uint64]bool, len(rejected))
	for i := range rejected {
		e := rejected[i]
		rejectedSeqs[e.Seq] = true
		a.logger.Error("operation rejected by backend",
			slog.Uint64("seq", e.Seq),
			slog.String("path", e.Path),
			slog.String("reason", e.Reason))
		if a.cfg.OnError != nil {
			a.cfg.OnError(&e)
		}
	}
	a.metrics.Rejected(len(rejected))

	kept := remaining[:0]
	for _, op := range remaining {
		if !rejectedSeqs[op.Seq] {
			kept = append(kept, op)
		}
	}
	return kept
}

// backoffWait handles a transient failure: transition through Retrying
// to Disconnected, sleep the daemon-level backoff (2s doubling to the
// cap, indefinitely), and report whether the loop may retry.
func (a *Async) backoffWait(cause error) bool {
	last := a.daemon.backoff()
	var next time.Duration
	if last == 0 {
		a.setState(StateRetrying)
		next = a.cfg.RetryBackoffStart
	} else {
		next = last * 2
		if next > a.cfg.RetryBackoffCap {
			next = a.cfg.RetryBackoffCap
		}
	}
	a.setState(StateDisconnected)
	a.daemon.setBackoff(next)
	a.metrics.Retry()
	a.logger.Warn("connection to backend failed",
		slog.String("error", cause.Error()),
		slog.Duration("retry_in", next))

	if !a.daemon.sleepInterruptible(next) {
		return false
	}
	a.setState(StateRetrying)
	return true
}

// recovered resets the backoff after the first successful call following
// a disconnection and emits the recovery notice.
func (a *Async) recovered() {
	if a.daemon.backoff() == 0 {
		return
	}
	a.daemon.setBackoff(0)
	a.logger.Info("communication with backend restored")
}

func (a *Async) setState(s ConnectionState) {
	old := ConnectionState(a.state.Load())
	if old == s || old.terminal() {
		return
	}
	// Stopping latches until a terminal state.
	if old == StateStopping && !s.terminal() {
		return
	}
	a.state.Store(int32(s))
	a.logger.Debug("connection state changed",
		slog.String("from", old.String()),
		slog.String("to", s.String()))
}

// transition performs a compare-and-swap state change.
func (a *Async) transition(from, to ConnectionState) {
	if a.state.CompareAndSwap(int32(from), int32(to)) {
		a.logger.Debug("connection state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	}
}

// Dir returns the queue directory, empty for the in-memory queue.
func (a *Async) Dir() string {
	if q, ok := a.queue.(*diskqueue.Queue); ok {
		return q.Dir()
	}
	return ""
}

var _ Processor = (*Async)(nil)

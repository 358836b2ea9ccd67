// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

// Package signals carries sync-progress notifications from the consumer
// loops to an optional monitor that invokes user callbacks when
// synchronization lags behind or stops making progress.
package signals

import (
	"sync"
	"time"
)

// Kind identifies a progress signal.
type Kind uint8

const (
	// KindBatchStarted is emitted when a consumer loop picks up a batch.
	KindBatchStarted Kind = iota + 1
	// KindBatchProcessed is emitted after a batch is acknowledged.
	KindBatchProcessed
	// KindBatchLag reports the age of the oldest operation in a batch at
	// the moment it was picked up.
	KindBatchLag
)

// Signal is one progress notification.
type Signal struct {
	Kind Kind
	Lag  time.Duration
	At   time.Time
}

// Queue is a bounded, non-blocking signal queue. Producers never block:
// when the queue is full the signal is dropped, since progress signals
// are advisory.
type Queue struct {
	ch      chan Signal
	mu      sync.Mutex
	dropped uint64
}

// NewQueue creates a signal queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{ch: make(chan Signal, capacity)}
}

// Emit enqueues a signal without blocking.
func (q *Queue) Emit(s Signal) {
	if q == nil {
		return
	}
	if s.At.IsZero() {
		s.At = time.Now()
	}
	select {
	case q.ch <- s:
	default:
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
	}
}

// BatchStarted emits a batch-started signal.
func (q *Queue) BatchStarted() { q.Emit(Signal{Kind: KindBatchStarted}) }

// BatchProcessed emits a batch-processed signal.
func (q *Queue) BatchProcessed() { q.Emit(Signal{Kind: KindBatchProcessed}) }

// BatchLag emits a lag signal.
func (q *Queue) BatchLag(lag time.Duration) { q.Emit(Signal{Kind: KindBatchLag, Lag: lag}) }

// Dropped returns the number of signals dropped due to a full queue.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// drain pops all currently queued signals.
func (q *Queue) drain() []Signal {
	var out []Signal
	for {
		select {
		case s := <-q.ch:
			out = append(out, s)
		default:
			return out
		}
	}
}

// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package diskqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/minfx-ai/minfx/operation"
)

// MemoryQueue is an in-memory OperationQueue used for benchmarking. It
// keeps the same ordering and ack semantics as the disk queue but
// forfeits crash durability.
type MemoryQueue struct {
	mu      sync.Mutex
	ops     []operation.Operation // ops[i].Seq == firstSeq+i
	lastPut uint64
	lastAck uint64
	ackCh   chan struct{}
	closed  bool
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{ackCh: make(chan struct{})}
}

func (q *MemoryQueue) Put(op operation.Operation) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	q.lastPut++
	op.Seq = q.lastPut
	q.ops = append(q.ops, op)
	return op.Seq, nil
}

func (q *MemoryQueue) GetBatch(maxCount int, maxBytes int64) ([]operation.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	var out []operation.Operation
	var bytes int64
	for _, op := range q.ops {
		if op.Seq <= q.lastAck {
			continue
		}
		if len(out) >= maxCount {
			break
		}
		size := int64(len(op.Value)) + int64(recordHeaderSize)
		if maxBytes > 0 && len(out) > 0 && bytes+size > maxBytes {
			break
		}
		out = append(out, op)
		bytes += size
	}
	return out, nil
}

func (q *MemoryQueue) Ack(upTo uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if upTo < q.lastAck {
		return fmt.Errorf("%w: %d < %d", ErrAckRegression, upTo, q.lastAck)
	}
	if upTo > q.lastPut {
		return fmt.Errorf("%w: %d > %d", ErrInvariantViolation, upTo, q.lastPut)
	}
	if upTo == q.lastAck {
		return nil
	}
	q.lastAck = upTo
	// Drop acknowledged operations eagerly; nothing re-reads them.
	for len(q.ops) > 0 && q.ops[0].Seq <= upTo {
		q.ops = q.ops[1:]
	}
	close(q.ackCh)
	q.ackCh = make(chan struct{})
	return nil
}

func (q *MemoryQueue) LastPut() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastPut
}

func (q *MemoryQueue) LastAck() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastAck
}

func (q *MemoryQueue) Size() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastPut - q.lastAck
}

func (q *MemoryQueue) IsEmpty() bool {
	return q.Size() == 0
}

func (q *MemoryQueue) WaitForEmpty(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		drained := q.lastAck == q.lastPut
		closed := q.closed
		ch := q.ackCh
		q.mu.Unlock()

		if drained {
			return true
		}
		if closed {
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *MemoryQueue) Flush() error   { return nil }
func (q *MemoryQueue) Cleanup() error { return nil }

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.ackCh)
	return nil
}

func (q *MemoryQueue) Remove() error { return q.Close() }

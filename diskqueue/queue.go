// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

// Package diskqueue implements the write-ahead persistence queue: an
// append-only segmented log plus an offset record per queue directory.
// Operations are durable on local storage before any network attempt and
// become eligible for deletion only after acknowledgment.
//
// Concurrency contract: any number of producers may Put; GetBatch and Ack
// are called by the single consumer owning the directory.
package diskqueue

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/minfx-ai/minfx/operation"
)

// OperationQueue is the durability contract shared by the disk-backed
// queue and the in-memory benchmarking variant.
type OperationQueue interface {
	Put(op operation.Operation) (uint64, error)
	GetBatch(maxCount int, maxBytes int64) ([]operation.Operation, error)
	Ack(upTo uint64) error
	LastPut() uint64
	LastAck() uint64
	Size() uint64
	IsEmpty() bool
	WaitForEmpty(timeout time.Duration) bool
	Flush() error
	Cleanup() error
	Close() error
	Remove() error
}

// Config holds queue tuning knobs.
type Config struct {
	SegmentMaxBytes   int64
	SegmentMaxRecords int
	Compression       CompressionType
	// SyncEveryPut makes Put return only after fsync. Disabling it
	// defers durability to the periodic Flush.
	SyncEveryPut bool
	Logger       *slog.Logger
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		SegmentMaxBytes:   8 * 1024 * 1024,
		SegmentMaxRecords: 10000,
		Compression:       CompressionNone,
		SyncEveryPut:      true,
	}
}

// Queue is the disk-backed operation queue for one queue directory.
type Queue struct {
	mu       sync.Mutex
	dir      string
	cfg      Config
	logger   *slog.Logger
	segments []*segment // ordered by base sequence; last one is active
	lastPut  uint64
	lastAck  uint64
	ackCh    chan struct{} // closed and replaced on every ack
	closed   bool
}

// Open opens or creates the queue directory and recovers its state:
// last_put_version is recomputed as the highest fully-formed record's
// sequence number, and a torn trailing record is discarded.
func Open(dir string, cfg Config) (*Queue, error) {
	if cfg.SegmentMaxBytes <= 0 {
		cfg.SegmentMaxBytes = DefaultConfig().SegmentMaxBytes
	}
	if cfg.SegmentMaxRecords <= 0 {
		cfg.SegmentMaxRecords = DefaultConfig().SegmentMaxRecords
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("diskqueue: create queue directory: %w", err)
	}

	q := &Queue{
		dir:    dir,
		cfg:    cfg,
		logger: cfg.Logger,
		ackCh:  make(chan struct{}),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("diskqueue: list queue directory: %w", err)
	}
	var bases []uint64
	for _, e := range entries {
		if base, ok := parseSegmentName(e.Name()); ok {
			bases = append(bases, base)
		}
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })

	for _, base := range bases {
		seg, err := openSegment(dir, base)
		if err != nil {
			return nil, err
		}
		if seg.lastSeq > q.lastPut {
			q.lastPut = seg.lastSeq
		}
		q.segments = append(q.segments, seg)
	}
	// All but the newest segment are rotated and stay immutable.
	for i := 0; i+1 < len(q.segments); i++ {
		q.segments[i].readonly = true
	}

	// The persisted counters may be ahead of the scan when fully acked
	// segments were already cleaned up.
	putFile, ackFile, err := ReadVersions(dir)
	if err != nil {
		return nil, err
	}
	if putFile > q.lastPut {
		q.lastPut = putFile
	}
	q.lastAck = ackFile
	if q.lastAck > q.lastPut {
		q.lastPut = q.lastAck
	}

	return q, nil
}

// Dir returns the queue directory path.
func (q *Queue) Dir() string {
	return q.dir
}

// Put assigns the next sequence number, appends the operation to the
// current segment, and returns after the write is durable (synchronous
// fsync policy). Safe for concurrent producers.
func (q *Queue) Put(op operation.Operation) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}

	seq := q.lastPut + 1
	op.Seq = seq
	frame, err := encodeRecord(op, q.cfg.Compression)
	if err != nil {
		return 0, err
	}

	seg, err := q.writableSegment(seq)
	if err != nil {
		return 0, err
	}
	if err := seg.append(seq, frame); err != nil {
		return 0, err
	}
	if q.cfg.SyncEveryPut {
		if err := seg.sync(); err != nil {
			return 0, fmt.Errorf("diskqueue: fsync segment: %w", err)
		}
		if err := writeVersionFile(q.dir, PutVersionFile, seq); err != nil {
			return 0, err
		}
	}
	q.lastPut = seq
	return seq, nil
}

// writableSegment returns the active segment, rotating when the size or
// record count threshold is exceeded.
func (q *Queue) writableSegment(nextSeq uint64) (*segment, error) {
	if n := len(q.segments); n > 0 {
		active := q.segments[n-1]
		if active.size < q.cfg.SegmentMaxBytes && active.count() < q.cfg.SegmentMaxRecords {
			return active, nil
		}
		if err := active.sync(); err != nil {
			return nil, fmt.Errorf("diskqueue: fsync rotated segment: %w", err)
		}
		active.readonly = true
	}
	seg, err := createSegment(q.dir, nextSeq)
	if err != nil {
		return nil, err
	}
	q.segments = append(q.segments, seg)
	return seg, nil
}

// GetBatch returns operations with sequence numbers greater than the last
// acknowledged version, in order, capped by count and bytes. It does not
// mutate any offset, so repeated calls without an intervening Ack return
// the same content.
func (q *Queue) GetBatch(maxCount int, maxBytes int64) ([]operation.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	if maxCount <= 0 || q.lastAck == q.lastPut {
		return nil, nil
	}
	if maxBytes <= 0 {
		maxBytes = int64(maxCount) * MaxRecordSize
	}

	out := make([]operation.Operation, 0, maxCount)
	remaining := maxBytes
	for _, seg := range q.segments {
		if seg.lastSeq == 0 || seg.lastSeq <= q.lastAck {
			continue
		}
		var consumed int64
		var err error
		out, consumed, err = seg.readFrom(q.lastAck, maxCount, remaining, out)
		if err != nil {
			return nil, err
		}
		remaining -= consumed
		if len(out) >= maxCount || remaining <= 0 {
			break
		}
	}
	return out, nil
}

// Ack advances the acknowledged version. It only ever moves forward and
// is persisted atomically before the in-memory counter changes.
func (q *Queue) Ack(upTo uint64) error {
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
	if err := writeVersionFile(q.dir, AckVersionFile, upTo); err != nil {
		return err
	}
	q.lastAck = upTo
	close(q.ackCh)
	q.ackCh = make(chan struct{})
	return nil
}

// Cleanup deletes rotated segments whose highest sequence number is fully
// acknowledged. The active segment is never deleted.
func (q *Queue) Cleanup() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	kept := q.segments[:0]
	for i, seg := range q.segments {
		isActive := i == len(q.segments)-1
		if !isActive && seg.lastSeq > 0 && seg.lastSeq <= q.lastAck {
			if err := seg.remove(); err != nil {
				return fmt.Errorf("diskqueue: remove segment: %w", err)
			}
			continue
		}
		kept = append(kept, seg)
	}
	q.segments = kept
	return nil
}

// LastPut returns the highest assigned sequence number.
func (q *Queue) LastPut() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastPut
}

// LastAck returns the highest acknowledged sequence number.
func (q *Queue) LastAck() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastAck
}

// Size returns the number of unacknowledged operations.
func (q *Queue) Size() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastPut - q.lastAck
}

// IsEmpty reports whether every put operation has been acknowledged.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// WaitForEmpty blocks until the queue is fully acknowledged or the
// timeout elapses. It returns promptly with false on timeout.
func (q *Queue) WaitForEmpty(timeout time.Duration) bool {
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

// Flush fsyncs the active segment and persists the put counter. Called
// periodically by the consumer loop and on close.
func (q *Queue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if n := len(q.segments); n > 0 {
		if err := q.segments[n-1].sync(); err != nil {
			return fmt.Errorf("diskqueue: fsync segment: %w", err)
		}
	}
	return writeVersionFile(q.dir, PutVersionFile, q.lastPut)
}

// Close flushes and closes the queue. The on-disk state stays intact for
// later recovery.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	var firstErr error
	if n := len(q.segments); n > 0 {
		if err := q.segments[n-1].sync(); err != nil {
			firstErr = err
		}
	}
	if err := writeVersionFile(q.dir, PutVersionFile, q.lastPut); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, seg := range q.segments {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	q.closed = true
	close(q.ackCh)
	return firstErr
}

// Remove closes the queue and deletes the queue directory. Called only
// once the queue is fully acknowledged on a clean stop.
func (q *Queue) Remove() error {
	if err := q.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(q.dir); err != nil {
		return fmt.Errorf("diskqueue: remove queue directory: %w", err)
	}
	// Drop the container directory too when it became empty.
	parent := filepath.Dir(q.dir)
	if entries, err := os.ReadDir(parent); err == nil && len(entries) == 0 {
		os.Remove(parent)
	}
	return nil
}

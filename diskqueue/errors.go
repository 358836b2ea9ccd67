// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package diskqueue

import "errors"

var (
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("diskqueue: queue is closed")

	// ErrInvariantViolation is returned when an ack would advance past
	// the last put version.
	ErrInvariantViolation = errors.New("diskqueue: ack version ahead of put version")

	// ErrAckRegression is returned when an ack would move backwards.
	ErrAckRegression = errors.New("diskqueue: ack version behind current ack")

	// ErrRecordTooLarge is returned when a serialized operation exceeds
	// the maximum record size.
	ErrRecordTooLarge = errors.New("diskqueue: record exceeds maximum size")

	// ErrCorruptRecord marks a record that failed frame or checksum
	// validation. It terminates a segment scan; the torn tail is
	// discarded, not repaired.
	ErrCorruptRecord = errors.New("diskqueue: corrupt record")
)

// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

// Package backend defines the remote execution boundary of the
// synchronization core. A Backend executes one batch of operations
// against the tracking service and reports per-operation results; it is
// stateless per call and carries its own request-level retry.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/minfx-ai/minfx/operation"
)

// Backend executes a batch against the remote tracking service.
//
// processed is the number of leading operations durably accepted by the
// service. rejected lists validation failures tied to individual
// operations; those are final and must not be retried. A non-nil err is a
// transport-level failure after request-level retry was exhausted: nothing
// past processed reached the service and the whole remainder may be
// resubmitted.
type Backend interface {
	Execute(ctx context.Context, runID string, ops []operation.Operation) (processed int, rejected []OperationError, err error)
	// Address returns the backend's display address, used for logging
	// and for naming per-backend queue subdirectories.
	Address() string
}

// TransientError wraps a recoverable transport failure: connection error,
// timeout, 5xx or rate-limit response. It is absorbed by the retry state
// machine and never reaches the caller directly.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("backend: transient failure: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// IsTransient reports whether err is retriable at the daemon level.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// OperationError is a validation-type rejection of one operation. The
// offending operation is surfaced to the caller and acked past so it
// cannot wedge the queue.
type OperationError struct {
	Seq    uint64
	Path   string
	Reason string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("backend: operation %d (%s) rejected: %s", e.Seq, e.Path, e.Reason)
}

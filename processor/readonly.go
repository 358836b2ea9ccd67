// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"log/slog"
	"time"

	"github.com/minfx-ai/minfx/operation"
)

// ReadOnly rejects every mutation. No disk, no network.
type ReadOnly struct {
	logger *slog.Logger
	warned bool
}

func newReadOnly(logger *slog.Logger) *ReadOnly {
	return &ReadOnly{logger: logger}
}

// Enqueue always fails with ErrReadOnly. The refusal is logged once.
func (r *ReadOnly) Enqueue(operation.Operation) error {
	if !r.warned {
		r.warned = true
		r.logger.Warn("run is read-only, operations are discarded")
	}
	return ErrReadOnly
}

func (r *ReadOnly) Start() error { return nil }

func (r *ReadOnly) Stop(time.Duration) StopResult { return ResultStopped }

func (r *ReadOnly) RequestStop() {}

func (r *ReadOnly) Flush() error { return nil }

// WaitForSync succeeds immediately: nothing is ever pending.
func (r *ReadOnly) WaitForSync(time.Duration) bool { return true }

func (r *ReadOnly) Pause()  {}
func (r *ReadOnly) Resume() {}

func (r *ReadOnly) State() ConnectionState { return StateConnected }

var _ Processor = (*ReadOnly)(nil)

// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"errors"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/minfx-ai/minfx/backend"
	"github.com/minfx-ai/minfx/operation"
)

// Multi fans operations out to one async sub-processor per backend, each
// with its own queue subdirectory named after the sanitized backend
// address. Every copy is durable independently: a slow or dead backend
// never blocks delivery to the others.
type Multi struct {
	children []*Async
}

func newMulti(cfg Config) (*Multi, error) {
	base := filepath.Join(cfg.Root, AsyncDirectory, cfg.RunID)
	children := make([]*Async, 0, len(cfg.Backends))
	for i, be := range cfg.Backends {
		childCfg := cfg
		childCfg.Backends = []backend.Backend{be}
		dir := filepath.Join(base, backend.SanitizeAddress(be.Address()))
		child, err := newAsync(childCfg, dir, be, i)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return &Multi{children: children}, nil
}

// Enqueue persists one copy of the operation per backend. A failure on
// one queue does not prevent the others from accepting theirs.
func (m *Multi) Enqueue(op operation.Operation) error {
	var errs []error
	for _, c := range m.children {
		if err := c.Enqueue(op); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start launches every sub-processor's consumer loop.
func (m *Multi) Start() error {
	for _, c := range m.children {
		if err := c.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes every queue.
func (m *Multi) Flush() error {
	var errs []error
	for _, c := range m.children {
		if err := c.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WaitForSync blocks until every sub-processor has drained, bounded by
// the timeout. It reports true only when all of them drained in time, so
// one unreachable backend makes the whole wait fail.
func (m *Multi) WaitForSync(timeout time.Duration) bool {
	var g errgroup.Group
	results := make([]bool, len(m.children))
	for i, c := range m.children {
		i, c := i, c
		g.Go(func() error {
			results[i] = c.WaitForSync(timeout)
			return nil
		})
	}
	_ = g.Wait()
	for _, ok := range results {
		if !ok {
			return false
		}
	}
	return true
}

// Pause halts every consumer loop; Resume continues them.
func (m *Multi) Pause() {
	for _, c := range m.children {
		c.Pause()
	}
}

func (m *Multi) Resume() {
	for _, c := range m.children {
		c.Resume()
	}
}

// RequestStop asks every sub-processor to stop without blocking.
func (m *Multi) RequestStop() {
	for _, c := range m.children {
		c.RequestStop()
	}
}

// Stop drains all sub-processors concurrently under the shared timeout.
// The aggregate result is StoppedWithData when any backend kept
// unsynchronized data.
func (m *Multi) Stop(timeout time.Duration) StopResult {
	m.RequestStop()

	var g errgroup.Group
	results := make([]StopResult, len(m.children))
	for i, c := range m.children {
		i, c := i, c
		g.Go(func() error {
			results[i] = c.Stop(timeout)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r == ResultStoppedWithData {
			return ResultStoppedWithData
		}
	}
	return ResultStopped
}

// State reports the most severe state among the sub-processors, so a
// single disconnected backend surfaces as disconnected. Terminal states
// are reported only when every sub-processor has terminated.
func (m *Multi) State() ConnectionState {
	worst := StateConnected
	allTerminal := true
	anyWithData := false
	for _, c := range m.children {
		s := c.State()
		if !s.terminal() {
			allTerminal = false
			if stateSeverity(s) > stateSeverity(worst) {
				worst = s
			}
		} else if s == StateStoppedWithData {
			anyWithData = true
		}
	}
	if allTerminal {
		if anyWithData {
			return StateStoppedWithData
		}
		return StateStopped
	}
	return worst
}

func stateSeverity(s ConnectionState) int {
	switch s {
	case StateConnected:
		return 0
	case StateBuffering:
		return 1
	case StateSyncing:
		return 2
	case StateRetrying:
		return 3
	case StateDisconnected:
		return 4
	case StateStopping:
		return 5
	default:
		return 6
	}
}

var _ Processor = (*Multi)(nil)

// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

// Package shutdown coordinates termination-signal handling across the
// processors of one process. The signal handler itself does the absolute
// minimum: it sets a flag and forwards the stop request; draining
// happens on the consumer goroutines under their own timeout.
package shutdown

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// Stopper is the stop surface the coordinator drives. Implementations
// must make RequestStop non-blocking.
type Stopper interface {
	RequestStop()
}

// Coordinator listens for SIGINT and SIGTERM and forwards the first one
// to every registered stopper. A second signal aborts the process
// immediately, so a user can always break out of a stuck drain.
type Coordinator struct {
	logger *slog.Logger

	mu       sync.Mutex
	stoppers []Stopper

	triggered atomic.Bool
	sigCh     chan os.Signal
	done      chan struct{}
	once      sync.Once
}

// NewCoordinator creates a coordinator and installs the signal handler.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		logger: logger,
		sigCh:  make(chan os.Signal, 2),
		done:   make(chan struct{}),
	}
	signal.Notify(c.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go c.listen()
	return c
}

// Register adds a stopper. When a termination signal already arrived the
// stopper is stopped immediately, so late registration cannot miss the
// shutdown.
func (c *Coordinator) Register(s Stopper) {
	c.mu.Lock()
	c.stoppers = append(c.stoppers, s)
	c.mu.Unlock()
	if c.triggered.Load() {
		s.RequestStop()
	}
}

// Triggered reports whether a termination signal arrived.
func (c *Coordinator) Triggered() bool {
	return c.triggered.Load()
}

// Done is closed after the first termination signal.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) listen() {
	sig, ok := <-c.sigCh
	if !ok {
		return
	}
	c.logger.Info("termination signal received, draining",
		slog.String("signal", sig.String()))
	c.trigger()

	if sig, ok := <-c.sigCh; ok {
		c.logger.Warn("second termination signal, aborting",
			slog.String("signal", sig.String()))
		signal.Stop(c.sigCh)
		os.Exit(1)
	}
}

// trigger runs the shutdown fan-out. Exposed through Trigger for
// programmatic shutdown paths (e.g. a remote abort message).
func (c *Coordinator) trigger() {
	if !c.triggered.CompareAndSwap(false, true) {
		return
	}
	c.once.Do(func() { close(c.done) })

	c.mu.Lock()
	stoppers := append([]Stopper(nil), c.stoppers...)
	c.mu.Unlock()
	for _, s := range stoppers {
		s.RequestStop()
	}
}

// Trigger initiates the shutdown fan-out without a signal.
func (c *Coordinator) Trigger() {
	c.trigger()
}

// Close uninstalls the signal handler. Pending registrations stay
// untouched.
func (c *Coordinator) Close() {
	signal.Stop(c.sigCh)
	close(c.sigCh)
}

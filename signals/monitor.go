// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package signals

import (
	"sync"
	"time"
)

// MonitorConfig configures lag and no-progress detection.
type MonitorConfig struct {
	// Period is how often queued signals are evaluated.
	Period time.Duration
	// LagThreshold triggers OnLag when a batch's oldest operation is
	// older than this at pickup time.
	LagThreshold time.Duration
	// NoProgressThreshold triggers OnNoProgress when a started batch has
	// not finished within this window.
	NoProgressThreshold time.Duration
	// CallbackInterval is the minimum spacing between two invocations of
	// the same callback.
	CallbackInterval time.Duration

	OnLag        func()
	OnNoProgress func()
}

// Monitor watches a signal queue on its own goroutine and fires the
// configured callbacks. It never blocks the consumer loops feeding the
// queue.
type Monitor struct {
	cfg   MonitorConfig
	queue *Queue

	mu             sync.Mutex
	batchStartedAt time.Time
	lastLagCall    time.Time
	lastStallCall  time.Time

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewMonitor creates a monitor over the given queue.
func NewMonitor(queue *Queue, cfg MonitorConfig) *Monitor {
	if cfg.Period <= 0 {
		cfg.Period = time.Second
	}
	if cfg.CallbackInterval <= 0 {
		cfg.CallbackInterval = 5 * time.Minute
	}
	return &Monitor{cfg: cfg, queue: queue, done: make(chan struct{})}
}

// Start launches the monitoring goroutine.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Period)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.tick(time.Now())
			}
		}
	}()
}

// Stop terminates the monitor and waits for its goroutine.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Monitor) tick(now time.Time) {
	for _, s := range m.queue.drain() {
		m.handle(s, now)
	}
	m.checkNoProgress(now)
}

func (m *Monitor) handle(s Signal, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch s.Kind {
	case KindBatchStarted:
		if m.batchStartedAt.IsZero() {
			m.batchStartedAt = s.At
		}
	case KindBatchProcessed:
		m.batchStartedAt = time.Time{}
	case KindBatchLag:
		if m.cfg.OnLag == nil || m.cfg.LagThreshold <= 0 || s.Lag <= m.cfg.LagThreshold {
			return
		}
		if m.lastLagCall.IsZero() || now.Sub(m.lastLagCall) > m.cfg.CallbackInterval {
			m.lastLagCall = now
			go m.cfg.OnLag()
		}
	}
}

func (m *Monitor) checkNoProgress(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.OnNoProgress == nil || m.cfg.NoProgressThreshold <= 0 || m.batchStartedAt.IsZero() {
		return
	}
	if now.Sub(m.batchStartedAt) <= m.cfg.NoProgressThreshold {
		return
	}
	if m.lastStallCall.IsZero() || now.Sub(m.lastStallCall) > m.cfg.CallbackInterval {
		m.lastStallCall = now
		go m.cfg.OnNoProgress()
	}
}

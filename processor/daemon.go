// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type daemonState int

const (
	daemonInit daemonState = iota
	daemonWorking
	daemonPausing
	daemonPaused
	daemonInterrupted
	daemonStopped
)

// daemon is the consumer loop of one queue directory: a single goroutine
// that repeatedly calls work and sleeps while idle. Producers wake it;
// pause halts it before the next iteration without discarding queued
// data; interrupt terminates it.
type daemon struct {
	name   string
	work   func() (idle bool)
	logger *slog.Logger

	mu    sync.Mutex
	cond  *sync.Cond
	state daemonState

	interval atomic.Int64 // sleep between idle iterations, nanoseconds

	// lastBackoff is non-zero while the connection-retry loop is backing
	// off, i.e. while effectively disconnected.
	lastBackoff atomic.Int64

	wake     chan struct{}
	done     chan struct{} // closed on interrupt
	stopped  chan struct{} // closed when the loop exits
	once     sync.Once
	stopOnce sync.Once
}

func newDaemon(name string, interval time.Duration, work func() bool, logger *slog.Logger) *daemon {
	d := &daemon{
		name:    name,
		work:    work,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	d.interval.Store(int64(interval))
	return d
}

func (d *daemon) start() {
	d.mu.Lock()
	if d.state != daemonInit {
		d.mu.Unlock()
		return
	}
	d.state = daemonWorking
	d.mu.Unlock()
	go d.loop()
}

func (d *daemon) loop() {
	defer func() {
		d.mu.Lock()
		d.state = daemonStopped
		d.cond.Broadcast()
		d.mu.Unlock()
		d.stopOnce.Do(func() { close(d.stopped) })
	}()

	for {
		if d.interrupted() {
			return
		}
		d.waitWhilePaused()
		if d.interrupted() {
			return
		}

		idle := d.work()
		if !idle || d.pauseRequested() {
			continue
		}

		interval := time.Duration(d.interval.Load())
		if interval <= 0 {
			// Sleep disabled during the stop drain: only a wake or an
			// interrupt ends the idle wait.
			select {
			case <-d.wake:
			case <-d.done:
				return
			}
			continue
		}
		timer := time.NewTimer(interval)
		select {
		case <-d.wake:
			timer.Stop()
		case <-timer.C:
		case <-d.done:
			timer.Stop()
			return
		}
	}
}

func (d *daemon) waitWhilePaused() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == daemonPausing {
		d.state = daemonPaused
		d.cond.Broadcast()
	}
	for d.state == daemonPaused {
		d.cond.Wait()
	}
}

// wakeUp nudges an idle loop without blocking.
func (d *daemon) wakeUp() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// pause blocks until the loop has halted between iterations.
func (d *daemon) pause() {
	d.mu.Lock()
	if d.state != daemonWorking {
		d.mu.Unlock()
		return
	}
	d.state = daemonPausing
	d.mu.Unlock()

	d.wakeUp()

	d.mu.Lock()
	for d.state == daemonPausing {
		d.cond.Wait()
	}
	d.mu.Unlock()
}

// pauseRequested reports whether a pause is waiting for the loop to
// halt. Long-running work checks it between retries so a pause cannot
// block behind an unbounded reconnect loop.
func (d *daemon) pauseRequested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == daemonPausing
}

func (d *daemon) resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == daemonPaused || d.state == daemonPausing {
		d.state = daemonWorking
		d.cond.Broadcast()
	}
}

// interrupt terminates the loop. Idempotent. Interrupting a daemon that
// was never started settles it immediately, so join does not wait for a
// goroutine that does not exist.
func (d *daemon) interrupt() {
	d.mu.Lock()
	neverStarted := d.state == daemonInit
	if d.state != daemonStopped {
		d.state = daemonInterrupted
	}
	if neverStarted {
		d.state = daemonStopped
	}
	d.cond.Broadcast()
	d.mu.Unlock()
	d.once.Do(func() { close(d.done) })
	if neverStarted {
		d.stopOnce.Do(func() { close(d.stopped) })
	}
}

func (d *daemon) interrupted() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

func (d *daemon) isRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case daemonWorking, daemonPausing, daemonPaused:
		return true
	default:
		return false
	}
}

// join waits for the loop goroutine to exit, bounded by the timeout.
func (d *daemon) join(timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-d.stopped:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-d.stopped:
		return true
	case <-timer.C:
		return false
	}
}

func (d *daemon) disableSleep() {
	d.interval.Store(0)
}

// sleepInterruptible waits for dur, returning early (false) when the
// daemon is interrupted. A wake ends the wait early only during a stop
// drain or a pending pause; a producer wake must not cut the reconnect
// backoff short, or a busy producer would bypass the backoff schedule.
func (d *daemon) sleepInterruptible(dur time.Duration) bool {
	deadline := time.Now().Add(dur)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		timer := time.NewTimer(remaining)
		select {
		case <-timer.C:
			return true
		case <-d.wake:
			timer.Stop()
			if d.interval.Load() == 0 || d.pauseRequested() {
				return true
			}
		case <-d.done:
			timer.Stop()
			return false
		}
	}
}

func (d *daemon) backoff() time.Duration {
	return time.Duration(d.lastBackoff.Load())
}

func (d *daemon) setBackoff(dur time.Duration) {
	d.lastBackoff.Store(int64(dur))
}

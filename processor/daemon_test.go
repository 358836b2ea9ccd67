// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaemon_WakeRunsWorkBeforeInterval(t *testing.T) {
	var runs atomic.Int32
	d := newDaemon("test", time.Hour, func() bool {
		runs.Add(1)
		return true
	}, testLogger())
	d.start()
	defer d.interrupt()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, time.Millisecond)

	before := runs.Load()
	d.wakeUp()
	require.Eventually(t, func() bool { return runs.Load() > before }, time.Second, time.Millisecond)
}

func TestDaemon_PauseHaltsBetweenIterations(t *testing.T) {
	var runs atomic.Int32
	d := newDaemon("test", time.Millisecond, func() bool {
		runs.Add(1)
		return true
	}, testLogger())
	d.start()
	defer d.interrupt()

	d.pause()
	paused := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, paused, runs.Load())

	d.resume()
	require.Eventually(t, func() bool { return runs.Load() > paused }, time.Second, time.Millisecond)
}

func TestDaemon_InterruptWithoutStartJoinsImmediately(t *testing.T) {
	d := newDaemon("test", time.Hour, func() bool { return true }, testLogger())
	d.interrupt()
	assert.True(t, d.join(100*time.Millisecond))
	assert.False(t, d.isRunning())
}

func TestDaemon_SleepInterruptible(t *testing.T) {
	d := newDaemon("test", time.Hour, func() bool { return true }, testLogger())

	// A producer wake does not shorten the backoff sleep.
	start := time.Now()
	d.wakeUp()
	assert.True(t, d.sleepInterruptible(50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// The stop drain disables the interval; a wake then forces an
	// immediate retry.
	d.disableSleep()
	start = time.Now()
	d.wakeUp()
	assert.True(t, d.sleepInterruptible(time.Hour))
	assert.Less(t, time.Since(start), time.Second)

	d.interrupt()
	assert.False(t, d.sleepInterruptible(time.Hour))
}

func TestDaemon_SleepInterruptibleEndsOnPause(t *testing.T) {
	d := newDaemon("test", time.Hour, func() bool { return true }, testLogger())
	d.mu.Lock()
	d.state = daemonPausing
	d.mu.Unlock()

	start := time.Now()
	d.wakeUp()
	assert.True(t, d.sleepInterruptible(time.Hour))
	assert.Less(t, time.Since(start), time.Second)
}

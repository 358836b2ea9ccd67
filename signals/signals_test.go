// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package signals

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueue_NonBlocking(t *testing.T) {
	q := NewQueue(2)
	q.BatchStarted()
	q.BatchProcessed()
	q.BatchLag(time.Second) // over capacity, dropped

	assert.Equal(t, uint64(1), q.Dropped())
	assert.Len(t, q.drain(), 2)
	assert.Empty(t, q.drain())
}

func TestMonitor_LagCallback(t *testing.T) {
	q := NewQueue(8)
	var calls atomic.Int32
	m := NewMonitor(q, MonitorConfig{
		LagThreshold:     time.Second,
		CallbackInterval: time.Hour,
		OnLag:            func() { calls.Add(1) },
	})

	q.BatchLag(2 * time.Second)
	q.BatchLag(3 * time.Second) // suppressed by the callback interval
	m.tick(time.Now())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	// Below the threshold: no callback.
	q.BatchLag(500 * time.Millisecond)
	m.tick(time.Now().Add(2 * time.Hour))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMonitor_NoProgressCallback(t *testing.T) {
	q := NewQueue(8)
	var calls atomic.Int32
	m := NewMonitor(q, MonitorConfig{
		NoProgressThreshold: 10 * time.Millisecond,
		CallbackInterval:    time.Hour,
		OnNoProgress:        func() { calls.Add(1) },
	})

	q.BatchStarted()
	m.tick(time.Now())
	assert.Equal(t, int32(0), calls.Load())

	m.tick(time.Now().Add(time.Second))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	// A processed signal clears the stall tracking.
	q.BatchProcessed()
	q.BatchStarted()
	m.tick(time.Now().Add(2 * time.Second))
	assert.Equal(t, int32(1), calls.Load())
}

func TestMonitor_StartStop(t *testing.T) {
	q := NewQueue(8)
	m := NewMonitor(q, MonitorConfig{Period: 5 * time.Millisecond})
	m.Start()
	q.BatchStarted()
	time.Sleep(20 * time.Millisecond)
	m.Stop()
	// Stop is idempotent.
	m.Stop()
}

// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package shutdown

import (
	"io"
	"log/slog"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stopRecorder struct {
	calls atomic.Int32
}

func (s *stopRecorder) RequestStop() { s.calls.Add(1) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCoordinator_TriggerStopsRegistered(t *testing.T) {
	c := NewCoordinator(testLogger())
	defer c.Close()

	var a, b stopRecorder
	c.Register(&a)
	c.Register(&b)

	require.False(t, c.Triggered())
	c.Trigger()
	assert.True(t, c.Triggered())
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(1), b.calls.Load())

	// Repeated triggers do not stop twice.
	c.Trigger()
	assert.Equal(t, int32(1), a.calls.Load())

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed after trigger")
	}
}

func TestCoordinator_LateRegistrationStopsImmediately(t *testing.T) {
	c := NewCoordinator(testLogger())
	defer c.Close()

	c.Trigger()
	var s stopRecorder
	c.Register(&s)
	assert.Equal(t, int32(1), s.calls.Load())
}

func TestCoordinator_SignalTriggers(t *testing.T) {
	c := NewCoordinator(testLogger())
	defer c.Close()

	var s stopRecorder
	c.Register(&s)

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("signal did not trigger shutdown")
	}
	assert.Eventually(t, func() bool { return s.calls.Load() == 1 }, time.Second, time.Millisecond)
}

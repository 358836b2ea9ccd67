// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package processor

// ConnectionState is the observable state of a processor's connection
// state machine. Stopped and StoppedWithData are terminal.
type ConnectionState int32

const (
	// StateConnected: idle with nothing pending.
	StateConnected ConnectionState = iota
	// StateBuffering: operations are enqueued and awaiting the consumer.
	StateBuffering
	// StateSyncing: a batch is being executed against the backend.
	StateSyncing
	// StateRetrying: a recoverable failure occurred and a retry is due.
	StateRetrying
	// StateDisconnected: the request deadline was exceeded; the
	// daemon-level backoff loop owns reconnection.
	StateDisconnected
	// StateStopping: a stop or termination signal was received and the
	// bounded drain is in progress.
	StateStopping
	// StateStopped: drained and cleaned up.
	StateStopped
	// StateStoppedWithData: shut down with unacknowledged data
	// preserved on disk.
	StateStoppedWithData
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateBuffering:
		return "buffering"
	case StateSyncing:
		return "syncing"
	case StateRetrying:
		return "retrying"
	case StateDisconnected:
		return "disconnected"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateStoppedWithData:
		return "stopped-with-data"
	default:
		return "unknown"
	}
}

// terminal reports whether no further transitions are possible.
func (s ConnectionState) terminal() bool {
	return s == StateStopped || s == StateStoppedWithData
}

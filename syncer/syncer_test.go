// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minfx-ai/minfx/backend"
	"github.com/minfx-ai/minfx/diskqueue"
	"github.com/minfx-ai/minfx/operation"
	"github.com/minfx-ai/minfx/processor"
)

type fakeBackend struct {
	addr string

	mu       sync.Mutex
	fail     bool
	received []operation.Operation
}

func (f *fakeBackend) Address() string { return f.addr }

func (f *fakeBackend) Execute(_ context.Context, _ string, ops []operation.Operation) (int, []backend.OperationError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, nil, &backend.TransientError{Cause: errors.New("connection refused")}
	}
	f.received = append(f.received, ops...)
	return len(ops), nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// makeQueueDir builds a queue directory the way a stopped processor
// leaves it behind: segments, offset files and a metadata descriptor.
func makeQueueDir(t *testing.T, dir string, mode processor.Mode, runID string, puts int, acked uint64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	md := processor.Metadata{
		Mode:       mode,
		RunID:      runID,
		InstanceID: "test-instance",
		CreatedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(md)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, processor.MetadataFile), data, 0o644))

	q, err := diskqueue.Open(dir, diskqueue.DefaultConfig())
	require.NoError(t, err)
	for i := 0; i < puts; i++ {
		_, err := q.Put(operation.New(runID, []string{"metrics", "loss"}, operation.KindAppend, []byte(`1`)))
		require.NoError(t, err)
	}
	if acked > 0 {
		require.NoError(t, q.Ack(acked))
	}
	require.NoError(t, q.Close())
}

func resolveTo(be backend.Backend) Resolver {
	return func(processor.Metadata) (backend.Backend, error) { return be, nil }
}

func TestStatus_ListsQueueDirectories(t *testing.T) {
	root := t.TempDir()
	makeQueueDir(t, filepath.Join(root, "offline", "run-a"), processor.ModeOffline, "run-a", 3, 0)
	makeQueueDir(t, filepath.Join(root, "async", "run-b"), processor.ModeAsync, "run-b", 2, 2)

	entries, err := Status(root)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byRun := map[string]Entry{}
	for _, e := range entries {
		byRun[e.Metadata.RunID] = e
	}
	a := byRun["run-a"]
	assert.Equal(t, processor.ModeOffline, a.Metadata.Mode)
	assert.Equal(t, uint64(3), a.Pending())
	assert.False(t, a.Synced())

	b := byRun["run-b"]
	assert.True(t, b.Synced())
	assert.Equal(t, uint64(0), b.Pending())
}

func TestStatus_MissingRoot(t *testing.T) {
	entries, err := Status(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSync_DrainsAndRemoves(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "offline", "run-a")
	makeQueueDir(t, dir, processor.ModeOffline, "run-a", 3, 0)

	be := &fakeBackend{addr: "https://api.example.com"}
	require.NoError(t, Sync(context.Background(), root, resolveTo(be), Config{Logger: testLogger()}))

	assert.Len(t, be.received, 3)
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestSync_TransportFailureKeepsData(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "async", "run-a")
	makeQueueDir(t, dir, processor.ModeAsync, "run-a", 2, 0)

	be := &fakeBackend{addr: "https://api.example.com", fail: true}
	err := Sync(context.Background(), root, resolveTo(be), Config{Logger: testLogger()})
	require.Error(t, err)

	put, ack, err := diskqueue.ReadVersions(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), put)
	assert.Equal(t, uint64(0), ack)
}

func TestSync_SkipsSyncedDirectories(t *testing.T) {
	root := t.TempDir()
	makeQueueDir(t, filepath.Join(root, "async", "run-a"), processor.ModeAsync, "run-a", 2, 2)

	be := &fakeBackend{addr: "https://api.example.com"}
	require.NoError(t, Sync(context.Background(), root, resolveTo(be), Config{Logger: testLogger()}))
	assert.Empty(t, be.received)
}

func TestClear_RemovesOnlySynced(t *testing.T) {
	root := t.TempDir()
	synced := filepath.Join(root, "async", "run-a")
	pending := filepath.Join(root, "offline", "run-b")
	makeQueueDir(t, synced, processor.ModeAsync, "run-a", 2, 2)
	makeQueueDir(t, pending, processor.ModeOffline, "run-b", 1, 0)

	removed, err := Clear(root, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(synced)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(pending)
	assert.NoError(t, err)
}

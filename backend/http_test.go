// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minfx-ai/minfx/operation"
)

func testOps(n int) []operation.Operation {
	ops := make([]operation.Operation, 0, n)
	for i := 0; i < n; i++ {
		op := operation.New("run-1", []string{"params", "lr"}, operation.KindAssign, json.RawMessage(`0.1`))
		op.Seq = uint64(i + 1)
		ops = append(ops, op)
	}
	return ops
}

func newTestBackend(t *testing.T, url string) *HTTPBackend {
	t.Helper()
	b, err := NewHTTP(HTTPConfig{
		BaseURL:         url,
		RequestDeadline: 500 * time.Millisecond,
		BackoffCap:      10 * time.Millisecond,
	})
	require.NoError(t, err)
	return b
}

func TestHTTPBackend_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/runs/run-1/operations", r.URL.Path)

		var req batchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "run-1", req.RunID)

		json.NewEncoder(w).Encode(map[string]any{"processed": len(req.Operations)})
	}))
	defer srv.Close()

	b := newTestBackend(t, srv.URL)
	processed, rejected, err := b.Execute(context.Background(), "run-1", testOps(3))
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
	assert.Empty(t, rejected)
}

func TestHTTPBackend_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"processed": 1})
	}))
	defer srv.Close()

	b := newTestBackend(t, srv.URL)
	processed, _, err := b.Execute(context.Background(), "run-1", testOps(1))
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPBackend_TransientAfterDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b, err := NewHTTP(HTTPConfig{
		BaseURL:          srv.URL,
		RequestDeadline:  50 * time.Millisecond,
		BackoffCap:       10 * time.Millisecond,
		BreakerThreshold: 100,
	})
	require.NoError(t, err)

	_, _, err = b.Execute(context.Background(), "run-1", testOps(1))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestHTTPBackend_RejectionsSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"processed": 1,
			"rejected": []map[string]any{
				{"seq": 2, "path": "params/lr", "reason": "type mismatch"},
			},
		})
	}))
	defer srv.Close()

	b := newTestBackend(t, srv.URL)
	processed, rejected, err := b.Execute(context.Background(), "run-1", testOps(2))
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	require.Len(t, rejected, 1)
	assert.Equal(t, uint64(2), rejected[0].Seq)
	assert.Equal(t, "type mismatch", rejected[0].Reason)
}

func TestHTTPBackend_WholeRequestRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown run", http.StatusNotFound)
	}))
	defer srv.Close()

	b := newTestBackend(t, srv.URL)
	processed, rejected, err := b.Execute(context.Background(), "run-1", testOps(2))
	require.NoError(t, err)
	assert.Zero(t, processed)
	// Every operation is rejected so the caller can ack past the batch.
	assert.Len(t, rejected, 2)
}

func TestHTTPBackend_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b, err := NewHTTP(HTTPConfig{
		BaseURL:          srv.URL,
		RequestDeadline:  300 * time.Millisecond,
		BackoffCap:       time.Millisecond,
		BreakerThreshold: 2,
	})
	require.NoError(t, err)

	_, _, err = b.Execute(context.Background(), "run-1", testOps(1))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	// The breaker opened after two consecutive failures and swallowed
	// the remaining attempts.
	assert.Equal(t, int32(2), calls.Load())
}

func TestBackoffDelay(t *testing.T) {
	cap := 30 * time.Second
	assert.Equal(t, time.Second, backoffDelay(0, cap))
	assert.Equal(t, 2*time.Second, backoffDelay(1, cap))
	assert.Equal(t, 16*time.Second, backoffDelay(4, cap))
	assert.Equal(t, cap, backoffDelay(10, cap))
	assert.Equal(t, cap, backoffDelay(64, cap))
}

func TestSanitizeAddress(t *testing.T) {
	assert.Equal(t, "api.minfx.ai", SanitizeAddress("https://api.minfx.ai"))
	assert.Equal(t, "localhost_8080", SanitizeAddress("http://localhost:8080"))
	assert.Equal(t, "tracking.internal_443", SanitizeAddress("tracking.internal:443"))
	assert.Equal(t, "backend", SanitizeAddress(""))
}

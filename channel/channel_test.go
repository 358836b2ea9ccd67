// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestChannel_ReceivesMessages(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(Message{ID: "m1", Type: "abort"})
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	received := make(chan Message, 1)
	c, err := Dial(Config{
		URL:      wsURL(srv),
		APIToken: "tok-123",
		RunID:    "run-1",
		OnMessage: func(m Message) {
			received <- m
		},
		Logger: testLogger(),
	})
	require.NoError(t, err)
	defer c.Close()

	select {
	case m := <-received:
		assert.Equal(t, "m1", m.ID)
		assert.Equal(t, "abort", m.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
	assert.Equal(t, "Bearer tok-123", gotAuth.Load())
}

func TestChannel_SendAssignsID(t *testing.T) {
	received := make(chan Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var m Message
		if conn.ReadJSON(&m) == nil {
			received <- m
		}
	}))
	defer srv.Close()

	c, err := Dial(Config{URL: wsURL(srv), Logger: testLogger()})
	require.NoError(t, err)
	defer c.Close()

	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Send(Message{Type: "ping"}))

	select {
	case m := <-received:
		assert.NotEmpty(t, m.ID)
		assert.Equal(t, "ping", m.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive the message")
	}
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			// Drop the first connection straight away.
			conn.Close()
			return
		}
		defer conn.Close()
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	c, err := Dial(Config{
		URL:          wsURL(srv),
		BackoffStart: 10 * time.Millisecond,
		Logger:       testLogger(),
	})
	require.NoError(t, err)
	defer c.Close()

	require.Eventually(t, func() bool { return dials.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)
}

func TestChannel_UnreachableEndpoint(t *testing.T) {
	start := time.Now()
	c, err := Dial(Config{
		URL:          "ws://127.0.0.1:1/nope",
		BackoffStart: 10 * time.Millisecond,
		Logger:       testLogger(),
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.ErrorIs(t, c.Send(Message{Type: "ping"}), ErrNotConnected)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send(Message{Type: "ping"}), ErrClosed)
}

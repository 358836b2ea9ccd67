// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

// Package channel maintains the out-of-band websocket connection to the
// tracking service, used for messages that do not ride the operation
// pipeline (remote abort requests, log streaming control). Failures here
// never affect operation durability or synchronization.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("channel: closed")

	// ErrNotConnected is returned by Send while a reconnect is in
	// progress.
	ErrNotConnected = errors.New("channel: not connected")
)

// Message is one out-of-band frame. ID is assigned on send when empty.
type Message struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Config configures the channel connection.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL      string
	APIToken string
	RunID    string

	// OnMessage receives every inbound message. Called from the reader
	// goroutine; implementations must not block.
	OnMessage func(Message)

	HandshakeTimeout time.Duration // default 10s
	BackoffStart     time.Duration // default 500ms
	BackoffCap       time.Duration // default 30s
	PingInterval     time.Duration // default 30s

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.BackoffStart <= 0 {
		c.BackoffStart = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Channel is a long-lived websocket connection with automatic
// reconnection. A single goroutine owns dialing and reading; writers
// share the connection under a mutex.
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	closed  atomic.Bool
	done    chan struct{}
	stopped chan struct{}
}

// Dial starts the channel. The first connection attempt happens on the
// background goroutine, so Dial returns immediately even when the
// service is unreachable.
func Dial(cfg Config) (*Channel, error) {
	cfg.applyDefaults()
	if cfg.URL == "" {
		return nil, errors.New("channel: endpoint url is required")
	}
	c := &Channel{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger:  cfg.Logger.With(slog.String("run", cfg.RunID)),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// run is the connection owner: dial, read until failure, back off,
// repeat. The auth header is rebuilt on every dial so a rotated token is
// picked up on reconnect.
func (c *Channel) run() {
	defer close(c.stopped)

	backoff := c.cfg.BackoffStart
	for {
		if c.closed.Load() {
			return
		}
		conn, err := c.dial()
		if err != nil {
			c.logger.Warn("channel connection failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff))
			if !c.sleep(backoff) {
				return
			}
			backoff *= 2
			if backoff > c.cfg.BackoffCap {
				backoff = c.cfg.BackoffCap
			}
			continue
		}

		backoff = c.cfg.BackoffStart
		c.setConn(conn)
		c.logger.Debug("channel connected")

		err = c.readLoop(conn)
		c.setConn(nil)
		conn.Close()
		if c.closed.Load() {
			return
		}
		c.logger.Warn("channel connection lost", slog.String("error", err.Error()))
	}
}

func (c *Channel) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.APIToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}
	if c.cfg.RunID != "" {
		header.Set("X-Minfx-Run-Id", c.cfg.RunID)
	}
	conn, resp, err := c.dialer.Dial(c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("channel: dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// readLoop reads inbound messages until the connection fails. A ping
// ticker keeps intermediaries from dropping the idle connection.
func (c *Channel) readLoop(conn *websocket.Conn) error {
	pings := time.NewTicker(c.cfg.PingInterval)
	defer pings.Stop()

	readErr := make(chan error, 1)
	go func() {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			if c.cfg.OnMessage != nil {
				c.cfg.OnMessage(msg)
			}
		}
	}()

	for {
		select {
		case err := <-readErr:
			return err
		case <-pings.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.mu.Unlock()
			if err != nil {
				return fmt.Errorf("channel: ping: %w", err)
			}
		case <-c.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return errors.New("channel: closed locally")
		}
	}
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// Connected reports whether a live connection exists right now.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes one message on the current connection. An empty ID is
// filled with a fresh uuid. Sending while disconnected fails fast with
// ErrNotConnected rather than buffering: channel traffic is advisory.
func (c *Channel) Send(msg Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("channel: send: %w", err)
	}
	return nil
}

// sleep waits for the backoff period, returning false when the channel
// is closed meanwhile.
func (c *Channel) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.done:
		return false
	}
}

// Close shuts the channel down and waits briefly for the connection
// goroutine to finish.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	select {
	case <-c.stopped:
	case <-timer.C:
	}
	return nil
}

// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/minfx-ai/minfx/operation"
)

// HTTPConfig configures an HTTP backend client.
type HTTPConfig struct {
	BaseURL  string
	APIToken string

	// RequestDeadline caps the total elapsed time spent on one Execute
	// call across request-level retries.
	RequestDeadline time.Duration
	// BackoffCap bounds the per-attempt backoff delay.
	BackoffCap time.Duration

	// RateLimit throttles outgoing requests; zero means unlimited.
	RateLimit rate.Limit
	RateBurst int

	// BreakerThreshold is the number of consecutive transport failures
	// that opens the circuit breaker.
	BreakerThreshold uint32

	HTTPClient *http.Client
	Logger     *slog.Logger
}

const (
	defaultRequestDeadline  = 60 * time.Second
	defaultBackoffCap       = 30 * time.Second
	defaultBreakerThreshold = 5
)

// HTTPBackend executes operation batches via a JSON batch endpoint. Each
// Execute call carries request-level retry with exponential backoff
// (min(2^attempt seconds, cap)) under a total request deadline; a circuit
// breaker short-circuits attempts while the service is persistently down.
type HTTPBackend struct {
	cfg     HTTPConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewHTTP creates an HTTP backend client.
func NewHTTP(cfg HTTPConfig) (*HTTPBackend, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("backend: base URL is required")
	}
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = defaultRequestDeadline
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = defaultBreakerThreshold
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &HTTPBackend{
		cfg:    cfg,
		client: cfg.HTTPClient,
		logger: cfg.Logger,
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        SanitizeAddress(cfg.BaseURL),
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Warn("backend circuit breaker state changed",
				slog.String("backend", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	return b, nil
}

// Address returns the configured base URL.
func (b *HTTPBackend) Address() string {
	return b.cfg.BaseURL
}

type batchRequest struct {
	RunID      string                `json:"run_id"`
	Operations []operation.Operation `json:"operations"`
}

type batchResponse struct {
	Processed int `json:"processed"`
	Rejected  []struct {
		Seq    uint64 `json:"seq"`
		Path   string `json:"path"`
		Reason string `json:"reason"`
	} `json:"rejected"`
}

// Execute sends the batch, retrying transient failures with exponential
// backoff until the request deadline elapses. A deadline overrun returns
// a TransientError for the daemon-level retry loop to absorb.
func (b *HTTPBackend) Execute(ctx context.Context, runID string, ops []operation.Operation) (int, []OperationError, error) {
	if len(ops) == 0 {
		return 0, nil, nil
	}

	body, err := json.Marshal(batchRequest{RunID: runID, Operations: ops})
	if err != nil {
		return 0, nil, fmt.Errorf("backend: encode batch: %w", err)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, nil, &TransientError{Cause: err}
		}
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return 0, nil, &TransientError{Cause: err}
			}
		}

		processed, rejected, err := b.attempt(ctx, runID, body)
		if err == nil {
			return processed, rejected, nil
		}
		if !IsTransient(err) {
			// The service rejected the request as a whole. Surface it
			// as a per-operation rejection so the batch is acked past
			// instead of wedging the queue.
			rejected = make([]OperationError, 0, len(ops))
			for _, op := range ops {
				rejected = append(rejected, OperationError{Seq: op.Seq, Path: op.PathString(), Reason: err.Error()})
			}
			return 0, rejected, nil
		}
		lastErr = err

		delay := backoffDelay(attempt, b.cfg.BackoffCap)
		if time.Since(start)+delay > b.cfg.RequestDeadline {
			return 0, nil, lastErr
		}
		b.logger.Debug("backend request failed, backing off",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return 0, nil, &TransientError{Cause: ctx.Err()}
		case <-time.After(delay):
		}
	}
}

// backoffDelay returns min(2^attempt seconds, cap).
func backoffDelay(attempt int, cap time.Duration) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > cap {
		return cap
	}
	return d
}

func (b *HTTPBackend) attempt(ctx context.Context, runID string, body []byte) (int, []OperationError, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			b.cfg.BaseURL+"/api/v1/runs/"+runID+"/operations", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if b.cfg.APIToken != "" {
			req.Header.Set("Authorization", "Bearer "+b.cfg.APIToken)
		}

		resp, err := b.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
		if err != nil {
			return nil, err
		}
		// Server-side failures count against the breaker.
		switch {
		case resp.StatusCode == http.StatusRequestTimeout,
			resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode >= 500:
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}
		return &httpResult{status: resp.StatusCode, body: data}, nil
	})
	if err != nil {
		// Includes gobreaker.ErrOpenState: the breaker refusing a call
		// is as transient as the failures that opened it.
		return 0, nil, &TransientError{Cause: err}
	}

	res := result.(*httpResult)
	switch {
	case res.status >= 200 && res.status < 300:
		var parsed batchResponse
		if err := json.Unmarshal(res.body, &parsed); err != nil {
			return 0, nil, &TransientError{Cause: fmt.Errorf("malformed response: %w", err)}
		}
		rejected := make([]OperationError, 0, len(parsed.Rejected))
		for _, r := range parsed.Rejected {
			rejected = append(rejected, OperationError{Seq: r.Seq, Path: r.Path, Reason: r.Reason})
		}
		return parsed.Processed, rejected, nil
	default:
		// Remaining 4xx: the service rejected the request itself. Treat
		// it as a validation failure of the whole batch so it cannot
		// wedge the queue.
		return 0, nil, fmt.Errorf("backend: request rejected with status %d: %s", res.status, truncate(res.body, 200))
	}
}

type httpResult struct {
	status int
	body   []byte
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds OpenTelemetry instruments for the
// synchronization core. Only the metric API is used; unless the host
// application installs a meter provider, every instrument is a no-op.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments of one processor instance.
type Metrics struct {
	meter metric.Meter

	operationsEnqueued metric.Int64Counter
	operationsAcked    metric.Int64Counter
	operationsRejected metric.Int64Counter
	retriesTotal       metric.Int64Counter
	batchDuration      metric.Float64Histogram
	queueDepth         metric.Int64ObservableGauge

	backend string
}

// New creates the instrument set. depthFn, when non-nil, is sampled for
// the queue depth gauge on every metric collection.
func New(backendAddr string, depthFn func() int64) (*Metrics, error) {
	m := &Metrics{
		meter:   otel.Meter("github.com/minfx-ai/minfx"),
		backend: backendAddr,
	}

	var err error
	m.operationsEnqueued, err = m.meter.Int64Counter(
		"minfx.operations.enqueued.total",
		metric.WithDescription("Operations accepted into the durable queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: enqueued counter: %w", err)
	}

	m.operationsAcked, err = m.meter.Int64Counter(
		"minfx.operations.acked.total",
		metric.WithDescription("Operations acknowledged by the backend"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: acked counter: %w", err)
	}

	m.operationsRejected, err = m.meter.Int64Counter(
		"minfx.operations.rejected.total",
		metric.WithDescription("Operations rejected by backend validation"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: rejected counter: %w", err)
	}

	m.retriesTotal, err = m.meter.Int64Counter(
		"minfx.sync.retries.total",
		metric.WithDescription("Daemon-level retry attempts after a lost connection"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: retries counter: %w", err)
	}

	m.batchDuration, err = m.meter.Float64Histogram(
		"minfx.batch.duration.seconds",
		metric.WithDescription("Wall time spent executing one batch, including retries"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: batch duration histogram: %w", err)
	}

	if depthFn != nil {
		m.queueDepth, err = m.meter.Int64ObservableGauge(
			"minfx.queue.depth",
			metric.WithDescription("Unacknowledged operations in the durable queue"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(depthFn(), metric.WithAttributes(m.attrs()...))
				return nil
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("metrics: queue depth gauge: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) attrs() []attribute.KeyValue {
	if m.backend == "" {
		return nil
	}
	return []attribute.KeyValue{attribute.String("backend", m.backend)}
}

// Enqueued records accepted operations.
func (m *Metrics) Enqueued(n int) {
	if m == nil {
		return
	}
	m.operationsEnqueued.Add(context.Background(), int64(n), metric.WithAttributes(m.attrs()...))
}

// Acked records acknowledged operations.
func (m *Metrics) Acked(n int) {
	if m == nil {
		return
	}
	m.operationsAcked.Add(context.Background(), int64(n), metric.WithAttributes(m.attrs()...))
}

// Rejected records validation rejections.
func (m *Metrics) Rejected(n int) {
	if m == nil {
		return
	}
	m.operationsRejected.Add(context.Background(), int64(n), metric.WithAttributes(m.attrs()...))
}

// Retry records one daemon-level retry attempt.
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retriesTotal.Add(context.Background(), 1, metric.WithAttributes(m.attrs()...))
}

// BatchDone records one completed batch.
func (m *Metrics) BatchDone(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Record(context.Background(), elapsed.Seconds(), metric.WithAttributes(m.attrs()...))
}

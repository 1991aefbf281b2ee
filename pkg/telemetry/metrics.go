// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DispatchMetrics records dispatch outcomes, latencies and guard decisions.
// A nil *DispatchMetrics is valid and records nothing.
type DispatchMetrics struct {
	dispatchCounter metric.Int64Counter
	latency         metric.Float64Histogram
	guardCounter    metric.Int64Counter
	breakerGauge    metric.Int64Gauge
}

// NewDispatchMetrics creates the instruments on the global meter provider.
func NewDispatchMetrics() (*DispatchMetrics, error) {
	meter := otel.Meter("kyrax/dispatch")

	dispatchCounter, err := meter.Int64Counter(
		"kyrax.dispatch.total",
		metric.WithDescription("Dispatched commands by result code and intent"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram(
		"kyrax.dispatch.latency_ms",
		metric.WithDescription("Dispatch latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	guardCounter, err := meter.Int64Counter(
		"kyrax.guard.decisions",
		metric.WithDescription("Guard decisions by status and check"),
	)
	if err != nil {
		return nil, err
	}

	breakerGauge, err := meter.Int64Gauge(
		"kyrax.circuitbreaker.state",
		metric.WithDescription("Circuit breaker state per component (0=open, 1=half-open, 2=closed)"),
	)
	if err != nil {
		return nil, err
	}

	return &DispatchMetrics{
		dispatchCounter: dispatchCounter,
		latency:         latency,
		guardCounter:    guardCounter,
		breakerGauge:    breakerGauge,
	}, nil
}

// RecordDispatch counts one dispatch outcome and its latency.
func (m *DispatchMetrics) RecordDispatch(ctx context.Context, intent, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrIntent, intent),
		attribute.String(AttrResultCode, code),
	)
	m.dispatchCounter.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)
}

// RecordGuard counts one guard decision.
func (m *DispatchMetrics) RecordGuard(ctx context.Context, status, check string) {
	if m == nil {
		return
	}
	m.guardCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrGuardStatus, status),
		attribute.String(AttrGuardCheck, check),
	))
}

// RecordBreakerState records the state of a named circuit breaker.
func (m *DispatchMetrics) RecordBreakerState(ctx context.Context, component, state string) {
	if m == nil {
		return
	}
	var v int64
	switch state {
	case "closed":
		v = 2
	case "half-open":
		v = 1
	}
	m.breakerGauge.Record(ctx, v, metric.WithAttributes(attribute.String("component", component)))
}

// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewDispatchMetrics(t *testing.T) {
	m, err := NewDispatchMetrics()
	if err != nil {
		t.Fatalf("failed to create dispatch metrics: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil DispatchMetrics")
	}

	ctx := context.Background()
	m.RecordDispatch(ctx, "send_message", "OK", 12*time.Millisecond)
	m.RecordDispatch(ctx, "open_app", "NO_HANDLER", 0)
	m.RecordGuard(ctx, "block", "acl")
	m.RecordBreakerState(ctx, "planner.llm", "open")
}

func TestNilDispatchMetrics(t *testing.T) {
	var m *DispatchMetrics
	ctx := context.Background()
	m.RecordDispatch(ctx, "send_message", "OK", time.Millisecond)
	m.RecordGuard(ctx, "allow", "")
	m.RecordBreakerState(ctx, "planner.llm", "closed")
}

func TestConcurrentDispatchMetrics(t *testing.T) {
	m, _ := NewDispatchMetrics()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				m.RecordDispatch(ctx, "turn_on", "OK", time.Millisecond)
				m.RecordGuard(ctx, "allow", "")
			}
		}()
	}
	wg.Wait()
}

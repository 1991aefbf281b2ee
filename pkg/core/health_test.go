// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

type staticChecker HealthStatus

func (s staticChecker) Check(context.Context) HealthResult {
	return HealthResult{Status: HealthStatus(s)}
}

func TestHealthFunc(t *testing.T) {
	ok := HealthFunc(func(context.Context) error { return nil }).Check(context.Background())
	if ok.Status != HealthHealthy {
		t.Fatalf("expected healthy, got %s", ok.Status)
	}
	if ok.LastCheck.IsZero() {
		t.Fatalf("expected LastCheck to be set")
	}

	bad := HealthFunc(func(context.Context) error { return errors.New("dial tcp: refused") }).Check(context.Background())
	if bad.Status != HealthUnhealthy || bad.Message != "dial tcp: refused" {
		t.Fatalf("unexpected result %+v", bad)
	}
}

func TestHealthRegistryCheckAll(t *testing.T) {
	tests := []struct {
		name     string
		statuses map[string]HealthStatus
		expected HealthStatus
	}{
		{"empty", nil, HealthHealthy},
		{"all healthy", map[string]HealthStatus{"a": HealthHealthy, "b": HealthHealthy}, HealthHealthy},
		{"one degraded", map[string]HealthStatus{"a": HealthHealthy, "b": HealthDegraded}, HealthDegraded},
		{"unhealthy wins", map[string]HealthStatus{"a": HealthDegraded, "b": HealthUnhealthy}, HealthUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewHealthRegistry()
			for name, st := range tt.statuses {
				reg.Register(name, staticChecker(st))
			}
			results, overall := reg.CheckAll(context.Background())
			if overall != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, overall)
			}
			if len(results) != len(tt.statuses) {
				t.Fatalf("expected %d results, got %d", len(tt.statuses), len(results))
			}
			for i := 1; i < len(results); i++ {
				if results[i-1].Component > results[i].Component {
					t.Fatalf("results not sorted: %v", results)
				}
			}
		})
	}
}

func TestHealthRegistryCancelledContext(t *testing.T) {
	reg := NewHealthRegistry()
	reg.Register("store", HealthFunc(func(ctx context.Context) error { return ctx.Err() }))
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	results, overall := reg.CheckAll(ctx)
	if overall != HealthUnhealthy || results[0].Component != "store" {
		t.Fatalf("unexpected %v %v", overall, results)
	}
}

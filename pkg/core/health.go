// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package core holds the value types and collaborator contracts shared by the
// orchestration packages.
package core

import (
	"context"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health state of a collaborator.
type HealthStatus string

const (
	// HealthHealthy indicates the collaborator is reachable.
	HealthHealthy HealthStatus = "HEALTHY"

	// HealthDegraded indicates a fallback is in use.
	HealthDegraded HealthStatus = "DEGRADED"

	// HealthUnhealthy indicates the collaborator is not reachable.
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

// HealthResult represents the result of a health check.
type HealthResult struct {
	Status    HealthStatus
	Component string
	Message   string
	LastCheck time.Time
	Error     error
}

// HealthChecker checks the health of a collaborator (store, limiter, broker).
type HealthChecker interface {
	Check(ctx context.Context) HealthResult
}

// HealthFunc adapts a ping function into a HealthChecker. A nil error is
// healthy; any error is unhealthy.
type HealthFunc func(ctx context.Context) error

// Check implements HealthChecker.
func (f HealthFunc) Check(ctx context.Context) HealthResult {
	res := HealthResult{Status: HealthHealthy, Message: "ok", LastCheck: time.Now()}
	if err := f(ctx); err != nil {
		res.Status = HealthUnhealthy
		res.Message = err.Error()
		res.Error = err
	}
	return res
}

// HealthRegistry aggregates named checkers.
type HealthRegistry struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthRegistry creates an empty registry.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{checkers: make(map[string]HealthChecker)}
}

// Register adds or replaces the checker for name.
func (r *HealthRegistry) Register(name string, checker HealthChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = checker
}

// CheckAll runs every checker in name order. The overall status is the worst
// individual status.
func (r *HealthRegistry) CheckAll(ctx context.Context) ([]HealthResult, HealthStatus) {
	r.mu.RLock()
	names := make([]string, 0, len(r.checkers))
	snapshot := make(map[string]HealthChecker, len(r.checkers))
	for name, c := range r.checkers {
		names = append(names, name)
		snapshot[name] = c
	}
	r.mu.RUnlock()
	sort.Strings(names)

	overall := HealthHealthy
	results := make([]HealthResult, 0, len(names))
	for _, name := range names {
		res := snapshot[name].Check(ctx)
		res.Component = name
		if res.LastCheck.IsZero() {
			res.LastCheck = time.Now()
		}
		results = append(results, res)
		switch res.Status {
		case HealthUnhealthy:
			overall = HealthUnhealthy
		case HealthDegraded:
			if overall == HealthHealthy {
				overall = HealthDegraded
			}
		}
	}
	return results, overall
}

// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package resilience provides timeout, retry and circuit breaker boundaries
// around skills, stores and LLM calls.
package resilience

import (
	"context"
	"time"

	"github.com/jllopis/kyrax/pkg/errors"
)

// WithTimeoutResult runs fn and stops waiting after d. On timeout it returns
// CodeTimeout while fn keeps running in its own goroutine; the context handed
// to fn is cancelled so cooperative work can stop. A zero d waits forever.
func WithTimeoutResult[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		value T
		err   error
	}

	done := make(chan result, 1)
	go func() {
		value, err := fn(ctx)
		done <- result{value, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, errors.New(errors.CodeTimeout, "operation exceeded timeout", ctx.Err()).
			WithContext("timeout", d.String()).
			WithRecoverable(true)
	case res := <-done:
		return res.value, res.err
	}
}

// WithFallback runs primary and, when it fails, hands the error to fallback.
func WithFallback[T any](ctx context.Context, primary func(context.Context) (T, error), fallback func(context.Context, error) (T, error)) (T, error) {
	value, err := primary(ctx)
	if err == nil {
		return value, nil
	}
	return fallback(ctx, err)
}

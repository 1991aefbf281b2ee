// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	kerrors "github.com/jllopis/kyrax/pkg/errors"
)

func TestRetrySuccess(t *testing.T) {
	attempts := 0
	config := DefaultRetryConfig().WithInitialDelay(time.Millisecond)
	err := config.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected success, got error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryMaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	config := DefaultRetryConfig().WithMaxAttempts(2).WithInitialDelay(time.Millisecond)
	err := config.Do(context.Background(), func() error {
		attempts++
		return errors.New("always fails")
	})
	if err == nil {
		t.Errorf("expected error after max attempts")
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryNonRecoverable(t *testing.T) {
	attempts := 0
	err := DefaultRetryConfig().Do(context.Background(), func() error {
		attempts++
		return kerrors.New(kerrors.CodeSchema, "bad schema", nil)
	})
	if err == nil || attempts != 1 {
		t.Errorf("expected a single attempt for a non-recoverable error, got %d", attempts)
	}
}

func TestRetryContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	config := DefaultRetryConfig().WithMaxAttempts(5).WithInitialDelay(time.Second)
	err := config.Do(ctx, func() error {
		attempts++
		cancel()
		return errors.New("fail")
	})
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
	if kerrors.CodeOf(err) != kerrors.CodeInternal {
		t.Errorf("expected internal error on cancellation, got %v", err)
	}
}

func TestRetryGeneric(t *testing.T) {
	calls := 0
	got, err := Retry(context.Background(), DefaultRetryConfig().WithInitialDelay(time.Millisecond), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("once")
		}
		return "wf-1", nil
	})
	if err != nil || got != "wf-1" {
		t.Fatalf("unexpected %q %v", got, err)
	}
}

func TestBackoff(t *testing.T) {
	rc := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{6, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := rc.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	rc.Jitter = 0.5
	for i := 0; i < 20; i++ {
		if got := rc.Backoff(1); got < 50*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("jittered Backoff(1) = %v out of range", got)
		}
	}
}

func TestRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("reset"), true},
		{"canceled", context.Canceled, false},
		{"wrapped deadline", kerrors.New(kerrors.CodeTimeout, "slow", context.DeadlineExceeded).WithRecoverable(true), false},
		{"recoverable kyrax", kerrors.New(kerrors.CodeInternal, "db busy", nil).WithRecoverable(true), true},
		{"fatal kyrax", kerrors.New(kerrors.CodeSchema, "bad", nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Recoverable(tt.err); got != tt.want {
				t.Fatalf("Recoverable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithTimeoutResult(t *testing.T) {
	v, err := WithTimeoutResult(context.Background(), time.Second, func(context.Context) (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Fatalf("unexpected %v %v", v, err)
	}

	v, err = WithTimeoutResult(context.Background(), 0, func(context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("zero timeout should call through, got %v %v", v, err)
	}
}

func TestWithTimeoutResultTimeout(t *testing.T) {
	var finished atomic.Bool
	release := make(chan struct{})
	_, err := WithTimeoutResult(context.Background(), 20*time.Millisecond, func(context.Context) (int, error) {
		<-release
		finished.Store(true)
		return 1, nil
	})
	if !kerrors.HasCode(err, kerrors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
	if finished.Load() {
		t.Fatalf("function should still be running")
	}
	close(release)
}

func TestWithFallback(t *testing.T) {
	got, err := WithFallback(context.Background(),
		func(context.Context) (string, error) { return "", errors.New("llm down") },
		func(_ context.Context, err error) (string, error) { return "template:" + err.Error(), nil },
	)
	if err != nil || got != "template:llm down" {
		t.Fatalf("unexpected %q %v", got, err)
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(BreakerConfig{Name: "llm", FailureThreshold: 2, Cooldown: time.Minute, Now: func() time.Time { return now }})
	fail := func(context.Context) (int, error) { return 0, errors.New("boom") }
	ok := func(context.Context) (int, error) { return 1, nil }

	_, _ = Call(context.Background(), cb, fail)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after one failure")
	}
	_, _ = Call(context.Background(), cb, fail)
	if cb.State() != StateOpen {
		t.Fatalf("expected open after threshold")
	}

	calls := 0
	_, err := Call(context.Background(), cb, func(context.Context) (int, error) { calls++; return 0, nil })
	if calls != 0 || err == nil {
		t.Fatalf("open breaker must reject without calling")
	}
	if ke := kerrors.AsKyraxError(err); ke.Context["breaker"] != "llm" || !ke.Recoverable {
		t.Fatalf("unexpected breaker error %v", ke)
	}

	now = now.Add(time.Minute)
	if _, err := Call(context.Background(), cb, ok); err != nil {
		t.Fatalf("half-open trial failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after successful trial, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second, Now: func() time.Time { return now }})
	_, _ = Call(context.Background(), cb, func(context.Context) (int, error) { return 0, errors.New("x") })
	now = now.Add(2 * time.Second)
	_, _ = Call(context.Background(), cb, func(context.Context) (int, error) { return 0, errors.New("x") })
	if cb.State() != StateOpen {
		t.Fatalf("expected re-open, got %s", cb.State())
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after reset")
	}
}

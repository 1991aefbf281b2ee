// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	cause := errors.New("deadline exceeded")
	ke := New(CodeTimeout, "skill execution timed out", cause)

	if ke.Code != CodeTimeout {
		t.Errorf("expected CodeTimeout, got %v", ke.Code)
	}
	if ke.Message != "skill execution timed out" {
		t.Errorf("unexpected message %q", ke.Message)
	}
	if !errors.Is(ke, cause) {
		t.Errorf("expected errors.Is to work with wrapped error")
	}
}

func TestWithContext(t *testing.T) {
	ke := New(CodeMissingEntity, "missing entity", nil)
	ke.WithContext("intent", "send_message").
		WithContext("missing", []string{"contact"})

	if ke.Context["intent"] != "send_message" {
		t.Errorf("expected context intent to be 'send_message'")
	}
	if ke.Context["missing"] == nil {
		t.Errorf("expected context missing to be set")
	}
}

func TestNewf(t *testing.T) {
	ke := Newf(CodeNotFound, "workflow %q not found", "wf-1")
	if got := ke.Error(); got != `[NOT_FOUND] workflow "wf-1" not found` {
		t.Fatalf("Error() = %q", got)
	}
	if ke.Err != nil || ke.Context == nil {
		t.Fatalf("Newf() = %+v", ke)
	}
}

func TestWithRecoverable(t *testing.T) {
	ke := New(CodeHandlerError, "skill failed", nil)
	if ke.Recoverable {
		t.Errorf("expected recoverable to be false by default")
	}
	ke.WithRecoverable(true)
	if !ke.Recoverable {
		t.Errorf("expected recoverable to be true after WithRecoverable")
	}
}

func TestError(t *testing.T) {
	tests := []struct {
		name     string
		ke       *KyraxError
		expected string
	}{
		{
			name:     "with cause",
			ke:       New(CodeTimeout, "operation timed out", errors.New("deadline exceeded")),
			expected: "[TIMEOUT] operation timed out: deadline exceeded",
		},
		{
			name:     "without cause",
			ke:       New(CodeSchema, "unknown intent \"fly\"", nil),
			expected: "[SCHEMA_ERROR] unknown intent \"fly\"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ke.Error(); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestAsKyraxError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCode
	}{
		{name: "nil error", err: nil, expected: ""},
		{name: "already KyraxError", err: New(CodePlan, "failed", nil), expected: CodePlan},
		{name: "wrapped KyraxError", err: fmt.Errorf("outer: %w", New(CodeAmbiguousEntity, "x", nil)), expected: CodeAmbiguousEntity},
		{name: "generic error", err: errors.New("generic error"), expected: CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ke := AsKyraxError(tt.err)
			if tt.expected == "" {
				if ke != nil {
					t.Errorf("expected nil for nil error")
				}
				return
			}
			if ke == nil {
				t.Fatalf("expected non-nil KyraxError")
			}
			if ke.Code != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, ke.Code)
			}
		})
	}
}

func TestHasCode(t *testing.T) {
	inner := New(CodeMissingEntity, "missing contact", nil)
	outer := New(CodePlan, "plan aborted", inner)

	if !HasCode(outer, CodePlan) {
		t.Fatalf("expected outer code")
	}
	if !HasCode(outer, CodeMissingEntity) {
		t.Fatalf("expected inner code through the chain")
	}
	if HasCode(outer, CodeTimeout) {
		t.Fatalf("unexpected code match")
	}
	if CodeOf(outer) != CodePlan {
		t.Fatalf("CodeOf returned %q", CodeOf(outer))
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty code for plain error")
	}
}

func TestMarshalJSON(t *testing.T) {
	ke := New(CodeHandlerError, "skill failed", errors.New("network error"))
	ke.WithContext("skill", "messaging").WithRecoverable(true)

	data, err := json.Marshal(ke)
	if err != nil {
		t.Fatalf("unexpected error marshaling: %v", err)
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unexpected error unmarshaling: %v", err)
	}
	if result["code"] != "HANDLER_ERROR" {
		t.Errorf("expected code 'HANDLER_ERROR', got %v", result["code"])
	}
	if result["error"] != "network error" {
		t.Errorf("expected cause text, got %v", result["error"])
	}
	if result["recoverable"] != true {
		t.Errorf("expected recoverable true")
	}
}

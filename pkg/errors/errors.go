// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides typed error handling with rich context for Kyrax.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies Kyrax errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeExpired indicates a held resource outlived its TTL.
	CodeExpired ErrorCode = "EXPIRED"

	// CodeRateLimit indicates rate limiting was triggered.
	CodeRateLimit ErrorCode = "RATE_LIMITED"

	// CodeUnauthorized indicates authorization failed.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// CodeSchema indicates the intent has no registered schema.
	CodeSchema ErrorCode = "SCHEMA_ERROR"

	// CodeMissingEntity indicates a required entity is absent after normalization.
	CodeMissingEntity ErrorCode = "MISSING_ENTITY"

	// CodeAmbiguousEntity indicates a name-like entity matched several candidates.
	CodeAmbiguousEntity ErrorCode = "AMBIGUOUS_ENTITY"

	// CodeNoHandler indicates no registered skill accepted the command.
	CodeNoHandler ErrorCode = "NO_HANDLER"

	// CodeLowConfidence indicates the command confidence is below the dispatch floor.
	CodeLowConfidence ErrorCode = "LOW_CONFIDENCE"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeHandlerError indicates a skill failed unexpectedly.
	CodeHandlerError ErrorCode = "HANDLER_ERROR"

	// CodePlaceholder indicates a chain placeholder could not be resolved.
	CodePlaceholder ErrorCode = "PLACEHOLDER_ERROR"

	// CodePlan indicates a plan could not be produced or validated.
	CodePlan ErrorCode = "PLAN_ERROR"

	// CodeGuardBlocked indicates the guard gate rejected the command.
	CodeGuardBlocked ErrorCode = "GUARD_BLOCKED"

	// CodeGuardConfirmation indicates the guard gate requires explicit confirmation.
	CodeGuardConfirmation ErrorCode = "GUARD_CONFIRMATION_REQUIRED"
)

// KyraxError carries a stable code, a human message, the cause and
// key/value context that ends up in logs, audit payloads and CLI output.
type KyraxError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]any
	Recoverable bool
}

func (e *KyraxError) Error() string {
	msg := "[" + string(e.Code) + "] " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *KyraxError) Unwrap() error { return e.Err }

// MarshalJSON renders the cause as text so errors survive JSON encoding.
func (e *KyraxError) MarshalJSON() ([]byte, error) {
	type wire struct {
		Message     string         `json:"message"`
		Code        ErrorCode      `json:"code"`
		Cause       string         `json:"error,omitempty"`
		Context     map[string]any `json:"context,omitempty"`
		Recoverable bool           `json:"recoverable"`
	}
	w := wire{Message: e.Message, Code: e.Code, Context: e.Context, Recoverable: e.Recoverable}
	if e.Err != nil {
		w.Cause = e.Err.Error()
	}
	return json.Marshal(w)
}

// New returns a KyraxError. cause may be nil.
func New(code ErrorCode, msg string, cause error) *KyraxError {
	return &KyraxError{Code: code, Message: msg, Err: cause, Context: map[string]any{}}
}

// Newf is New with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...any) *KyraxError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext sets a context key and returns e.
func (e *KyraxError) WithContext(key string, value any) *KyraxError {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

// WithRecoverable marks whether retrying may succeed and returns e.
func (e *KyraxError) WithRecoverable(recoverable bool) *KyraxError {
	e.Recoverable = recoverable
	return e
}

// AsKyraxError returns the first KyraxError in the chain of err. Other
// errors are wrapped as INTERNAL_ERROR; nil stays nil.
func AsKyraxError(err error) *KyraxError {
	if err == nil {
		return nil
	}
	var ke *KyraxError
	if stderrors.As(err, &ke) {
		return ke
	}
	return New(CodeInternal, "unexpected error", err)
}

// CodeOf is the code of the first KyraxError in the chain, or "".
func CodeOf(err error) ErrorCode {
	var ke *KyraxError
	if stderrors.As(err, &ke) {
		return ke.Code
	}
	return ""
}

// HasCode reports whether any KyraxError in the chain has code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if ke, ok := err.(*KyraxError); ok && ke.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

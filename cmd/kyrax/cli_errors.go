// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the Kyrax CLI.
package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jllopis/kyrax/pkg/errors"
)

// CLIError wraps KyraxError with a hint for the user.
type CLIError struct {
	*errors.KyraxError
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(ke *errors.KyraxError, hint string) *CLIError {
	return &CLIError{KyraxError: ke, Hint: hint}
}

// Error returns the message followed by the hint.
func (e *CLIError) Error() string {
	if e.KyraxError == nil {
		return "unknown error"
	}
	msg := e.KyraxError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// PrintError writes the error to w, as a JSON object when asJSON is set.
func (e *CLIError) PrintError(w io.Writer, asJSON bool) {
	if asJSON {
		payload := map[string]any{"error": map[string]any{
			"code":    e.KyraxError.Code,
			"message": e.KyraxError.Message,
			"hint":    e.Hint,
		}}
		if e.KyraxError.Err != nil {
			payload["error"].(map[string]any)["cause"] = e.KyraxError.Err.Error()
		}
		_ = json.NewEncoder(w).Encode(payload)
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", e.KyraxError.Code, e.KyraxError.Message)
	if e.KyraxError.Err != nil {
		fmt.Fprintf(w, "  Cause: %v\n", e.KyraxError.Err)
	}
	if e.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", e.Hint)
	}
}

// wrapError turns any error into a CLIError with a hint picked by code.
func wrapError(err error) *CLIError {
	if ce, ok := err.(*CLIError); ok {
		return ce
	}
	if errors.CodeOf(err) == "" {
		return NewCLIError(errors.New(errors.CodeInternal, err.Error(), nil), "")
	}
	ke := errors.AsKyraxError(err)
	return NewCLIError(ke, hintFor(ke.Code))
}

func hintFor(code errors.ErrorCode) string {
	switch code {
	case errors.CodeSchema:
		return "rephrase the request or add a schema with intent.schemas_file"
	case errors.CodeMissingEntity:
		return "name the missing detail explicitly, e.g. who to message"
	case errors.CodeAmbiguousEntity:
		return "use the full contact name"
	case errors.CodePlan:
		return "check planner.proposer and the llm settings, or run 'kyrax plan' to inspect"
	case errors.CodeNotFound:
		return "list what exists with 'kyrax workflows list' or 'kyrax confirm list'"
	case errors.CodeTimeout:
		return "try increasing the timeout with --timeout"
	case errors.CodeInvalidInput:
		return "run 'kyrax help' for usage"
	}
	return ""
}

// NewUsageError reports a malformed command line.
func NewUsageError(usage string) *CLIError {
	return NewCLIError(errors.New(errors.CodeInvalidInput, "usage: "+usage, nil), "")
}

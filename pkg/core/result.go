// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

package core

import "encoding/json"

// ResultCode is the machine-readable outcome of a dispatch.
type ResultCode string

const (
	CodeOK                   ResultCode = "OK"
	CodeNotFound             ResultCode = "NOT_FOUND"
	CodeTimeout              ResultCode = "TIMEOUT"
	CodeLowConfidence        ResultCode = "LOW_CONFIDENCE"
	CodeNoHandler            ResultCode = "NO_HANDLER"
	CodeHandlerError         ResultCode = "HANDLER_ERROR"
	CodeGuardBlocked         ResultCode = "GUARD_BLOCKED"
	CodeConfirmationRequired ResultCode = "CONFIRMATION_REQUIRED"
	CodePlaceholderError     ResultCode = "PLACEHOLDER_ERROR"
	CodeSkipped              ResultCode = "SKIPPED"
)

// SkillResult is the outcome of one dispatch. It is immutable; Data returns a copy.
type SkillResult struct {
	success bool
	message string
	data    map[string]any
	code    ResultCode
}

// NewResult builds a SkillResult. An empty code defaults to OK on success and
// HANDLER_ERROR otherwise.
func NewResult(success bool, message string, data map[string]any, code ResultCode) SkillResult {
	if code == "" {
		if success {
			code = CodeOK
		} else {
			code = CodeHandlerError
		}
	}
	return SkillResult{success: success, message: message, data: CloneMap(data), code: code}
}

// OK builds a successful result.
func OK(message string, data map[string]any) SkillResult {
	return NewResult(true, message, data, CodeOK)
}

// Fail builds a failed result with the given code.
func Fail(code ResultCode, message string) SkillResult {
	return NewResult(false, message, nil, code)
}

func (r SkillResult) Success() bool    { return r.success }
func (r SkillResult) Message() string  { return r.message }
func (r SkillResult) Code() ResultCode { return r.code }

// Data returns a copy of the result payload.
func (r SkillResult) Data() map[string]any {
	return CloneMap(r.data)
}

// Field returns a single payload value.
func (r SkillResult) Field(key string) (any, bool) {
	v, ok := r.data[key]
	return v, ok
}

type resultJSON struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	Code    ResultCode     `json:"code"`
}

// MarshalJSON implements json.Marshaler.
func (r SkillResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{Success: r.success, Message: r.message, Data: r.data, Code: r.code})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *SkillResult) UnmarshalJSON(b []byte) error {
	var raw resultJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*r = NewResult(raw.Success, raw.Message, raw.Data, raw.Code)
	return nil
}

// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for the
// collaboration pipeline. Every dependency failure maps to a code so callers
// can pick the fail-closed default for it.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies pipeline errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the submission was malformed.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeUnknownRole indicates a role id is not present in the registry.
	CodeUnknownRole ErrorCode = "UNKNOWN_ROLE"

	// CodeClassifierUnavailable indicates the risk classifier could not run.
	CodeClassifierUnavailable ErrorCode = "CLASSIFIER_UNAVAILABLE"

	// CodeIndexUnavailable indicates the knowledge index could not be queried.
	CodeIndexUnavailable ErrorCode = "INDEX_UNAVAILABLE"

	// CodeGenerationFailed indicates the text-generation capability failed.
	CodeGenerationFailed ErrorCode = "GENERATION_FAILED"

	// CodeContextLost indicates context was lost (e.g., canceled while waiting).
	CodeContextLost ErrorCode = "CONTEXT_LOST"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"
)

// Error is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type Error struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging and audit payloads.
func (e *Error) MarshalJSON() ([]byte, error) {
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(&struct {
		Message     string                 `json:"message"`
		Code        string                 `json:"code"`
		Err         string                 `json:"error,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		Context     map[string]interface{} `json:"context,omitempty"`
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         cause,
		Recoverable: e.Recoverable,
		Context:     e.Context,
	})
}

// New creates a new Error with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *Error {
	return &Error{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
		StatusCode: codeToStatusCode(code),
	}
}

// WithContext adds a key-value pair to the error context.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
func (e *Error) WithAttribute(key, value string) *Error {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be retried.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// As returns the first *Error in the chain, or wraps err as internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed
	}
	return New(CodeInternal, "wrapped error", err)
}

// HasCode reports whether any *Error in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var typed *Error
		if !stderrors.As(err, &typed) {
			return false
		}
		if typed.Code == code {
			return true
		}
		err = typed.Err
	}
	return false
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *Error) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// UnknownRole reports a role id missing from the registry. Fatal for the query.
func UnknownRole(roleID string) *Error {
	return New(CodeUnknownRole, "unknown role "+roleID, nil).
		WithContext("role_id", roleID).
		WithRecoverable(false)
}

// InvalidInput reports a malformed submission.
func InvalidInput(msg string) *Error {
	return New(CodeInvalidInput, msg, nil).WithRecoverable(false)
}

// ClassifierUnavailable reports a risk classifier outage.
func ClassifierUnavailable(cause error) *Error {
	return New(CodeClassifierUnavailable, "risk classifier unavailable", cause).
		WithRecoverable(false)
}

// IndexUnavailable reports a knowledge index outage. Transient by default.
func IndexUnavailable(cause error) *Error {
	return New(CodeIndexUnavailable, "knowledge index unavailable", cause).
		WithRecoverable(true)
}

// GenerationFailed reports a generation failure for one role.
func GenerationFailed(roleID string, cause error) *Error {
	return New(CodeGenerationFailed, "generation failed", cause).
		WithContext("role_id", roleID).
		WithAttribute("ipc.role.id", roleID).
		WithRecoverable(true)
}

// NotFound reports a missing resource.
func NotFound(resource, name string) *Error {
	return New(CodeNotFound, resource+" not found", nil).
		WithContext("resource", resource).
		WithContext("name", name).
		WithRecoverable(false)
}

// codeToStatusCode maps error codes to HTTP-style status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return 404
	case CodeInvalidInput, CodeUnknownRole:
		return 400
	case CodeTimeout:
		return 408
	case CodeClassifierUnavailable, CodeIndexUnavailable, CodeGenerationFailed:
		return 503
	default:
		return 500
	}
}

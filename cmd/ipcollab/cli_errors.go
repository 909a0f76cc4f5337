// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/jllopis/ipcollab/pkg/errors"
)

// CLIError wraps a pipeline error with a hint for the operator.
type CLIError struct {
	Err  *errors.Error
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(e *errors.Error, hint string) *CLIError {
	return &CLIError{Err: e, Hint: hint}
}

// Error returns the formatted error message with hints.
func (e *CLIError) Error() string {
	if e.Err == nil {
		return "unknown error"
	}
	msg := e.Err.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// Unwrap exposes the pipeline error.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a configuration error with CLI hints.
func NewConfigError(err error, configPath string) *CLIError {
	e := errors.New(errors.CodeInvalidInput, "configuration error", err).
		WithContext("config_path", configPath).
		WithRecoverable(false)

	hint := "check your configuration file syntax"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(e, hint)
}

// NewInvalidArgumentError creates an invalid argument error with CLI hints.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	e := errors.New(errors.CodeInvalidInput, fmt.Sprintf("invalid argument: %s", reason), nil).
		WithContext("argument", arg).
		WithRecoverable(false)
	return NewCLIError(e, "run 'ipcollab help' for usage information")
}

// hintFor suggests a next step for pipeline errors.
func hintFor(code errors.ErrorCode) string {
	switch code {
	case errors.CodeUnknownRole:
		return "run 'ipcollab roles list' to see the available roles"
	case errors.CodeIndexUnavailable:
		return "check the knowledge backend settings under knowledge.*"
	case errors.CodeGenerationFailed:
		return "check that the generation backend under llm.* is reachable"
	case errors.CodeTimeout:
		return "raise orchestrator.turn_timeout_seconds or check backend health"
	case errors.CodeNotFound:
		return "check that the resource exists"
	}
	return ""
}

// printError prints err as text or as a JSON object.
func printError(w io.Writer, err error, asJSON bool) {
	var (
		typed *errors.Error
		hint  string
		cli   *CLIError
	)
	if stderrors.As(err, &cli) && cli.Err != nil {
		typed, hint = cli.Err, cli.Hint
	} else if stderrors.As(err, &typed) {
		hint = hintFor(typed.Code)
	}

	if typed == nil {
		if asJSON {
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": "UNKNOWN", "message": err.Error()}})
			return
		}
		fmt.Fprintf(w, "Error: %s\n", err.Error())
		return
	}

	if asJSON {
		out := map[string]any{"code": typed.Code, "message": typed.Message}
		if typed.Err != nil {
			out["cause"] = typed.Err.Error()
		}
		if hint != "" {
			out["hint"] = hint
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"error": out})
		return
	}

	fmt.Fprintf(w, "Error [%s]: %s\n", typed.Code, typed.Message)
	if typed.Err != nil {
		fmt.Fprintf(w, "  Cause: %s\n", typed.Err.Error())
	}
	if hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", hint)
	}
}

// exitCode maps an error to a process exit status.
func exitCode(err error) int {
	var typed *errors.Error
	if !stderrors.As(err, &typed) {
		return 1
	}
	switch typed.Code {
	case errors.CodeInvalidInput, errors.CodeUnknownRole:
		return 2
	}
	return 1
}

// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"strings"
)

// ErrorKind buckets backend failures to drive retry and fork affordances in
// the rendering layer. Classification never changes state machine
// transitions.
type ErrorKind string

const (
	ErrorContextLimit ErrorKind = "context_limit"
	ErrorAuth         ErrorKind = "auth_issue"
	ErrorBudget       ErrorKind = "budget_limit"
	ErrorServer       ErrorKind = "server_issue"
	ErrorTool         ErrorKind = "tool_issue"
	ErrorUnknown      ErrorKind = "unknown"
)

// RunError is a classified, user-visible error attached to a run.
type RunError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// subtypeKinds maps explicit backend failure subtypes to kinds.
var subtypeKinds = map[string]ErrorKind{
	"context_limit":     ErrorContextLimit,
	"context_overflow":  ErrorContextLimit,
	"auth":              ErrorAuth,
	"authentication":    ErrorAuth,
	"budget":            ErrorBudget,
	"rate_limit":        ErrorBudget,
	"server":            ErrorServer,
	"overloaded":        ErrorServer,
	"tool":              ErrorTool,
	"tool_error":        ErrorTool,
}

// textHints is checked in order against the lowercased error text.
var textHints = []struct {
	substr string
	kind   ErrorKind
}{
	{"context window", ErrorContextLimit},
	{"context limit", ErrorContextLimit},
	{"prompt is too long", ErrorContextLimit},
	{"unauthorized", ErrorAuth},
	{"invalid api key", ErrorAuth},
	{"authentication", ErrorAuth},
	{"credit balance", ErrorBudget},
	{"budget", ErrorBudget},
	{"rate limit", ErrorBudget},
	{"quota", ErrorBudget},
	{"overloaded", ErrorServer},
	{"internal server error", ErrorServer},
	{"service unavailable", ErrorServer},
	{"tool use", ErrorTool},
	{"tool failed", ErrorTool},
}

// Classify buckets a backend failure from its reported subtype plus the raw
// error text. Pure function.
func Classify(subtype, text string) ErrorKind {
	if kind, ok := subtypeKinds[strings.ToLower(strings.TrimSpace(subtype))]; ok {
		return kind
	}
	lower := strings.ToLower(text)
	for _, hint := range textHints {
		if strings.Contains(lower, hint.substr) {
			return hint.kind
		}
	}
	return ErrorUnknown
}

// ClassifyError wraps Classify for plain errors with no subtype.
func ClassifyError(err error) *RunError {
	if err == nil {
		return nil
	}
	return &RunError{Kind: Classify("", err.Error()), Message: err.Error()}
}

// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"time"
)

// Run is one tracked agent session, live or historical.
type Run struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id,omitempty"`
	Status      string     `json:"status"`
	CWD         string     `json:"cwd,omitempty"`
	Agent       string     `json:"agent,omitempty"`
	Model       string     `json:"model,omitempty"`
	PlatformID  string     `json:"platform_id,omitempty"`
	ParentRunID string     `json:"parent_run_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// TimelineEntry is one element of a run's reconstructed timeline.
type TimelineEntry struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Text        string          `json:"text,omitempty"`
	Attachments []string        `json:"attachments,omitempty"`
	Label       string          `json:"label,omitempty"`
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolStatus  string          `json:"tool_status,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      string          `json:"output,omitempty"`
	SubTimeline []TimelineEntry `json:"sub_timeline,omitempty"`
	Streaming   bool            `json:"streaming,omitempty"`
}

// TurnUsage is the token accounting for one turn.
type TurnUsage struct {
	TurnIndex        int `json:"turn_index"`
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens"`
}

// ContextSnapshot is one context-window utilization report tied to a turn.
type ContextSnapshot struct {
	RunID     string          `json:"run_id"`
	TurnIndex int             `json:"turn_index"`
	Timestamp time.Time       `json:"timestamp"`
	Report    json.RawMessage `json:"report"`
}

// FileEntry records a merged file access.
type FileEntry struct {
	Path      string `json:"path"`
	Action    string `json:"action"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

// RunError is a classified, user-visible run error.
type RunError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ForkState is the fork overlay state.
type ForkState struct {
	Phase string    `json:"phase"`
	RunID string    `json:"run_id,omitempty"`
	Error *RunError `json:"error,omitempty"`
}

// RunState is the full view of the active run.
type RunState struct {
	Run      *Run              `json:"run"`
	Entries  []TimelineEntry   `json:"entries"`
	Turns    []TurnUsage       `json:"turns"`
	Totals   TurnUsage         `json:"totals"`
	Contexts []ContextSnapshot `json:"contexts"`
	Files    []FileEntry       `json:"files"`
	Error    *RunError         `json:"error,omitempty"`
	Fork     ForkState         `json:"fork"`
}

// StartRequest describes a new session.
type StartRequest struct {
	Prompt      string   `json:"prompt"`
	CWD         string   `json:"cwd,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// MessageRequest is a user message for the active run.
type MessageRequest struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

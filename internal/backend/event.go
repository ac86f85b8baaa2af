// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package backend defines the contract with the agent process supervisor and
// provides the default subprocess-based implementation.
package backend

import (
	"encoding/json"
	"time"
)

// EventKind discriminates backend event payloads.
type EventKind string

const (
	// EventInit is sent once the backend has confirmed the session and
	// assigned a stable session ID.
	EventInit EventKind = "init"

	EventUserText       EventKind = "user_text"
	EventAssistantText  EventKind = "assistant_text"
	EventAssistantDelta EventKind = "assistant_delta"
	EventToolStart      EventKind = "tool_start"
	EventToolUpdate     EventKind = "tool_update"
	EventCommandOutput  EventKind = "command_output"
	EventSeparator      EventKind = "separator"
	EventTurnEnd        EventKind = "turn_end"
	EventContextReport  EventKind = "context_report"
	EventFileActivity   EventKind = "file_activity"
	EventStderr         EventKind = "stderr"

	// EventResult reports run termination, normal or otherwise.
	EventResult EventKind = "result"
)

// ToolStatus is the wire-level status of a tool invocation.
type ToolStatus string

const (
	ToolRunning          ToolStatus = "running"
	ToolAskPending       ToolStatus = "ask_pending"
	ToolPermissionPrompt ToolStatus = "permission_prompt"
	ToolSuccess          ToolStatus = "success"
	ToolError            ToolStatus = "error"
)

// Usage is the per-turn token accounting reported at a turn boundary.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens"`
}

// ContextCategory is one row of a context utilization report.
type ContextCategory struct {
	Name       string  `json:"name"`
	Tokens     int     `json:"tokens"`
	Percentage float64 `json:"percentage"`
}

// ContextTable is a named sub-table of a context report.
type ContextTable struct {
	Title      string            `json:"title"`
	Categories []ContextCategory `json:"categories"`
}

// ContextReport is a parsed context-window utilization report.
type ContextReport struct {
	Model      string            `json:"model"`
	UsedTokens int               `json:"used_tokens"`
	MaxTokens  int               `json:"max_tokens"`
	Percentage float64           `json:"percentage"`
	Categories []ContextCategory `json:"categories,omitempty"`
	SubTables  []ContextTable    `json:"sub_tables,omitempty"`
}

// FileTouch records a single file access reported by the backend.
type FileTouch struct {
	Path      string `json:"path"`
	Action    string `json:"action"` // read, edit, write, persisted
	ToolUseID string `json:"tool_use_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Event is a parsed NDJSON line from the supervisor's event stream.
// Fields are populated according to Kind; unused fields are zero.
type Event struct {
	Kind      EventKind `json:"kind"`
	RunID     string    `json:"run_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	Text        string   `json:"text,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	Label       string   `json:"label,omitempty"`

	ToolUseID       string          `json:"tool_use_id,omitempty"`
	ToolName        string          `json:"tool_name,omitempty"`
	ToolStatus      ToolStatus      `json:"tool_status,omitempty"`
	ToolInput       json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput      string          `json:"tool_output,omitempty"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`

	Turn   int            `json:"turn,omitempty"`
	Usage  *Usage         `json:"usage,omitempty"`
	Report *ContextReport `json:"report,omitempty"`
	Files  []FileTouch    `json:"files,omitempty"`

	IsError      bool   `json:"is_error,omitempty"`
	ErrorSubtype string `json:"error_subtype,omitempty"`
	ErrorText    string `json:"error_text,omitempty"`
}

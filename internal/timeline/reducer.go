// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package timeline reconstructs a run's conversation and tool activity from
// raw backend events. The timeline is append/replace-only: entries are never
// reordered, and tool entries are updated in place by tool-use ID.
package timeline

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/wingedpig/strand/internal/backend"
)

// Kind discriminates timeline entries.
type Kind string

const (
	KindUser          Kind = "user"
	KindAssistant     Kind = "assistant"
	KindTool          Kind = "tool"
	KindCommandOutput Kind = "command_output"
	KindSeparator     Kind = "separator"
)

// Entry is one element of a run's timeline.
type Entry struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	Text        string   `json:"text,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	Label       string   `json:"label,omitempty"`

	ToolUseID   string             `json:"tool_use_id,omitempty"`
	ToolName    string             `json:"tool_name,omitempty"`
	ToolStatus  backend.ToolStatus `json:"tool_status,omitempty"`
	Input       json.RawMessage    `json:"input,omitempty"`
	Output      string             `json:"output,omitempty"`
	SubTimeline []Entry            `json:"sub_timeline,omitempty"`

	// Streaming marks an assistant entry still receiving deltas.
	Streaming bool `json:"streaming,omitempty"`
}

// Reduce folds one event into the timeline. Pure apart from mutating entries
// in place; no I/O. Events for other runs must be filtered by the caller.
func Reduce(entries []Entry, ev backend.Event) []Entry {
	switch ev.Kind {
	case backend.EventUserText:
		return append(entries, Entry{
			ID:          newID(),
			Kind:        KindUser,
			Text:        ev.Text,
			Attachments: ev.Attachments,
		})

	case backend.EventAssistantDelta:
		if e := streamingEntry(entries); e != nil {
			e.Text += ev.Text
			return entries
		}
		return append(entries, Entry{
			ID:        newID(),
			Kind:      KindAssistant,
			Text:      ev.Text,
			Streaming: true,
		})

	case backend.EventAssistantText:
		// The done event carries the full text; it closes the in-progress
		// entry rather than appending a duplicate.
		if e := streamingEntry(entries); e != nil {
			if ev.Text != "" {
				e.Text = ev.Text
			}
			e.Streaming = false
			return entries
		}
		return append(entries, Entry{
			ID:   newID(),
			Kind: KindAssistant,
			Text: ev.Text,
		})

	case backend.EventToolStart:
		// Duplicate delivery of the same start must not create a second entry.
		if findTool(entries, ev.ToolUseID) != nil {
			return entries
		}
		entry := Entry{
			ID:         "tool-" + ev.ToolUseID,
			Kind:       KindTool,
			ToolUseID:  ev.ToolUseID,
			ToolName:   ev.ToolName,
			ToolStatus: backend.ToolRunning,
			Input:      ev.ToolInput,
		}
		if ev.ParentToolUseID != "" {
			if parent := findTool(entries, ev.ParentToolUseID); parent != nil {
				parent.SubTimeline = append(parent.SubTimeline, entry)
				return entries
			}
		}
		return append(entries, entry)

	case backend.EventToolUpdate:
		if e := findTool(entries, ev.ToolUseID); e != nil {
			applyToolUpdate(e, ev)
			return entries
		}
		// The update arrived before its start event, or this run was resumed
		// with partial history. Synthesize a best-effort entry rather than
		// dropping the update.
		entry := Entry{
			ID:        "tool-" + ev.ToolUseID,
			Kind:      KindTool,
			ToolUseID: ev.ToolUseID,
			ToolName:  ev.ToolName,
			Input:     ev.ToolInput,
		}
		applyToolUpdate(&entry, ev)
		return append(entries, entry)

	case backend.EventCommandOutput:
		return append(entries, Entry{
			ID:   newID(),
			Kind: KindCommandOutput,
			Text: ev.Text,
		})

	case backend.EventSeparator:
		return append(entries, Entry{
			ID:    newID(),
			Kind:  KindSeparator,
			Label: ev.Label,
		})

	case backend.EventTurnEnd:
		// A turn boundary closes every entry still streaming; nothing streams
		// across turns.
		for i := range entries {
			entries[i].Streaming = false
		}
		return entries
	}

	// Usage, context, file-activity, and lifecycle events carry no timeline
	// content.
	return entries
}

func applyToolUpdate(e *Entry, ev backend.Event) {
	if ev.ToolStatus != "" {
		e.ToolStatus = ev.ToolStatus
	}
	if ev.ToolOutput != "" {
		e.Output = ev.ToolOutput
	}
	if len(ev.ToolInput) > 0 {
		e.Input = ev.ToolInput
	}
	if ev.ToolName != "" && e.ToolName == "" {
		e.ToolName = ev.ToolName
	}
}

// streamingEntry returns the most recent assistant entry still receiving
// deltas. Tool and output entries can land between deltas of the same
// message, so the scan walks backwards; a user entry bounds the search since
// no entry streams across a user message.
func streamingEntry(entries []Entry) *Entry {
	for i := len(entries) - 1; i >= 0; i-- {
		e := &entries[i]
		if e.Kind == KindUser {
			return nil
		}
		if e.Kind == KindAssistant && e.Streaming {
			return e
		}
	}
	return nil
}

// findTool locates a tool entry by tool-use ID, searching sub-timelines
// innermost-first so delegated sub-agent tools shadow their parents.
func findTool(entries []Entry, toolUseID string) *Entry {
	if toolUseID == "" {
		return nil
	}
	for i := range entries {
		e := &entries[i]
		if e.Kind != KindTool {
			continue
		}
		if sub := findTool(e.SubTimeline, toolUseID); sub != nil {
			return sub
		}
		if e.ToolUseID == toolUseID {
			return e
		}
	}
	return nil
}

func newID() string {
	return uuid.New().String()
}

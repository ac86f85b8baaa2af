// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"testing"

	"github.com/wingedpig/strand/internal/backend"
)

func TestReduce_UserThenAssistantDeltas(t *testing.T) {
	var entries []Entry
	entries = Reduce(entries, backend.Event{Kind: backend.EventUserText, Text: "fix the bug"})
	entries = Reduce(entries, backend.Event{Kind: backend.EventAssistantDelta, Text: "Looking "})
	entries = Reduce(entries, backend.Event{Kind: backend.EventAssistantDelta, Text: "at it"})

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Kind != KindUser || entries[0].Text != "fix the bug" {
		t.Errorf("unexpected user entry: %+v", entries[0])
	}
	if entries[1].Kind != KindAssistant || entries[1].Text != "Looking at it" {
		t.Errorf("deltas not accumulated in place: %+v", entries[1])
	}
	if !entries[1].Streaming {
		t.Error("assistant entry should still be streaming")
	}

	entries = Reduce(entries, backend.Event{Kind: backend.EventAssistantText, Text: "Looking at it now."})
	if len(entries) != 2 {
		t.Fatalf("done event appended a duplicate: %d entries", len(entries))
	}
	if entries[1].Streaming || entries[1].Text != "Looking at it now." {
		t.Errorf("done event did not close the streaming entry: %+v", entries[1])
	}
}

func TestReduce_ToolUpdatesAreIdempotent(t *testing.T) {
	var entries []Entry
	start := backend.Event{Kind: backend.EventToolStart, ToolUseID: "tu-1", ToolName: "Edit"}
	entries = Reduce(entries, start)
	// Duplicate delivery of the same start event
	entries = Reduce(entries, start)
	entries = Reduce(entries, backend.Event{Kind: backend.EventToolUpdate, ToolUseID: "tu-1", ToolStatus: backend.ToolSuccess, ToolOutput: "ok"})
	entries = Reduce(entries, backend.Event{Kind: backend.EventToolUpdate, ToolUseID: "tu-1", ToolStatus: backend.ToolError, ToolOutput: "failed"})

	if len(entries) != 1 {
		t.Fatalf("expected exactly one tool entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ToolStatus != backend.ToolError || e.Output != "failed" {
		t.Errorf("last update should win, got status=%s output=%q", e.ToolStatus, e.Output)
	}
}

func TestReduce_OutOfOrderToolUpdateSynthesizes(t *testing.T) {
	var entries []Entry
	entries = Reduce(entries, backend.Event{
		Kind: backend.EventToolUpdate, ToolUseID: "tu-9", ToolName: "Bash",
		ToolStatus: backend.ToolSuccess, ToolOutput: "done",
	})
	if len(entries) != 1 {
		t.Fatalf("expected synthesized entry, got %d entries", len(entries))
	}
	if entries[0].ToolUseID != "tu-9" || entries[0].ToolStatus != backend.ToolSuccess {
		t.Errorf("unexpected synthesized entry: %+v", entries[0])
	}

	// A late start for the same ID must not create a second entry.
	entries = Reduce(entries, backend.Event{Kind: backend.EventToolStart, ToolUseID: "tu-9", ToolName: "Bash"})
	if len(entries) != 1 {
		t.Fatalf("late start duplicated the entry: %d entries", len(entries))
	}
}

func TestReduce_NestedSubTimeline(t *testing.T) {
	var entries []Entry
	entries = Reduce(entries, backend.Event{Kind: backend.EventToolStart, ToolUseID: "parent", ToolName: "Task"})
	entries = Reduce(entries, backend.Event{Kind: backend.EventToolStart, ToolUseID: "child", ToolName: "Read", ParentToolUseID: "parent"})
	entries = Reduce(entries, backend.Event{Kind: backend.EventToolUpdate, ToolUseID: "child", ToolStatus: backend.ToolSuccess})

	if len(entries) != 1 {
		t.Fatalf("expected 1 top-level entry, got %d", len(entries))
	}
	sub := entries[0].SubTimeline
	if len(sub) != 1 {
		t.Fatalf("expected nested child entry, got %d", len(sub))
	}
	if sub[0].ToolStatus != backend.ToolSuccess {
		t.Errorf("nested update not applied: %+v", sub[0])
	}
	if entries[0].ToolStatus != backend.ToolRunning {
		t.Errorf("parent status should be untouched, got %s", entries[0].ToolStatus)
	}
}

func TestReduce_InnermostFirstLookup(t *testing.T) {
	// A sub-agent may reuse a tool-use ID seen at the outer level; the
	// innermost occurrence must win.
	var entries []Entry
	entries = Reduce(entries, backend.Event{Kind: backend.EventToolStart, ToolUseID: "outer", ToolName: "Task"})
	entries[0].SubTimeline = append(entries[0].SubTimeline, Entry{
		ID: "tool-dup", Kind: KindTool, ToolUseID: "dup", ToolStatus: backend.ToolRunning,
	})
	entries = append(entries, Entry{
		ID: "tool-dup-outer", Kind: KindTool, ToolUseID: "dup", ToolStatus: backend.ToolRunning,
	})

	entries = Reduce(entries, backend.Event{Kind: backend.EventToolUpdate, ToolUseID: "dup", ToolStatus: backend.ToolSuccess})

	if entries[0].SubTimeline[0].ToolStatus != backend.ToolSuccess {
		t.Error("innermost entry should receive the update")
	}
	if entries[1].ToolStatus != backend.ToolRunning {
		t.Error("outer entry should be untouched")
	}
}

func TestReduce_SeparatorAndCommandOutput(t *testing.T) {
	var entries []Entry
	entries = Reduce(entries, backend.Event{Kind: backend.EventSeparator, Label: "forked from run 42"})
	entries = Reduce(entries, backend.Event{Kind: backend.EventCommandOutput, Text: "$ make test"})

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Kind != KindSeparator || entries[0].Label != "forked from run 42" {
		t.Errorf("unexpected separator: %+v", entries[0])
	}
	if entries[1].Kind != KindCommandOutput {
		t.Errorf("unexpected command output entry: %+v", entries[1])
	}
}

func TestReduce_DeltasContinuePastToolEntries(t *testing.T) {
	var entries []Entry
	entries = Reduce(entries, backend.Event{Kind: backend.EventAssistantDelta, Text: "Looking "})
	entries = Reduce(entries, backend.Event{Kind: backend.EventToolStart, ToolUseID: "tu-1", ToolName: "Edit"})
	entries = Reduce(entries, backend.Event{Kind: backend.EventAssistantDelta, Text: "at it."})

	if len(entries) != 2 {
		t.Fatalf("delta after a tool entry must not open a second assistant entry, got %d entries", len(entries))
	}
	if entries[0].Text != "Looking at it." {
		t.Errorf("deltas not accumulated across the tool entry: %q", entries[0].Text)
	}

	entries = Reduce(entries, backend.Event{Kind: backend.EventTurnEnd, Turn: 1})
	if entries[0].Streaming {
		t.Error("turn boundary should close the assistant entry behind the tool entry")
	}
}

func TestReduce_StreamingDoesNotCrossUserMessages(t *testing.T) {
	var entries []Entry
	entries = Reduce(entries, backend.Event{Kind: backend.EventAssistantDelta, Text: "old turn"})
	entries = Reduce(entries, backend.Event{Kind: backend.EventUserText, Text: "next question"})
	entries = Reduce(entries, backend.Event{Kind: backend.EventAssistantDelta, Text: "new turn"})

	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Text != "old turn" {
		t.Errorf("delta leaked into the previous turn's entry: %q", entries[0].Text)
	}
	if entries[2].Text != "new turn" || !entries[2].Streaming {
		t.Errorf("unexpected new assistant entry: %+v", entries[2])
	}
}

func TestReduce_TurnEndClosesStreamingOnly(t *testing.T) {
	var entries []Entry
	entries = Reduce(entries, backend.Event{Kind: backend.EventAssistantDelta, Text: "partial"})
	entries = Reduce(entries, backend.Event{Kind: backend.EventTurnEnd, Turn: 1})

	if len(entries) != 1 {
		t.Fatalf("turn boundary must not append entries, got %d", len(entries))
	}
	if entries[0].Streaming {
		t.Error("turn boundary should close the streaming entry")
	}
}

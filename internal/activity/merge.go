// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package activity merges file-touch records from heterogeneous sources (live
// event stream, fallback event log, persisted metadata) into one deduplicated,
// priority-ordered list.
package activity

import "sort"

// Action is what a tool did to a file.
type Action string

const (
	ActionRead      Action = "read"
	ActionEdit      Action = "edit"
	ActionWrite     Action = "write"
	ActionPersisted Action = "persisted"
)

// priority ranks actions for merging: write > edit > read > persisted.
func (a Action) priority() int {
	switch a {
	case ActionWrite:
		return 3
	case ActionEdit:
		return 2
	case ActionRead:
		return 1
	default:
		return 0
	}
}

// FileEntry is one observed file access.
type FileEntry struct {
	Path      string `json:"path"`
	Action    Action `json:"action"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Source is one provider of file entries. HasTemporalOrder declares that the
// entries arrive in observation order; sources without it (e.g. a persisted
// flat list) sort after all ordered entries so fresh activity is never hidden
// behind stale persisted records.
type Source struct {
	Entries          []FileEntry
	HasTemporalOrder bool
}

// unorderedSeq is the sentinel sequence for sources without temporal order.
const unorderedSeq = int64(1) << 62

type merged struct {
	entry FileEntry
	seq   int64
}

// Merge combines sources into a single list deduplicated by path. A
// higher-priority action always wins regardless of arrival order; on equal
// priority the most recently observed occurrence wins, inheriting the prior
// tool-use ID when the incoming entry lacks one.
func Merge(sources ...Source) []FileEntry {
	byPath := make(map[string]*merged)
	var order []string

	var seq int64
	var unordered int64
	for _, src := range sources {
		for _, e := range src.Entries {
			var s int64
			if src.HasTemporalOrder {
				seq++
				s = seq
			} else {
				s = unorderedSeq + unordered
				unordered++
			}

			existing, ok := byPath[e.Path]
			if !ok {
				byPath[e.Path] = &merged{entry: e, seq: s}
				order = append(order, e.Path)
				continue
			}

			switch {
			case e.Action.priority() > existing.entry.Action.priority():
				existing.entry = e
				existing.seq = s
			case e.Action.priority() == existing.entry.Action.priority():
				if e.ToolUseID == "" {
					e.ToolUseID = existing.entry.ToolUseID
				}
				existing.entry = e
				existing.seq = s
			}
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return byPath[order[i]].seq < byPath[order[j]].seq
	})

	out := make([]FileEntry, 0, len(order))
	for _, path := range order {
		out = append(out, byPath[path].entry)
	}
	return out
}

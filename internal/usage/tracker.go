// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package usage tracks per-turn token accounting and context-window
// utilization history. Both trackers are upsert-by-key reducers: re-delivery
// for a turn replaces the prior entry, it never appends a duplicate. Callers
// serialize access; the session store drives both under its own lock.
package usage

import (
	"sort"
	"time"

	"github.com/wingedpig/strand/internal/backend"
)

// TurnUsage is the token accounting for one turn, keyed by 1-based turn index.
type TurnUsage struct {
	TurnIndex        int `json:"turn_index"`
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens"`
}

// Tracker accumulates per-turn usage for a single run.
type Tracker struct {
	turns []TurnUsage
}

// Upsert records usage for a turn, overwriting any prior entry for the same
// index. Out-of-order delivery is tolerated; the list stays ordered by index.
func (t *Tracker) Upsert(u TurnUsage) {
	i := sort.Search(len(t.turns), func(i int) bool {
		return t.turns[i].TurnIndex >= u.TurnIndex
	})
	if i < len(t.turns) && t.turns[i].TurnIndex == u.TurnIndex {
		t.turns[i] = u
		return
	}
	t.turns = append(t.turns, TurnUsage{})
	copy(t.turns[i+1:], t.turns[i:])
	t.turns[i] = u
}

// Turns returns the recorded turns in index order.
func (t *Tracker) Turns() []TurnUsage {
	out := make([]TurnUsage, len(t.turns))
	copy(out, t.turns)
	return out
}

// Totals sums all recorded turns.
func (t *Tracker) Totals() TurnUsage {
	var total TurnUsage
	for _, u := range t.turns {
		total.InputTokens += u.InputTokens
		total.OutputTokens += u.OutputTokens
		total.CacheReadTokens += u.CacheReadTokens
		total.CacheWriteTokens += u.CacheWriteTokens
	}
	return total
}

// Reset discards all recorded turns.
func (t *Tracker) Reset() {
	t.turns = nil
}

// Restore replaces the tracker contents, used when hydrating from a snapshot.
func (t *Tracker) Restore(turns []TurnUsage) {
	t.turns = make([]TurnUsage, len(turns))
	copy(t.turns, turns)
}

// ContextSnapshot is one context-utilization report tied to a turn.
type ContextSnapshot struct {
	RunID     string                `json:"run_id"`
	TurnIndex int                   `json:"turn_index"`
	Timestamp time.Time             `json:"timestamp"`
	Report    backend.ContextReport `json:"report"`
}

// ContextTracker keeps the per-run ordered history of context snapshots.
type ContextTracker struct {
	byRun map[string][]ContextSnapshot
}

// NewContextTracker creates an empty context history.
func NewContextTracker() *ContextTracker {
	return &ContextTracker{byRun: make(map[string][]ContextSnapshot)}
}

// Upsert records a snapshot, replacing any prior snapshot for the same turn.
func (c *ContextTracker) Upsert(snap ContextSnapshot) {
	snaps := c.byRun[snap.RunID]
	i := sort.Search(len(snaps), func(i int) bool {
		return snaps[i].TurnIndex >= snap.TurnIndex
	})
	if i < len(snaps) && snaps[i].TurnIndex == snap.TurnIndex {
		snaps[i] = snap
		c.byRun[snap.RunID] = snaps
		return
	}
	snaps = append(snaps, ContextSnapshot{})
	copy(snaps[i+1:], snaps[i:])
	snaps[i] = snap
	c.byRun[snap.RunID] = snaps
}

// Snapshots returns the run's snapshots in turn order.
func (c *ContextTracker) Snapshots(runID string) []ContextSnapshot {
	snaps := c.byRun[runID]
	out := make([]ContextSnapshot, len(snaps))
	copy(out, snaps)
	return out
}

// Latest returns the most recent snapshot for a run, or nil.
func (c *ContextTracker) Latest(runID string) *ContextSnapshot {
	snaps := c.byRun[runID]
	if len(snaps) == 0 {
		return nil
	}
	snap := snaps[len(snaps)-1]
	return &snap
}

// Reset discards a run's history.
func (c *ContextTracker) Reset(runID string) {
	delete(c.byRun, runID)
}

// Restore replaces a run's history, used when hydrating from a snapshot.
func (c *ContextTracker) Restore(runID string, snaps []ContextSnapshot) {
	cp := make([]ContextSnapshot, len(snaps))
	copy(cp, snaps)
	c.byRun[runID] = cp
}

// CategoryDelta is the percentage change of one report category.
type CategoryDelta struct {
	Name  string  `json:"name"`
	Delta float64 `json:"delta"`
}

// ReportDelta is the derived difference between two context reports. It is
// computed on demand and never stored.
type ReportDelta struct {
	Percentage float64         `json:"percentage"`
	Categories []CategoryDelta `json:"categories,omitempty"`
}

// Delta computes the overall and per-category percentage change between two
// reports. Categories whose value did not change are omitted.
func Delta(prev, next backend.ContextReport) ReportDelta {
	d := ReportDelta{Percentage: next.Percentage - prev.Percentage}

	prevByName := make(map[string]float64, len(prev.Categories))
	for _, cat := range prev.Categories {
		prevByName[cat.Name] = cat.Percentage
	}
	for _, cat := range next.Categories {
		if before, ok := prevByName[cat.Name]; !ok || before != cat.Percentage {
			d.Categories = append(d.Categories, CategoryDelta{
				Name:  cat.Name,
				Delta: cat.Percentage - prevByName[cat.Name],
			})
		}
	}
	return d
}

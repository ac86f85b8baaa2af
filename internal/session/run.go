// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session holds the per-run state container: the single source of
// truth for the active run's timeline, usage history, connection phase, and
// configuration.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrRunNotFound is returned when a run ID is unknown to the directory.
var ErrRunNotFound = errors.New("run not found")

// Phase is a run's connection/lifecycle state.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseSpawning  Phase = "spawning"
	PhaseRunning   Phase = "running"
	PhaseIdle      Phase = "idle"
	PhaseStopped   Phase = "stopped"
	PhaseFailed    Phase = "failed"
	PhaseCompleted Phase = "completed"
)

// Terminal reports whether the phase is an end state.
func (p Phase) Terminal() bool {
	return p == PhaseStopped || p == PhaseFailed || p == PhaseCompleted
}

// ResumeEligible reports whether the run may enter a resume protocol
// (continue, resume, fork). Only idle and stopped runs qualify.
func (p Phase) ResumeEligible() bool {
	return p == PhaseIdle || p == PhaseStopped
}

// Run is one logical conversation/session tracked by the client.
type Run struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id,omitempty"` // backend-assigned, absent until confirmed
	Status      Phase      `json:"status"`
	CWD         string     `json:"cwd,omitempty"`
	Agent       string     `json:"agent,omitempty"`
	Model       string     `json:"model,omitempty"`
	PlatformID  string     `json:"platform_id,omitempty"`
	ParentRunID string     `json:"parent_run_id,omitempty"` // set only for forked runs
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Directory is the persisted registry of known runs, keyed by ID. It stores
// only metadata; live state belongs to the Store and snapshots to the cache.
type Directory struct {
	mu   sync.Mutex
	path string // "" disables persistence
	runs map[string]Run
}

// NewDirectory loads the run registry from path. Pass "" for an in-memory
// registry.
func NewDirectory(path string) *Directory {
	d := &Directory{path: path, runs: make(map[string]Run)}
	if path != "" {
		d.loadFromDisk()
	}
	return d
}

func (d *Directory) loadFromDisk() {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("session: failed to load run directory: %v", err)
		}
		return
	}
	if len(data) == 0 {
		return
	}
	var runs []Run
	if err := json.Unmarshal(data, &runs); err != nil {
		log.Printf("session: failed to parse run directory: %v", err)
		return
	}
	for _, r := range runs {
		// A run recorded as live predates a crash; it is not live anymore.
		if !r.Status.Terminal() {
			r.Status = PhaseStopped
		}
		d.runs[r.ID] = r
	}
	if len(runs) > 0 {
		log.Printf("session: loaded %d persisted runs", len(runs))
	}
}

// Get returns a run by ID.
func (d *Directory) Get(id string) (Run, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.runs[id]
	return r, ok
}

// Put inserts or updates a run and persists the registry.
func (d *Directory) Put(r Run) {
	d.mu.Lock()
	d.runs[r.ID] = r
	d.mu.Unlock()
	d.persist()
}

// Delete removes a run from the registry.
func (d *Directory) Delete(id string) {
	d.mu.Lock()
	delete(d.runs, id)
	d.mu.Unlock()
	d.persist()
}

// List returns all known runs, newest first.
func (d *Directory) List() []Run {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Run, 0, len(d.runs))
	for _, r := range d.runs {
		out = append(out, r)
	}
	sortRunsByStart(out)
	return out
}

func sortRunsByStart(runs []Run) {
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
}

func (d *Directory) persist() {
	if d.path == "" {
		return
	}
	d.mu.Lock()
	runs := make([]Run, 0, len(d.runs))
	for _, r := range d.runs {
		runs = append(runs, r)
	}
	d.mu.Unlock()
	sortRunsByStart(runs)

	if err := saveRuns(d.path, runs); err != nil {
		log.Printf("session: failed to persist run directory: %v", err)
	}
}

// saveRuns writes the registry to disk atomically.
func saveRuns(path string, runs []Run) error {
	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal runs: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create runs dir: %w", err)
	}

	// Atomic write: temp file + rename
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp runs file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename runs file: %w", err)
	}
	return nil
}

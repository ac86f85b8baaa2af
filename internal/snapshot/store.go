// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package snapshot persists serialized session state so a finished run can be
// reopened without replaying its full event history. The cache is strictly
// best-effort: every storage failure degrades to a miss or a no-op, never an
// error in the caller.
package snapshot

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// SchemaVersion is the reducer-schema version stamped into every record.
// Bumping it implicitly invalidates all existing records: they stop matching
// on read and are deleted lazily.
const SchemaVersion = 2

// Record is one persisted snapshot, keyed by run ID.
type Record struct {
	RunID     string          `json:"run_id"`
	Version   int             `json:"version"`
	RunStatus string          `json:"run_status"`
	Body      json.RawMessage `json:"body"`
	SavedAt   time.Time       `json:"saved_at"`
}

// Store is a versioned key-value snapshot cache backed by one JSON file per
// run. The directory handle is opened lazily; concurrent first-callers share
// a single open attempt, and a failed open is not cached so a later call may
// retry.
type Store struct {
	dir    string
	sf     singleflight.Group
	mu     sync.Mutex
	opened bool
}

// NewStore creates a snapshot store rooted at dir. Nothing is touched on disk
// until the first operation.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// open ensures the cache directory exists, sharing one in-flight attempt
// between concurrent callers. A failed open is not remembered, so the next
// caller retries.
func (s *Store) open() error {
	s.mu.Lock()
	opened := s.opened
	s.mu.Unlock()
	if opened {
		return nil
	}

	_, err, _ := s.sf.Do("open", func() (interface{}, error) {
		if err := os.MkdirAll(s.dir, 0755); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.opened = true
		s.mu.Unlock()
		return nil, nil
	})
	return err
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

// Read returns the cached body for a run, or nil on any miss. A record whose
// schema version or run status does not match the caller's expectation is
// stale: it is deleted on the spot and treated as a miss.
func (s *Store) Read(runID, expectedStatus string) json.RawMessage {
	if err := s.open(); err != nil {
		log.Printf("snapshot: open cache dir: %v", err)
		return nil
	}

	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("snapshot: read %s: %v", runID, err)
		}
		return nil
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Printf("snapshot: parse %s: %v, discarding", runID, err)
		s.Delete(runID)
		return nil
	}

	if rec.Version != SchemaVersion || rec.RunStatus != expectedStatus {
		s.Delete(runID)
		return nil
	}
	return rec.Body
}

// Write stores a snapshot for a run. Failures are logged and swallowed.
func (s *Store) Write(runID, runStatus string, body json.RawMessage) {
	if err := s.open(); err != nil {
		log.Printf("snapshot: open cache dir: %v", err)
		return
	}

	rec := Record{
		RunID:     runID,
		Version:   SchemaVersion,
		RunStatus: runStatus,
		Body:      body,
		SavedAt:   time.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		log.Printf("snapshot: marshal %s: %v", runID, err)
		return
	}

	// Atomic write: temp file + rename
	path := s.path(runID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		log.Printf("snapshot: write %s: %v", runID, err)
		return
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		log.Printf("snapshot: rename %s: %v", runID, err)
	}
}

// Delete removes a run's snapshot. Callers invoke this when a cached body
// falls behind reality: the run went live again or synced external events.
func (s *Store) Delete(runID string) {
	if err := os.Remove(s.path(runID)); err != nil && !os.IsNotExist(err) {
		log.Printf("snapshot: delete %s: %v", runID, err)
	}
}

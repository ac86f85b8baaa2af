// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDirectory_PersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.json")

	d := NewDirectory(path)
	d.Put(Run{ID: "r1", Status: PhaseCompleted, StartedAt: time.Now().Add(-time.Hour)})
	d.Put(Run{ID: "r2", Status: PhaseRunning, StartedAt: time.Now()})

	// Reload simulates a restart. The run recorded as running predates the
	// crash and must come back stopped.
	d2 := NewDirectory(path)
	r1, ok := d2.Get("r1")
	if !ok {
		t.Fatal("r1 missing after reload")
	}
	if r1.Status != PhaseCompleted {
		t.Errorf("r1 status = %v, want completed", r1.Status)
	}
	r2, ok := d2.Get("r2")
	if !ok {
		t.Fatal("r2 missing after reload")
	}
	if r2.Status != PhaseStopped {
		t.Errorf("r2 status = %v, want stopped (demoted)", r2.Status)
	}
}

func TestDirectory_ListNewestFirst(t *testing.T) {
	d := NewDirectory("")
	base := time.Now()
	d.Put(Run{ID: "old", StartedAt: base.Add(-2 * time.Hour)})
	d.Put(Run{ID: "new", StartedAt: base})
	d.Put(Run{ID: "mid", StartedAt: base.Add(-time.Hour)})

	runs := d.List()
	if len(runs) != 3 {
		t.Fatalf("len = %d, want 3", len(runs))
	}
	if runs[0].ID != "new" || runs[1].ID != "mid" || runs[2].ID != "old" {
		t.Errorf("order = %s, %s, %s", runs[0].ID, runs[1].ID, runs[2].ID)
	}
}

func TestDirectory_Delete(t *testing.T) {
	d := NewDirectory("")
	d.Put(Run{ID: "r1"})
	d.Delete("r1")
	if _, ok := d.Get("r1"); ok {
		t.Error("r1 still present after delete")
	}
}

func TestPhase_Predicates(t *testing.T) {
	terminal := []Phase{PhaseStopped, PhaseFailed, PhaseCompleted}
	for _, p := range terminal {
		if !p.Terminal() {
			t.Errorf("%v should be terminal", p)
		}
	}
	for _, p := range []Phase{PhasePending, PhaseSpawning, PhaseRunning, PhaseIdle} {
		if p.Terminal() {
			t.Errorf("%v should not be terminal", p)
		}
	}
	for _, p := range []Phase{PhaseIdle, PhaseStopped} {
		if !p.ResumeEligible() {
			t.Errorf("%v should be resume-eligible", p)
		}
	}
	for _, p := range []Phase{PhaseRunning, PhaseFailed, PhaseCompleted, PhaseSpawning} {
		if p.ResumeEligible() {
			t.Errorf("%v should not be resume-eligible", p)
		}
	}
}

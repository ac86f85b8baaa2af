// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package resume reattaches, re-spawns, and duplicates runs whose backend
// session still exists. Continue and resume act on the active run; fork
// creates a new run from the source and navigates to it only on success.
package resume

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wingedpig/strand/internal/backend"
	"github.com/wingedpig/strand/internal/session"
)

// ForkPhase is the state of the fork UI machine.
type ForkPhase string

const (
	ForkIdle       ForkPhase = "idle"
	ForkActivating ForkPhase = "activating"
	ForkFailed     ForkPhase = "failed"
)

// ForkState is the observable fork overlay state.
type ForkState struct {
	Phase ForkPhase `json:"phase"`
	// RunID is the half-created run while activating or failed.
	RunID string            `json:"run_id,omitempty"`
	Err   *session.RunError `json:"error,omitempty"`
}

// Orchestrator drives the continue/resume/fork protocols against the backend
// and the session store. One orchestrator serves one store.
type Orchestrator struct {
	mu     sync.Mutex
	client backend.Client
	store  *session.Store
	dir    *session.Directory

	forkGen   int
	fork      ForkState
	forkSrcID string
}

// New creates an orchestrator over the given collaborators.
func New(client backend.Client, store *session.Store, dir *session.Directory) *Orchestrator {
	return &Orchestrator{client: client, store: store, dir: dir}
}

// eligible validates that a run can enter a resume protocol.
func (o *Orchestrator) eligible(runID string) (session.Run, error) {
	run, ok := o.dir.Get(runID)
	if !ok {
		return session.Run{}, session.ErrRunNotFound
	}
	if run.SessionID == "" {
		return session.Run{}, fmt.Errorf("run %s has no backend session to resume", runID)
	}
	if !run.Status.ResumeEligible() {
		return session.Run{}, fmt.Errorf("run %s is %s; only idle or stopped runs can be resumed", runID, run.Status)
	}
	return run, nil
}

// Continue reattaches to a run's backend session. If the local process handle
// is still alive it is reattached in place; otherwise a fresh stream is
// requested against the stored session ID. On failure the viewer keeps the
// stale history it already has.
func (o *Orchestrator) Continue(ctx context.Context, runID string) error {
	run, err := o.eligible(runID)
	if err != nil {
		return err
	}

	if o.client.Alive(runID) {
		// The process never died; just reattach the stream.
		if err := o.store.LoadRun(ctx, runID); err != nil {
			return fmt.Errorf("continue reattach: %w", err)
		}
		return nil
	}

	if _, err := o.client.Continue(ctx, runID, run.SessionID); err != nil {
		return fmt.Errorf("continue: %w", err)
	}
	o.store.Reactivate(runID)
	if err := o.store.LoadRun(ctx, runID); err != nil {
		return fmt.Errorf("continue reload: %w", err)
	}
	return nil
}

// Resume starts a new backend process bound to the run's existing session ID,
// replaying backend-side history. On failure the viewer keeps the stale
// history.
func (o *Orchestrator) Resume(ctx context.Context, runID string) error {
	run, err := o.eligible(runID)
	if err != nil {
		return err
	}

	if _, err := o.client.Resume(ctx, runID, run.SessionID); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	o.store.Reactivate(runID)
	if err := o.store.LoadRun(ctx, runID); err != nil {
		return fmt.Errorf("resume reload: %w", err)
	}
	return nil
}

// ForkState returns the current fork overlay state.
func (o *Orchestrator) ForkState() ForkState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fork
}

// Fork duplicates sourceRunID's backend session into a new run and switches
// to it. Phase 1 is a oneshot duplicate against the source; the source run's
// own subscription is untouched, so the duplicate completing is never read as
// the source stopping. Phase 2 opens live streaming on the new run.
func (o *Orchestrator) Fork(ctx context.Context, sourceRunID string) error {
	src, err := o.eligible(sourceRunID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.fork.Phase == ForkActivating {
		o.mu.Unlock()
		return fmt.Errorf("fork already in progress")
	}
	o.forkGen++
	gen := o.forkGen
	o.forkSrcID = sourceRunID
	o.fork = ForkState{Phase: ForkActivating}
	o.mu.Unlock()

	o.runFork(ctx, gen, src)
	return nil
}

// runFork executes both fork phases under the given attempt generation.
func (o *Orchestrator) runFork(ctx context.Context, gen int, src session.Run) {
	// Phase 1: oneshot duplicate.
	h, err := o.client.Fork(ctx, src.SessionID)
	if err != nil {
		o.failFork(gen, "", session.ClassifyError(err))
		return
	}
	newRunID := h.RunID
	if newRunID == "" {
		newRunID = uuid.New().String()
	}

	o.mu.Lock()
	if o.forkGen != gen {
		o.mu.Unlock()
		// A newer attempt or a cancel superseded this one; clean up the
		// duplicate we just created.
		o.discard(newRunID)
		return
	}
	o.fork.RunID = newRunID
	o.mu.Unlock()

	o.dir.Put(session.Run{
		ID:          newRunID,
		SessionID:   h.SessionID,
		Status:      session.PhaseStopped,
		CWD:         src.CWD,
		Agent:       src.Agent,
		Model:       src.Model,
		PlatformID:  src.PlatformID,
		ParentRunID: src.ID,
		StartedAt:   time.Now(),
	})

	// Phase 2: open live streaming on the new run and navigate to it.
	if _, err := o.client.Continue(ctx, newRunID, h.SessionID); err != nil {
		o.failFork(gen, newRunID, session.ClassifyError(err))
		return
	}

	o.mu.Lock()
	if o.forkGen != gen {
		o.mu.Unlock()
		o.discard(newRunID)
		return
	}
	o.fork = ForkState{Phase: ForkIdle}
	o.mu.Unlock()

	o.store.Reactivate(newRunID)
	if err := o.store.LoadRun(ctx, newRunID); err != nil {
		log.Printf("resume: load forked run %s: %v", newRunID, err)
	}
}

// failFork moves the machine to failed exactly once per attempt. A repeat
// failure signal for the same attempt, or any signal for a stale attempt,
// is a no-op.
func (o *Orchestrator) failFork(gen int, runID string, runErr *session.RunError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.forkGen != gen {
		return
	}
	if o.fork.Phase == ForkFailed && o.fork.Err != nil {
		return
	}
	o.fork = ForkState{Phase: ForkFailed, RunID: runID, Err: runErr}
}

// RetryFork discards the half-created run and restarts phase 1 against the
// original source.
func (o *Orchestrator) RetryFork(ctx context.Context) error {
	o.mu.Lock()
	if o.fork.Phase != ForkFailed {
		o.mu.Unlock()
		return fmt.Errorf("no failed fork to retry")
	}
	stale := o.fork.RunID
	srcID := o.forkSrcID
	o.forkGen++
	gen := o.forkGen
	o.fork = ForkState{Phase: ForkActivating}
	o.mu.Unlock()

	o.discard(stale)

	src, err := o.eligible(srcID)
	if err != nil {
		o.failFork(gen, "", session.ClassifyError(err))
		return err
	}
	o.runFork(ctx, gen, src)
	return nil
}

// CancelFork kills the half-created run and returns the machine to idle. The
// viewer stays on the source run.
func (o *Orchestrator) CancelFork(ctx context.Context) {
	o.mu.Lock()
	if o.fork.Phase == ForkIdle {
		o.mu.Unlock()
		return
	}
	stale := o.fork.RunID
	o.forkGen++
	o.fork = ForkState{Phase: ForkIdle}
	o.forkSrcID = ""
	o.mu.Unlock()

	o.discard(stale)
}

// discard best-effort kills and forgets a half-created run.
func (o *Orchestrator) discard(runID string) {
	if runID == "" {
		return
	}
	if o.client.Alive(runID) {
		if err := o.client.Stop(context.Background(), runID); err != nil {
			log.Printf("resume: stop discarded fork %s: %v", runID, err)
		}
	}
	o.dir.Delete(runID)
}

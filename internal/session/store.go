// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wingedpig/strand/internal/activity"
	"github.com/wingedpig/strand/internal/backend"
	"github.com/wingedpig/strand/internal/dispatch"
	"github.com/wingedpig/strand/internal/snapshot"
	"github.com/wingedpig/strand/internal/timeline"
	"github.com/wingedpig/strand/internal/usage"
)

// ChangeKind names what part of the store a StateChange touched.
type ChangeKind string

const (
	ChangePhase    ChangeKind = "phase"
	ChangeTimeline ChangeKind = "timeline"
	ChangeUsage    ChangeKind = "usage"
	ChangeContext  ChangeKind = "context"
	ChangeFiles    ChangeKind = "files"
	ChangeError    ChangeKind = "error"
	ChangeOutput   ChangeKind = "output"
)

// StateChange is pushed to subscribers after each mutation so the rendering
// layer can re-read the affected state without coupling to a reactivity
// engine.
type StateChange struct {
	Kind  ChangeKind `json:"kind"`
	RunID string     `json:"run_id"`
}

// Store is the single source of truth for the active run's live state. All
// mutation funnels through its mutex; async steps capture the load generation
// at entry and discard their results if a newer load has since started.
type Store struct {
	mu     sync.Mutex
	client backend.Client
	cache  *snapshot.Store
	dir    *Directory
	mw     *dispatch.Middleware

	loadGen int

	run      *Run
	entries  []timeline.Entry
	turns    usage.Tracker
	contexts *usage.ContextTracker
	files    []activity.FileEntry
	terminal bytes.Buffer
	turn     int
	runErr   *RunError

	// Hot-switchable configuration, applied to the next spawn and pushed to
	// a live run where the backend supports it.
	model          string
	permissionMode string
	platformID     string
	remoteHostName string

	subscribers map[chan StateChange]struct{}
}

// storedState is the serialized form persisted in the snapshot cache.
type storedState struct {
	Run      Run                     `json:"run"`
	Entries  []timeline.Entry        `json:"entries"`
	Turns    []usage.TurnUsage       `json:"turns"`
	Contexts []usage.ContextSnapshot `json:"contexts"`
	Files    []activity.FileEntry    `json:"files"`
	Turn     int                     `json:"turn"`
}

// NewStore creates a session store over the given collaborators.
func NewStore(client backend.Client, cache *snapshot.Store, dir *Directory, mw *dispatch.Middleware) *Store {
	return &Store{
		client:      client,
		cache:       cache,
		dir:         dir,
		mw:          mw,
		contexts:    usage.NewContextTracker(),
		subscribers: make(map[chan StateChange]struct{}),
	}
}

// Subscribe returns a channel receiving state-change notifications. The
// channel is buffered; a slow subscriber loses notifications, not state.
func (s *Store) Subscribe() chan StateChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan StateChange, 64)
	s.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber channel. Safe to call if already removed.
func (s *Store) Unsubscribe(ch chan StateChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[ch]; ok {
		delete(s.subscribers, ch)
		close(ch)
	}
}

// notifyLocked fans a change out to subscribers. Must be called with s.mu held.
func (s *Store) notifyLocked(kind ChangeKind) {
	runID := ""
	if s.run != nil {
		runID = s.run.ID
	}
	change := StateChange{Kind: kind, RunID: runID}
	for ch := range s.subscribers {
		select {
		case ch <- change:
		default:
			// Drop if subscriber buffer is full
		}
	}
}

// stale reports whether a newer load has started since gen was captured.
func (s *Store) stale(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadGen != gen
}

// resetLocked clears all derived state and installs run as the active run.
func (s *Store) resetLocked(run *Run) {
	if s.run != nil {
		s.contexts.Reset(s.run.ID)
	}
	s.run = run
	s.entries = nil
	s.turns.Reset()
	s.files = nil
	s.terminal.Reset()
	s.turn = 0
	s.runErr = nil
	if run != nil {
		s.model = run.Model
		s.platformID = run.PlatformID
	}
}

// LoadRun switches the store to another run. Not reentrant-safe by design:
// each call bumps the load generation and any state mutation scheduled by an
// async step of an older generation is discarded.
func (s *Store) LoadRun(ctx context.Context, id string) error {
	run, ok := s.dir.Get(id)
	if !ok {
		return ErrRunNotFound
	}

	s.mu.Lock()
	s.loadGen++
	gen := s.loadGen
	s.mw.Detach()
	s.resetLocked(&run)
	s.notifyLocked(ChangePhase)
	s.mu.Unlock()

	if run.Status.Terminal() {
		if body := s.cache.Read(id, string(run.Status)); body != nil {
			return s.hydrate(gen, id, body)
		}
	}

	// No snapshot: replay the recorded history through the reducers.
	if run.SessionID != "" {
		events, err := s.client.History(ctx, run.SessionID)
		if err != nil {
			if !s.stale(gen) {
				s.setError(ClassifyError(err))
			}
			return fmt.Errorf("load history for %s: %w", id, err)
		}
		if s.stale(gen) {
			return nil
		}
		s.replay(gen, events)
	}

	// Reattach when the run's process handle is still alive.
	if !run.Status.Terminal() && s.client.Alive(id) {
		if s.stale(gen) {
			return nil
		}
		s.mw.SubscribeCurrent(ctx, id, s)
	}
	return nil
}

// hydrate restores the store from a serialized snapshot body.
func (s *Store) hydrate(gen int, runID string, body json.RawMessage) error {
	var state storedState
	if err := json.Unmarshal(body, &state); err != nil {
		// A snapshot that does not parse is stale by definition.
		s.cache.Delete(runID)
		return fmt.Errorf("hydrate snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadGen != gen {
		return nil
	}
	s.entries = state.Entries
	s.turns.Restore(state.Turns)
	s.contexts.Restore(state.Run.ID, state.Contexts)
	s.files = state.Files
	s.turn = state.Turn
	s.notifyLocked(ChangeTimeline)
	s.notifyLocked(ChangeUsage)
	return nil
}

// replay folds recorded events through the same path live events take.
func (s *Store) replay(gen int, events []backend.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadGen != gen {
		return
	}
	for _, ev := range events {
		s.applyLocked(ev)
	}
}

// StartSession creates a new run and spawns its backend process.
func (s *Store) StartSession(ctx context.Context, prompt, cwd string, attachments []string) (string, error) {
	runID := uuid.New().String()

	s.mu.Lock()
	s.loadGen++
	gen := s.loadGen
	s.mw.Detach()
	run := Run{
		ID:         runID,
		Status:     PhaseSpawning,
		CWD:        cwd,
		Agent:      s.platformID,
		Model:      s.model,
		PlatformID: s.platformID,
		StartedAt:  time.Now(),
	}
	s.resetLocked(&run)
	s.turn = 1
	s.entries = timeline.Reduce(s.entries, backend.Event{
		Kind:        backend.EventUserText,
		RunID:       runID,
		Text:        prompt,
		Attachments: attachments,
	})
	model := s.model
	permissionMode := s.permissionMode
	s.notifyLocked(ChangeTimeline)
	s.notifyLocked(ChangePhase)
	s.mu.Unlock()
	s.dir.Put(run)

	h, err := s.client.Spawn(ctx, backend.SpawnRequest{
		RunID:          runID,
		Prompt:         prompt,
		CWD:            cwd,
		Attachments:    attachments,
		Model:          model,
		PermissionMode: permissionMode,
	})
	if err != nil {
		if !s.stale(gen) {
			s.mu.Lock()
			if s.run != nil && s.run.ID == runID {
				s.run.Status = PhaseFailed
				now := time.Now()
				s.run.EndedAt = &now
				s.dirPutLocked()
				s.notifyLocked(ChangePhase)
			}
			s.mu.Unlock()
			s.setError(ClassifyError(err))
		}
		return runID, fmt.Errorf("spawn: %w", err)
	}
	if s.stale(gen) {
		return runID, nil
	}

	s.mu.Lock()
	if s.run != nil && s.run.ID == runID {
		s.run.SessionID = h.SessionID
		s.run.Status = PhaseRunning
		s.dirPutLocked()
		s.notifyLocked(ChangePhase)
	}
	s.mu.Unlock()

	s.mw.SubscribeCurrent(ctx, runID, s)
	return runID, nil
}

// SendMessage sends a user message on the active run.
func (s *Store) SendMessage(ctx context.Context, text string, attachments []string) error {
	s.mu.Lock()
	if s.run == nil {
		s.mu.Unlock()
		return ErrRunNotFound
	}
	if s.run.Status != PhaseIdle {
		status := s.run.Status
		s.mu.Unlock()
		return fmt.Errorf("run is %s, not idle", status)
	}
	runID := s.run.ID
	prevTurn := s.turn
	s.turn++
	s.entries = timeline.Reduce(s.entries, backend.Event{
		Kind:        backend.EventUserText,
		RunID:       runID,
		Text:        text,
		Attachments: attachments,
	})
	s.run.Status = PhaseRunning
	s.notifyLocked(ChangeTimeline)
	s.notifyLocked(ChangePhase)
	s.mu.Unlock()

	err := s.client.Send(ctx, runID, backend.UserMessage{Text: text, Attachments: attachments})
	if err != nil {
		// The message never reached the backend: revert the optimistic phase
		// flip but keep the entry so the user sees what failed.
		s.mu.Lock()
		if s.run != nil && s.run.ID == runID {
			s.run.Status = PhaseIdle
			s.turn = prevTurn
			s.notifyLocked(ChangePhase)
		}
		s.mu.Unlock()
		s.setError(ClassifyError(err))
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Interrupt aborts the active run's current turn. The phase flips back to
// idle when the backend acknowledges with a turn boundary.
func (s *Store) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	if s.run == nil {
		s.mu.Unlock()
		return ErrRunNotFound
	}
	runID := s.run.ID
	s.mu.Unlock()

	if err := s.client.Interrupt(ctx, runID); err != nil {
		s.setError(ClassifyError(err))
		return fmt.Errorf("interrupt: %w", err)
	}
	return nil
}

// Stop terminates the active run.
func (s *Store) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.run == nil {
		s.mu.Unlock()
		return ErrRunNotFound
	}
	runID := s.run.ID
	s.mu.Unlock()

	if err := s.client.Stop(ctx, runID); err != nil {
		s.setError(ClassifyError(err))
		return fmt.Errorf("stop: %w", err)
	}

	s.mu.Lock()
	if s.run != nil && s.run.ID == runID {
		s.finishLocked(PhaseStopped)
	}
	s.mu.Unlock()
	return nil
}

// Reactivate marks a previously terminal run live again after a successful
// continue/resume. Its cached snapshot is now behind reality and is deleted.
func (s *Store) Reactivate(runID string) {
	s.cache.Delete(runID)
	if r, ok := s.dir.Get(runID); ok && r.Status != PhaseIdle {
		r.Status = PhaseIdle
		r.EndedAt = nil
		s.dir.Put(r)
	}
	s.mu.Lock()
	if s.run != nil && s.run.ID == runID {
		s.run.Status = PhaseIdle
		s.run.EndedAt = nil
		s.notifyLocked(ChangePhase)
	}
	s.mu.Unlock()
}

// finishLocked moves the active run to a terminal phase and snapshots it.
// Must be called with s.mu held.
func (s *Store) finishLocked(status Phase) {
	s.run.Status = status
	now := time.Now()
	s.run.EndedAt = &now
	s.dirPutLocked()
	s.writeSnapshotLocked()
	s.notifyLocked(ChangePhase)
}

func (s *Store) dirPutLocked() {
	if s.run != nil {
		s.dir.Put(*s.run)
	}
}

// writeSnapshotLocked serializes the store into the snapshot cache. Must be
// called with s.mu held and a terminal run status.
func (s *Store) writeSnapshotLocked() {
	state := storedState{
		Run:      *s.run,
		Entries:  s.entries,
		Turns:    s.turns.Turns(),
		Contexts: s.contexts.Snapshots(s.run.ID),
		Files:    s.files,
		Turn:     s.turn,
	}
	body, err := json.Marshal(state)
	if err != nil {
		log.Printf("session [%s]: marshal snapshot: %v", s.run.ID, err)
		return
	}
	s.cache.Write(s.run.ID, string(s.run.Status), body)
}

// setError attaches a classified error to the visible error field. Errors
// are never silently dropped.
func (s *Store) setError(err *RunError) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.runErr = err
	s.notifyLocked(ChangeError)
	s.mu.Unlock()
}

// ClearError drops the visible error, e.g. after the user dismisses it.
func (s *Store) ClearError() {
	s.mu.Lock()
	s.runErr = nil
	s.notifyLocked(ChangeError)
	s.mu.Unlock()
}

// ActiveRunID implements dispatch.Sink.
func (s *Store) ActiveRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return ""
	}
	return s.run.ID
}

// Apply implements dispatch.Sink: it folds one backend event into the store.
func (s *Store) Apply(ev backend.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return
	}
	if ev.RunID != "" && ev.RunID != s.run.ID {
		// Events for another run must never reach the reducers.
		return
	}
	s.applyLocked(ev)
}

func (s *Store) applyLocked(ev backend.Event) {
	switch ev.Kind {
	case backend.EventInit:
		if ev.SessionID != "" && s.run.SessionID != ev.SessionID {
			s.run.SessionID = ev.SessionID
			s.dirPutLocked()
		}
		if s.run.Status == PhasePending || s.run.Status == PhaseSpawning {
			s.run.Status = PhaseRunning
			s.notifyLocked(ChangePhase)
		}

	case backend.EventUserText:
		s.turn++
		if s.run.Status == PhaseIdle {
			s.run.Status = PhaseRunning
			s.notifyLocked(ChangePhase)
		}
		s.entries = timeline.Reduce(s.entries, ev)
		s.notifyLocked(ChangeTimeline)

	case backend.EventAssistantDelta, backend.EventAssistantText,
		backend.EventToolStart, backend.EventToolUpdate,
		backend.EventCommandOutput, backend.EventSeparator:
		s.entries = timeline.Reduce(s.entries, ev)
		s.notifyLocked(ChangeTimeline)

	case backend.EventTurnEnd:
		s.entries = timeline.Reduce(s.entries, ev)
		turn := ev.Turn
		if turn == 0 {
			turn = s.turn
		}
		if ev.Usage != nil {
			s.turns.Upsert(usage.TurnUsage{
				TurnIndex:        turn,
				InputTokens:      ev.Usage.InputTokens,
				OutputTokens:     ev.Usage.OutputTokens,
				CacheReadTokens:  ev.Usage.CacheReadTokens,
				CacheWriteTokens: ev.Usage.CacheWriteTokens,
			})
			s.notifyLocked(ChangeUsage)
		}
		if s.run.Status == PhaseRunning {
			s.run.Status = PhaseIdle
			s.notifyLocked(ChangePhase)
		}
		s.notifyLocked(ChangeTimeline)

	case backend.EventContextReport:
		if ev.Report == nil {
			return
		}
		turn := ev.Turn
		if turn == 0 {
			turn = s.turn
		}
		ts := ev.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		s.contexts.Upsert(usage.ContextSnapshot{
			RunID:     s.run.ID,
			TurnIndex: turn,
			Timestamp: ts,
			Report:    *ev.Report,
		})
		s.notifyLocked(ChangeContext)

	case backend.EventFileActivity:
		incoming := make([]activity.FileEntry, 0, len(ev.Files))
		for _, f := range ev.Files {
			incoming = append(incoming, activity.FileEntry{
				Path:      f.Path,
				Action:    activity.Action(f.Action),
				ToolUseID: f.ToolUseID,
				Status:    f.Status,
			})
		}
		s.files = activity.Merge(
			activity.Source{Entries: s.files, HasTemporalOrder: true},
			activity.Source{Entries: incoming, HasTemporalOrder: true},
		)
		s.notifyLocked(ChangeFiles)

	case backend.EventStderr:
		// Out-of-band diagnostics. Only lines that classify to a known
		// failure bucket become user-visible; the rest are logged.
		kind := Classify(ev.ErrorSubtype, ev.Text)
		if ev.IsError || kind != ErrorUnknown {
			s.runErr = &RunError{Kind: kind, Message: ev.Text}
			s.notifyLocked(ChangeError)
		} else {
			log.Printf("session [%s]: stderr: %s", s.run.ID, ev.Text)
		}

	case backend.EventResult:
		if s.run.Status.Terminal() {
			// The run already finished locally (a user stop, typically). The
			// dying process's exit report must not reopen or reclassify it.
			return
		}
		if ev.IsError {
			// The backend explicitly reported termination: this is the one
			// path that moves the phase to failed.
			s.runErr = &RunError{
				Kind:    Classify(ev.ErrorSubtype, ev.ErrorText),
				Message: ev.ErrorText,
			}
			s.notifyLocked(ChangeError)
			s.finishLocked(PhaseFailed)
			return
		}
		s.finishLocked(PhaseCompleted)
	}
}

// Run returns a copy of the active run, or nil when none is loaded.
func (s *Store) Run() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	r := *s.run
	return &r
}

// Entries returns a copy of the current timeline.
func (s *Store) Entries() []timeline.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]timeline.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// TurnUsage returns the recorded per-turn usage in index order.
func (s *Store) TurnUsage() []usage.TurnUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns.Turns()
}

// UsageTotals sums all recorded turns.
func (s *Store) UsageTotals() usage.TurnUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns.Totals()
}

// ContextHistory returns the active run's context snapshots in turn order.
func (s *Store) ContextHistory() []usage.ContextSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.contexts.Snapshots(s.run.ID)
}

// LatestContext returns the most recent context snapshot, or nil.
func (s *Store) LatestContext() *usage.ContextSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.contexts.Latest(s.run.ID)
}

// Files returns the merged file-activity list.
func (s *Store) Files() []activity.FileEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]activity.FileEntry, len(s.files))
	copy(out, s.files)
	return out
}

// Err returns the current classified error, or nil.
func (s *Store) Err() *RunError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Terminal returns the accumulated raw terminal output (PTY mode only).
func (s *Store) Terminal() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, s.terminal.Len())
	copy(out, s.terminal.Bytes())
	return out
}

// Turn returns the current 1-based turn counter.
func (s *Store) Turn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// SetModel switches the model, optimistically for a live run. On backend
// rejection the prior value is restored.
func (s *Store) SetModel(ctx context.Context, model string) error {
	s.mu.Lock()
	prev := s.model
	s.model = model
	var runID string
	live := s.run != nil && !s.run.Status.Terminal()
	if live {
		runID = s.run.ID
		s.run.Model = model
		s.dirPutLocked()
	}
	s.notifyLocked(ChangePhase)
	s.mu.Unlock()

	if !live {
		return nil
	}
	if err := s.client.SetModel(ctx, runID, model); err != nil {
		s.mu.Lock()
		s.model = prev
		if s.run != nil && s.run.ID == runID {
			s.run.Model = prev
			s.dirPutLocked()
		}
		s.notifyLocked(ChangePhase)
		s.mu.Unlock()
		s.setError(ClassifyError(err))
		return fmt.Errorf("set model: %w", err)
	}
	return nil
}

// SetPermissionMode switches the permission mode, optimistically for a live
// run. On backend rejection the prior value is restored.
func (s *Store) SetPermissionMode(ctx context.Context, mode string) error {
	s.mu.Lock()
	prev := s.permissionMode
	s.permissionMode = mode
	var runID string
	live := s.run != nil && !s.run.Status.Terminal()
	if live {
		runID = s.run.ID
	}
	s.mu.Unlock()

	if !live {
		return nil
	}
	if err := s.client.SetPermissionMode(ctx, runID, mode); err != nil {
		s.mu.Lock()
		s.permissionMode = prev
		s.mu.Unlock()
		s.setError(ClassifyError(err))
		return fmt.Errorf("set permission mode: %w", err)
	}
	return nil
}

// Model returns the configured model.
func (s *Store) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// PermissionMode returns the configured permission mode.
func (s *Store) PermissionMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissionMode
}

// SetPlatformID records which agent platform new runs are created on.
func (s *Store) SetPlatformID(id string) {
	s.mu.Lock()
	s.platformID = id
	s.mu.Unlock()
}

// PlatformID returns the configured agent platform.
func (s *Store) PlatformID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.platformID
}

// SetRemoteHost records the remote host label shown alongside the run.
func (s *Store) SetRemoteHost(name string) {
	s.mu.Lock()
	s.remoteHostName = name
	s.mu.Unlock()
}

// RemoteHost returns the remote host label.
func (s *Store) RemoteHost() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteHostName
}

// ApplyOutput implements dispatch.Sink: raw terminal bytes in PTY mode.
func (s *Store) ApplyOutput(runID string, chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil || s.run.ID != runID {
		return
	}
	s.terminal.Write(chunk)
	s.notifyLocked(ChangeOutput)
}

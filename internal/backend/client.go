// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotRunning is returned for commands that require a live process.
var ErrNotRunning = errors.New("process not running")

// Handle identifies a spawned run: the client-assigned run ID and the
// backend-assigned session ID (stable across resumes).
type Handle struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
}

// SpawnRequest describes a new session to start.
type SpawnRequest struct {
	RunID          string   `json:"run_id"`
	Prompt         string   `json:"prompt"`
	CWD            string   `json:"cwd"`
	Attachments    []string `json:"attachments,omitempty"`
	Agent          string   `json:"agent,omitempty"`
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permission_mode,omitempty"`
}

// UserMessage is a message sent to a live run.
type UserMessage struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

// Client is the contract with the backend process supervisor. All calls are
// best-effort: commands against a run that is not live fail and the caller is
// responsible for reverting any optimistic state.
type Client interface {
	// Spawn starts a fresh session.
	Spawn(ctx context.Context, req SpawnRequest) (Handle, error)

	// Continue requests a fresh event stream against an existing backend
	// session without duplicating it. Used when the local process handle has
	// exited but reattachment is wanted.
	Continue(ctx context.Context, runID, sessionID string) (Handle, error)

	// Resume starts a new backend process instance bound to the same session
	// ID, replaying backend-side history.
	Resume(ctx context.Context, runID, sessionID string) (Handle, error)

	// Fork duplicates the source session under a new session ID. The source
	// run is not affected. This is a oneshot call: no stream is opened for
	// the new run until Continue/Resume is called on it.
	Fork(ctx context.Context, sourceSessionID string) (Handle, error)

	Send(ctx context.Context, runID string, msg UserMessage) error
	Interrupt(ctx context.Context, runID string) error
	Stop(ctx context.Context, runID string) error
	SetPermissionMode(ctx context.Context, runID, mode string) error
	SetModel(ctx context.Context, runID, model string) error

	// Alive reports whether the run's local process handle still exists.
	Alive(runID string) bool

	// History returns the full recorded event history for a session, used
	// when no snapshot is available and the timeline must be replayed.
	History(ctx context.Context, sessionID string) ([]Event, error)

	// Events is the streaming delta/done text channel for a run.
	Events(runID string) (<-chan Event, error)

	// Output is the raw terminal byte channel (legacy PTY mode). Returns
	// ErrNotRunning when the run was not spawned in PTY mode.
	Output(runID string) (<-chan []byte, error)

	// Notices is the out-of-band channel (stderr text and the like).
	Notices(runID string) (<-chan Event, error)

	// EventLogPath returns the on-disk event journal for a run, consumed by
	// the polling fallback when push registration fails.
	EventLogPath(runID string) string
}

// controlMessage is the JSON format for commands written to the process stdin.
type controlMessage struct {
	Kind        string          `json:"kind"`
	SessionID   string          `json:"session_id,omitempty"`
	Text        string          `json:"text,omitempty"`
	Attachments []string        `json:"attachments,omitempty"`
	Mode        string          `json:"mode,omitempty"`
	Model       string          `json:"model,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api exposes the engine to the rendering layer: REST commands over
// gorilla/mux plus a WebSocket per viewer that pushes state changes.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/wingedpig/strand/internal/dispatch"
	"github.com/wingedpig/strand/internal/resume"
	"github.com/wingedpig/strand/internal/session"
	"github.com/wingedpig/strand/internal/usage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RunHandler serves run state and commands to the rendering layer.
type RunHandler struct {
	store          *session.Store
	orch           *resume.Orchestrator
	dir            *session.Directory
	coalesceWindow time.Duration
}

// NewRunHandler creates a run handler. coalesceWindow bounds how often a
// streaming run pushes state over the WebSocket; zero uses the default.
func NewRunHandler(store *session.Store, orch *resume.Orchestrator, dir *session.Directory, coalesceWindow time.Duration) *RunHandler {
	return &RunHandler{store: store, orch: orch, dir: dir, coalesceWindow: coalesceWindow}
}

// runState is the full view the rendering layer draws from.
type runState struct {
	Run      *session.Run            `json:"run"`
	Entries  interface{}             `json:"entries"`
	Turns    []usage.TurnUsage       `json:"turns"`
	Totals   usage.TurnUsage         `json:"totals"`
	Contexts []usage.ContextSnapshot `json:"contexts"`
	Files    interface{}             `json:"files"`
	Error    *session.RunError       `json:"error,omitempty"`
	Fork     resume.ForkState        `json:"fork"`
}

func (h *RunHandler) state() runState {
	return runState{
		Run:      h.store.Run(),
		Entries:  h.store.Entries(),
		Turns:    h.store.TurnUsage(),
		Totals:   h.store.UsageTotals(),
		Contexts: h.store.ContextHistory(),
		Files:    h.store.Files(),
		Error:    h.store.Err(),
		Fork:     h.orch.ForkState(),
	}
}

// ListRuns returns all known runs, newest first.
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.dir.List())
}

// GetState returns the full state of the active run.
func (h *RunHandler) GetState(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.state())
}

// LoadRun switches the engine to another run.
func (h *RunHandler) LoadRun(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.store.LoadRun(r.Context(), vars["id"]); err != nil {
		if errors.Is(err, session.ErrRunNotFound) {
			WriteError(w, http.StatusNotFound, ErrNotFound, err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, h.state())
}

// StartSession creates a new run from a prompt.
func (h *RunHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt      string   `json:"prompt"`
		CWD         string   `json:"cwd"`
		Attachments []string `json:"attachments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Prompt == "" {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "prompt is required")
		return
	}

	runID, err := h.store.StartSession(r.Context(), body.Prompt, body.CWD, body.Attachments)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrRunError, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{"run_id": runID})
}

// SendMessage sends a user message on the active run.
func (h *RunHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text        string   `json:"text"`
		Attachments []string `json:"attachments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Text == "" {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "text is required")
		return
	}
	if err := h.store.SendMessage(r.Context(), body.Text, body.Attachments); err != nil {
		WriteError(w, http.StatusConflict, ErrConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Interrupt aborts the active run's current turn.
func (h *RunHandler) Interrupt(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Interrupt(r.Context()); err != nil {
		WriteError(w, http.StatusConflict, ErrRunError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stop terminates the active run.
func (h *RunHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Stop(r.Context()); err != nil {
		WriteError(w, http.StatusConflict, ErrRunError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Continue reattaches to a run's backend session.
func (h *RunHandler) Continue(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.orch.Continue(r.Context(), vars["id"]); err != nil {
		WriteError(w, http.StatusConflict, ErrRunError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, h.state())
}

// Resume re-spawns a backend process for a run's session.
func (h *RunHandler) Resume(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.orch.Resume(r.Context(), vars["id"]); err != nil {
		WriteError(w, http.StatusConflict, ErrRunError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, h.state())
}

// Fork duplicates a run's backend session into a new run.
func (h *RunHandler) Fork(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.orch.Fork(r.Context(), vars["id"]); err != nil {
		WriteError(w, http.StatusConflict, ErrForkError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, h.orch.ForkState())
}

// RetryFork restarts a failed fork attempt.
func (h *RunHandler) RetryFork(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.RetryFork(r.Context()); err != nil {
		WriteError(w, http.StatusConflict, ErrForkError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, h.orch.ForkState())
}

// CancelFork abandons a failed fork attempt.
func (h *RunHandler) CancelFork(w http.ResponseWriter, r *http.Request) {
	h.orch.CancelFork(r.Context())
	WriteJSON(w, http.StatusOK, h.orch.ForkState())
}

// SetModel switches the model for new turns.
func (h *RunHandler) SetModel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := h.store.SetModel(r.Context(), body.Model); err != nil {
		WriteError(w, http.StatusConflict, ErrRunError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetPermissionMode switches the permission mode.
func (h *RunHandler) SetPermissionMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := h.store.SetPermissionMode(r.Context(), body.Mode); err != nil {
		WriteError(w, http.StatusConflict, ErrRunError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearError dismisses the visible run error.
func (h *RunHandler) ClearError(w http.ResponseWriter, r *http.Request) {
	h.store.ClearError()
	w.WriteHeader(http.StatusNoContent)
}

// clientMessage is a command from the viewer over the WebSocket.
type clientMessage struct {
	Type        string   `json:"type"`
	Text        string   `json:"text,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	Model       string   `json:"model,omitempty"`
	Mode        string   `json:"mode,omitempty"`
}

// serverMessage is a push to the viewer.
type serverMessage struct {
	Type    string    `json:"type"`
	Change  string    `json:"change,omitempty"`
	State   *runState `json:"state,omitempty"`
	Message string    `json:"message,omitempty"`
}

// WebSocket streams state changes to one viewer and accepts commands.
func (h *RunHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Write mutex for thread-safe WebSocket writes
	var writeMu sync.Mutex
	writeJSON := func(msg serverMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(msg)
	}

	// Initial full state so the viewer can draw immediately.
	state := h.state()
	writeJSON(serverMessage{Type: "state", State: &state})

	// Subscribe before processing commands so no change is missed.
	changes := h.store.Subscribe()
	defer h.store.Unsubscribe(changes)

	// Streaming deltas arrive faster than a viewer can redraw; collapse
	// bursts of the same change kind into one trailing push.
	coalescer := dispatch.NewCoalescer(h.coalesceWindow)
	defer coalescer.Stop()

	go func() {
		for change := range changes {
			kind := string(change.Kind)
			coalescer.Request(kind, func() {
				state := h.state()
				writeJSON(serverMessage{Type: "change", Change: kind, State: &state})
			})
		}
	}()

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// done releases the ping goroutine when the handler returns; a stopped
	// ticker alone would leave it blocked forever.
	done := make(chan struct{})
	defer close(done)

	pingTicker := time.NewTicker(54 * time.Second)
	defer pingTicker.Stop()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msgBytes, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if json.Unmarshal(msgBytes, &msg) != nil {
			continue
		}

		switch msg.Type {
		case "message":
			if msg.Text == "" {
				continue
			}
			if err := h.store.SendMessage(r.Context(), msg.Text, msg.Attachments); err != nil {
				log.Printf("api: send: %v", err)
				writeJSON(serverMessage{Type: "error", Message: err.Error()})
			}

		case "interrupt":
			if err := h.store.Interrupt(r.Context()); err != nil {
				writeJSON(serverMessage{Type: "error", Message: err.Error()})
			}

		case "stop":
			if err := h.store.Stop(r.Context()); err != nil {
				writeJSON(serverMessage{Type: "error", Message: err.Error()})
			}

		case "model":
			if err := h.store.SetModel(r.Context(), msg.Model); err != nil {
				writeJSON(serverMessage{Type: "error", Message: err.Error()})
			}

		case "permission":
			if err := h.store.SetPermissionMode(r.Context(), msg.Mode); err != nil {
				writeJSON(serverMessage{Type: "error", Message: err.Error()})
			}

		case "clear_error":
			h.store.ClearError()
		}
	}
}

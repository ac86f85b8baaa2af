// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// apiHandler creates a handler that returns a standard API response.
func apiHandler(data interface{}, statusCode int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)

		resp := map[string]interface{}{
			"data": data,
		}
		json.NewEncoder(w).Encode(resp)
	}
}

// apiErrorHandler creates a handler that returns an API error.
func apiErrorHandler(code, message string, statusCode int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)

		resp := map[string]interface{}{
			"error": map[string]string{
				"code":    code,
				"message": message,
			},
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func TestNew(t *testing.T) {
	c := New("http://localhost:7333")

	if c.BaseURL() != "http://localhost:7333" {
		t.Errorf("BaseURL() = %q", c.BaseURL())
	}
	if c.Runs == nil || c.Fork == nil {
		t.Error("sub-clients not initialized")
	}
}

func TestNew_TrimsTrailingSlash(t *testing.T) {
	c := New("http://localhost:7333/")
	if c.BaseURL() != "http://localhost:7333" {
		t.Errorf("BaseURL() = %q", c.BaseURL())
	}
}

func TestWithTimeout(t *testing.T) {
	c := New("http://localhost:7333", WithTimeout(5*time.Second))
	if c.httpClient.Timeout != 5*time.Second {
		t.Errorf("timeout = %v", c.httpClient.Timeout)
	}
}

func TestRuns_List(t *testing.T) {
	runs := []Run{
		{ID: "run-1", Status: "completed"},
		{ID: "run-2", Status: "idle"},
	}
	srv := httptest.NewServer(apiHandler(runs, http.StatusOK))
	defer srv.Close()

	got, err := New(srv.URL).Runs.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].ID != "run-1" || got[1].Status != "idle" {
		t.Errorf("got %+v", got)
	}
}

func TestRuns_Start(t *testing.T) {
	var received StartRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/api/v1/runs" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&received)
		apiHandler(map[string]string{"run_id": "new-run"}, http.StatusCreated)(w, r)
	}))
	defer srv.Close()

	runID, err := New(srv.URL).Runs.Start(context.Background(), StartRequest{Prompt: "fix the bug"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if runID != "new-run" {
		t.Errorf("runID = %q", runID)
	}
	if received.Prompt != "fix the bug" {
		t.Errorf("prompt = %q", received.Prompt)
	}
}

func TestRuns_State(t *testing.T) {
	state := RunState{
		Run:   &Run{ID: "run-1", Status: "idle"},
		Turns: []TurnUsage{{TurnIndex: 1, InputTokens: 120, OutputTokens: 340}},
		Fork:  ForkState{Phase: "idle"},
	}
	srv := httptest.NewServer(apiHandler(state, http.StatusOK))
	defer srv.Close()

	got, err := New(srv.URL).Runs.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if got.Run.ID != "run-1" {
		t.Errorf("run = %+v", got.Run)
	}
	if len(got.Turns) != 1 || got.Turns[0].InputTokens != 120 {
		t.Errorf("turns = %+v", got.Turns)
	}
}

func TestRuns_SendNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := New(srv.URL).Runs.Send(context.Background(), MessageRequest{Text: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(apiErrorHandler("NOT_FOUND", "run not found", http.StatusNotFound))
	defer srv.Close()

	_, err := New(srv.URL).Runs.Load(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error type %T", err)
	}
	if apiErr.Code != "NOT_FOUND" {
		t.Errorf("code = %q", apiErr.Code)
	}
	if apiErr.Error() != "NOT_FOUND: run not found" {
		t.Errorf("Error() = %q", apiErr.Error())
	}
}

func TestFork_Start(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs/run-src/fork" {
			t.Errorf("path = %s", r.URL.Path)
		}
		apiHandler(ForkState{Phase: "idle"}, http.StatusOK)(w, r)
	}))
	defer srv.Close()

	state, err := New(srv.URL).Fork.Start(context.Background(), "run-src")
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if state.Phase != "idle" {
		t.Errorf("phase = %q", state.Phase)
	}
}

func TestFork_FailedState(t *testing.T) {
	state := ForkState{
		Phase: "failed",
		RunID: "half-made",
		Error: &RunError{Kind: "server_issue", Message: "overloaded"},
	}
	srv := httptest.NewServer(apiHandler(state, http.StatusOK))
	defer srv.Close()

	got, err := New(srv.URL).Fork.Retry(context.Background())
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got.Error == nil || got.Error.Kind != "server_issue" {
		t.Errorf("got %+v", got)
	}
}

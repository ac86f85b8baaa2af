// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"fmt"
)

// RunClient provides access to run state and commands.
//
// Access this client through [Client.Runs]:
//
//	runs, err := client.Runs.List(ctx)
type RunClient struct {
	c *Client
}

// List returns all known runs, newest first.
func (r *RunClient) List(ctx context.Context) ([]Run, error) {
	data, err := r.c.get(ctx, "/api/v1/runs")
	if err != nil {
		return nil, err
	}

	var runs []Run
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, fmt.Errorf("failed to parse runs: %w", err)
	}
	return runs, nil
}

// State returns the full state of the active run.
func (r *RunClient) State(ctx context.Context) (*RunState, error) {
	data, err := r.c.get(ctx, "/api/v1/runs/active")
	if err != nil {
		return nil, err
	}
	return parseState(data)
}

// Load switches the engine to another run and returns the resulting state.
func (r *RunClient) Load(ctx context.Context, runID string) (*RunState, error) {
	data, err := r.c.post(ctx, "/api/v1/runs/"+runID+"/load")
	if err != nil {
		return nil, err
	}
	return parseState(data)
}

// Start creates a new run from a prompt and returns its run ID.
func (r *RunClient) Start(ctx context.Context, req StartRequest) (string, error) {
	data, err := r.c.postJSON(ctx, "/api/v1/runs", req)
	if err != nil {
		return "", err
	}

	var resp struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("failed to parse start response: %w", err)
	}
	return resp.RunID, nil
}

// Send sends a user message on the active run.
func (r *RunClient) Send(ctx context.Context, req MessageRequest) error {
	_, err := r.c.postJSON(ctx, "/api/v1/runs/active/message", req)
	return err
}

// Interrupt aborts the active run's current turn.
func (r *RunClient) Interrupt(ctx context.Context) error {
	_, err := r.c.post(ctx, "/api/v1/runs/active/interrupt")
	return err
}

// Stop terminates the active run.
func (r *RunClient) Stop(ctx context.Context) error {
	_, err := r.c.post(ctx, "/api/v1/runs/active/stop")
	return err
}

// Continue reattaches to a run's backend session.
func (r *RunClient) Continue(ctx context.Context, runID string) (*RunState, error) {
	data, err := r.c.post(ctx, "/api/v1/runs/"+runID+"/continue")
	if err != nil {
		return nil, err
	}
	return parseState(data)
}

// Resume re-spawns a backend process for a run's session.
func (r *RunClient) Resume(ctx context.Context, runID string) (*RunState, error) {
	data, err := r.c.post(ctx, "/api/v1/runs/"+runID+"/resume")
	if err != nil {
		return nil, err
	}
	return parseState(data)
}

// SetModel switches the model for new turns.
func (r *RunClient) SetModel(ctx context.Context, model string) error {
	_, err := r.c.putJSON(ctx, "/api/v1/runs/active/model", map[string]string{"model": model})
	return err
}

// SetPermissionMode switches the permission mode.
func (r *RunClient) SetPermissionMode(ctx context.Context, mode string) error {
	_, err := r.c.putJSON(ctx, "/api/v1/runs/active/permission", map[string]string{"mode": mode})
	return err
}

// ClearError dismisses the visible run error.
func (r *RunClient) ClearError(ctx context.Context) error {
	_, err := r.c.delete(ctx, "/api/v1/runs/active/error")
	return err
}

// ForkClient provides access to the fork overlay machine.
//
// Access this client through [Client.Fork].
type ForkClient struct {
	c *Client
}

// Start duplicates a run's backend session into a new run.
func (f *ForkClient) Start(ctx context.Context, sourceRunID string) (*ForkState, error) {
	data, err := f.c.post(ctx, "/api/v1/runs/"+sourceRunID+"/fork")
	if err != nil {
		return nil, err
	}
	return parseForkState(data)
}

// Retry restarts a failed fork attempt.
func (f *ForkClient) Retry(ctx context.Context) (*ForkState, error) {
	data, err := f.c.post(ctx, "/api/v1/fork/retry")
	if err != nil {
		return nil, err
	}
	return parseForkState(data)
}

// Cancel abandons a failed fork attempt.
func (f *ForkClient) Cancel(ctx context.Context) (*ForkState, error) {
	data, err := f.c.post(ctx, "/api/v1/fork/cancel")
	if err != nil {
		return nil, err
	}
	return parseForkState(data)
}

func parseState(data []byte) (*RunState, error) {
	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	return &state, nil
}

func parseForkState(data []byte) (*ForkState, error) {
	var state ForkState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse fork state: %w", err)
	}
	return &state, nil
}

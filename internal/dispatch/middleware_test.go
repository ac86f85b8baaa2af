// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wingedpig/strand/internal/backend"
)

// recordingSink collects applied events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	runID  string
	events []backend.Event
	output [][]byte
}

func (s *recordingSink) ActiveRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

func (s *recordingSink) Apply(ev backend.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) ApplyOutput(runID string, chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = append(s.output, chunk)
}

func (s *recordingSink) applied() []backend.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.Event, len(s.events))
	copy(out, s.events)
	return out
}

// stubClient serves canned channels and can fail registration.
type stubClient struct {
	mu        sync.Mutex
	events    chan backend.Event
	notices   chan backend.Event
	output    chan []byte
	eventsErr error
	logPath   string
	attempts  int
}

func (f *stubClient) Spawn(ctx context.Context, req backend.SpawnRequest) (backend.Handle, error) {
	return backend.Handle{}, nil
}
func (f *stubClient) Continue(ctx context.Context, runID, sessionID string) (backend.Handle, error) {
	return backend.Handle{}, nil
}
func (f *stubClient) Resume(ctx context.Context, runID, sessionID string) (backend.Handle, error) {
	return backend.Handle{}, nil
}
func (f *stubClient) Fork(ctx context.Context, sourceSessionID string) (backend.Handle, error) {
	return backend.Handle{}, nil
}
func (f *stubClient) Send(ctx context.Context, runID string, msg backend.UserMessage) error {
	return nil
}
func (f *stubClient) Interrupt(ctx context.Context, runID string) error            { return nil }
func (f *stubClient) Stop(ctx context.Context, runID string) error                 { return nil }
func (f *stubClient) SetPermissionMode(ctx context.Context, runID, m string) error { return nil }
func (f *stubClient) SetModel(ctx context.Context, runID, model string) error      { return nil }
func (f *stubClient) Alive(runID string) bool                                      { return false }
func (f *stubClient) History(ctx context.Context, sid string) ([]backend.Event, error) {
	return nil, nil
}

func (f *stubClient) Events(runID string) (<-chan backend.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.eventsErr != nil {
		return nil, f.eventsErr
	}
	return f.events, nil
}

func (f *stubClient) Output(runID string) (<-chan []byte, error) {
	if f.output == nil {
		return nil, backend.ErrNotRunning
	}
	return f.output, nil
}

func (f *stubClient) Notices(runID string) (<-chan backend.Event, error) {
	if f.notices == nil {
		return nil, backend.ErrNotRunning
	}
	return f.notices, nil
}

func (f *stubClient) EventLogPath(runID string) string { return f.logPath }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestMiddleware_RoutesEventsToSink(t *testing.T) {
	client := &stubClient{events: make(chan backend.Event, 4)}
	m := New(client, Config{RetryAttempts: 1, RetryDelay: time.Millisecond, PollInterval: time.Hour})
	defer m.Detach()

	sink := &recordingSink{runID: "run-1"}
	m.SubscribeCurrent(context.Background(), "run-1", sink)

	client.events <- backend.Event{Kind: backend.EventAssistantDelta, RunID: "run-1", Text: "hi"}

	waitFor(t, func() bool { return len(sink.applied()) == 1 })
	if got := sink.applied()[0].Text; got != "hi" {
		t.Errorf("text = %q", got)
	}
}

func TestMiddleware_DropsEventsForOtherRuns(t *testing.T) {
	client := &stubClient{events: make(chan backend.Event, 4)}
	m := New(client, Config{RetryAttempts: 1, RetryDelay: time.Millisecond, PollInterval: time.Hour})
	defer m.Detach()

	sink := &recordingSink{runID: "run-1"}
	m.SubscribeCurrent(context.Background(), "run-1", sink)

	client.events <- backend.Event{Kind: backend.EventUserText, RunID: "other", Text: "wrong"}
	client.events <- backend.Event{Kind: backend.EventUserText, RunID: "run-1", Text: "right"}

	waitFor(t, func() bool { return len(sink.applied()) == 1 })
	if got := sink.applied()[0].Text; got != "right" {
		t.Errorf("text = %q", got)
	}
}

func TestMiddleware_ReplacementStopsOldDelivery(t *testing.T) {
	client := &stubClient{events: make(chan backend.Event, 4)}
	m := New(client, Config{RetryAttempts: 1, RetryDelay: time.Millisecond, PollInterval: time.Hour})
	defer m.Detach()

	oldSink := &recordingSink{runID: "run-1"}
	m.SubscribeCurrent(context.Background(), "run-1", oldSink)

	// Prove the old pump is attached before swapping channels.
	client.events <- backend.Event{Kind: backend.EventUserText, RunID: "run-1", Text: "before"}
	waitFor(t, func() bool { return len(oldSink.applied()) == 1 })

	newClient := make(chan backend.Event, 4)
	client.mu.Lock()
	client.events = newClient
	client.mu.Unlock()

	newSink := &recordingSink{runID: "run-2"}
	m.SubscribeCurrent(context.Background(), "run-2", newSink)

	newClient <- backend.Event{Kind: backend.EventUserText, RunID: "run-2", Text: "for new"}

	waitFor(t, func() bool { return len(newSink.applied()) == 1 })

	if len(oldSink.applied()) != 1 {
		t.Errorf("old sink has %d events after replacement, want 1", len(oldSink.applied()))
	}
}

func TestMiddleware_FallsBackToJournalTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run-1.jsonl")

	line, _ := json.Marshal(backend.Event{Kind: backend.EventUserText, RunID: "run-1", Text: "from journal"})
	if err := os.WriteFile(path, append(line, '\n'), 0644); err != nil {
		t.Fatal(err)
	}

	client := &stubClient{eventsErr: errors.New("push transport down"), logPath: path}
	m := New(client, Config{RetryAttempts: 2, RetryDelay: time.Millisecond, PollInterval: 10 * time.Millisecond})
	defer m.Detach()

	sink := &recordingSink{runID: "run-1"}
	m.SubscribeCurrent(context.Background(), "run-1", sink)

	waitFor(t, func() bool { return len(sink.applied()) == 1 })
	if got := sink.applied()[0].Text; got != "from journal" {
		t.Errorf("text = %q", got)
	}

	// Registration was retried before falling back.
	client.mu.Lock()
	attempts := client.attempts
	client.mu.Unlock()
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}

	// Appended lines are picked up by the poll loop.
	line2, _ := json.Marshal(backend.Event{Kind: backend.EventAssistantText, RunID: "run-1", Text: "appended"})
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write(append(line2, '\n'))
	f.Close()

	waitFor(t, func() bool { return len(sink.applied()) == 2 })
}

func TestMiddleware_RawOutputChannel(t *testing.T) {
	client := &stubClient{
		events: make(chan backend.Event),
		output: make(chan []byte, 2),
	}
	m := New(client, Config{RetryAttempts: 1, RetryDelay: time.Millisecond, PollInterval: time.Hour})
	defer m.Detach()

	sink := &recordingSink{runID: "run-1"}
	m.SubscribeCurrent(context.Background(), "run-1", sink)

	client.output <- []byte("raw bytes")

	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.output) == 1
	})
}

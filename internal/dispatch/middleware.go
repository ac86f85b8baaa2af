// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package dispatch owns the subscriptions to the backend's event transport
// and routes events by run ID to the currently-subscribed session store.
package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/wingedpig/strand/internal/backend"
)

// Sink receives routed backend traffic. The session store implements this.
type Sink interface {
	// ActiveRunID is the run the sink currently represents.
	ActiveRunID() string

	// Apply folds one event into the sink's state.
	Apply(ev backend.Event)

	// ApplyOutput receives raw terminal bytes (legacy PTY mode).
	ApplyOutput(runID string, chunk []byte)
}

// Config tunes listener registration and the polling fallback.
type Config struct {
	RetryAttempts int           // push registration attempts before falling back
	RetryDelay    time.Duration // fixed delay between attempts
	PollInterval  time.Duration // fallback tailer re-read interval
}

// DefaultConfig matches the documented resilience behavior: two attempts with
// a short fixed delay, then permanent fallback to polling.
func DefaultConfig() Config {
	return Config{
		RetryAttempts: 2,
		RetryDelay:    250 * time.Millisecond,
		PollInterval:  time.Second,
	}
}

// Middleware multiplexes the backend's three channels (raw terminal bytes,
// delta/done text events, out-of-band notices) to one sink at a time.
type Middleware struct {
	mu     sync.Mutex
	client backend.Client
	cfg    Config
	gen    int
	runID  string
	sink   Sink
	stop   chan struct{}
}

// New creates a middleware over the given backend client.
func New(client backend.Client, cfg Config) *Middleware {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 250 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Middleware{client: client, cfg: cfg}
}

// SubscribeCurrent atomically replaces the prior subscription with one for
// runID. Events still in flight for the previous run are dropped, never
// misapplied to the new sink.
func (m *Middleware) SubscribeCurrent(ctx context.Context, runID string, sink Sink) {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	if m.stop != nil {
		close(m.stop)
	}
	stop := make(chan struct{})
	m.stop = stop
	m.runID = runID
	m.sink = sink
	m.mu.Unlock()

	go m.attach(ctx, gen, runID, sink, stop)
}

// Detach drops the current subscription without installing a new one.
func (m *Middleware) Detach() {
	m.mu.Lock()
	m.gen++
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.runID = ""
	m.sink = nil
	m.mu.Unlock()
}

// attach registers the push listeners, retrying registration a bounded number
// of times before permanently degrading to the polling tailer.
func (m *Middleware) attach(ctx context.Context, gen int, runID string, sink Sink, stop chan struct{}) {
	events, ok := m.register(runID, stop, func() (<-chan backend.Event, error) {
		return m.client.Events(runID)
	})
	if !ok {
		// Push registration failed for good. Polling still produces an
		// eventually-consistent view even if every push attempt fails.
		if path := m.client.EventLogPath(runID); path != "" {
			log.Printf("dispatch [%s]: push registration failed, falling back to polling %s", runID, path)
			go m.tail(gen, runID, sink, stop, path)
		} else {
			log.Printf("dispatch [%s]: push registration failed and no event log available", runID)
		}
		return
	}
	go m.pumpEvents(gen, runID, sink, stop, events)

	if notices, ok := m.register(runID, stop, func() (<-chan backend.Event, error) {
		return m.client.Notices(runID)
	}); ok {
		go m.pumpEvents(gen, runID, sink, stop, notices)
	}

	// Raw output only exists in PTY mode; absence is not a failure.
	if output, err := m.client.Output(runID); err == nil {
		go m.pumpOutput(gen, runID, sink, stop, output)
	}
}

// register attempts a channel registration with fixed-delay retries.
func (m *Middleware) register(runID string, stop chan struct{}, open func() (<-chan backend.Event, error)) (<-chan backend.Event, bool) {
	var lastErr error
	for attempt := 0; attempt < m.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-stop:
				return nil, false
			case <-time.After(time.Duration(attempt) * m.cfg.RetryDelay):
			}
		}
		ch, err := open()
		if err == nil {
			return ch, true
		}
		lastErr = err
	}
	log.Printf("dispatch [%s]: listener registration failed: %v", runID, lastErr)
	return nil, false
}

func (m *Middleware) pumpEvents(gen int, runID string, sink Sink, stop chan struct{}, ch <-chan backend.Event) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.deliver(gen, runID, sink, ev)
		}
	}
}

func (m *Middleware) pumpOutput(gen int, runID string, sink Sink, stop chan struct{}, ch <-chan []byte) {
	for {
		select {
		case <-stop:
			return
		case chunk, ok := <-ch:
			if !ok {
				return
			}
			if m.current(gen) {
				sink.ApplyOutput(runID, chunk)
			}
		}
	}
}

// deliver applies an event unless the subscription has been replaced or the
// event belongs to a different run.
func (m *Middleware) deliver(gen int, runID string, sink Sink, ev backend.Event) {
	if !m.current(gen) {
		return
	}
	if ev.RunID != "" && ev.RunID != runID {
		return
	}
	sink.Apply(ev)
}

func (m *Middleware) current(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

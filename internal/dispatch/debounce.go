// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"sync"
	"time"
)

const defaultCoalesceWindow = 100 * time.Millisecond

// Coalescer collapses rapid consecutive sync requests per key into a single
// trailing call. It is a UI-facing convenience and orthogonal to correctness.
type Coalescer struct {
	mu     sync.Mutex
	window time.Duration
	timers map[string]*time.Timer
}

// NewCoalescer creates a coalescer with the given window.
func NewCoalescer(window time.Duration) *Coalescer {
	if window <= 0 {
		window = defaultCoalesceWindow
	}
	return &Coalescer{
		window: window,
		timers: make(map[string]*time.Timer),
	}
}

// Request schedules fn after the window; a repeat request for the same key
// resets the timer.
func (c *Coalescer) Request(key string, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if timer, exists := c.timers[key]; exists {
		timer.Stop()
	}
	c.timers[key] = time.AfterFunc(c.window, func() {
		c.mu.Lock()
		delete(c.timers, key)
		c.mu.Unlock()
		fn()
	})
}

// Cancel drops a pending request for the given key.
func (c *Coalescer) Cancel(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if timer, exists := c.timers[key]; exists {
		timer.Stop()
		delete(c.timers, key)
	}
}

// Stop drops all pending requests.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, timer := range c.timers {
		timer.Stop()
		delete(c.timers, key)
	}
}

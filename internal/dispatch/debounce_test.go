// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestCoalescer_CollapsesBurst(t *testing.T) {
	c := NewCoalescer(20 * time.Millisecond)
	defer c.Stop()

	var calls int32
	for i := 0; i < 10; i++ {
		c.Request("timeline", func() { atomic.AddInt32(&calls, 1) })
	}

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestCoalescer_KeysAreIndependent(t *testing.T) {
	c := NewCoalescer(10 * time.Millisecond)
	defer c.Stop()

	var timeline, usage int32
	c.Request("timeline", func() { atomic.AddInt32(&timeline, 1) })
	c.Request("usage", func() { atomic.AddInt32(&usage, 1) })

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&timeline) != 1 || atomic.LoadInt32(&usage) != 1 {
		t.Errorf("timeline = %d, usage = %d, want 1 each",
			atomic.LoadInt32(&timeline), atomic.LoadInt32(&usage))
	}
}

func TestCoalescer_Cancel(t *testing.T) {
	c := NewCoalescer(20 * time.Millisecond)
	defer c.Stop()

	var calls int32
	c.Request("timeline", func() { atomic.AddInt32(&calls, 1) })
	c.Cancel("timeline")

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Errorf("calls = %d, want 0", got)
	}
}

func TestCoalescer_StopDropsAllPending(t *testing.T) {
	c := NewCoalescer(20 * time.Millisecond)

	var calls int32
	c.Request("a", func() { atomic.AddInt32(&calls, 1) })
	c.Request("b", func() { atomic.AddInt32(&calls, 1) })
	c.Stop()

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Errorf("calls = %d, want 0", got)
	}
}

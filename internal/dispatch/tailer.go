// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/wingedpig/strand/internal/backend"
)

// tail is the polling fallback: it re-reads the run's event journal from the
// last known offset, waking on file-change notifications when available and
// on a timer otherwise. It only ever appends; the journal is append-only.
func (m *Middleware) tail(gen int, runID string, sink Sink, stop chan struct{}, path string) {
	var offset int64

	// fsnotify is an optimization over the poll timer, not a requirement.
	var watch chan struct{}
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			watch = make(chan struct{}, 1)
			go func() {
				for {
					select {
					case <-stop:
						return
					case ev, ok := <-watcher.Events:
						if !ok {
							return
						}
						if ev.Name == path && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
							select {
							case watch <- struct{}{}:
							default:
							}
						}
					case <-watcher.Errors:
					}
				}
			}()
		}
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		offset = m.readFrom(gen, runID, sink, path, offset)
		select {
		case <-stop:
			return
		case <-ticker.C:
		case <-watch:
		}
	}
}

// readFrom delivers any journal lines appended since offset and returns the
// new offset. Partial trailing lines are left for the next pass.
func (m *Middleware) readFrom(gen int, runID string, sink Sink, path string, offset int64) int64 {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("dispatch [%s]: open journal: %v", runID, err)
		}
		return offset
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// Incomplete line: re-read it once the writer finishes.
			break
		}
		offset += int64(len(line))
		if len(line) <= 1 {
			continue
		}
		var ev backend.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Printf("dispatch [%s]: parse journal line: %v", runID, err)
			continue
		}
		m.deliver(gen, runID, sink, ev)
	}
	return offset
}

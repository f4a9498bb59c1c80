// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ScopeChange represents an external edit to a document under the root.
type ScopeChange struct {
	// Scope is the derived scope locator ("table:" prefixed for CSV
	// files).
	Scope string

	// Path is the absolute path that changed.
	Path string

	// Time is when the change was detected.
	Time time.Time
}

// ScopeChangeHandler is called when debounced changes are ready.
type ScopeChangeHandler func(changes []ScopeChange)

// Watcher reports external edits under a file backend's document root.
//
// # Description
//
// Watches the root directory recursively and batches changes using a
// debounce window, so a burst of saves from an editor produces one
// callback. Changes under the backup directory and to temp files left
// by atomic writes are ignored.
//
// The watcher cannot tell the backend's own writes from external ones;
// consumers that care should compare against content they hold. The
// preview alignment check remains the authoritative guard.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is called from a single
// goroutine.
type Watcher struct {
	root     string
	watcher  *fsnotify.Watcher
	handler  ScopeChangeHandler
	debounce time.Duration

	changes  chan ScopeChange
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	watching bool
}

// WatcherOptions configures the Watcher.
type WatcherOptions struct {
	// DebounceWindow is how long to wait for more changes before
	// triggering. Default: 250ms
	DebounceWindow time.Duration

	// BufferSize is the size of the change buffer channel.
	// Default: 256
	BufferSize int
}

// DefaultWatcherOptions returns sensible defaults.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		DebounceWindow: 250 * time.Millisecond,
		BufferSize:     256,
	}
}

// NewWatcher creates a watcher over a file backend's root.
//
// # Inputs
//
//   - backend: The file backend whose root to watch.
//   - handler: Function called with batched changes after debounce.
//   - opts: Optional configuration (nil uses defaults).
//
// # Outputs
//
//   - *Watcher: Ready-to-use watcher (call Start to begin watching).
//   - error: Non-nil if the watcher could not be created.
func NewWatcher(backend *File, handler ScopeChangeHandler, opts *WatcherOptions) (*Watcher, error) {
	if opts == nil {
		defaults := DefaultWatcherOptions()
		opts = &defaults
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = 250 * time.Millisecond
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		root:     backend.Root(),
		watcher:  watcher,
		handler:  handler,
		debounce: opts.DebounceWindow,
		changes:  make(chan ScopeChange, opts.BufferSize),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching for changes.
//
// Spawns two goroutines: an event processor converting fsnotify events
// to ScopeChange, and a debouncer batching them into handler calls.
// Both exit when Stop is called or the context is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.addRecursive(w.root); err != nil {
		return err
	}

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching returns true if the watcher is currently active.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.shouldIgnore(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	if base == backupDirName {
		return true
	}
	// Temp files from atomic writes.
	if strings.HasPrefix(base, ".redline-") {
		return true
	}
	return strings.Contains(path, string(filepath.Separator)+backupDirName+string(filepath.Separator))
}

// scopeFor derives the scope locator from an absolute path.
func (w *Watcher) scopeFor(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if strings.HasSuffix(rel, ".csv") {
		return TableScopePrefix + rel, true
	}
	return rel, true
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.shouldIgnore(event.Name) {
				continue
			}
			// New subdirectories need their own watch.
			if event.Op.Has(fsnotify.Create) {
				_ = w.addRecursive(event.Name)
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
				!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
				continue
			}

			scope, ok := w.scopeFor(event.Name)
			if !ok {
				continue
			}
			change := ScopeChange{
				Scope: scope,
				Path:  event.Name,
				Time:  time.Now(),
			}

			select {
			case w.changes <- change:
			default:
				// Buffer full; the debouncer will still fire for
				// the changes already queued.
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	var pending []ScopeChange
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	flush := func() {
		if len(pending) == 0 {
			return
		}
		// Deduplicate by scope, keeping the latest observation.
		seen := make(map[string]int, len(pending))
		var batch []ScopeChange
		for _, c := range pending {
			if i, ok := seen[c.Scope]; ok {
				batch[i] = c
				continue
			}
			seen[c.Scope] = len(batch)
			batch = append(batch, c)
		}
		pending = nil
		w.handler(batch)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case change := <-w.changes:
			pending = append(pending, change)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			flush()
		}
	}
}

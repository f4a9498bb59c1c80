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
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/redline/services/changeset/diff"
)

// Memory is an in-process document store. It backs tests, demos, and
// embedded use where the mediated document lives alongside the engine.
//
// Thread Safety:
//
//	Memory is safe for concurrent use. Every operation takes the store
//	lock, which also serializes overlapping operations on one scope.
type Memory struct {
	mu      sync.RWMutex
	scopes  map[string]Content
	backups []map[string]Content
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{scopes: make(map[string]Content)}
}

// Seed writes initial content without context plumbing, for test and
// demo setup.
func (m *Memory) Seed(scope string, content Content) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopes[scope] = content.Clone()
}

// Read returns the current content of scope. Unknown scopes read as
// empty content.
func (m *Memory) Read(ctx context.Context, scope string) (Content, error) {
	if err := ctx.Err(); err != nil {
		return Content{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scopes[scope].Clone(), nil
}

// Write replaces the content of scope.
func (m *Memory) Write(ctx context.Context, scope string, content Content) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopes[scope] = content.Clone()
	return nil
}

// WriteCells applies cell patches to a tabular scope in order.
func (m *Memory) WriteCells(ctx context.Context, scope string, patches []CellPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.scopes[scope]
	if current.Cells == nil && current.Text != "" {
		return fmt.Errorf("%w: scope %q holds text", ErrKindMismatch, scope)
	}

	cells := current.Cells.Clone()
	if cells == nil {
		cells = make(diff.CellMap, len(patches))
	}
	for _, p := range patches {
		ref := diff.CellRef{Row: p.Row, Col: p.Col}
		if p.Value == "" {
			delete(cells, ref)
			continue
		}
		cells[ref] = p.Value
	}
	m.scopes[scope] = Content{Cells: cells}
	return nil
}

// Backup clones the whole store and returns a backup identifier.
func (m *Memory) Backup(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := make(map[string]Content, len(m.scopes))
	for scope, content := range m.scopes {
		snap[scope] = content.Clone()
	}
	m.backups = append(m.backups, snap)
	return fmt.Sprintf("memory:%d:%s", len(m.backups)-1, time.Now().UTC().Format(time.RFC3339)), nil
}

// Scopes returns the scope names currently present, for inspection in
// tests.
func (m *Memory) Scopes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.scopes))
	for scope := range m.scopes {
		out = append(out, scope)
	}
	return out
}

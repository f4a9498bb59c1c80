// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backend defines the document access contract the lifecycle
// engine mutates documents through, plus two implementations: an
// in-memory store and a directory-of-files store.
//
// The engine only ever touches a backend inside snapshot capture, apply,
// and restore. Callers pass scopes as opaque strings; what a scope names
// (a file, a table, a paragraph anchor) is a property of the backend.
package backend

import (
	"context"
	"errors"

	"github.com/AleutianAI/redline/services/changeset/diff"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrKindMismatch indicates a write whose content shape does not
	// match the scope (e.g. cell patches against a text scope).
	ErrKindMismatch = errors.New("content kind does not match scope")

	// ErrUnsafeScope indicates a scope that resolves outside the
	// document root.
	ErrUnsafeScope = errors.New("scope escapes document root")

	// ErrClosed indicates an operation on a closed backend.
	ErrClosed = errors.New("backend closed")
)

// =============================================================================
// Content
// =============================================================================

// Content is the value of one document scope: free text or sparse table
// cells. Exactly one representation is meaningful; Cells being non-nil
// marks tabular content.
type Content struct {
	// Text holds text and whole-document content.
	Text string `json:"text,omitempty"`

	// Cells holds tabular content. Nil for text scopes.
	Cells diff.CellMap `json:"cells,omitempty"`
}

// IsTable reports whether the content is tabular.
func (c Content) IsTable() bool {
	return c.Cells != nil
}

// Clone returns a deep copy, so held snapshots cannot alias live maps.
func (c Content) Clone() Content {
	return Content{Text: c.Text, Cells: c.Cells.Clone()}
}

// Equal reports whether two contents are identical. Blank and absent
// cells compare equal, matching the CellMap convention.
func (c Content) Equal(other Content) bool {
	if c.IsTable() != other.IsTable() {
		return false
	}
	if !c.IsTable() {
		return c.Text == other.Text
	}
	for ref, v := range c.Cells {
		if other.Cells[ref] != v {
			return false
		}
	}
	for ref, v := range other.Cells {
		if c.Cells[ref] != v {
			return false
		}
	}
	return true
}

// CellPatch writes a single cell. A blank Value clears the cell.
type CellPatch struct {
	Row   int    `json:"row"`
	Col   int    `json:"col"`
	Value string `json:"value"`
}

// =============================================================================
// Contract
// =============================================================================

// Backend is the abstract document the engine reads and mutates.
//
// Implementations must serialize operations on the same scope internally:
// the engine guarantees at most one in-flight lifecycle operation per
// scope, but snapshots, applies, and external readers may still overlap.
// All methods must respect ctx cancellation and deadlines.
type Backend interface {
	// Read returns the current content of scope. A scope that has never
	// been written reads as empty content, not an error.
	Read(ctx context.Context, scope string) (Content, error)

	// Write replaces the content of scope.
	Write(ctx context.Context, scope string, content Content) error

	// WriteCells applies individual cell patches to a tabular scope,
	// in order. Returns ErrKindMismatch for non-tabular scopes.
	WriteCells(ctx context.Context, scope string, patches []CellPatch) error

	// Backup snapshots the whole document store and returns an opaque
	// backup location for the audit trail.
	Backup(ctx context.Context) (string, error)
}

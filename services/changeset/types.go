// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package changeset implements the ChangeSet lifecycle engine: the
// propose → preview → approve/reject → apply workflow that gates
// AI-proposed edits behind an explicit, audited human decision.
//
// A ChangeSet carries immutable before/after content for one document
// scope and walks a fixed state machine. The engine computes the diff a
// reviewer evaluates, captures a snapshot that guarantees safe
// rejection, and records every transition in an append-only journal
// before committing it.
//
// Thread Safety:
//
//	All exported engine and store types are safe for concurrent use.
//	ChangeSet values returned by the engine are copies; mutating them
//	has no effect on stored state.
package changeset

import (
	"time"

	"github.com/AleutianAI/redline/services/changeset/backend"
	"github.com/AleutianAI/redline/services/changeset/diff"
)

// =============================================================================
// Kind
// =============================================================================

// Kind discriminates the content shape of a ChangeSet. Fixed at
// creation.
type Kind string

const (
	// KindText targets a text run within a document.
	KindText Kind = "text"

	// KindTable targets a range of table cells.
	KindTable Kind = "table"

	// KindDocument targets the whole document body. Diffed and applied
	// as text.
	KindDocument Kind = "document"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindTable, KindDocument:
		return true
	default:
		return false
	}
}

// IsTabular reports whether the kind carries cell-map content.
func (k Kind) IsTabular() bool {
	return k == KindTable
}

// =============================================================================
// Status
// =============================================================================

// Status is a state in the ChangeSet lifecycle. Valid transitions are
// enforced by the state machine; invalid ones return
// ErrInvalidTransition.
type Status string

const (
	// StatusDraft is the initial status after create.
	StatusDraft Status = "draft"

	// StatusPreviewed means the diff is computed and a snapshot of the
	// scope's pre-change state is held.
	StatusPreviewed Status = "previewed"

	// StatusApproved means a reviewer accepted the proposal; the
	// document is still untouched.
	StatusApproved Status = "approved"

	// StatusApplied means the after content was written to the
	// document. Terminal.
	StatusApplied Status = "applied"

	// StatusRejected means a reviewer declined the proposal and the
	// document was restored to its snapshot. Terminal.
	StatusRejected Status = "rejected"

	// StatusFailed means preview or apply failed; the document was
	// restored on a best-effort basis. Terminal.
	StatusFailed Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApplied, StatusRejected, StatusFailed:
		return true
	default:
		return false
	}
}

// IsActive reports whether the status counts against the one-active-
// ChangeSet-per-scope invariant.
func (s Status) IsActive() bool {
	switch s {
	case StatusDraft, StatusPreviewed, StatusApproved:
		return true
	default:
		return false
	}
}

// AllStatuses returns every valid status.
func AllStatuses() []Status {
	return []Status{
		StatusDraft,
		StatusPreviewed,
		StatusApproved,
		StatusApplied,
		StatusRejected,
		StatusFailed,
	}
}

// =============================================================================
// Actor
// =============================================================================

// ActorSystem marks transitions driven by the engine itself (create,
// preview, apply mechanics) rather than by a reviewer decision.
const ActorSystem = "system"

// =============================================================================
// ChangeSet
// =============================================================================

// ChangeSet is the unit of a proposed edit.
//
// Before, After, Kind, Scope, Prompt, and Model are set atomically at
// creation and never mutated afterward; everything else a ChangeSet
// accumulates is status transitions. Diff is computed exactly once, at
// the draft → previewed transition.
type ChangeSet struct {
	// ID is the globally unique identifier, assigned at creation.
	ID string `json:"id"`

	// Kind is the content shape discriminator.
	Kind Kind `json:"kind"`

	// Scope is the opaque document locator this ChangeSet targets. At
	// most one ChangeSet per scope may be active at a time.
	Scope string `json:"scope"`

	// Prompt is the natural-language instruction that produced the
	// proposal. Provenance only; never interpreted.
	Prompt string `json:"prompt,omitempty"`

	// Model names the model that produced After. Provenance only.
	Model string `json:"model,omitempty"`

	// Before is the content of the scope as the proposer saw it.
	Before backend.Content `json:"before"`

	// After is the proposed replacement content.
	After backend.Content `json:"after"`

	// Diff is the cached result computed at preview. Nil before then.
	Diff *diff.Result `json:"diff,omitempty"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// CreatedAt is when the ChangeSet was created, UTC.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt changes on every successful transition and only then.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy, so store internals never alias
// caller-visible records.
func (cs *ChangeSet) Clone() *ChangeSet {
	if cs == nil {
		return nil
	}
	out := *cs
	out.Before = cs.Before.Clone()
	out.After = cs.After.Clone()
	if cs.Diff != nil {
		d := diff.Result{}
		if cs.Diff.Spans != nil {
			d.Spans = make([]diff.Span, len(cs.Diff.Spans))
			copy(d.Spans, cs.Diff.Spans)
		}
		if cs.Diff.Cells != nil {
			d.Cells = make([]diff.CellChange, len(cs.Diff.Cells))
			copy(d.Cells, cs.Diff.Cells)
		}
		out.Diff = &d
	}
	return &out
}

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot is the verbatim pre-change state of a scope, captured when
// its ChangeSet enters previewed and released at any terminal
// transition. A snapshot is owned by exactly one ChangeSet.
type Snapshot struct {
	// ChangeSetID is the owning ChangeSet.
	ChangeSetID string `json:"changeset_id"`

	// Scope is the document region the content belongs to.
	Scope string `json:"scope"`

	// Content is the captured pre-change content.
	Content backend.Content `json:"content"`

	// TakenAt is when the capture happened, UTC.
	TakenAt time.Time `json:"taken_at"`
}

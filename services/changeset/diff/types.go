// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diff computes structured differences between document content
// versions.
//
// The package is pure: every function is a deterministic computation over
// its inputs with no side effects and no stored state. Text content is
// compared as a sequence of word and whitespace tokens using a longest
// common subsequence alignment; tabular content is compared as a sparse
// map from (row, col) to cell value.
//
// Thread Safety:
//
//	All functions are safe to call concurrently. Result values are not
//	safe for concurrent modification but can be read concurrently after
//	creation.
package diff

import (
	"encoding/json"
	"fmt"
	"sort"
)

// =============================================================================
// Span Operations
// =============================================================================

// Op tags a text diff span.
type Op string

const (
	// OpEqual marks a span present in both versions.
	OpEqual Op = "equal"

	// OpInsert marks a span present only in the after version.
	OpInsert Op = "insert"

	// OpDelete marks a span present only in the before version.
	OpDelete Op = "delete"
)

// String returns the string representation of the operation.
func (o Op) String() string {
	return string(o)
}

// =============================================================================
// Text Spans
// =============================================================================

// Span is one run of a text diff. Adjacent tokens with the same tag are
// collapsed into a single span, so a well-formed span sequence never
// contains two consecutive spans with the same Op.
type Span struct {
	// Op is the span tag.
	Op Op `json:"op"`

	// Text is the literal substring the span covers.
	Text string `json:"text"`
}

// String returns a compact representation, e.g. `delete:"cat"`.
func (s Span) String() string {
	return fmt.Sprintf("%s:%q", s.Op, s.Text)
}

// =============================================================================
// Table Cells
// =============================================================================

// CellRef addresses a single table cell. Rows and columns are zero-based.
type CellRef struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Less orders cell references row-major.
func (c CellRef) Less(other CellRef) bool {
	if c.Row != other.Row {
		return c.Row < other.Row
	}
	return c.Col < other.Col
}

// CellMap is sparse tabular content keyed by cell reference. An absent key
// and an empty-string value are equivalent: both mean the cell is blank.
type CellMap map[CellRef]string

// Clone returns a deep copy of the map.
func (m CellMap) Clone() CellMap {
	if m == nil {
		return nil
	}
	out := make(CellMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns the cell references in row-major order.
func (m CellMap) Keys() []CellRef {
	keys := make([]CellRef, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// cellEntry is the JSON wire form of one CellMap entry. Struct-keyed maps
// have no native JSON encoding, so CellMap marshals as a sorted array.
type cellEntry struct {
	Row   int    `json:"row"`
	Col   int    `json:"col"`
	Value string `json:"value"`
}

// MarshalJSON encodes the map as a row-major sorted array of entries.
func (m CellMap) MarshalJSON() ([]byte, error) {
	entries := make([]cellEntry, 0, len(m))
	for _, k := range m.Keys() {
		entries = append(entries, cellEntry{Row: k.Row, Col: k.Col, Value: m[k]})
	}
	return json.Marshal(entries)
}

// UnmarshalJSON decodes the array form produced by MarshalJSON.
func (m *CellMap) UnmarshalJSON(data []byte) error {
	var entries []cellEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	out := make(CellMap, len(entries))
	for _, e := range entries {
		out[CellRef{Row: e.Row, Col: e.Col}] = e.Value
	}
	*m = out
	return nil
}

// CellChange records one differing cell between two table versions.
type CellChange struct {
	// Row is the zero-based row index.
	Row int `json:"row"`

	// Col is the zero-based column index.
	Col int `json:"col"`

	// Old is the before value ("" if the cell was blank).
	Old string `json:"old"`

	// New is the after value ("" if the cell becomes blank).
	New string `json:"new"`
}

// Ref returns the cell reference of the change.
func (c CellChange) Ref() CellRef {
	return CellRef{Row: c.Row, Col: c.Col}
}

// =============================================================================
// Result
// =============================================================================

// Result is the kind-specific outcome of a diff computation. Exactly one of
// Spans or Cells is populated: Spans for text and document content, Cells
// for tabular content.
type Result struct {
	// Spans is the ordered text edit script. Nil for table results.
	Spans []Span `json:"spans,omitempty"`

	// Cells lists the changed cells in row-major order. Nil for text
	// results.
	Cells []CellChange `json:"cells,omitempty"`
}

// IsText reports whether the result describes text content.
func (r *Result) IsText() bool {
	return r != nil && r.Cells == nil
}

// ChangedCells returns the number of changed cells (0 for text results).
func (r *Result) ChangedCells() int {
	if r == nil {
		return 0
	}
	return len(r.Cells)
}

// TextStats returns the inserted and deleted character counts across all
// spans. Both are 0 for table results.
func (r *Result) TextStats() (inserted, deleted int) {
	if r == nil {
		return 0, 0
	}
	for _, s := range r.Spans {
		switch s.Op {
		case OpInsert:
			inserted += len(s.Text)
		case OpDelete:
			deleted += len(s.Text)
		}
	}
	return inserted, deleted
}

// Empty reports whether the diff contains no insertions, deletions, or cell
// changes, i.e. before and after are equivalent.
func (r *Result) Empty() bool {
	if r == nil {
		return true
	}
	if len(r.Cells) > 0 {
		return false
	}
	for _, s := range r.Spans {
		if s.Op != OpEqual {
			return false
		}
	}
	return true
}

// Summary returns a one-line human summary, e.g. "+3/-8 chars" or
// "2 cells changed".
func (r *Result) Summary() string {
	if r == nil {
		return "no diff"
	}
	if r.Cells != nil {
		return fmt.Sprintf("%d cells changed", len(r.Cells))
	}
	ins, del := r.TextStats()
	return fmt.Sprintf("+%d/-%d chars", ins, del)
}

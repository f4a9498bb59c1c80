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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/redline/services/changeset/diff"
)

func TestMemory_ReadUnknownScopeIsEmpty(t *testing.T) {
	m := NewMemory()
	content, err := m.Read(context.Background(), "never-written")
	require.NoError(t, err)
	assert.Equal(t, "", content.Text)
	assert.False(t, content.IsTable())
}

func TestMemory_WriteRead(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Write(context.Background(), "a.txt", Content{Text: "hello"}))

	content, err := m.Read(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", content.Text)
}

func TestMemory_ReadReturnsCopy(t *testing.T) {
	m := NewMemory()
	m.Seed("t", Content{Cells: diff.CellMap{{Row: 0, Col: 0}: "x"}})

	content, err := m.Read(context.Background(), "t")
	require.NoError(t, err)
	content.Cells[diff.CellRef{Row: 0, Col: 0}] = "mutated"

	again, err := m.Read(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, "x", again.Cells[diff.CellRef{Row: 0, Col: 0}])
}

func TestMemory_WriteCells(t *testing.T) {
	m := NewMemory()
	m.Seed("t", Content{Cells: diff.CellMap{
		{Row: 0, Col: 0}: "a",
		{Row: 0, Col: 1}: "b",
	}})

	err := m.WriteCells(context.Background(), "t", []CellPatch{
		{Row: 0, Col: 1, Value: "B"},
		{Row: 1, Col: 0, Value: "c"},
	})
	require.NoError(t, err)

	content, err := m.Read(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, "a", content.Cells[diff.CellRef{Row: 0, Col: 0}])
	assert.Equal(t, "B", content.Cells[diff.CellRef{Row: 0, Col: 1}])
	assert.Equal(t, "c", content.Cells[diff.CellRef{Row: 1, Col: 0}])
}

func TestMemory_WriteCells_BlankClears(t *testing.T) {
	m := NewMemory()
	m.Seed("t", Content{Cells: diff.CellMap{{Row: 2, Col: 2}: "x"}})

	err := m.WriteCells(context.Background(), "t", []CellPatch{{Row: 2, Col: 2, Value: ""}})
	require.NoError(t, err)

	content, err := m.Read(context.Background(), "t")
	require.NoError(t, err)
	_, present := content.Cells[diff.CellRef{Row: 2, Col: 2}]
	assert.False(t, present)
}

func TestMemory_WriteCells_TextScopeMismatch(t *testing.T) {
	m := NewMemory()
	m.Seed("a.txt", Content{Text: "prose"})

	err := m.WriteCells(context.Background(), "a.txt", []CellPatch{{Row: 0, Col: 0, Value: "x"}})
	assert.ErrorIs(t, err, ErrKindMismatch)
}

func TestMemory_Backup(t *testing.T) {
	m := NewMemory()
	m.Seed("a.txt", Content{Text: "v1"})

	location, err := m.Backup(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, location)

	// Backup is a point-in-time copy: later writes do not leak in.
	require.NoError(t, m.Write(context.Background(), "a.txt", Content{Text: "v2"}))
	assert.Equal(t, "v1", m.backups[0]["a.txt"].Text)
}

func TestMemory_CanceledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Read(ctx, "a")
	assert.Error(t, err)
	assert.Error(t, m.Write(ctx, "a", Content{Text: "x"}))
}

func TestContent_Equal(t *testing.T) {
	assert.True(t, Content{Text: "x"}.Equal(Content{Text: "x"}))
	assert.False(t, Content{Text: "x"}.Equal(Content{Text: "y"}))
	assert.False(t, Content{Text: "x"}.Equal(Content{Cells: diff.CellMap{}}))

	a := Content{Cells: diff.CellMap{{Row: 0, Col: 0}: "v"}}
	b := Content{Cells: diff.CellMap{{Row: 0, Col: 0}: "v"}}
	assert.True(t, a.Equal(b))

	// Blank and absent cells are the same thing.
	c := Content{Cells: diff.CellMap{}}
	d := Content{Cells: diff.CellMap{{Row: 5, Col: 5}: ""}}
	assert.True(t, c.Equal(d))
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package journal

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

// ---- Config Tests ----

func TestConfig_Validate(t *testing.T) {
	t.Run("persistent requires path", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.Error(t, cfg.Validate())

		cfg.Path = t.TempDir()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("in-memory needs no path", func(t *testing.T) {
		cfg := InMemoryConfig()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("gc ratio bounds", func(t *testing.T) {
		cfg := InMemoryConfig()
		cfg.GCDiscardRatio = 1.5
		assert.Error(t, cfg.Validate())
	})
}

// ---- Append Tests ----

func TestJournal_Append(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	first, err := j.Append(ctx, Entry{
		ChangeSetID: "cs-1",
		Actor:       "system",
		ToStatus:    "draft",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Seq)
	assert.False(t, first.Timestamp.IsZero())

	second, err := j.Append(ctx, Entry{
		ChangeSetID: "cs-1",
		Actor:       "system",
		FromStatus:  "draft",
		ToStatus:    "previewed",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Seq)

	stats := j.Stats()
	assert.Equal(t, int64(2), stats.TotalEntries)
	assert.Equal(t, uint64(2), stats.LastSeq)
	assert.Greater(t, stats.TotalBytes, int64(0))
}

func TestJournal_AppendRequiresChangeSetID(t *testing.T) {
	j := newTestJournal(t)

	_, err := j.Append(context.Background(), Entry{ToStatus: "draft"})
	assert.ErrorIs(t, err, ErrNilEntry)
}

func TestJournal_AppendAfterClose(t *testing.T) {
	j, err := Open(InMemoryConfig())
	require.NoError(t, err)
	require.NoError(t, j.Close())

	_, err = j.Append(context.Background(), Entry{ChangeSetID: "cs-1", ToStatus: "draft"})
	assert.ErrorIs(t, err, ErrJournalClosed)
}

// ---- Replay Tests ----

func TestJournal_Replay(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	statuses := []string{"draft", "previewed", "approved", "applied"}
	for i, to := range statuses {
		from := ""
		if i > 0 {
			from = statuses[i-1]
		}
		_, err := j.Append(ctx, Entry{
			ChangeSetID: "cs-replay",
			Actor:       "user:reviewer",
			FromStatus:  from,
			ToStatus:    to,
		})
		require.NoError(t, err)
	}

	entries, err := j.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq, "entries must come back in commit order")
		assert.Equal(t, statuses[i], e.ToStatus)
	}
}

func TestJournal_ReplayEmpty(t *testing.T) {
	j := newTestJournal(t)

	entries, err := j.Replay(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestJournal_ReplaySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir

	j, err := Open(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = j.Append(ctx, Entry{ChangeSetID: "cs-a", ToStatus: "draft"})
	require.NoError(t, err)
	_, err = j.Append(ctx, Entry{ChangeSetID: "cs-a", FromStatus: "draft", ToStatus: "previewed"})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	// Reopen: the sequence must continue, not restart.
	j2, err := Open(cfg)
	require.NoError(t, err)
	defer j2.Close()

	third, err := j2.Append(ctx, Entry{ChangeSetID: "cs-a", FromStatus: "previewed", ToStatus: "rejected"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), third.Seq)

	entries, err := j2.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "rejected", entries[2].ToStatus)
}

// ---- Query Tests ----

func TestJournal_Query(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	// Interleave two ChangeSets.
	for i := 0; i < 3; i++ {
		_, err := j.Append(ctx, Entry{ChangeSetID: "cs-x", ToStatus: fmt.Sprintf("step-%d", i)})
		require.NoError(t, err)
		_, err = j.Append(ctx, Entry{ChangeSetID: "cs-y", ToStatus: fmt.Sprintf("step-%d", i)})
		require.NoError(t, err)
	}

	entries, err := j.Query(ctx, "cs-x")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, "cs-x", e.ChangeSetID)
	}
	assert.True(t, entries[0].Seq < entries[1].Seq && entries[1].Seq < entries[2].Seq)

	unknown, err := j.Query(ctx, "cs-missing")
	require.NoError(t, err)
	assert.Empty(t, unknown)
}

// ---- Integrity Tests ----

func TestJournal_EntryCodecDetectsCorruption(t *testing.T) {
	data, err := encodeEntry(Entry{Seq: 7, ChangeSetID: "cs-1", ToStatus: "draft"})
	require.NoError(t, err)

	decoded, err := decodeEntry(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), decoded.Seq)
	assert.Equal(t, "cs-1", decoded.ChangeSetID)

	// Flip one payload byte: CRC must catch it.
	data[len(data)-1] ^= 0xFF
	_, err = decodeEntry(data)
	assert.ErrorIs(t, err, ErrJournalCorrupted)

	_, err = decodeEntry([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrJournalCorrupted)
}

func TestJournal_ConcurrentAppends(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	const n = 50
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := j.Append(ctx, Entry{
				ChangeSetID: fmt.Sprintf("cs-%d", i%5),
				ToStatus:    "draft",
			})
			done <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-done)
	}

	entries, err := j.Replay(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, n)

	// Sequence numbers must be dense: 1..n with no duplicates.
	seen := make(map[uint64]bool, n)
	for _, e := range entries {
		assert.False(t, seen[e.Seq], "duplicate seq %d", e.Seq)
		seen[e.Seq] = true
	}
	assert.Equal(t, uint64(n), j.Stats().LastSeq)
}

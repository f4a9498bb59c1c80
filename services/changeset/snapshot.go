// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package changeset

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/redline/services/changeset/backend"
	"github.com/AleutianAI/redline/services/changeset/diff"
)

// cellRef converts a patch position to a cell map key.
func cellRef(p backend.CellPatch) diff.CellRef {
	return diff.CellRef{Row: p.Row, Col: p.Col}
}

// SnapshotStore captures and restores the pre-change state of document
// scopes. Each snapshot is owned by exactly one ChangeSet for its
// non-terminal lifetime; scope uniqueness guarantees no two live
// snapshots cover the same region, so nothing is ever shared or
// aliased.
//
// Thread Safety:
//
//	SnapshotStore is safe for concurrent use.
type SnapshotStore struct {
	mu        sync.Mutex
	snapshots map[string]*Snapshot
}

// NewSnapshotStore creates an empty snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snapshots: make(map[string]*Snapshot)}
}

// Put stores already-read content as the snapshot for a ChangeSet.
// Preview uses this instead of a second backend read: the staleness
// check has just proven the read content equal to the ChangeSet's
// before value.
func (s *SnapshotStore) Put(changesetID, scope string, content backend.Content) *Snapshot {
	snap := &Snapshot{
		ChangeSetID: changesetID,
		Scope:       scope,
		Content:     content.Clone(),
		TakenAt:     time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[changesetID] = snap
	return snap
}

// Capture reads the current scope content from the backend and stores
// it keyed by the owning ChangeSet.
func (s *SnapshotStore) Capture(ctx context.Context, b backend.Backend, changesetID, scope string) (*Snapshot, error) {
	content, err := b.Read(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("%w: capture scope %q: %v", ErrBackendRead, scope, err)
	}
	return s.Put(changesetID, scope, content), nil
}

// Get returns the held snapshot for a ChangeSet, if any.
func (s *SnapshotStore) Get(changesetID string) (*Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[changesetID]
	return snap, ok
}

// Restore writes the held snapshot content back to the backend
// verbatim. The snapshot stays held; release is a separate, explicit
// step taken at the terminal transition.
func (s *SnapshotStore) Restore(ctx context.Context, b backend.Backend, changesetID string) error {
	snap, ok := s.Get(changesetID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSnapshotMissing, changesetID)
	}
	if err := b.Write(ctx, snap.Scope, snap.Content); err != nil {
		return fmt.Errorf("%w: scope %q: %v", ErrRestoreFailure, snap.Scope, err)
	}
	return nil
}

// RestoreCells rolls back only the given cells to their snapshot
// values, for mid-batch apply failures: cells written before the
// failure are reverted individually instead of rewriting the whole
// scope.
func (s *SnapshotStore) RestoreCells(ctx context.Context, b backend.Backend, changesetID string, refs []backend.CellPatch) error {
	snap, ok := s.Get(changesetID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSnapshotMissing, changesetID)
	}

	patches := make([]backend.CellPatch, 0, len(refs))
	for _, ref := range refs {
		prior := snap.Content.Cells[cellRef(ref)]
		patches = append(patches, backend.CellPatch{Row: ref.Row, Col: ref.Col, Value: prior})
	}
	if err := b.WriteCells(ctx, snap.Scope, patches); err != nil {
		return fmt.Errorf("%w: scope %q: %v", ErrRestoreFailure, snap.Scope, err)
	}
	return nil
}

// Release discards the snapshot for a ChangeSet. Safe to call when no
// snapshot is held.
func (s *SnapshotStore) Release(changesetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, changesetID)
}

// Held returns the number of live snapshots, for tests and metrics.
func (s *SnapshotStore) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

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
	"fmt"
	"sort"
	"sync"
	"time"
)

// SessionStore is the authoritative map of ChangeSet identity to current
// record, plus the scope index enforcing "at most one active ChangeSet
// per scope."
//
// Every create and transition goes through the store, so the uniqueness
// invariant and the terminal-state invariant are enforced in one place.
// The store also hands out per-ChangeSet locks: the engine holds the
// lock for the full duration of a mutating operation, so two concurrent
// approvals of the same ChangeSet cannot both succeed.
//
// Thread Safety:
//
//	SessionStore is safe for concurrent use. Returned records are deep
//	copies.
type SessionStore struct {
	mu      sync.RWMutex
	records map[string]*ChangeSet

	// scopeIndex maps scope → id, restricted to non-terminal records.
	scopeIndex map[string]string

	opLocksMu sync.Mutex
	opLocks   map[string]*sync.Mutex
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		records:    make(map[string]*ChangeSet),
		scopeIndex: make(map[string]string),
		opLocks:    make(map[string]*sync.Mutex),
	}
}

// Insert atomically checks the scope index and adds a new draft record.
//
// Outputs:
//
//	error - ErrScopeConflict (wrapped with the scope and the blocking
//	id) if an active ChangeSet already covers the scope.
func (s *SessionStore) Insert(cs *ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if active, ok := s.scopeIndex[cs.Scope]; ok {
		return fmt.Errorf("%w: scope %q held by %s", ErrScopeConflict, cs.Scope, active)
	}

	s.records[cs.ID] = cs.Clone()
	s.scopeIndex[cs.Scope] = cs.ID
	return nil
}

// Remove deletes a record and its index entry. Used to roll back an
// insert whose audit append failed.
func (s *SessionStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.records[id]
	if !ok {
		return
	}
	if s.scopeIndex[cs.Scope] == id {
		delete(s.scopeIndex, cs.Scope)
	}
	delete(s.records, id)
}

// Get returns a copy of the record.
func (s *SessionStore) Get(id string) (*ChangeSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cs, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cs.Clone(), nil
}

// Update replaces a record, keeping the scope index consistent: a record
// entering a terminal status releases its scope.
func (s *SessionStore) Update(cs *ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[cs.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, cs.ID)
	}

	s.records[cs.ID] = cs.Clone()
	if cs.Status.IsTerminal() {
		if s.scopeIndex[cs.Scope] == cs.ID {
			delete(s.scopeIndex, cs.Scope)
		}
	}
	return nil
}

// ActiveForScope returns the id of the active ChangeSet covering scope,
// if any.
func (s *SessionStore) ActiveForScope(scope string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.scopeIndex[scope]
	return id, ok
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	// Status restricts to records currently in the given status.
	Status Status

	// Scope restricts to records targeting the given scope.
	Scope string
}

// List returns copies of all matching records, ordered by creation time
// (ties broken by id, so the order is stable).
func (s *SessionStore) List(filter Filter) []*ChangeSet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ChangeSet
	for _, cs := range s.records {
		if filter.Status != "" && cs.Status != filter.Status {
			continue
		}
		if filter.Scope != "" && cs.Scope != filter.Scope {
			continue
		}
		out = append(out, cs.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of stored records.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// GC removes terminal records whose last transition is older than ttl.
// Snapshots are already released at the terminal transition; this only
// reclaims the in-memory record (the journal keeps the full history).
//
// Outputs:
//
//	int - The number of records reclaimed.
func (s *SessionStore) GC(ttl time.Duration) int {
	cutoff := time.Now().UTC().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, cs := range s.records {
		if !cs.Status.IsTerminal() || cs.UpdatedAt.After(cutoff) {
			continue
		}
		delete(s.records, id)
		removed++
	}
	return removed
}

// OpLock returns the per-ChangeSet mutex serializing mutating lifecycle
// operations. The mutex for an id is created on first use and never
// discarded while the process lives; the engine holds it across the
// whole preview/approve/reject/apply call.
func (s *SessionStore) OpLock(id string) *sync.Mutex {
	s.opLocksMu.Lock()
	defer s.opLocksMu.Unlock()
	lock, ok := s.opLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.opLocks[id] = lock
	}
	return lock
}

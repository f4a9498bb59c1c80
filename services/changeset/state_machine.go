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
	"sync"
)

// StateMachine enforces valid status transitions for ChangeSets.
//
// The state machine enforces the following transition graph:
//
//	draft → previewed      : Diff computed, snapshot captured
//	draft → failed         : Preview could not align before content
//	previewed → approved   : Reviewer accepted the proposal
//	previewed → rejected   : Reviewer declined before approval
//	previewed → failed     : Preview-time failure surfaced late
//	approved → applied     : After content written to the document
//	approved → rejected    : Reviewer withdrew an approval
//	approved → failed      : Backend write failed during apply
//
// applied, rejected, and failed are terminal: no outgoing edges. No
// edge re-enters a non-initial state.
//
// Thread Safety:
//
//	StateMachine is safe for concurrent use.
type StateMachine struct {
	mu sync.RWMutex

	// transitions maps (from, to) pairs that are valid.
	transitions map[Status]map[Status]bool
}

// NewStateMachine creates a state machine with all valid transitions.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[Status]map[Status]bool),
	}

	for _, status := range AllStatuses() {
		sm.transitions[status] = make(map[Status]bool)
	}

	sm.addTransition(StatusDraft, StatusPreviewed)
	sm.addTransition(StatusDraft, StatusFailed)

	sm.addTransition(StatusPreviewed, StatusApproved)
	sm.addTransition(StatusPreviewed, StatusRejected)
	sm.addTransition(StatusPreviewed, StatusFailed)

	sm.addTransition(StatusApproved, StatusApplied)
	sm.addTransition(StatusApproved, StatusRejected)
	sm.addTransition(StatusApproved, StatusFailed)

	return sm
}

// addTransition registers a valid transition.
func (sm *StateMachine) addTransition(from, to Status) {
	sm.transitions[from][to] = true
}

// CanTransition checks if a transition from one status to another is
// valid.
//
// Thread Safety: This method is safe for concurrent use.
func (sm *StateMachine) CanTransition(from, to Status) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if toMap, ok := sm.transitions[from]; ok {
		return toMap[to]
	}
	return false
}

// Check validates a transition without performing it.
//
// Outputs:
//
//	error - ErrInvalidTransition (wrapped with the edge) if the
//	transition is not allowed.
//
// Thread Safety: This method is safe for concurrent use.
func (sm *StateMachine) Check(from, to Status) error {
	if !sm.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidTransitionsFrom returns all valid target statuses from a given
// status. Empty for terminal statuses.
//
// Thread Safety: This method is safe for concurrent use.
func (sm *StateMachine) ValidTransitionsFrom(from Status) []Status {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var result []Status
	// Walk the canonical order so the result is deterministic.
	for _, status := range AllStatuses() {
		if sm.transitions[from][status] {
			result = append(result, status)
		}
	}
	return result
}

// TransitionReason provides a human-readable description of a
// transition, used in audit entries written by the engine itself.
func (sm *StateMachine) TransitionReason(from, to Status) string {
	key := from.String() + "->" + to.String()

	reasons := map[string]string{
		"draft->previewed":     "Diff computed and snapshot captured",
		"draft->failed":        "Preview could not align before content with document",
		"previewed->approved":  "Reviewer accepted the proposal",
		"previewed->rejected":  "Reviewer declined before approval",
		"previewed->failed":    "Preview failed",
		"approved->applied":    "After content written to document",
		"approved->rejected":   "Reviewer withdrew approval",
		"approved->failed":     "Document backend write failed during apply",
	}

	if reason, ok := reasons[key]; ok {
		return reason
	}
	return "Unknown transition"
}

// DefaultStateMachine is the shared state machine instance.
var DefaultStateMachine = NewStateMachine()

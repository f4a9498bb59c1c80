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

import "errors"

// Sentinel errors for the changeset package.
//
// ErrScopeConflict and ErrInvalidTransition are caller-side protocol
// violations: they never move a ChangeSet to a terminal status. The
// backend and diff errors drive records to failed as described on each
// engine operation.
var (
	// ErrScopeConflict indicates create was called for a scope that
	// already has an active ChangeSet.
	ErrScopeConflict = errors.New("scope already has an active changeset")

	// ErrInvalidTransition indicates an operation was attempted from a
	// status that does not permit it.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotFound indicates the requested ChangeSet does not exist.
	ErrNotFound = errors.New("changeset not found")

	// ErrDiffComputation indicates preview could not align the
	// ChangeSet's before content against the document's current state.
	ErrDiffComputation = errors.New("diff computation failed")

	// ErrBackendRead indicates the document backend failed during
	// capture.
	ErrBackendRead = errors.New("document backend read failed")

	// ErrBackendWrite indicates the document backend failed during
	// apply or backup.
	ErrBackendWrite = errors.New("document backend write failed")

	// ErrRestoreFailure indicates the backend could not restore from a
	// snapshot. The document may be in an intermediate state; the audit
	// entry for the transition records this explicitly.
	ErrRestoreFailure = errors.New("snapshot restore failed")

	// ErrSnapshotMissing indicates a restore was requested for a
	// ChangeSet that holds no snapshot.
	ErrSnapshotMissing = errors.New("no snapshot held for changeset")

	// ErrConfirmationRequired indicates a table apply exceeds the
	// configured cell-count threshold and the caller did not confirm.
	ErrConfirmationRequired = errors.New("large table change requires explicit confirmation")

	// ErrKindContentMismatch indicates create was called with content
	// whose shape does not match the declared kind.
	ErrKindContentMismatch = errors.New("content shape does not match kind")
)

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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/redline/services/changeset/backend"
	"github.com/AleutianAI/redline/services/changeset/diff"
	"github.com/AleutianAI/redline/services/changeset/journal"
)

// Engine is the ChangeSet lifecycle state machine.
//
// Description:
//
//	Engine validates transitions, computes diffs at preview, captures
//	and restores snapshots, mutates the document backend at apply, and
//	writes every transition to the audit journal before committing it
//	(write-ahead discipline: a transition whose audit append fails is
//	not committed).
//
// Thread Safety:
//
//	Engine is safe for concurrent use. Mutating operations on one
//	ChangeSet are serialized with a per-id lock; create is serialized
//	per scope by the session store's atomic check-and-insert.
type Engine struct {
	store     *SessionStore
	snapshots *SnapshotStore
	journal   *journal.Journal
	backend   backend.Backend
	sm        *StateMachine
	config    EngineConfig
	logger    *slog.Logger
	metrics   *Metrics

	listenersMu sync.RWMutex
	listeners   []func(journal.Entry)
}

// NewEngine creates a lifecycle engine.
//
// Inputs:
//
//	config - Engine configuration. Must pass Validate().
//	b - The document backend. Must not be nil.
//	j - The audit journal. Must not be nil.
//	metrics - Prometheus metrics, or nil to record nothing.
//
// Outputs:
//
//	*Engine - Ready-to-use engine.
//	error - Non-nil if the configuration is invalid or a collaborator
//	is missing.
func NewEngine(config EngineConfig, b backend.Backend, j *journal.Journal, metrics *Metrics) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if b == nil {
		return nil, errors.New("backend must not be nil")
	}
	if j == nil {
		return nil, errors.New("journal must not be nil")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Engine{
		store:     NewSessionStore(),
		snapshots: NewSnapshotStore(),
		journal:   j,
		backend:   b,
		sm:        DefaultStateMachine,
		config:    config,
		logger:    config.Logger.With(slog.String("component", "engine")),
		metrics:   metrics,
	}, nil
}

// AddListener registers a callback invoked after every committed audit
// entry. Callbacks must not block; slow consumers should buffer.
func (e *Engine) AddListener(fn func(journal.Entry)) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// notify fans a committed entry out to listeners.
func (e *Engine) notify(entry journal.Entry) {
	e.listenersMu.RLock()
	defer e.listenersMu.RUnlock()
	for _, fn := range e.listeners {
		fn(entry)
	}
}

// backendCtx bounds a backend call with the configured timeout.
func (e *Engine) backendCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.BackendTimeout)
}

// commit appends the audit entry for a transition and, once it is
// durable, applies the transition to the record. The audit append is
// the commit point: if it fails, the record is left untouched. An empty
// reason falls back to the state machine's canonical description of the
// edge.
func (e *Engine) commit(ctx context.Context, cs *ChangeSet, to Status, actor, reason, errMsg string) error {
	if reason == "" {
		reason = e.sm.TransitionReason(cs.Status, to)
	}
	entry, err := e.journal.Append(ctx, journal.Entry{
		ChangeSetID: cs.ID,
		Actor:       actor,
		FromStatus:  cs.Status.String(),
		ToStatus:    to.String(),
		Reason:      reason,
		Error:       errMsg,
	})
	if err != nil {
		return fmt.Errorf("audit append for %s -> %s: %w", cs.Status, to, err)
	}

	from := cs.Status
	cs.Status = to
	cs.UpdatedAt = entry.Timestamp
	if err := e.store.Update(cs); err != nil {
		// The record vanished under us; the journal still has the
		// truth, so surface the inconsistency rather than hide it.
		return fmt.Errorf("commit %s -> %s: %w", from, to, err)
	}

	if to.IsTerminal() {
		e.snapshots.Release(cs.ID)
	}
	e.metrics.recordTransition(from, to)
	e.metrics.setSnapshotsHeld(e.snapshots.Held())
	e.notify(entry)
	return nil
}

// =============================================================================
// Lifecycle Operations
// =============================================================================

// CreateRequest carries the proposal input contract: the caller (the
// proposal layer) supplies the already-computed after content.
type CreateRequest struct {
	// Kind is the content shape. Required.
	Kind Kind `json:"kind"`

	// Scope is the document locator. Required; at most one active
	// ChangeSet per scope.
	Scope string `json:"scope"`

	// Prompt is provenance metadata, never interpreted.
	Prompt string `json:"prompt,omitempty"`

	// Model is provenance metadata, never interpreted.
	Model string `json:"model,omitempty"`

	// Before is the content the proposer read from the scope.
	Before backend.Content `json:"before"`

	// After is the proposed replacement.
	After backend.Content `json:"after"`
}

// Validate checks the request shape.
func (r *CreateRequest) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	if r.Scope == "" {
		return errors.New("scope must not be empty")
	}
	if r.Kind.IsTabular() {
		if !r.Before.IsTable() || !r.After.IsTable() {
			return fmt.Errorf("%w: kind %s requires cell content", ErrKindContentMismatch, r.Kind)
		}
		for _, cells := range []diff.CellMap{r.Before.Cells, r.After.Cells} {
			for ref := range cells {
				if ref.Row < 0 || ref.Col < 0 {
					return fmt.Errorf("cell (%d,%d) out of range: indices must not be negative", ref.Row, ref.Col)
				}
			}
		}
	} else {
		if r.Before.IsTable() || r.After.IsTable() {
			return fmt.Errorf("%w: kind %s requires text content", ErrKindContentMismatch, r.Kind)
		}
	}
	return nil
}

// Create registers a new draft ChangeSet.
//
// Description:
//
//	Atomically reserves the scope (failing with ErrScopeConflict if an
//	active ChangeSet already covers it), assigns an id, and records the
//	creation in the audit journal. The document is not read or touched.
//
// Outputs:
//
//	*ChangeSet - The draft record.
//	error - ErrScopeConflict, ErrKindContentMismatch, or a journal
//	failure (in which case the scope reservation is rolled back).
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*ChangeSet, error) {
	ctx, span := otel.Tracer("changeset").Start(ctx, "engine.Create",
		trace.WithAttributes(
			attribute.String("kind", req.Kind.String()),
			attribute.String("scope", req.Scope),
		),
	)
	defer span.End()

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := time.Now().UTC()
	cs := &ChangeSet{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		Scope:     req.Scope,
		Prompt:    req.Prompt,
		Model:     req.Model,
		Before:    req.Before.Clone(),
		After:     req.After.Clone(),
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.store.Insert(cs); err != nil {
		e.metrics.recordError("scope_conflict")
		span.RecordError(err)
		return nil, err
	}

	entry, err := e.journal.Append(ctx, journal.Entry{
		ChangeSetID: cs.ID,
		Actor:       ActorSystem,
		ToStatus:    StatusDraft.String(),
	})
	if err != nil {
		// Not auditable, not created: release the scope reservation.
		e.store.Remove(cs.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit append failed")
		return nil, fmt.Errorf("audit append for create: %w", err)
	}

	e.metrics.recordTransition("", StatusDraft)
	e.notify(entry)

	e.logger.Info("changeset created",
		slog.String("changeset_id", cs.ID),
		slog.String("kind", cs.Kind.String()),
		slog.String("scope", cs.Scope))
	span.SetAttributes(attribute.String("changeset_id", cs.ID))

	return cs.Clone(), nil
}

// Preview computes the diff a reviewer evaluates and captures the
// snapshot that guarantees safe rejection.
//
// Description:
//
//	Valid only from draft. Reads the scope's current content from the
//	backend and checks it still equals the ChangeSet's before value; a
//	mismatch means the document was independently edited since the
//	proposal was computed, and the record moves to failed with
//	ErrDiffComputation. A transient backend read failure leaves the
//	record in draft so preview can be retried.
//
// Outputs:
//
//	*diff.Result - The computed diff, also cached on the record.
//	error - ErrInvalidTransition, ErrBackendRead (record stays draft),
//	or ErrDiffComputation (record moves to failed).
func (e *Engine) Preview(ctx context.Context, id string) (*diff.Result, error) {
	lock := e.store.OpLock(id)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := otel.Tracer("changeset").Start(ctx, "engine.Preview",
		trace.WithAttributes(attribute.String("changeset_id", id)),
	)
	defer span.End()

	cs, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if err := e.sm.Check(cs.Status, StatusPreviewed); err != nil {
		e.metrics.recordError("invalid_transition")
		return nil, err
	}

	bctx, cancel := e.backendCtx(ctx)
	defer cancel()
	current, err := e.backend.Read(bctx, cs.Scope)
	if err != nil {
		e.metrics.recordError("backend_read")
		span.RecordError(err)
		return nil, fmt.Errorf("%w: scope %q: %v", ErrBackendRead, cs.Scope, err)
	}

	if !current.Equal(cs.Before) {
		// The scope was edited outside the workflow; the proposal's
		// before content no longer aligns with reality.
		alignErr := fmt.Errorf("%w: scope %q changed since proposal was computed", ErrDiffComputation, cs.Scope)
		e.metrics.recordError("diff")
		span.RecordError(alignErr)
		span.SetStatus(codes.Error, "alignment failed")

		if commitErr := e.commit(ctx, cs, StatusFailed, ActorSystem, "", alignErr.Error()); commitErr != nil {
			return nil, commitErr
		}
		return nil, alignErr
	}

	result := e.computeDiff(cs)
	e.snapshots.Put(cs.ID, cs.Scope, current)
	cs.Diff = result

	if err := e.commit(ctx, cs, StatusPreviewed, ActorSystem, "", ""); err != nil {
		e.snapshots.Release(cs.ID)
		return nil, err
	}

	e.logger.Info("changeset previewed",
		slog.String("changeset_id", cs.ID),
		slog.String("summary", result.Summary()))
	return result, nil
}

// computeDiff dispatches to the kind-specific diff. Pure; the engine
// adds no state of its own.
func (e *Engine) computeDiff(cs *ChangeSet) *diff.Result {
	if cs.Kind.IsTabular() {
		cells := diff.Table(cs.Before.Cells, cs.After.Cells)
		if cells == nil {
			cells = []diff.CellChange{}
		}
		return &diff.Result{Cells: cells}
	}
	return &diff.Result{Spans: diff.Text(cs.Before.Text, cs.After.Text)}
}

// Approve records a reviewer's acceptance.
//
// Description:
//
//	Valid only from previewed. Does not touch the document; apply is a
//	separate, explicit step.
func (e *Engine) Approve(ctx context.Context, id, actor string) (*ChangeSet, error) {
	lock := e.store.OpLock(id)
	lock.Lock()
	defer lock.Unlock()

	cs, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if cs.Status != StatusPreviewed {
		e.metrics.recordError("invalid_transition")
		return nil, fmt.Errorf("%w: approve from %s", ErrInvalidTransition, cs.Status)
	}

	if err := e.commit(ctx, cs, StatusApproved, actor, "", ""); err != nil {
		return nil, err
	}

	e.logger.Info("changeset approved",
		slog.String("changeset_id", cs.ID),
		slog.String("actor", actor))
	return cs.Clone(), nil
}

// Reject declines a proposal and guarantees the document matches its
// pre-proposal snapshot.
//
// Description:
//
//	Valid from previewed or approved. The document has not been mutated
//	on either path (apply is the only mutating step), so the restore is
//	normally a no-op; the engine still verifies the scope against the
//	snapshot and rewrites it if anything diverged. A restore failure is
//	recorded in the audit entry as an unresolved state and surfaced as
//	ErrRestoreFailure; the record still reaches rejected.
//
// Outputs:
//
//	*ChangeSet - The rejected record (also returned alongside
//	ErrRestoreFailure).
//	error - ErrInvalidTransition, ErrRestoreFailure, or a journal
//	failure.
func (e *Engine) Reject(ctx context.Context, id, actor, reason string) (*ChangeSet, error) {
	lock := e.store.OpLock(id)
	lock.Lock()
	defer lock.Unlock()

	cs, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if err := e.sm.Check(cs.Status, StatusRejected); err != nil {
		e.metrics.recordError("invalid_transition")
		return nil, err
	}

	restoreErr := e.restoreIfDiverged(ctx, cs)

	auditErr := ""
	if restoreErr != nil {
		auditErr = "unresolved restore: " + restoreErr.Error()
		e.metrics.recordError("restore")
	}
	if err := e.commit(ctx, cs, StatusRejected, actor, reason, auditErr); err != nil {
		return nil, err
	}

	e.logger.Info("changeset rejected",
		slog.String("changeset_id", cs.ID),
		slog.String("actor", actor),
		slog.String("reason", reason))
	if restoreErr != nil {
		e.logger.Error("document left in unresolved state after reject",
			slog.String("changeset_id", cs.ID),
			slog.String("error", restoreErr.Error()))
		return cs.Clone(), restoreErr
	}
	return cs.Clone(), nil
}

// restoreIfDiverged writes the snapshot back only when the scope's
// current content differs from it.
func (e *Engine) restoreIfDiverged(ctx context.Context, cs *ChangeSet) error {
	snap, ok := e.snapshots.Get(cs.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSnapshotMissing, cs.ID)
	}

	bctx, cancel := e.backendCtx(ctx)
	defer cancel()

	current, err := e.backend.Read(bctx, cs.Scope)
	if err == nil && current.Equal(snap.Content) {
		return nil
	}
	return e.snapshots.Restore(bctx, e.backend, cs.ID)
}

// ApplyOptions carries caller policy for Apply.
type ApplyOptions struct {
	// ConfirmLargeTable acknowledges a table change whose cell count
	// exceeds the configured threshold.
	ConfirmLargeTable bool
}

// Apply writes the after content into the document.
//
// Description:
//
//	Valid only from approved. Text and document kinds replace the scope
//	content wholesale; table kind writes only the cells listed in the
//	cached diff, one at a time, so a mid-batch failure has a
//	well-defined recovery: cells already written are rolled back to
//	their per-cell snapshot values. On any backend failure the document
//	is restored before Apply returns (all-or-nothing from the caller's
//	perspective) and the record moves to failed. On success the
//	snapshot is released; no further rollback is possible.
//
// Outputs:
//
//	*ChangeSet - The applied (or failed) record.
//	error - ErrInvalidTransition, ErrConfirmationRequired (record stays
//	approved), ErrBackendWrite, or ErrRestoreFailure.
func (e *Engine) Apply(ctx context.Context, id string, opts ApplyOptions) (*ChangeSet, error) {
	lock := e.store.OpLock(id)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := otel.Tracer("changeset").Start(ctx, "engine.Apply",
		trace.WithAttributes(attribute.String("changeset_id", id)),
	)
	defer span.End()

	cs, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if cs.Status != StatusApproved {
		e.metrics.recordError("invalid_transition")
		return nil, fmt.Errorf("%w: apply from %s", ErrInvalidTransition, cs.Status)
	}

	if cs.Kind.IsTabular() && e.config.TableChangeThreshold > 0 &&
		cs.Diff != nil && len(cs.Diff.Cells) > e.config.TableChangeThreshold &&
		!opts.ConfirmLargeTable {
		return nil, fmt.Errorf("%w: %d cells exceed threshold %d",
			ErrConfirmationRequired, len(cs.Diff.Cells), e.config.TableChangeThreshold)
	}

	start := time.Now()

	if e.config.BackupBeforeApply {
		bctx, cancel := e.backendCtx(ctx)
		location, err := e.backend.Backup(bctx)
		cancel()
		if err != nil {
			return e.failApply(ctx, cs, span, start, nil,
				fmt.Errorf("%w: pre-apply backup: %v", ErrBackendWrite, err))
		}
		e.logger.Info("pre-apply backup taken",
			slog.String("changeset_id", cs.ID),
			slog.String("location", location))
	}

	var written []backend.CellPatch
	writeErr := func() error {
		bctx, cancel := e.backendCtx(ctx)
		defer cancel()

		if !cs.Kind.IsTabular() {
			if err := e.backend.Write(bctx, cs.Scope, cs.After); err != nil {
				return fmt.Errorf("%w: scope %q: %v", ErrBackendWrite, cs.Scope, err)
			}
			return nil
		}

		// Cell-at-a-time in row-major order, so a failure leaves a
		// known set of written cells to roll back.
		for _, change := range cs.Diff.Cells {
			patch := backend.CellPatch{Row: change.Row, Col: change.Col, Value: change.New}
			if err := e.backend.WriteCells(bctx, cs.Scope, []backend.CellPatch{patch}); err != nil {
				return fmt.Errorf("%w: cell (%d,%d): %v", ErrBackendWrite, change.Row, change.Col, err)
			}
			written = append(written, patch)
		}
		return nil
	}()

	if writeErr != nil {
		return e.failApply(ctx, cs, span, start, written, writeErr)
	}

	if err := e.commit(ctx, cs, StatusApplied, ActorSystem, "", ""); err != nil {
		return nil, err
	}
	e.metrics.observeApply(cs.Kind, StatusApplied, time.Since(start).Seconds())

	e.logger.Info("changeset applied",
		slog.String("changeset_id", cs.ID),
		slog.String("scope", cs.Scope),
		slog.Duration("duration", time.Since(start)))
	return cs.Clone(), nil
}

// failApply restores the document if it diverged from its snapshot,
// commits the failed transition, and shapes the returned error. written
// lists the table cells mutated before the failure (nil for text kinds
// and pre-mutation failures). An atomic write that failed without
// mutating the scope needs no restore and reports only the write error.
func (e *Engine) failApply(ctx context.Context, cs *ChangeSet, span trace.Span, start time.Time, written []backend.CellPatch, writeErr error) (*ChangeSet, error) {
	e.metrics.recordError("backend_write")
	span.RecordError(writeErr)
	span.SetStatus(codes.Error, "apply failed")

	var restoreErr error
	switch {
	case cs.Kind.IsTabular() && len(written) > 0:
		bctx, cancel := e.backendCtx(ctx)
		restoreErr = e.snapshots.RestoreCells(bctx, e.backend, cs.ID, written)
		cancel()
	case !cs.Kind.IsTabular():
		restoreErr = e.restoreIfDiverged(ctx, cs)
	}

	auditErr := writeErr.Error()
	if restoreErr != nil {
		auditErr += "; unresolved restore: " + restoreErr.Error()
		e.metrics.recordError("restore")
	}

	if commitErr := e.commit(ctx, cs, StatusFailed, ActorSystem, "", auditErr); commitErr != nil {
		return nil, commitErr
	}
	e.metrics.observeApply(cs.Kind, StatusFailed, time.Since(start).Seconds())

	if restoreErr != nil {
		e.logger.Error("document left in unresolved state after failed apply",
			slog.String("changeset_id", cs.ID),
			slog.String("write_error", writeErr.Error()),
			slog.String("restore_error", restoreErr.Error()))
		return cs.Clone(), restoreErr
	}

	e.logger.Warn("apply failed, document restored",
		slog.String("changeset_id", cs.ID),
		slog.String("error", writeErr.Error()))
	return cs.Clone(), writeErr
}

// =============================================================================
// Queries and Maintenance
// =============================================================================

// Get returns a copy of the record.
func (e *Engine) Get(id string) (*ChangeSet, error) {
	return e.store.Get(id)
}

// List returns copies of all records matching the filter, oldest first.
func (e *Engine) List(filter Filter) []*ChangeSet {
	return e.store.List(filter)
}

// Audit returns the ordered transition history of one ChangeSet from
// the journal.
func (e *Engine) Audit(ctx context.Context, id string) ([]journal.Entry, error) {
	return e.journal.Query(ctx, id)
}

// GC reclaims terminal records past the retention window and runs a
// journal value-log GC pass. Returns the number of records reclaimed.
func (e *Engine) GC() (int, error) {
	removed := e.store.GC(e.config.TerminalTTL)
	if removed > 0 {
		e.logger.Info("session store gc", slog.Int("removed", removed))
	}
	return removed, e.journal.RunGC()
}

// ReplayedChangeSet is the journal's view of one ChangeSet: its final
// status and the full transition sequence that produced it.
type ReplayedChangeSet struct {
	// ID is the ChangeSet identifier.
	ID string `json:"id"`

	// Status is the final status according to the journal.
	Status Status `json:"status"`

	// Transitions is the ordered audit history.
	Transitions []journal.Entry `json:"transitions"`
}

// ReplayHistory reconstructs every ChangeSet's status from the journal
// alone, independent of the live session store.
//
// Outputs:
//
//	[]ReplayedChangeSet - One element per ChangeSet seen in the log,
//	ordered by first appearance.
func (e *Engine) ReplayHistory(ctx context.Context) ([]ReplayedChangeSet, error) {
	entries, err := e.journal.Replay(ctx)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int)
	var out []ReplayedChangeSet
	for _, entry := range entries {
		i, ok := index[entry.ChangeSetID]
		if !ok {
			i = len(out)
			index[entry.ChangeSetID] = i
			out = append(out, ReplayedChangeSet{ID: entry.ChangeSetID})
		}
		out[i].Status = Status(entry.ToStatus)
		out[i].Transitions = append(out[i].Transitions, entry)
	}
	return out, nil
}

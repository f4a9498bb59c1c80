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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/redline/services/changeset/backend"
	"github.com/AleutianAI/redline/services/changeset/diff"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`

	// Status is the ChangeSet's resulting status, when the error moved
	// or left the record somewhere the caller should know about.
	Status string `json:"status,omitempty"`
}

// PreviewResponse carries the computed diff plus a rendered form.
type PreviewResponse struct {
	// ChangeSetID identifies the previewed record.
	ChangeSetID string `json:"changeset_id"`

	// Diff is the structured diff.
	Diff *diff.Result `json:"diff"`

	// Patch is a human-readable rendering: a unified diff for text
	// kinds, a cell listing for table kinds.
	Patch string `json:"patch"`
}

// ApproveRequest identifies the reviewer accepting a proposal.
type ApproveRequest struct {
	// Actor is the reviewer identity. Required.
	Actor string `json:"actor"`
}

// RejectRequest identifies the reviewer declining a proposal.
type RejectRequest struct {
	// Actor is the reviewer identity. Required.
	Actor string `json:"actor"`

	// Reason is an optional free-text explanation, recorded verbatim
	// in the audit trail.
	Reason string `json:"reason,omitempty"`
}

// ApplyRequest carries apply policy acknowledgements.
type ApplyRequest struct {
	// ConfirmLargeTable acknowledges a table change exceeding the
	// configured cell threshold.
	ConfirmLargeTable bool `json:"confirm_large_table,omitempty"`
}

// ProposeRequest asks the proposer to generate a ChangeSet for a scope.
type ProposeRequest struct {
	// Scope is the document to edit. Required.
	Scope string `json:"scope"`

	// Kind is the content shape; defaults to text. Table scopes are
	// not supported by the proposer.
	Kind Kind `json:"kind,omitempty"`

	// Mode selects the proposer behavior: rewrite, summarize, extend.
	Mode string `json:"mode"`

	// Prompt is the instruction given to the model.
	Prompt string `json:"prompt"`
}

// Handlers contains the HTTP handlers for the ChangeSet service.
//
// Thread Safety: Handlers is safe for concurrent use.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers over the service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

// writeError maps a lifecycle error to an HTTP response. status is the
// record's resulting status when known ("" omits it).
func writeError(c *gin.Context, logger *slog.Logger, err error, status string) {
	resp := ErrorResponse{Error: err.Error(), Status: status}

	switch {
	case errors.Is(err, ErrNotFound):
		resp.Code = "NOT_FOUND"
		c.JSON(http.StatusNotFound, resp)
	case errors.Is(err, ErrScopeConflict):
		resp.Code = "SCOPE_CONFLICT"
		c.JSON(http.StatusConflict, resp)
	case errors.Is(err, ErrInvalidTransition):
		resp.Code = "INVALID_TRANSITION"
		c.JSON(http.StatusConflict, resp)
	case errors.Is(err, ErrKindContentMismatch):
		resp.Code = "INVALID_REQUEST"
		c.JSON(http.StatusBadRequest, resp)
	case errors.Is(err, ErrConfirmationRequired):
		resp.Code = "CONFIRMATION_REQUIRED"
		c.JSON(http.StatusPreconditionRequired, resp)
	case errors.Is(err, ErrDiffComputation):
		resp.Code = "DIFF_FAILED"
		c.JSON(http.StatusBadGateway, resp)
	case errors.Is(err, ErrBackendRead), errors.Is(err, ErrBackendWrite):
		resp.Code = "BACKEND_ERROR"
		c.JSON(http.StatusBadGateway, resp)
	case errors.Is(err, ErrRestoreFailure):
		resp.Code = "UNRESOLVED_RESTORE"
		resp.Details = "document may not match its pre-proposal content; manual recovery required"
		c.JSON(http.StatusInternalServerError, resp)
	default:
		logger.Error("unhandled error", "error", err)
		resp.Code = "INTERNAL"
		c.JSON(http.StatusInternalServerError, resp)
	}
}

// HandleCreate handles POST /v1/changesets.
//
// Response:
//
//	201 Created: the draft ChangeSet
//	400 Bad Request: validation error
//	409 Conflict: an active ChangeSet already covers the scope
func (h *Handlers) HandleCreate(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCreate")

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if err := req.Validate(); err != nil {
		logger.Warn("Invalid create request", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}

	cs, err := h.svc.engine.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, logger, err, "")
		return
	}
	c.JSON(http.StatusCreated, cs)
}

// HandleList handles GET /v1/changesets?status=&scope=.
func (h *Handlers) HandleList(c *gin.Context) {
	filter := Filter{
		Status: Status(c.Query("status")),
		Scope:  c.Query("scope"),
	}
	if filter.Status != "" && !validStatus(filter.Status) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "unknown status " + string(filter.Status),
			Code:  "INVALID_REQUEST",
		})
		return
	}

	items := h.svc.engine.List(filter)
	c.JSON(http.StatusOK, gin.H{
		"changesets": items,
		"count":      len(items),
	})
}

func validStatus(s Status) bool {
	for _, known := range AllStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// HandleGet handles GET /v1/changesets/:id.
func (h *Handlers) HandleGet(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGet")

	cs, err := h.svc.engine.Get(c.Param("id"))
	if err != nil {
		writeError(c, logger, err, "")
		return
	}
	c.JSON(http.StatusOK, cs)
}

// HandlePreview handles POST /v1/changesets/:id/preview.
//
// Response:
//
//	200 OK: PreviewResponse
//	404 Not Found: unknown id
//	409 Conflict: not in draft
//	502 Bad Gateway: backend read failed (record stays draft) or the
//	document changed since the proposal (record moves to failed)
func (h *Handlers) HandlePreview(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandlePreview")
	id := c.Param("id")

	result, err := h.svc.engine.Preview(c.Request.Context(), id)
	if err != nil {
		writeError(c, logger, err, h.statusOf(id))
		return
	}

	cs, err := h.svc.engine.Get(id)
	if err != nil {
		writeError(c, logger, err, "")
		return
	}

	patch, renderErr := renderPatch(cs, result)
	if renderErr != nil {
		logger.Warn("patch rendering failed", "error", renderErr)
	}
	c.JSON(http.StatusOK, PreviewResponse{
		ChangeSetID: id,
		Diff:        result,
		Patch:       patch,
	})
}

// statusOf reports the record's current status for error bodies, or ""
// if the record is gone.
func (h *Handlers) statusOf(id string) string {
	cs, err := h.svc.engine.Get(id)
	if err != nil {
		return ""
	}
	return cs.Status.String()
}

func renderPatch(cs *ChangeSet, result *diff.Result) (string, error) {
	if !result.IsText() {
		return diff.RenderCells(result.Cells), nil
	}
	return diff.RenderUnified(cs.Scope, cs.Before.Text, cs.After.Text)
}

// HandleApprove handles POST /v1/changesets/:id/approve.
func (h *Handlers) HandleApprove(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleApprove")

	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if req.Actor == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Actor is required",
			Code:  "EMPTY_ACTOR",
		})
		return
	}

	cs, err := h.svc.engine.Approve(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		writeError(c, logger, err, h.statusOf(c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, cs)
}

// HandleReject handles POST /v1/changesets/:id/reject.
func (h *Handlers) HandleReject(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleReject")

	var req RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if req.Actor == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Actor is required",
			Code:  "EMPTY_ACTOR",
		})
		return
	}

	id := c.Param("id")
	cs, err := h.svc.engine.Reject(c.Request.Context(), id, req.Actor, req.Reason)
	if err != nil {
		writeError(c, logger, err, h.statusOf(id))
		return
	}
	c.JSON(http.StatusOK, cs)
}

// HandleApply handles POST /v1/changesets/:id/apply.
//
// Response:
//
//	200 OK: the applied ChangeSet
//	409 Conflict: not approved
//	428 Precondition Required: large table change not confirmed
//	502 Bad Gateway: backend write failed, document restored
//	500 Internal Server Error: restore also failed (unresolved)
func (h *Handlers) HandleApply(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleApply")

	// Body is optional; an empty body means no acknowledgements.
	var req ApplyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			logger.Warn("Invalid request body", "error", err)
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "Invalid request body",
				Code:  "INVALID_REQUEST",
			})
			return
		}
	}

	id := c.Param("id")
	cs, err := h.svc.engine.Apply(c.Request.Context(), id,
		ApplyOptions{ConfirmLargeTable: req.ConfirmLargeTable})
	if err != nil {
		writeError(c, logger, err, h.statusOf(id))
		return
	}
	c.JSON(http.StatusOK, cs)
}

// HandleAudit handles GET /v1/changesets/:id/audit.
func (h *Handlers) HandleAudit(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleAudit")
	id := c.Param("id")

	entries, err := h.svc.engine.Audit(c.Request.Context(), id)
	if err != nil {
		writeError(c, logger, err, "")
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "no audit entries for " + id,
			Code:  "NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"changeset_id": id,
		"entries":      entries,
		"count":        len(entries),
	})
}

// HandlePropose handles POST /v1/propose.
//
// Description:
//
//	Reads the scope's current content, asks the proposer for a
//	replacement, and registers the result as a draft ChangeSet. Only
//	text and document kinds are supported.
//
// Response:
//
//	201 Created: the draft ChangeSet
//	409 Conflict: scope already has an active ChangeSet
//	502 Bad Gateway: backend read or model call failed
//	503 Service Unavailable: proposer not configured
func (h *Handlers) HandlePropose(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandlePropose")

	if h.svc.proposer == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "proposer is not configured",
			Code:  "PROPOSER_DISABLED",
		})
		return
	}

	var req ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if req.Scope == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Scope is required",
			Code:  "EMPTY_SCOPE",
		})
		return
	}
	if req.Kind == "" {
		req.Kind = KindText
	}
	if req.Kind.IsTabular() {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "proposer supports only text scopes",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	ctx := c.Request.Context()
	current, err := h.svc.backend.Read(ctx, req.Scope)
	if err != nil {
		logger.Error("backend read failed", "scope", req.Scope, "error", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: err.Error(),
			Code:  "BACKEND_ERROR",
		})
		return
	}

	proposed, err := h.svc.proposer.Propose(ctx, req.Mode, req.Prompt, current.Text)
	if err != nil {
		logger.Error("proposal failed", "scope", req.Scope, "error", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: err.Error(),
			Code:  "PROPOSER_ERROR",
		})
		return
	}

	cs, err := h.svc.engine.Create(ctx, CreateRequest{
		Kind:   req.Kind,
		Scope:  req.Scope,
		Prompt: req.Prompt,
		Model:  h.svc.proposer.Model(),
		Before: current,
		After:  backend.Content{Text: proposed},
	})
	if err != nil {
		writeError(c, logger, err, "")
		return
	}
	c.JSON(http.StatusCreated, cs)
}

// HandleHealth handles GET /v1/changesets/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"changesets":    h.svc.engine.store.Len(),
		"event_clients": h.svc.hub.ClientCount(),
	})
}

// HandleReady handles GET /v1/changesets/ready.
func (h *Handlers) HandleReady(c *gin.Context) {
	if err := h.svc.Ready(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

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
	"log/slog"

	"github.com/AleutianAI/redline/services/changeset/backend"
	"github.com/AleutianAI/redline/services/changeset/journal"
)

// TextProposer generates a replacement text for a document. Implemented
// by the proposer package; the service treats it as optional.
type TextProposer interface {
	// Propose returns the proposed replacement for current, guided by
	// mode and prompt.
	Propose(ctx context.Context, mode, prompt, current string) (string, error)

	// Model returns the model name recorded as provenance on the
	// ChangeSets the proposer stages.
	Model() string
}

// Service wires the lifecycle engine to the HTTP layer.
//
// Description:
//
//	Service owns the event hub, holds the backend reference the propose
//	endpoint needs for reading current content, and carries the
//	optional proposer. It adds no lifecycle semantics of its own.
//
// Thread Safety: Service is safe for concurrent use.
type Service struct {
	engine   *Engine
	backend  backend.Backend
	journal  *journal.Journal
	proposer TextProposer
	hub      *EventHub
	logger   *slog.Logger
}

// NewService creates the service and subscribes the event hub to the
// engine's audit stream.
//
// Inputs:
//
//	eng - The lifecycle engine. Must not be nil.
//	b - The document backend (the same one the engine uses).
//	j - The audit journal (the same one the engine uses).
//	prop - Optional proposer; nil disables POST /v1/propose.
//	logger - Optional logger; nil uses slog.Default().
func NewService(eng *Engine, b backend.Backend, j *journal.Journal, prop TextProposer, logger *slog.Logger) (*Service, error) {
	if eng == nil {
		return nil, errors.New("engine must not be nil")
	}
	if b == nil {
		return nil, errors.New("backend must not be nil")
	}
	if j == nil {
		return nil, errors.New("journal must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	hub := NewEventHub(logger)
	eng.AddListener(hub.Broadcast)

	return &Service{
		engine:   eng,
		backend:  b,
		journal:  j,
		proposer: prop,
		hub:      hub,
		logger:   logger.With(slog.String("component", "service")),
	}, nil
}

// Engine returns the underlying lifecycle engine.
func (s *Service) Engine() *Engine {
	return s.engine
}

// Hub returns the audit event hub.
func (s *Service) Hub() *EventHub {
	return s.hub
}

// Ready reports whether the service can accept traffic: the journal
// must be open and writable.
func (s *Service) Ready() error {
	return s.journal.Sync()
}

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
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/redline/services/changeset/journal"
)

var eventUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

const (
	// eventBuffer is the per-client queue depth. A client that falls
	// further behind than this starts dropping entries.
	eventBuffer = 64

	eventWriteWait = 10 * time.Second
	eventPingEvery = 30 * time.Second
)

// EventHub fans committed audit entries out to websocket clients.
//
// Description:
//
//	The hub is registered as an engine listener; every committed
//	transition is broadcast as a JSON-encoded audit entry. Clients are
//	read-only; anything they send is discarded.
//
// Thread Safety: EventHub is safe for concurrent use.
type EventHub struct {
	mu      sync.RWMutex
	clients map[chan journal.Entry]struct{}
	logger  *slog.Logger
}

// NewEventHub creates an empty hub.
func NewEventHub(logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{
		clients: make(map[chan journal.Entry]struct{}),
		logger:  logger.With(slog.String("component", "event_hub")),
	}
}

// Broadcast queues an entry for every connected client. Entries to a
// client with a full queue are dropped rather than blocking the engine.
func (h *EventHub) Broadcast(entry journal.Entry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- entry:
		default:
			h.logger.Warn("slow event client, dropping entry",
				slog.Uint64("seq", entry.Seq))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *EventHub) register() chan journal.Entry {
	ch := make(chan journal.Entry, eventBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unregister(ch chan journal.Entry) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// HandleEvents handles GET /v1/changesets/events.
//
// Description:
//
//	Upgrades the connection and streams audit entries as they commit.
//	The stream carries only entries committed after the client
//	connected; use the audit endpoint for history.
func (h *EventHub) HandleEvents(c *gin.Context) {
	ws, err := eventUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	ch := h.register()
	defer h.unregister(ch)
	h.logger.Info("event client connected")

	// Reader exists only to observe the close frame.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingEvery)
	defer ping.Stop()

	for {
		select {
		case entry := <-ch:
			_ = ws.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := ws.WriteJSON(entry); err != nil {
				h.logger.Info("event client disconnected", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			h.logger.Info("event client disconnected")
			return
		}
	}
}

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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all ChangeSet routes with the router.
//
// Description:
//
//	Registers all /v1/changesets/* endpoints plus /v1/propose with the
//	given Gin router group. The router group should already have any
//	required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST   /v1/changesets - Create a draft ChangeSet
//	GET    /v1/changesets - List ChangeSets (status=, scope= filters)
//	GET    /v1/changesets/events - Websocket audit feed
//	GET    /v1/changesets/health - Health check
//	GET    /v1/changesets/ready - Readiness check
//	GET    /v1/changesets/:id - Get a ChangeSet
//	POST   /v1/changesets/:id/preview - Compute diff and snapshot
//	POST   /v1/changesets/:id/approve - Record reviewer approval
//	POST   /v1/changesets/:id/reject - Decline and restore
//	POST   /v1/changesets/:id/apply - Write the change
//	GET    /v1/changesets/:id/audit - Ordered audit history
//	POST   /v1/propose - Generate a proposal via the model
//
// Example:
//
//	svc, _ := changeset.NewService(engine, backend, journal, prop, logger)
//	handlers := changeset.NewHandlers(svc)
//
//	v1 := router.Group("/v1")
//	changeset.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	changesets := rg.Group("/changesets")
	{
		// Lifecycle
		changesets.POST("", handlers.HandleCreate)
		changesets.GET("", handlers.HandleList)
		changesets.GET("/:id", handlers.HandleGet)
		changesets.POST("/:id/preview", handlers.HandlePreview)
		changesets.POST("/:id/approve", handlers.HandleApprove)
		changesets.POST("/:id/reject", handlers.HandleReject)
		changesets.POST("/:id/apply", handlers.HandleApply)

		// Audit
		changesets.GET("/:id/audit", handlers.HandleAudit)
		changesets.GET("/events", handlers.svc.hub.HandleEvents)

		// Health checks
		changesets.GET("/health", handlers.HandleHealth)
		changesets.GET("/ready", handlers.HandleReady)
	}

	// Proposal generation
	rg.POST("/propose", handlers.HandlePropose)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the healer over HTTP: runs, approval tickets,
// notifications, and Prometheus metrics.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/MendFOSS/services/healer/approval"
	"github.com/AleutianAI/MendFOSS/services/healer/engine"
	"github.com/AleutianAI/MendFOSS/services/healer/notify"
)

// Deps are the server's collaborators.
type Deps struct {
	// Runs serves run history. Required.
	Runs engine.RunStore

	// Scheduler serves approval tickets. Required.
	Scheduler *approval.Scheduler

	// Notifications serves the event feed. May be nil.
	Notifications *notify.Center

	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	// Logger may be nil for slog.Default().
	Logger *slog.Logger
}

// NewRouter builds the HTTP surface.
func NewRouter(deps Deps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	{
		v1.GET("/runs", ListRuns(deps.Runs))
		v1.GET("/runs/:runId", GetRun(deps.Runs))

		tickets := v1.Group("/tickets")
		{
			tickets.GET("", ListTickets(deps.Scheduler))
			tickets.GET("/:ticketId", GetTicket(deps.Scheduler))
			tickets.POST("/:ticketId/approve", ApproveTicket(deps.Scheduler))
			tickets.POST("/:ticketId/reject", RejectTicket(deps.Scheduler))
		}

		v1.GET("/notifications", ListNotifications(deps.Notifications))
	}
	return router
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

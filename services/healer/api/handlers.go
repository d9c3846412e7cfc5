// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/MendFOSS/services/healer/approval"
	"github.com/AleutianAI/MendFOSS/services/healer/engine"
	"github.com/AleutianAI/MendFOSS/services/healer/history"
	"github.com/AleutianAI/MendFOSS/services/healer/notify"
)

// ListRuns returns recent runs, newest first. Query: limit (default 50).
func ListRuns(runs engine.RunStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = parsed
		}

		recent, err := runs.RecentRuns(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": recent})
	}
}

// GetRun returns one run by ID.
func GetRun(runs engine.RunStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := runs.GetRun(c.Request.Context(), c.Param("runId"))
		if err != nil {
			if errors.Is(err, history.ErrRunNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

// ListTickets returns approval tickets. Query: pending=true to filter.
func ListTickets(scheduler *approval.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var tickets []*approval.Ticket
		if c.Query("pending") == "true" {
			tickets = scheduler.Pending()
		} else {
			tickets = scheduler.List()
		}
		c.JSON(http.StatusOK, gin.H{"tickets": tickets})
	}
}

// GetTicket returns one ticket by ID.
func GetTicket(scheduler *approval.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		ticket, err := scheduler.Get(c.Param("ticketId"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
			return
		}
		c.JSON(http.StatusOK, ticket)
	}
}

// resolveRequest is the body for approve/reject.
type resolveRequest struct {
	Actor  string `json:"actor" binding:"required"`
	Reason string `json:"reason"`
}

// ApproveTicket resolves a ticket in favor of the fix.
func ApproveTicket(scheduler *approval.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "actor is required"})
			return
		}

		ticket, err := scheduler.Approve(c.Request.Context(), c.Param("ticketId"), req.Actor)
		if err != nil {
			writeResolveError(c, err)
			return
		}
		c.JSON(http.StatusOK, ticket)
	}
}

// RejectTicket resolves a ticket against the fix and rolls it back.
func RejectTicket(scheduler *approval.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "actor is required"})
			return
		}

		ticket, err := scheduler.Reject(c.Param("ticketId"), req.Actor, req.Reason)
		if err != nil {
			writeResolveError(c, err)
			return
		}
		c.JSON(http.StatusOK, ticket)
	}
}

func writeResolveError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, approval.ErrUnknownTicket):
		c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
	case errors.Is(err, approval.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// ListNotifications returns the event feed, newest first.
func ListNotifications(center *notify.Center) gin.HandlerFunc {
	return func(c *gin.Context) {
		if center == nil {
			c.JSON(http.StatusOK, gin.H{"notifications": []notify.Notification{}})
			return
		}
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			limit, _ = strconv.Atoi(raw)
		}
		c.JSON(http.StatusOK, gin.H{"notifications": center.Recent(limit)})
	}
}

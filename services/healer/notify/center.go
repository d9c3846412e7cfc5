// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify keeps a bounded in-memory feed of healing events for
// the CLI and API surfaces.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a notification.
type Kind string

const (
	// KindFixApplied announces a fix awaiting approval.
	KindFixApplied Kind = "fix_applied"

	// KindApprovalRequest asks a human to review a ticket.
	KindApprovalRequest Kind = "approval_request"

	// KindEscalation announces a run a human must act on.
	KindEscalation Kind = "escalation"

	// KindFailure announces a run that could not produce a fix.
	KindFailure Kind = "failure"

	// KindManualCheck announces a rollback failure needing attention.
	KindManualCheck Kind = "manual_check"
)

// Notification is one feed entry.
type Notification struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	RunID     string    `json:"run_id,omitempty"`
	TicketID  string    `json:"ticket_id,omitempty"`
	Path      string    `json:"path,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// maxNotifications bounds the feed; older entries are dropped.
const maxNotifications = 100

// Center is the in-memory notification feed.
//
// # Thread Safety
//
// Safe for concurrent use.
type Center struct {
	logger *slog.Logger

	mu    sync.Mutex
	items []Notification
}

// NewCenter creates a Center. A nil logger uses slog.Default().
func NewCenter(logger *slog.Logger) *Center {
	if logger == nil {
		logger = slog.Default()
	}
	return &Center{logger: logger.With("component", "notify")}
}

// Post adds an entry to the feed, evicting the oldest past capacity.
func (c *Center) Post(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	c.mu.Lock()
	c.items = append(c.items, n)
	if len(c.items) > maxNotifications {
		c.items = c.items[len(c.items)-maxNotifications:]
	}
	c.mu.Unlock()

	c.logger.Info("notification posted",
		"kind", n.Kind, "run_id", n.RunID, "path", n.Path, "message", n.Message)
	return n
}

// Recent returns up to limit entries, newest first.
func (c *Center) Recent(limit int) []Notification {
	if limit <= 0 {
		limit = maxNotifications
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.items)
	if limit > n {
		limit = n
	}
	out := make([]Notification, limit)
	for i := 0; i < limit; i++ {
		out[i] = c.items[n-1-i]
	}
	return out
}

// Len returns the current feed size.
func (c *Center) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package approval queues successful fixes for human or timed sign-off.
//
// A fix leaves the repair engine applied on disk with its backup still
// live. The scheduler holds it behind a ticket: approval commits the
// change and discards the backup, rejection restores the original file.
// Low-risk tickets auto-approve after a grace period. Every ticket
// resolves exactly once, no matter how the timer and callers interleave.
package approval

import (
	"time"

	"github.com/AleutianAI/MendFOSS/services/healer/engine"
)

// =============================================================================
// Risk
// =============================================================================

// Risk buckets a fix by blast radius.
type Risk string

const (
	// RiskLow marks small, confident fixes eligible for auto-approval.
	RiskLow Risk = "low"

	// RiskMedium marks fixes that need a human look.
	RiskMedium Risk = "medium"

	// RiskHigh marks large or low-confidence fixes.
	RiskHigh Risk = "high"
)

// riskFromLabel maps a collaborator-supplied label onto a Risk bucket.
// Unknown labels return false.
func riskFromLabel(label string) (Risk, bool) {
	switch label {
	case "low":
		return RiskLow, true
	case "medium":
		return RiskMedium, true
	case "high":
		return RiskHigh, true
	}
	return "", false
}

// ClassifyRisk buckets a fix.
//
// # Description
//
// The evaluator's own risk estimate wins when it is one of the known
// labels. Otherwise the bucket is derived from size and confidence:
// more than 20 changed lines or confidence below 0.7 is high, more
// than 10 changed lines or confidence below 0.85 is medium, and the
// rest is low.
//
// # Inputs
//
//   - eval: the passing evaluation (may be nil).
//   - changedLines: added plus removed lines across the patch.
func ClassifyRisk(eval *engine.Evaluation, changedLines int) Risk {
	confidence := 1.0
	if eval != nil {
		if risk, ok := riskFromLabel(eval.RiskLevel); ok {
			return risk
		}
		confidence = eval.Confidence
	}

	switch {
	case changedLines > 20 || confidence < 0.7:
		return RiskHigh
	case changedLines > 10 || confidence < 0.85:
		return RiskMedium
	default:
		return RiskLow
	}
}

// =============================================================================
// Tickets
// =============================================================================

// Resolution is the terminal state of a ticket.
type Resolution string

const (
	// ResolutionPending means the ticket is still open.
	ResolutionPending Resolution = "pending"

	// ResolutionAutoApproved means the low-risk timer fired first.
	ResolutionAutoApproved Resolution = "auto_approved"

	// ResolutionApproved means a caller approved the ticket.
	ResolutionApproved Resolution = "approved"

	// ResolutionRejected means a caller rejected the ticket.
	ResolutionRejected Resolution = "rejected"
)

// Ticket is one fix awaiting sign-off.
//
// # Thread Safety
//
// Tickets returned by the scheduler are snapshots. Mutating them has
// no effect on scheduler state.
type Ticket struct {
	// ID identifies the ticket.
	ID string `json:"id"`

	// RunID is the healing run that produced the fix.
	RunID string `json:"run_id"`

	// TargetPath is the patched file.
	TargetPath string `json:"target_path"`

	// PatchText is the applied patch, for review.
	PatchText string `json:"patch_text"`

	// Risk is the classified risk bucket.
	Risk Risk `json:"risk"`

	// ChangedLines is the patch size used for classification.
	ChangedLines int `json:"changed_lines"`

	// CreatedAt is when the ticket was opened.
	CreatedAt time.Time `json:"created_at"`

	// Deadline is when a low-risk ticket auto-approves (zero for
	// tickets with no timer).
	Deadline time.Time `json:"deadline,omitempty"`

	// Resolution is the current state.
	Resolution Resolution `json:"resolution"`

	// ResolvedAt is when the ticket left pending.
	ResolvedAt time.Time `json:"resolved_at,omitempty"`

	// ResolvedBy names the approver, "timer" for auto-approval.
	ResolvedBy string `json:"resolved_by,omitempty"`

	// Reason is the caller-supplied rejection reason.
	Reason string `json:"reason,omitempty"`

	// RevisionID is the commit hash recorded on approval.
	RevisionID string `json:"revision_id,omitempty"`

	// CommitError is set when approval stood but the commit failed.
	// The backup stays live for manual recovery.
	CommitError string `json:"commit_error,omitempty"`

	// PushError is set when the commit landed but the push did not.
	PushError string `json:"push_error,omitempty"`

	// RestoreError is set when rejection stood but the rollback
	// failed. The backup stays live and the file needs a manual look.
	RestoreError string `json:"restore_error,omitempty"`
}

// Open reports whether the ticket is still pending.
func (t *Ticket) Open() bool {
	return t.Resolution == ResolutionPending
}

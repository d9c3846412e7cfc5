// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/MendFOSS/services/healer/backup"
	"github.com/AleutianAI/MendFOSS/services/healer/diffapply"
	"github.com/AleutianAI/MendFOSS/services/healer/engine"
	"github.com/AleutianAI/MendFOSS/services/healer/gitops"
)

// DefaultLowRiskTimeout is the grace period before a low-risk ticket
// auto-approves.
const DefaultLowRiskTimeout = 30 * time.Second

// finalizeTimeout bounds git work done on behalf of the auto-approval
// timer, which has no caller context.
const finalizeTimeout = 30 * time.Second

// Config tunes the scheduler.
type Config struct {
	// LowRiskTimeout is the auto-approval grace period for low-risk
	// tickets. Zero means DefaultLowRiskTimeout; negative disables
	// auto-approval entirely.
	LowRiskTimeout time.Duration

	// AutoPush pushes after each successful commit. Push failures are
	// recorded on the ticket; the commit stands.
	AutoPush bool
}

// ticketState pairs a ticket with the resources its resolution consumes.
type ticketState struct {
	ticket Ticket
	backup *backup.Backup
	timer  *time.Timer
}

// Scheduler holds applied fixes behind approval tickets.
//
// # Description
//
// Submit opens a ticket for a fix the engine left applied on disk.
// Approve commits the change and discards its backup; Reject restores
// the original file. Low-risk, auto-mergeable fixes carry a timer
// that auto-approves them after the grace period. The transition out of pending is a
// one-shot: exactly one of {caller approve, caller reject, timer}
// wins, and every other party gets ErrAlreadyResolved.
//
// # Thread Safety
//
// Safe for concurrent use.
type Scheduler struct {
	config  Config
	backups *backup.Store
	gateway gitops.Gateway
	logger  *slog.Logger

	mu      sync.Mutex
	tickets map[string]*ticketState
}

// NewScheduler creates a Scheduler.
//
// # Inputs
//
//   - config: timeouts. Zero values take defaults.
//   - backups: the store holding the fixes' live backups. Required.
//   - gateway: version control for approved fixes. May be nil, in
//     which case approval discards the backup without committing.
//   - logger: may be nil for slog.Default().
func NewScheduler(config Config, backups *backup.Store, gateway gitops.Gateway, logger *slog.Logger) (*Scheduler, error) {
	if backups == nil {
		return nil, fmt.Errorf("backup store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.LowRiskTimeout == 0 {
		config.LowRiskTimeout = DefaultLowRiskTimeout
	}
	return &Scheduler{
		config:  config,
		backups: backups,
		gateway: gateway,
		logger:  logger.With("component", "approval_scheduler"),
		tickets: make(map[string]*ticketState),
	}, nil
}

// ===== Submission =====

// Submit opens a ticket for a successful fix.
//
// # Description
//
// The auto-approval timer is armed only for low-risk fixes whose
// evaluation marked them auto-mergeable; everything else parks
// pending a manual decision.
//
// # Inputs
//
//   - fix: the engine's result. Its target must still hold the live
//     backup referenced by fix.BackupID.
//
// # Outputs
//
//   - *Ticket: a snapshot of the open ticket.
//   - error: if the fix's backup is gone, or its ID does not match.
func (s *Scheduler) Submit(fix *engine.FixResult) (*Ticket, error) {
	live, ok := s.backups.Live(fix.TargetPath)
	if !ok {
		return nil, fmt.Errorf("no live backup for %s", fix.TargetPath)
	}
	if fix.BackupID != "" && live.ID != fix.BackupID {
		return nil, fmt.Errorf("backup mismatch for %s: live %s, fix references %s",
			fix.TargetPath, live.ID, fix.BackupID)
	}

	changed := 0
	if patch, err := diffapply.Parse(fix.PatchText); err == nil {
		changed = patch.ChangedLines()
	} else {
		s.logger.Warn("submitted patch does not reparse, classifying by evaluation only",
			"run_id", fix.RunID, "error", err)
	}

	state := &ticketState{
		ticket: Ticket{
			ID:           uuid.NewString(),
			RunID:        fix.RunID,
			TargetPath:   fix.TargetPath,
			PatchText:    fix.PatchText,
			Risk:         ClassifyRisk(fix.Evaluation, changed),
			ChangedLines: changed,
			CreatedAt:    time.Now().UTC(),
			Resolution:   ResolutionPending,
		},
		backup: live,
	}

	autoMerge := fix.Evaluation != nil && fix.Evaluation.ShouldAutoMerge

	s.mu.Lock()
	if state.ticket.Risk == RiskLow && autoMerge && s.config.LowRiskTimeout > 0 {
		state.ticket.Deadline = state.ticket.CreatedAt.Add(s.config.LowRiskTimeout)
		id := state.ticket.ID
		state.timer = time.AfterFunc(s.config.LowRiskTimeout, func() {
			s.autoApprove(id)
		})
	}
	s.tickets[state.ticket.ID] = state
	ticket := state.ticket
	s.mu.Unlock()

	s.logger.Info("approval ticket opened",
		"ticket_id", ticket.ID,
		"run_id", ticket.RunID,
		"path", ticket.TargetPath,
		"risk", ticket.Risk,
		"changed_lines", ticket.ChangedLines)
	return &ticket, nil
}

// ===== Resolution =====

// Approve resolves a ticket in favor of the fix.
//
// # Description
//
// The resolution is recorded first and stands regardless of what
// follows: the commit is attempted once, and a commit failure is
// reported on the ticket (CommitError) with the backup left live for
// manual recovery. There is no automatic retry.
//
// # Outputs
//
//   - *Ticket: the resolved snapshot.
//   - error: ErrUnknownTicket, or ErrAlreadyResolved (via
//     *ResolvedError) if another party won.
func (s *Scheduler) Approve(ctx context.Context, ticketID, actor string) (*Ticket, error) {
	state, err := s.resolve(ticketID, ResolutionApproved, actor, "")
	if err != nil {
		return nil, err
	}
	return s.finalizeApproval(ctx, state), nil
}

// Reject resolves a ticket against the fix and restores the original
// file from backup.
//
// # Outputs
//
//   - *Ticket: the resolved snapshot. RestoreError is set if the
//     rollback failed; the backup then stays live.
//   - error: ErrUnknownTicket, or ErrAlreadyResolved (via
//     *ResolvedError) if another party won.
func (s *Scheduler) Reject(ticketID, actor, reason string) (*Ticket, error) {
	state, err := s.resolve(ticketID, ResolutionRejected, actor, reason)
	if err != nil {
		return nil, err
	}

	restoreErr := s.backups.Restore(state.backup)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case restoreErr == nil:
		s.logger.Info("fix rejected and rolled back",
			"ticket_id", ticketID, "path", state.ticket.TargetPath, "actor", actor)
	default:
		state.ticket.RestoreError = restoreErr.Error()
		s.logger.Error("rejected fix could not be rolled back",
			"ticket_id", ticketID,
			"path", state.ticket.TargetPath,
			"error", restoreErr)
	}
	ticket := state.ticket
	return &ticket, nil
}

// resolve is the one-shot pending -> terminal transition.
func (s *Scheduler) resolve(ticketID string, resolution Resolution, actor, reason string) (*ticketState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTicket, ticketID)
	}
	if state.ticket.Resolution != ResolutionPending {
		return nil, &ResolvedError{
			TicketID:   ticketID,
			Resolution: state.ticket.Resolution,
			ResolvedBy: state.ticket.ResolvedBy,
		}
	}

	state.ticket.Resolution = resolution
	state.ticket.ResolvedAt = time.Now().UTC()
	state.ticket.ResolvedBy = actor
	state.ticket.Reason = reason
	if state.timer != nil {
		state.timer.Stop()
		state.timer = nil
	}
	return state, nil
}

// finalizeApproval commits the approved fix and discards its backup.
// Called after the resolution is already recorded.
func (s *Scheduler) finalizeApproval(ctx context.Context, state *ticketState) *Ticket {
	var (
		revision  string
		commitErr error
		pushErr   error
	)
	if s.gateway != nil {
		message := fmt.Sprintf("mend: automated fix for %s (run %s)",
			state.ticket.TargetPath, state.ticket.RunID)
		result, err := s.gateway.Commit(ctx, message, state.ticket.RunID)
		commitErr = err
		if err == nil {
			revision = result.RevisionID
			if s.config.AutoPush {
				pushErr = s.gateway.Push(ctx)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case commitErr != nil:
		state.ticket.CommitError = commitErr.Error()
		s.logger.Error("approved fix failed to commit, backup left live",
			"ticket_id", state.ticket.ID,
			"path", state.ticket.TargetPath,
			"error", commitErr)
	default:
		state.ticket.RevisionID = revision
		if pushErr != nil {
			state.ticket.PushError = pushErr.Error()
			s.logger.Error("approved fix committed but push failed",
				"ticket_id", state.ticket.ID, "error", pushErr)
		}
		if err := s.backups.Discard(state.backup); err != nil {
			s.logger.Warn("discarding backup after approval",
				"ticket_id", state.ticket.ID, "error", err)
		}
		s.logger.Info("fix approved",
			"ticket_id", state.ticket.ID,
			"path", state.ticket.TargetPath,
			"actor", state.ticket.ResolvedBy,
			"revision", revision)
	}

	ticket := state.ticket
	return &ticket
}

// autoApprove is the timer callback for low-risk tickets. Losing the
// race to a caller is the expected benign outcome.
func (s *Scheduler) autoApprove(ticketID string) {
	state, err := s.resolve(ticketID, ResolutionAutoApproved, "timer", "")
	if err != nil {
		s.logger.Debug("auto-approval timer lost the race",
			"ticket_id", ticketID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	s.finalizeApproval(ctx, state)
}

// ===== Queries =====

// Get returns a snapshot of a ticket.
func (s *Scheduler) Get(ticketID string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTicket, ticketID)
	}
	ticket := state.ticket
	return &ticket, nil
}

// List returns snapshots of all tickets, newest first.
func (s *Scheduler) List() []*Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Ticket, 0, len(s.tickets))
	for _, state := range s.tickets {
		ticket := state.ticket
		out = append(out, &ticket)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Pending returns snapshots of open tickets, newest first.
func (s *Scheduler) Pending() []*Ticket {
	all := s.List()
	out := all[:0]
	for _, t := range all {
		if t.Open() {
			out = append(out, t)
		}
	}
	return out
}

// Stop cancels all pending auto-approval timers. Tickets stay pending;
// use it on shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range s.tickets {
		if state.timer != nil {
			state.timer.Stop()
			state.timer = nil
		}
	}
}

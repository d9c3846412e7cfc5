// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/MendFOSS/services/healer/backup"
	"github.com/AleutianAI/MendFOSS/services/healer/diffapply"
	"github.com/AleutianAI/MendFOSS/services/healer/telemetry"
	"github.com/AleutianAI/MendFOSS/services/healer/validate"
)

// Config bounds and tunes the healing loop.
type Config struct {
	// RepoPath is the project root; relative plan targets resolve here.
	RepoPath string

	// MaxAttempts bounds the repair loop. Default 5.
	MaxAttempts int

	// MaxPatchLines escalates oversized patches before any apply. Default 25.
	MaxPatchLines int
}

// withDefaults fills zero fields with the standard limits.
func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.MaxPatchLines == 0 {
		c.MaxPatchLines = 25
	}
	return c
}

// StateMachine orchestrates one healing run at a time per target.
//
// # Description
//
// Drives analysis, planning, generation, dry validation, apply, test, and
// evaluation, looping across bounded attempts. Every attempt that writes
// to disk ends with the backup either restored (rollback) or left live for
// the approval scheduler (success); there is no third outcome.
//
// # Thread Safety
//
// Safe for concurrent use across different targets. Concurrent runs
// against the same file are rejected by the backup store's per-path
// conflict check.
type StateMachine struct {
	config  Config
	diff    *diffapply.Engine
	backups *backup.Store
	checker *validate.Checker
	collab  Collaborators
	store   RunStore
	metrics *Metrics
	logger  *slog.Logger
}

// NewStateMachine creates a healing state machine.
//
// # Inputs
//
//   - config: Loop bounds. Zero fields get defaults.
//   - diffEngine: Patch engine (with its syntax oracle already injected).
//   - backups: Backup store. Must not be nil.
//   - collab: Reasoning collaborators. All five must be non-nil.
//   - store: Run history store. May be nil (runs are not persisted).
//   - metrics: Engine metrics. May be nil.
//   - logger: Logger for diagnostic output (can be nil).
//
// # Outputs
//
//   - *StateMachine: Ready-to-use machine.
//   - error: Non-nil if a required collaborator is missing.
func NewStateMachine(
	config Config,
	diffEngine *diffapply.Engine,
	backups *backup.Store,
	collab Collaborators,
	store RunStore,
	metrics *Metrics,
	logger *slog.Logger,
) (*StateMachine, error) {
	if diffEngine == nil {
		return nil, fmt.Errorf("diff engine must not be nil")
	}
	if backups == nil {
		return nil, fmt.Errorf("backup store must not be nil")
	}
	if collab.Analyzer == nil || collab.Planner == nil || collab.Generator == nil ||
		collab.Tester == nil || collab.Evaluator == nil {
		return nil, fmt.Errorf("all reasoning collaborators must be non-nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &StateMachine{
		config:  config.withDefaults(),
		diff:    diffEngine,
		backups: backups,
		checker: validate.NewChecker(config.withDefaults().MaxPatchLines),
		collab:  collab,
		store:   store,
		metrics: metrics,
		logger:  logger.With("component", "engine"),
	}, nil
}

// Heal runs the bounded repair loop for one target.
//
// # Description
//
// Returns a Run with a terminal status in every case. The only error this
// method returns is a backup conflict at run start: the target already has
// a live backup held by another run, and this run must not race it. All
// other failures are recorded as attempt history on the returned Run.
//
// # Inputs
//
//   - ctx: Context for cancellation. Cancellation stops the loop between
//     phases; any disk write already made is rolled back.
//   - target: The file to heal, absolute or relative to RepoPath.
//
// # Outputs
//
//   - *Run: The completed run record. Never nil.
//   - error: ErrBackupConflict-wrapped when the target is already in flight.
func (m *StateMachine) Heal(ctx context.Context, target string) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		Target:    target,
		StartedAt: time.Now().UTC(),
	}
	ctx, span := telemetry.Tracer().Start(ctx, "healer.run")
	defer span.End()
	logger := telemetry.LoggerWithRun(ctx, m.logger, run.ID)
	logger.Info("healing run started", "target", target)

	if m.backups.HasLive(m.resolvePath(target)) {
		run.Status = StatusFaulted
		m.finish(ctx, logger, run)
		return run, fmt.Errorf("target %s: %w", target, backup.ErrBackupConflict)
	}

	var report *BugReport
	for index := 1; index <= m.config.MaxAttempts; index++ {
		if ctx.Err() != nil {
			logger.Warn("healing run cancelled", "attempts", len(run.Attempts))
			break
		}

		attempt := m.runAttempt(ctx, logger, run, index, &report)
		run.Attempts = append(run.Attempts, attempt)

		if m.metrics != nil {
			m.metrics.AttemptsTotal.WithLabelValues(string(attempt.Phase), string(attempt.Outcome)).Inc()
		}
		logger.Info("attempt finished",
			"attempt", attempt.Index,
			"phase", string(attempt.Phase),
			"outcome", string(attempt.Outcome),
			"error", attempt.Error)

		if run.Status.IsTerminal() {
			break
		}
	}

	if !run.Status.IsTerminal() {
		run.Status = StatusExhausted
	}

	m.finish(ctx, logger, run)
	return run, nil
}

// finish stamps, records, and persists the terminal run.
func (m *StateMachine) finish(ctx context.Context, logger *slog.Logger, run *Run) {
	run.CompletedAt = time.Now().UTC()

	if m.metrics != nil {
		m.metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()
		m.metrics.RunDurationSeconds.Observe(run.CompletedAt.Sub(run.StartedAt).Seconds())
	}

	if m.store != nil {
		if err := m.store.SaveRun(ctx, run); err != nil {
			logger.Warn("persisting run record", "error", err)
		}
	}

	logger.Info("healing run finished",
		"status", string(run.Status),
		"attempts", len(run.Attempts),
		"needs_manual_check", run.NeedsManualCheck)
}

// runAttempt executes one propose-apply-test-evaluate round.
//
// The deferred wrapper enforces the rollback invariant: when this attempt
// wrote to disk and the run did not succeed, the backup is restored before
// the attempt record is finalized. Panics are downgraded to retryable
// attempt failures at this boundary.
func (m *StateMachine) runAttempt(ctx context.Context, runLogger *slog.Logger, run *Run, index int, report **BugReport) (attempt Attempt) {
	attempt = Attempt{Index: index, StartedAt: time.Now().UTC()}
	logger := runLogger.With(slog.Int("attempt", index))

	var live *backup.Backup
	defer func() {
		if r := recover(); r != nil {
			attempt.Outcome = OutcomeRetry
			attempt.Error = fmt.Sprintf("panic: %v", r)
			logger.Error("attempt panicked", "panic", fmt.Sprint(r), "phase", string(attempt.Phase))
		}
		if live != nil && !live.Consumed() && run.Status != StatusSucceeded {
			m.rollback(logger, run, &attempt, live)
		}
		attempt.CompletedAt = time.Now().UTC()
	}()

	retry := func(err error) Attempt {
		attempt.Outcome = OutcomeRetry
		attempt.Error = err.Error()
		return attempt
	}

	// Analysis runs once per healing invocation; retries re-enter at
	// planning with the cached report.
	if *report == nil {
		attempt.Phase = PhaseAnalysis
		rep, err := m.collab.Analyzer.Analyze(ctx, run.Target)
		if err != nil {
			return retry(fmt.Errorf("analyzing target: %w", err))
		}
		*report = rep
	}

	attempt.Phase = PhasePlanning
	plan, err := m.collab.Planner.Plan(ctx, *report, m.config.RepoPath, run.Attempts)
	if err != nil {
		return retry(fmt.Errorf("planning: %w", err))
	}
	if plan == nil || plan.TargetFile == "" {
		return retry(errors.New("plan lacks a usable target path"))
	}

	path := m.resolvePath(plan.TargetFile)
	attempt.TargetFile = path

	attempt.Phase = PhaseFileReading
	raw, err := os.ReadFile(path)
	if err != nil {
		// Always recoverable: a later attempt may target a different file.
		return retry(fmt.Errorf("reading target: %w", err))
	}
	content := string(raw)
	mode := targetMode(path)

	attempt.Phase = PhaseGeneration
	patchText, _, err := m.collab.Generator.GeneratePatch(ctx, path, content, plan, *report)
	if err != nil {
		return retry(fmt.Errorf("generating patch: %w", err))
	}

	attempt.Phase = PhaseValidation
	check := m.checker.Check(patchText)
	attempt.PatchStats = check.Stats
	if !check.OK {
		// Oversized patches are never applied; a human reviews instead.
		attempt.Outcome = OutcomeError
		attempt.Error = fmt.Sprintf("patch exceeds size limit by %d lines", check.OversizeBy)
		run.Status = StatusEscalated
		return attempt
	}

	patch, err := diffapply.Parse(patchText)
	if err != nil {
		return retry(fmt.Errorf("parsing patch: %w", err))
	}

	newContent, err := m.diff.DryApply(ctx, patch, path, content)
	if err != nil {
		// Rejection before any mutation: no disk write, no backup.
		return retry(fmt.Errorf("dry apply: %w", err))
	}

	attempt.Phase = PhaseApplying
	live, err = m.backups.Snapshot(run.ID, path)
	if err != nil {
		if errors.Is(err, backup.ErrBackupConflict) {
			// Another run holds this file; retrying would race it.
			attempt.Outcome = OutcomeError
			attempt.Error = err.Error()
			run.Status = StatusFaulted
			return attempt
		}
		return retry(fmt.Errorf("snapshotting target: %w", err))
	}
	if err := os.WriteFile(path, []byte(newContent), mode); err != nil {
		return retry(fmt.Errorf("writing patched content: %w", err))
	}

	attempt.Phase = PhaseTesting
	results, err := m.collab.Tester.RunTests(ctx, patchText, m.config.RepoPath, plan)
	if err != nil {
		return retry(fmt.Errorf("running tests: %w", err))
	}

	attempt.Phase = PhaseEvaluation
	eval, err := m.collab.Evaluator.EvaluatePatch(ctx, patchText, results, *report, plan)
	if err != nil {
		return retry(fmt.Errorf("evaluating patch: %w", err))
	}

	attempt.Feedback = eval.Feedback
	switch eval.Verdict {
	case VerdictPass:
		attempt.Outcome = OutcomeSuccess
		run.Status = StatusSucceeded
		run.Result = &FixResult{
			RunID:       run.ID,
			TargetPath:  path,
			PatchText:   patchText,
			Plan:        plan,
			Evaluation:  eval,
			TestResults: results,
			BackupID:    live.ID,
		}
		return attempt

	case VerdictEscalate:
		attempt.Outcome = OutcomeError
		attempt.Error = "evaluator escalated the fix"
		run.Status = StatusEscalated
		return attempt

	default:
		attempt.Outcome = OutcomeRetry
		attempt.Error = "evaluator requested retry"
		return attempt
	}
}

// rollback restores the live backup, downgrading double-restores to no-ops
// and surfacing I/O failures without halting the loop.
func (m *StateMachine) rollback(logger *slog.Logger, run *Run, attempt *Attempt, b *backup.Backup) {
	err := m.backups.Restore(b)
	switch {
	case err == nil:
		if m.metrics != nil {
			m.metrics.RestoresTotal.WithLabelValues("ok").Inc()
		}
	case errors.Is(err, backup.ErrAlreadyConsumed):
		// Double-rollback on an unwind path; nothing left to do.
	default:
		attempt.RestoreFailed = true
		run.NeedsManualCheck = true
		if m.metrics != nil {
			m.metrics.RestoresTotal.WithLabelValues("failed").Inc()
		}
		logger.Error("rollback failed, target needs a manual filesystem check",
			"path", b.TargetPath,
			"backup_id", b.ID,
			"error", err)
	}
}

// resolvePath resolves a plan target against the repo root.
func (m *StateMachine) resolvePath(target string) string {
	if filepath.IsAbs(target) || m.config.RepoPath == "" {
		return target
	}
	return filepath.Join(m.config.RepoPath, target)
}

// targetMode returns the file's current permission bits, or 0644.
func targetMode(path string) os.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return 0644
}

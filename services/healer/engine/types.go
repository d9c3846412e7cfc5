// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine drives the healing run: a bounded sequence of
// propose-apply-test-evaluate attempts with guaranteed rollback on every
// path that does not end in a committed success.
//
// # Description
//
// The state machine owns Run and Attempt records and is the sole writer of
// a run's terminal status. Reasoning collaborators (analyzer, planner,
// patch generator, test runner, evaluator) are injected interfaces; they
// may be backed by a model, a human, or a fixed rule.
package engine

import (
	"context"
	"time"

	"github.com/AleutianAI/MendFOSS/services/healer/validate"
)

// =============================================================================
// Phases and Outcomes
// =============================================================================

// Phase identifies how far into an attempt the pipeline got.
type Phase string

const (
	// PhaseAnalysis covers bug analysis of the target.
	PhaseAnalysis Phase = "analysis"

	// PhasePlanning covers plan generation.
	PhasePlanning Phase = "planning"

	// PhaseGeneration covers patch text generation.
	PhaseGeneration Phase = "generation"

	// PhaseFileReading covers reading the target file.
	PhaseFileReading Phase = "file_reading"

	// PhaseValidation covers patch parsing, size checks, dry-apply, and
	// syntax validation. Failures here touch no disk state.
	PhaseValidation Phase = "validation"

	// PhaseApplying covers backup snapshot and the disk write.
	PhaseApplying Phase = "apply"

	// PhaseTesting covers the test collaborator.
	PhaseTesting Phase = "testing"

	// PhaseEvaluation covers the evaluation collaborator.
	PhaseEvaluation Phase = "evaluation"
)

// AttemptOutcome is how a single attempt ended.
type AttemptOutcome string

const (
	// OutcomeRetry means the attempt failed recoverably; the loop continues.
	OutcomeRetry AttemptOutcome = "retry"

	// OutcomeError means the attempt hit a non-retryable condition that
	// terminates the run (escalation, exhaustion cause).
	OutcomeError AttemptOutcome = "error"

	// OutcomeSuccess means the attempt produced a passing fix.
	OutcomeSuccess AttemptOutcome = "success"
)

// TerminalStatus is the final state of a run.
type TerminalStatus string

const (
	// StatusSucceeded means a fix passed evaluation and awaits approval.
	StatusSucceeded TerminalStatus = "succeeded"

	// StatusEscalated means a human must act out-of-band.
	StatusEscalated TerminalStatus = "escalated"

	// StatusExhausted means maxAttempts was reached without success.
	StatusExhausted TerminalStatus = "exhausted"

	// StatusFaulted means the run could not start (backup conflict).
	StatusFaulted TerminalStatus = "faulted"
)

// IsTerminal reports whether the status is set (runs in flight have "").
func (s TerminalStatus) IsTerminal() bool {
	return s != ""
}

// =============================================================================
// Run Records
// =============================================================================

// Attempt is the append-only record of one repair attempt.
type Attempt struct {
	// Index is the 1-based attempt number.
	Index int `json:"index"`

	// Phase is how far the attempt got before it ended.
	Phase Phase `json:"phase"`

	// Outcome is how the attempt ended.
	Outcome AttemptOutcome `json:"outcome"`

	// Error is the failure description (empty on success).
	Error string `json:"error,omitempty"`

	// Feedback is evaluator or planner feedback folded into the next
	// attempt's context. Most recent attempts weigh heaviest.
	Feedback string `json:"feedback,omitempty"`

	// TargetFile is the file this attempt tried to fix.
	TargetFile string `json:"target_file,omitempty"`

	// PatchStats is the shape of the generated patch, when one existed.
	PatchStats validate.Stats `json:"patch_stats,omitempty"`

	// RestoreFailed is true when rollback hit an I/O error. The target
	// may need a manual filesystem check.
	RestoreFailed bool `json:"restore_failed,omitempty"`

	// StartedAt and CompletedAt bound the attempt.
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Run is the record of one healing invocation.
//
// # Description
//
// Created when healing starts, immutable once Status is set. The state
// machine is the sole writer; everything else reads.
type Run struct {
	// ID is the unique run identifier.
	ID string `json:"id"`

	// Target is what the run was asked to heal (file or trace reference).
	Target string `json:"target"`

	// StartedAt and CompletedAt bound the run.
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// Attempts are the per-attempt records, in order.
	Attempts []Attempt `json:"attempts"`

	// Status is the terminal status, set exactly once.
	Status TerminalStatus `json:"status"`

	// NeedsManualCheck is true when any rollback failed; the working tree
	// must be inspected by an operator.
	NeedsManualCheck bool `json:"needs_manual_check,omitempty"`

	// Result is the produced fix (set only when Status == StatusSucceeded).
	Result *FixResult `json:"result,omitempty"`
}

// LastFeedback returns the most recent attempt feedback, or "".
func (r *Run) LastFeedback() string {
	for i := len(r.Attempts) - 1; i >= 0; i-- {
		if r.Attempts[i].Feedback != "" {
			return r.Attempts[i].Feedback
		}
	}
	return ""
}

// FixResult is a passing fix, ready for the approval scheduler.
type FixResult struct {
	// RunID is the producing run.
	RunID string `json:"run_id"`

	// TargetPath is the absolute path of the patched file.
	TargetPath string `json:"target_path"`

	// PatchText is the applied patch, verbatim.
	PatchText string `json:"patch_text"`

	// Plan is the plan the fix implements.
	Plan *Plan `json:"plan,omitempty"`

	// Evaluation is the passing verdict.
	Evaluation *Evaluation `json:"evaluation"`

	// TestResults are the results the verdict was based on.
	TestResults *TestResults `json:"test_results,omitempty"`

	// BackupID identifies the still-live backup consumed on commit or
	// rejection.
	BackupID string `json:"backup_id"`
}

// =============================================================================
// Collaborator Types
// =============================================================================

// Bug is one finding from the analyzer.
type Bug struct {
	// Description is what is wrong.
	Description string `json:"description"`

	// File is the affected file, when known.
	File string `json:"file,omitempty"`

	// Line is the affected line, when known.
	Line int `json:"line,omitempty"`
}

// BugReport is the analyzer's output.
type BugReport struct {
	// Bugs are the findings, most severe first.
	Bugs []Bug `json:"bugs"`

	// Confidence is the analyzer's confidence in the report (0-1).
	Confidence float64 `json:"confidence"`
}

// Plan is the planner's proposed repair strategy.
type Plan struct {
	// TargetFile is the file to patch. A plan without one is unusable.
	TargetFile string `json:"target_file"`

	// Strategy names the repair approach.
	Strategy string `json:"strategy"`

	// LineRange is the region of interest ([start, end], 1-based).
	LineRange [2]int `json:"line_range,omitempty"`

	// RiskLevel is the planner's risk estimate (low, medium, high).
	RiskLevel string `json:"risk_level,omitempty"`

	// Confidence is the planner's confidence in the plan (0-1).
	Confidence float64 `json:"confidence"`

	// TimeoutSecs bounds test execution for this plan (0 = default).
	TimeoutSecs int `json:"timeout_secs,omitempty"`
}

// PatchMeta describes a generated patch.
type PatchMeta struct {
	// LinesAdded and LinesRemoved are the generator's own counts.
	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
}

// TestResults is the test collaborator's output.
type TestResults struct {
	Total    int           `json:"total"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration"`
}

// Verdict is the evaluator's decision.
type Verdict string

const (
	// VerdictPass accepts the fix.
	VerdictPass Verdict = "PASS"

	// VerdictRetry rejects the fix but allows another attempt.
	VerdictRetry Verdict = "RETRY"

	// VerdictEscalate rejects the fix and ends the run for human review.
	VerdictEscalate Verdict = "ESCALATE"
)

// Evaluation is the evaluator's output.
type Evaluation struct {
	// Verdict is the decision.
	Verdict Verdict `json:"verdict"`

	// Confidence is the evaluator's confidence in the verdict (0-1).
	Confidence float64 `json:"confidence"`

	// ShouldAutoMerge is true when the fix qualifies for auto-approval.
	ShouldAutoMerge bool `json:"should_auto_merge"`

	// RiskLevel is the evaluator's risk estimate (low, medium, high).
	RiskLevel string `json:"risk_level,omitempty"`

	// Feedback is guidance for the next attempt on RETRY.
	Feedback string `json:"feedback,omitempty"`
}

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// Analyzer produces a bug report for a target.
type Analyzer interface {
	Analyze(ctx context.Context, target string) (*BugReport, error)
}

// Planner produces a repair plan, given prior attempt history as feedback.
type Planner interface {
	Plan(ctx context.Context, report *BugReport, repoPath string, history []Attempt) (*Plan, error)
}

// PatchGenerator produces unified-diff patch text for a plan.
type PatchGenerator interface {
	GeneratePatch(ctx context.Context, targetFile, content string, plan *Plan, report *BugReport) (string, *PatchMeta, error)
}

// TestRunner executes the project's tests against an applied patch.
type TestRunner interface {
	RunTests(ctx context.Context, patchText, repoPath string, plan *Plan) (*TestResults, error)
}

// Evaluator judges a patch given its test results.
type Evaluator interface {
	EvaluatePatch(ctx context.Context, patchText string, results *TestResults, report *BugReport, plan *Plan) (*Evaluation, error)
}

// Collaborators bundles the reasoning interfaces a state machine needs.
type Collaborators struct {
	Analyzer  Analyzer
	Planner   Planner
	Generator PatchGenerator
	Tester    TestRunner
	Evaluator Evaluator
}

// RunStore persists finished and in-flight run records.
//
// # Description
//
// Read/append only. The engine appends; front ends and planners query.
type RunStore interface {
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	RecentRuns(ctx context.Context, limit int) ([]*Run, error)
}

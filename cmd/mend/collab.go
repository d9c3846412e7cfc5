// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/AleutianAI/MendFOSS/services/healer/engine"
)

// scriptedCollaborators drives the repair engine from operator input
// instead of a reasoning backend: the patch comes from a file or
// stdin, and validation runs an arbitrary shell command. The engine
// sees the same five collaborator ports a reasoning backend would
// fill.
type scriptedCollaborators struct {
	target    string
	patchText string
	testCmd   string
	repoPath  string
	autoMerge float64
}

// newScriptedCollaborators reads the patch source up front so a bad
// path fails before any run starts.
func newScriptedCollaborators(target, patchSource, testCmd, repoPath string, autoMergeConfidence float64) (*scriptedCollaborators, error) {
	var raw []byte
	var err error
	if patchSource == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(patchSource)
	}
	if err != nil {
		return nil, fmt.Errorf("reading patch: %w", err)
	}

	return &scriptedCollaborators{
		target:    target,
		patchText: string(raw),
		testCmd:   testCmd,
		repoPath:  repoPath,
		autoMerge: autoMergeConfidence,
	}, nil
}

func (s *scriptedCollaborators) bundle() engine.Collaborators {
	return engine.Collaborators{
		Analyzer:  s,
		Planner:   s,
		Generator: s,
		Tester:    s,
		Evaluator: s,
	}
}

func (s *scriptedCollaborators) Analyze(_ context.Context, target string) (*engine.BugReport, error) {
	return &engine.BugReport{
		Bugs:       []engine.Bug{{Description: "operator-reported defect", File: target}},
		Confidence: 1.0,
	}, nil
}

func (s *scriptedCollaborators) Plan(_ context.Context, _ *engine.BugReport, _ string, _ []engine.Attempt) (*engine.Plan, error) {
	return &engine.Plan{
		TargetFile: s.target,
		Strategy:   "operator_patch",
		Confidence: 1.0,
	}, nil
}

func (s *scriptedCollaborators) GeneratePatch(_ context.Context, _, _ string, _ *engine.Plan, _ *engine.BugReport) (string, *engine.PatchMeta, error) {
	return s.patchText, nil, nil
}

// RunTests shells out to the operator's validation command. No
// command means the fix is taken on faith.
func (s *scriptedCollaborators) RunTests(ctx context.Context, _, repoPath string, plan *engine.Plan) (*engine.TestResults, error) {
	return runShellValidation(ctx, s.testCmd, repoPath, plan)
}

// EvaluatePatch passes when the tests did. A scripted patch has no
// second draft, so failure escalates instead of retrying.
func (s *scriptedCollaborators) EvaluatePatch(_ context.Context, _ string, results *engine.TestResults, _ *engine.BugReport, _ *engine.Plan) (*engine.Evaluation, error) {
	return judgeValidation(results, s.autoMerge), nil
}

// validatedConfidence is the verdict confidence when the validation
// command ran and passed; untestedConfidence when there was nothing
// to run. Untested fixes never auto-merge.
const (
	validatedConfidence = 0.95
	untestedConfidence  = 0.7
)

// runShellValidation executes a shell command as the test suite,
// bounded by the plan's timeout when one is set. A failing command is
// a verdict for the evaluator, not a collaborator fault.
func runShellValidation(ctx context.Context, testCmd, repoPath string, plan *engine.Plan) (*engine.TestResults, error) {
	if testCmd == "" {
		return &engine.TestResults{Total: 0, Passed: 0}, nil
	}
	if plan != nil && plan.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(plan.TimeoutSecs)*time.Second)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", testCmd)
	cmd.Dir = repoPath
	err := cmd.Run()
	results := &engine.TestResults{Total: 1, Duration: time.Since(start)}
	if err != nil {
		results.Failed = 1
		return results, nil
	}
	results.Passed = 1
	return results, nil
}

// judgeValidation turns shell-validation results into a verdict.
// Static patches have no second draft, so failure escalates. A fix
// with no validation command passes at reduced confidence and is
// never marked auto-mergeable.
func judgeValidation(results *engine.TestResults, autoMergeConfidence float64) *engine.Evaluation {
	if results == nil || results.Total == 0 {
		return &engine.Evaluation{
			Verdict:    engine.VerdictPass,
			Confidence: untestedConfidence,
		}
	}
	if results.Failed == 0 && results.Errors == 0 {
		return &engine.Evaluation{
			Verdict:         engine.VerdictPass,
			Confidence:      validatedConfidence,
			ShouldAutoMerge: validatedConfidence >= autoMergeConfidence,
		}
	}
	return &engine.Evaluation{
		Verdict:  engine.VerdictEscalate,
		Feedback: "validation command failed",
	}
}

// queueCollaborators drives watch-mode repairs from a patch queue
// directory: a change to file X picks up <queue>/<base(X)>.patch.
// Files with nothing queued are skipped before a run ever starts.
type queueCollaborators struct {
	queueDir  string
	testCmd   string
	repoPath  string
	autoMerge float64
}

func newQueueCollaborators(queueDir, testCmd, repoPath string, autoMergeConfidence float64) (*queueCollaborators, error) {
	if err := os.MkdirAll(queueDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating patch queue %s: %w", queueDir, err)
	}
	return &queueCollaborators{
		queueDir:  queueDir,
		testCmd:   testCmd,
		repoPath:  repoPath,
		autoMerge: autoMergeConfidence,
	}, nil
}

func (q *queueCollaborators) bundle() engine.Collaborators {
	return engine.Collaborators{
		Analyzer:  q,
		Planner:   q,
		Generator: q,
		Tester:    q,
		Evaluator: q,
	}
}

// queuePath maps a target file to its queue entry.
func (q *queueCollaborators) queuePath(target string) string {
	return filepath.Join(q.queueDir, filepath.Base(target)+".patch")
}

// hasPatch reports whether a target has a queued patch.
func (q *queueCollaborators) hasPatch(target string) bool {
	_, err := os.Stat(q.queuePath(target))
	return err == nil
}

// consume removes a target's queue entry once its fix has a ticket.
func (q *queueCollaborators) consume(target string) error {
	return os.Remove(q.queuePath(target))
}

func (q *queueCollaborators) Analyze(_ context.Context, target string) (*engine.BugReport, error) {
	return &engine.BugReport{
		Bugs:       []engine.Bug{{Description: "queued patch for changed file", File: target}},
		Confidence: 1.0,
	}, nil
}

func (q *queueCollaborators) Plan(_ context.Context, report *engine.BugReport, _ string, _ []engine.Attempt) (*engine.Plan, error) {
	if report == nil || len(report.Bugs) == 0 {
		return nil, fmt.Errorf("bug report names no file")
	}
	return &engine.Plan{
		TargetFile: report.Bugs[0].File,
		Strategy:   "patch_queue",
		Confidence: 1.0,
	}, nil
}

func (q *queueCollaborators) GeneratePatch(_ context.Context, targetFile, _ string, _ *engine.Plan, _ *engine.BugReport) (string, *engine.PatchMeta, error) {
	raw, err := os.ReadFile(q.queuePath(targetFile))
	if err != nil {
		return "", nil, fmt.Errorf("reading queued patch: %w", err)
	}
	return string(raw), nil, nil
}

func (q *queueCollaborators) RunTests(ctx context.Context, _, repoPath string, plan *engine.Plan) (*engine.TestResults, error) {
	return runShellValidation(ctx, q.testCmd, repoPath, plan)
}

func (q *queueCollaborators) EvaluatePatch(_ context.Context, _ string, results *engine.TestResults, _ *engine.BugReport, _ *engine.Plan) (*engine.Evaluation, error) {
	return judgeValidation(results, q.autoMerge), nil
}

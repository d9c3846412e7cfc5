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
	"sync"
)

// MockCollaborators is a scriptable implementation of every reasoning
// interface, for tests and dry runs.
//
// # Description
//
// Each collaborator delegates to an optional func field; unset fields
// return benign defaults (a confident report, a plan targeting the run's
// target, an empty patch, all-green tests, a PASS verdict). Calls are
// recorded per collaborator.
//
// # Thread Safety
//
// Safe for concurrent use.
type MockCollaborators struct {
	mu sync.Mutex

	// AnalyzeFunc overrides Analyze.
	AnalyzeFunc func(ctx context.Context, target string) (*BugReport, error)

	// PlanFunc overrides Plan.
	PlanFunc func(ctx context.Context, report *BugReport, repoPath string, history []Attempt) (*Plan, error)

	// GenerateFunc overrides GeneratePatch.
	GenerateFunc func(ctx context.Context, targetFile, content string, plan *Plan, report *BugReport) (string, *PatchMeta, error)

	// TestFunc overrides RunTests.
	TestFunc func(ctx context.Context, patchText, repoPath string, plan *Plan) (*TestResults, error)

	// EvaluateFunc overrides EvaluatePatch.
	EvaluateFunc func(ctx context.Context, patchText string, results *TestResults, report *BugReport, plan *Plan) (*Evaluation, error)

	// DefaultTarget is the target file returned by the default plan.
	DefaultTarget string

	// DefaultPatch is the patch text returned by the default generator.
	DefaultPatch string

	analyzeCalls  int
	planCalls     int
	generateCalls int
	testCalls     int
	evaluateCalls int

	// planHistories records the attempt history passed to each Plan call.
	planHistories [][]Attempt
}

// NewMockCollaborators creates a mock with benign defaults.
func NewMockCollaborators() *MockCollaborators {
	return &MockCollaborators{}
}

// Bundle returns the mock wired as a Collaborators value.
func (m *MockCollaborators) Bundle() Collaborators {
	return Collaborators{
		Analyzer:  m,
		Planner:   m,
		Generator: m,
		Tester:    m,
		Evaluator: m,
	}
}

// Analyze implements Analyzer.
func (m *MockCollaborators) Analyze(ctx context.Context, target string) (*BugReport, error) {
	m.mu.Lock()
	m.analyzeCalls++
	fn := m.AnalyzeFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, target)
	}
	return &BugReport{
		Bugs:       []Bug{{Description: "suspected defect", File: target}},
		Confidence: 0.9,
	}, nil
}

// Plan implements Planner.
func (m *MockCollaborators) Plan(ctx context.Context, report *BugReport, repoPath string, history []Attempt) (*Plan, error) {
	m.mu.Lock()
	m.planCalls++
	recorded := make([]Attempt, len(history))
	copy(recorded, history)
	m.planHistories = append(m.planHistories, recorded)
	fn := m.PlanFunc
	target := m.DefaultTarget
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, report, repoPath, history)
	}
	return &Plan{
		TargetFile: target,
		Strategy:   "targeted_fix",
		Confidence: 0.9,
	}, nil
}

// GeneratePatch implements PatchGenerator.
func (m *MockCollaborators) GeneratePatch(ctx context.Context, targetFile, content string, plan *Plan, report *BugReport) (string, *PatchMeta, error) {
	m.mu.Lock()
	m.generateCalls++
	fn := m.GenerateFunc
	patch := m.DefaultPatch
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, targetFile, content, plan, report)
	}
	return patch, &PatchMeta{}, nil
}

// RunTests implements TestRunner.
func (m *MockCollaborators) RunTests(ctx context.Context, patchText, repoPath string, plan *Plan) (*TestResults, error) {
	m.mu.Lock()
	m.testCalls++
	fn := m.TestFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, patchText, repoPath, plan)
	}
	return &TestResults{Total: 1, Passed: 1}, nil
}

// EvaluatePatch implements Evaluator.
func (m *MockCollaborators) EvaluatePatch(ctx context.Context, patchText string, results *TestResults, report *BugReport, plan *Plan) (*Evaluation, error) {
	m.mu.Lock()
	m.evaluateCalls++
	fn := m.EvaluateFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, patchText, results, report, plan)
	}
	return &Evaluation{Verdict: VerdictPass, Confidence: 0.95}, nil
}

// AnalyzeCalls returns how many times Analyze ran.
func (m *MockCollaborators) AnalyzeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.analyzeCalls
}

// PlanCalls returns how many times Plan ran.
func (m *MockCollaborators) PlanCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.planCalls
}

// PlanHistories returns the attempt history snapshots passed to Plan.
func (m *MockCollaborators) PlanHistories() [][]Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]Attempt, len(m.planHistories))
	copy(out, m.planHistories)
	return out
}

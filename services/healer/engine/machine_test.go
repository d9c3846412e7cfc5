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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/MendFOSS/services/healer/backup"
	"github.com/AleutianAI/MendFOSS/services/healer/diffapply"
)

const (
	originalContent = "a\ndef f():\nb\n"
	healingPatch    = "@@ -2,1 +2,3 @@\n def f():\n+    x = 1\n+    y = 2\n"
	healedContent   = "a\ndef f():\n    x = 1\n    y = 2\nb\n"
)

type fixture struct {
	machine *StateMachine
	mock    *MockCollaborators
	backups *backup.Store
	dir     string
	target  string
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()

	dir := t.TempDir()
	target := filepath.Join(dir, "target.py")
	if err := os.WriteFile(target, []byte(originalContent), 0644); err != nil {
		t.Fatal(err)
	}

	backups, err := backup.NewStore(filepath.Join(dir, ".backups"), nil)
	if err != nil {
		t.Fatal(err)
	}

	mock := NewMockCollaborators()
	mock.DefaultTarget = target
	mock.DefaultPatch = healingPatch

	machine, err := NewStateMachine(
		Config{RepoPath: dir, MaxAttempts: maxAttempts, MaxPatchLines: 25},
		diffapply.NewEngine(nil, true),
		backups,
		mock.Bundle(),
		nil,
		NewMetrics(prometheus.NewRegistry()),
		nil,
	)
	if err != nil {
		t.Fatal(err)
	}

	return &fixture{machine: machine, mock: mock, backups: backups, dir: dir, target: target}
}

func (f *fixture) diskContent(t *testing.T) string {
	t.Helper()
	raw, err := os.ReadFile(f.target)
	if err != nil {
		t.Fatal(err)
	}
	return string(raw)
}

func TestHeal_Success(t *testing.T) {
	f := newFixture(t, 3)

	run, err := f.machine.Heal(context.Background(), f.target)
	if err != nil {
		t.Fatalf("Heal() error = %v", err)
	}

	if run.Status != StatusSucceeded {
		t.Fatalf("Status = %s, want succeeded", run.Status)
	}
	if got := f.diskContent(t); got != healedContent {
		t.Errorf("disk content = %q, want %q", got, healedContent)
	}
	if run.Result == nil {
		t.Fatal("Result is nil on success")
	}
	if run.Result.BackupID == "" {
		t.Error("Result.BackupID is empty")
	}
	// The backup stays live: the approval scheduler consumes it later.
	if !f.backups.HasLive(f.target) {
		t.Error("no live backup after success")
	}
	if len(run.Attempts) != 1 || run.Attempts[0].Outcome != OutcomeSuccess {
		t.Errorf("attempts = %+v", run.Attempts)
	}
}

func TestHeal_RetryUntilExhausted(t *testing.T) {
	f := newFixture(t, 3)
	f.mock.EvaluateFunc = func(_ context.Context, _ string, _ *TestResults, _ *BugReport, _ *Plan) (*Evaluation, error) {
		return &Evaluation{Verdict: VerdictRetry, Feedback: "still broken"}, nil
	}

	run, err := f.machine.Heal(context.Background(), f.target)
	if err != nil {
		t.Fatalf("Heal() error = %v", err)
	}

	if run.Status != StatusExhausted {
		t.Fatalf("Status = %s, want exhausted", run.Status)
	}
	if len(run.Attempts) != 3 {
		t.Fatalf("attempts = %d, want exactly 3", len(run.Attempts))
	}
	for i, a := range run.Attempts {
		if a.Outcome != OutcomeRetry {
			t.Errorf("attempt %d outcome = %s", i, a.Outcome)
		}
		if a.Feedback != "still broken" {
			t.Errorf("attempt %d feedback = %q", i, a.Feedback)
		}
	}

	// Every written attempt was rolled back: disk is untouched and no
	// live backup remains.
	if got := f.diskContent(t); got != originalContent {
		t.Errorf("disk content = %q, want original", got)
	}
	if f.backups.HasLive(f.target) {
		t.Error("live backup leaked after exhaustion")
	}
}

func TestHeal_AttemptHistoryFeedsPlanner(t *testing.T) {
	f := newFixture(t, 3)
	f.mock.EvaluateFunc = func(_ context.Context, _ string, _ *TestResults, _ *BugReport, _ *Plan) (*Evaluation, error) {
		return &Evaluation{Verdict: VerdictRetry, Feedback: "tighten the loop bound"}, nil
	}

	if _, err := f.machine.Heal(context.Background(), f.target); err != nil {
		t.Fatal(err)
	}

	histories := f.mock.PlanHistories()
	if len(histories) != 3 {
		t.Fatalf("planner calls = %d, want 3", len(histories))
	}
	if len(histories[0]) != 0 {
		t.Errorf("first plan saw %d prior attempts, want 0", len(histories[0]))
	}
	if len(histories[2]) != 2 {
		t.Fatalf("third plan saw %d prior attempts, want 2", len(histories[2]))
	}
	if histories[2][1].Feedback != "tighten the loop bound" {
		t.Errorf("feedback not carried: %+v", histories[2][1])
	}
}

func TestHeal_EscalateVerdict(t *testing.T) {
	f := newFixture(t, 3)
	f.mock.EvaluateFunc = func(_ context.Context, _ string, _ *TestResults, _ *BugReport, _ *Plan) (*Evaluation, error) {
		return &Evaluation{Verdict: VerdictEscalate, RiskLevel: "high"}, nil
	}

	run, err := f.machine.Heal(context.Background(), f.target)
	if err != nil {
		t.Fatal(err)
	}

	if run.Status != StatusEscalated {
		t.Fatalf("Status = %s, want escalated", run.Status)
	}
	if len(run.Attempts) != 1 {
		t.Errorf("attempts = %d, want 1", len(run.Attempts))
	}
	if got := f.diskContent(t); got != originalContent {
		t.Errorf("escalation must roll back: disk = %q", got)
	}
}

func TestHeal_OversizePatchEscalatesBeforeApply(t *testing.T) {
	f := newFixture(t, 3)

	var big strings.Builder
	big.WriteString("@@ -1,1 +1,40 @@\n a\n")
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&big, "+line%d\n", i)
	}
	f.mock.DefaultPatch = big.String()

	run, err := f.machine.Heal(context.Background(), f.target)
	if err != nil {
		t.Fatal(err)
	}

	if run.Status != StatusEscalated {
		t.Fatalf("Status = %s, want escalated", run.Status)
	}
	if run.Attempts[0].Phase != PhaseValidation {
		t.Errorf("phase = %s, want validation", run.Attempts[0].Phase)
	}
	// Checked before any apply: no write, no backup.
	if got := f.diskContent(t); got != originalContent {
		t.Errorf("disk content changed: %q", got)
	}
	if f.backups.HasLive(f.target) {
		t.Error("backup taken for an oversized patch")
	}
}

func TestHeal_PlanWithoutTargetRetries(t *testing.T) {
	f := newFixture(t, 2)
	f.mock.PlanFunc = func(_ context.Context, _ *BugReport, _ string, _ []Attempt) (*Plan, error) {
		return &Plan{Strategy: "aimless"}, nil
	}

	run, err := f.machine.Heal(context.Background(), f.target)
	if err != nil {
		t.Fatal(err)
	}

	if run.Status != StatusExhausted {
		t.Fatalf("Status = %s, want exhausted", run.Status)
	}
	for _, a := range run.Attempts {
		if a.Phase != PhasePlanning || a.Outcome != OutcomeRetry {
			t.Errorf("attempt = %+v, want planning/retry", a)
		}
	}
}

func TestHeal_MissingFileRetries(t *testing.T) {
	f := newFixture(t, 2)
	f.mock.PlanFunc = func(_ context.Context, _ *BugReport, _ string, _ []Attempt) (*Plan, error) {
		return &Plan{TargetFile: filepath.Join(f.dir, "no_such_file.py")}, nil
	}

	run, err := f.machine.Heal(context.Background(), f.target)
	if err != nil {
		t.Fatal(err)
	}

	if run.Status != StatusExhausted {
		t.Fatalf("Status = %s, want exhausted", run.Status)
	}
	if run.Attempts[0].Phase != PhaseFileReading {
		t.Errorf("phase = %s, want file_reading", run.Attempts[0].Phase)
	}
}

func TestHeal_MalformedPatchRetriesWithoutDiskWrite(t *testing.T) {
	f := newFixture(t, 2)
	f.mock.DefaultPatch = "this is not a diff at all"

	run, err := f.machine.Heal(context.Background(), f.target)
	if err != nil {
		t.Fatal(err)
	}

	if run.Status != StatusExhausted {
		t.Fatalf("Status = %s, want exhausted", run.Status)
	}
	if run.Attempts[0].Phase != PhaseValidation {
		t.Errorf("phase = %s, want validation", run.Attempts[0].Phase)
	}
	if got := f.diskContent(t); got != originalContent {
		t.Errorf("disk touched by malformed patch: %q", got)
	}
	if f.backups.HasLive(f.target) {
		t.Error("backup taken for a patch that never validated")
	}
}

func TestHeal_ApplyConflictTakesNoBackup(t *testing.T) {
	f := newFixture(t, 1)
	f.mock.DefaultPatch = "@@ -1,1 +1,1 @@\n-this line is not in the file\n+replacement\n"

	run, err := f.machine.Heal(context.Background(), f.target)
	if err != nil {
		t.Fatal(err)
	}

	if run.Status != StatusExhausted {
		t.Fatalf("Status = %s, want exhausted", run.Status)
	}
	if run.Attempts[0].Phase != PhaseValidation {
		t.Errorf("phase = %s, want validation", run.Attempts[0].Phase)
	}
	if f.backups.HasLive(f.target) {
		t.Error("rejection before mutation must not take a backup")
	}
}

func TestHeal_TestFailureRollsBack(t *testing.T) {
	f := newFixture(t, 1)
	f.mock.TestFunc = func(_ context.Context, _, _ string, _ *Plan) (*TestResults, error) {
		return nil, errors.New("test harness crashed")
	}

	run, err := f.machine.Heal(context.Background(), f.target)
	if err != nil {
		t.Fatal(err)
	}

	if run.Status != StatusExhausted {
		t.Fatalf("Status = %s, want exhausted", run.Status)
	}
	if run.Attempts[0].Phase != PhaseTesting {
		t.Errorf("phase = %s, want testing", run.Attempts[0].Phase)
	}
	if got := f.diskContent(t); got != originalContent {
		t.Errorf("rollback missing after test failure: %q", got)
	}
}

func TestHeal_PanicInCollaboratorIsContained(t *testing.T) {
	f := newFixture(t, 1)
	f.mock.TestFunc = func(_ context.Context, _, _ string, _ *Plan) (*TestResults, error) {
		panic("collaborator went sideways")
	}

	run, err := f.machine.Heal(context.Background(), f.target)
	if err != nil {
		t.Fatal(err)
	}

	if run.Status != StatusExhausted {
		t.Fatalf("Status = %s, want exhausted", run.Status)
	}
	if !strings.Contains(run.Attempts[0].Error, "panic") {
		t.Errorf("Error = %q, want panic record", run.Attempts[0].Error)
	}
	if got := f.diskContent(t); got != originalContent {
		t.Errorf("rollback missing after panic: %q", got)
	}
}

func TestHeal_BackupConflictFaultsRun(t *testing.T) {
	f := newFixture(t, 3)

	// Another run holds the live backup for this target.
	if _, err := f.backups.Snapshot("other-run", f.target); err != nil {
		t.Fatal(err)
	}

	run, err := f.machine.Heal(context.Background(), f.target)
	if !errors.Is(err, backup.ErrBackupConflict) {
		t.Fatalf("Heal() error = %v, want ErrBackupConflict", err)
	}
	if run.Status != StatusFaulted {
		t.Fatalf("Status = %s, want faulted", run.Status)
	}
	if len(run.Attempts) != 0 {
		t.Errorf("faulted run recorded %d attempts", len(run.Attempts))
	}
	if got := f.diskContent(t); got != originalContent {
		t.Errorf("faulted run touched disk: %q", got)
	}
}

func TestHeal_MidAttemptBackupConflictFaultsRun(t *testing.T) {
	f := newFixture(t, 3)

	secondary := filepath.Join(f.dir, "secondary.py")
	if err := os.WriteFile(secondary, []byte(originalContent), 0644); err != nil {
		t.Fatal(err)
	}
	// Another run already holds the file the plan steers into.
	if _, err := f.backups.Snapshot("other-run", secondary); err != nil {
		t.Fatal(err)
	}
	f.mock.PlanFunc = func(_ context.Context, _ *BugReport, _ string, _ []Attempt) (*Plan, error) {
		return &Plan{TargetFile: secondary}, nil
	}

	run, err := f.machine.Heal(context.Background(), f.target)
	if err != nil {
		t.Fatal(err)
	}

	if run.Status != StatusFaulted {
		t.Fatalf("Status = %s, want faulted", run.Status)
	}
	if len(run.Attempts) != 1 {
		t.Fatalf("attempts = %d, want 1 (a conflict is never retried)", len(run.Attempts))
	}
	if run.Attempts[0].Phase != PhaseApplying {
		t.Errorf("phase = %s, want applying", run.Attempts[0].Phase)
	}
	if run.Attempts[0].Outcome != OutcomeError {
		t.Errorf("outcome = %s, want error", run.Attempts[0].Outcome)
	}
	raw, err := os.ReadFile(secondary)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != originalContent {
		t.Errorf("conflicted file touched: %q", raw)
	}
}

func TestHeal_AnalysisRunsOnce(t *testing.T) {
	f := newFixture(t, 3)
	f.mock.EvaluateFunc = func(_ context.Context, _ string, _ *TestResults, _ *BugReport, _ *Plan) (*Evaluation, error) {
		return &Evaluation{Verdict: VerdictRetry}, nil
	}

	if _, err := f.machine.Heal(context.Background(), f.target); err != nil {
		t.Fatal(err)
	}

	if calls := f.mock.AnalyzeCalls(); calls != 1 {
		t.Errorf("Analyze calls = %d, want 1 (retries re-enter at planning)", calls)
	}
	if calls := f.mock.PlanCalls(); calls != 3 {
		t.Errorf("Plan calls = %d, want 3", calls)
	}
}

func TestHeal_SyntaxOracleGatesApply(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.py")
	if err := os.WriteFile(target, []byte(originalContent), 0644); err != nil {
		t.Fatal(err)
	}

	backups, err := backup.NewStore(filepath.Join(dir, ".backups"), nil)
	if err != nil {
		t.Fatal(err)
	}

	mock := NewMockCollaborators()
	mock.DefaultTarget = target
	mock.DefaultPatch = healingPatch

	machine, err := NewStateMachine(
		Config{RepoPath: dir, MaxAttempts: 1},
		diffapply.NewEngine(alwaysInvalidOracle{}, true),
		backups,
		mock.Bundle(),
		nil,
		nil,
		nil,
	)
	if err != nil {
		t.Fatal(err)
	}

	run, err := machine.Heal(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}

	if run.Status != StatusExhausted {
		t.Fatalf("Status = %s, want exhausted", run.Status)
	}
	if run.Attempts[0].Phase != PhaseValidation {
		t.Errorf("phase = %s, want validation", run.Attempts[0].Phase)
	}
	raw, _ := os.ReadFile(target)
	if string(raw) != originalContent {
		t.Errorf("syntax-invalid patch reached disk: %q", raw)
	}
}

// alwaysInvalidOracle rejects all content.
type alwaysInvalidOracle struct{}

func (alwaysInvalidOracle) Check(_ context.Context, _ string, _ []byte) (diffapply.SyntaxReport, error) {
	return diffapply.SyntaxReport{OK: false, Line: 1, Message: "nope"}, nil
}

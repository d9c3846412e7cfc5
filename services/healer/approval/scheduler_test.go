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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/MendFOSS/services/healer/backup"
	"github.com/AleutianAI/MendFOSS/services/healer/engine"
	"github.com/AleutianAI/MendFOSS/services/healer/gitops"
)

const (
	beforeFix = "a\ndef f():\nb\n"
	afterFix  = "a\ndef f():\n    x = 1\n    y = 2\nb\n"
	fixPatch  = "@@ -2,1 +2,3 @@\n def f():\n+    x = 1\n+    y = 2\n"
)

// fakeGateway counts commits and pushes and optionally fails them.
type fakeGateway struct {
	mu      sync.Mutex
	commits int
	pushes  int
	err     error
	pushErr error
}

func (g *fakeGateway) Commit(_ context.Context, message, _ string) (*gitops.CommitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commits++
	if g.err != nil {
		return nil, g.err
	}
	return &gitops.CommitResult{RevisionID: fmt.Sprintf("rev-%d", g.commits), Message: message}, nil
}

func (g *fakeGateway) Push(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes++
	return g.pushErr
}

func (g *fakeGateway) CurrentRevision(_ context.Context) (string, error) { return "HEAD", nil }

func (g *fakeGateway) commitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.commits
}

func (g *fakeGateway) pushCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pushes
}

type schedFixture struct {
	scheduler *Scheduler
	gateway   *fakeGateway
	backups   *backup.Store
	target    string
	fix       *engine.FixResult
}

// newSchedFixture reproduces the state a successful run leaves behind:
// the fix on disk, the original behind a live backup.
func newSchedFixture(t *testing.T, dir string, config Config) *schedFixture {
	t.Helper()

	target := filepath.Join(dir, "target.py")
	if err := os.WriteFile(target, []byte(beforeFix), 0644); err != nil {
		t.Fatal(err)
	}

	backups, err := backup.NewStore(filepath.Join(dir, ".backups"), nil)
	if err != nil {
		t.Fatal(err)
	}
	live, err := backups.Snapshot("run-1", target)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte(afterFix), 0644); err != nil {
		t.Fatal(err)
	}

	gateway := &fakeGateway{}
	scheduler, err := NewScheduler(config, backups, gateway, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(scheduler.Stop)

	return &schedFixture{
		scheduler: scheduler,
		gateway:   gateway,
		backups:   backups,
		target:    target,
		fix: &engine.FixResult{
			RunID:      "run-1",
			TargetPath: target,
			PatchText:  fixPatch,
			Evaluation: &engine.Evaluation{Verdict: engine.VerdictPass, Confidence: 0.95, ShouldAutoMerge: true},
			BackupID:   live.ID,
		},
	}
}

func TestClassifyRisk(t *testing.T) {
	cases := []struct {
		name    string
		eval    *engine.Evaluation
		changed int
		want    Risk
	}{
		{"evaluator label wins", &engine.Evaluation{RiskLevel: "high", Confidence: 0.99}, 2, RiskHigh},
		{"small and confident", &engine.Evaluation{Confidence: 0.95}, 4, RiskLow},
		{"large patch", &engine.Evaluation{Confidence: 0.95}, 25, RiskHigh},
		{"mid-size patch", &engine.Evaluation{Confidence: 0.95}, 12, RiskMedium},
		{"shaky confidence", &engine.Evaluation{Confidence: 0.8}, 4, RiskMedium},
		{"very shaky confidence", &engine.Evaluation{Confidence: 0.5}, 4, RiskHigh},
		{"nil evaluation", nil, 4, RiskLow},
		{"unknown label falls through", &engine.Evaluation{RiskLevel: "meh", Confidence: 0.95}, 4, RiskLow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyRisk(tc.eval, tc.changed); got != tc.want {
				t.Errorf("ClassifyRisk() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestSubmit_LowRiskCarriesDeadline(t *testing.T) {
	f := newSchedFixture(t, t.TempDir(), Config{LowRiskTimeout: time.Hour})

	ticket, err := f.scheduler.Submit(f.fix)
	if err != nil {
		t.Fatal(err)
	}
	if ticket.Risk != RiskLow {
		t.Fatalf("Risk = %s, want low", ticket.Risk)
	}
	if ticket.ChangedLines != 2 {
		t.Errorf("ChangedLines = %d, want 2", ticket.ChangedLines)
	}
	if ticket.Deadline.IsZero() {
		t.Error("low-risk ticket has no deadline")
	}
	if !ticket.Open() {
		t.Errorf("Resolution = %s, want pending", ticket.Resolution)
	}
}

func TestSubmit_LowRiskWithoutAutoMergeStaysManual(t *testing.T) {
	f := newSchedFixture(t, t.TempDir(), Config{LowRiskTimeout: time.Millisecond})
	f.fix.Evaluation.ShouldAutoMerge = false

	ticket, err := f.scheduler.Submit(f.fix)
	if err != nil {
		t.Fatal(err)
	}
	if ticket.Risk != RiskLow {
		t.Fatalf("Risk = %s, want low", ticket.Risk)
	}
	if !ticket.Deadline.IsZero() {
		t.Error("non-auto-mergeable fix carries a deadline")
	}

	time.Sleep(20 * time.Millisecond)
	got, err := f.scheduler.Get(ticket.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Open() {
		t.Errorf("non-auto-mergeable ticket resolved itself: %s", got.Resolution)
	}
}

func TestSubmit_HighRiskHasNoTimer(t *testing.T) {
	f := newSchedFixture(t, t.TempDir(), Config{LowRiskTimeout: time.Millisecond})
	f.fix.Evaluation.RiskLevel = "high"

	ticket, err := f.scheduler.Submit(f.fix)
	if err != nil {
		t.Fatal(err)
	}
	if !ticket.Deadline.IsZero() {
		t.Error("high-risk ticket carries a deadline")
	}

	time.Sleep(20 * time.Millisecond)
	got, err := f.scheduler.Get(ticket.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Open() {
		t.Errorf("high-risk ticket resolved itself: %s", got.Resolution)
	}
}

func TestSubmit_MissingBackupRejected(t *testing.T) {
	f := newSchedFixture(t, t.TempDir(), Config{})
	f.fix.TargetPath = filepath.Join(filepath.Dir(f.target), "other.py")

	if _, err := f.scheduler.Submit(f.fix); err == nil {
		t.Fatal("Submit() accepted a fix with no live backup")
	}
}

func TestApprove_CommitsAndDiscardsBackup(t *testing.T) {
	f := newSchedFixture(t, t.TempDir(), Config{LowRiskTimeout: time.Hour})
	ticket, err := f.scheduler.Submit(f.fix)
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := f.scheduler.Approve(context.Background(), ticket.ID, "reviewer@example.com")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	if resolved.Resolution != ResolutionApproved {
		t.Errorf("Resolution = %s", resolved.Resolution)
	}
	if resolved.RevisionID == "" {
		t.Error("RevisionID not recorded")
	}
	if f.gateway.commitCount() != 1 {
		t.Errorf("commits = %d, want 1", f.gateway.commitCount())
	}
	if f.backups.HasLive(f.target) {
		t.Error("backup still live after approval")
	}
	raw, _ := os.ReadFile(f.target)
	if string(raw) != afterFix {
		t.Errorf("approved fix not on disk: %q", raw)
	}
}

func TestApprove_AutoPushFollowsCommit(t *testing.T) {
	f := newSchedFixture(t, t.TempDir(), Config{LowRiskTimeout: time.Hour, AutoPush: true})
	ticket, err := f.scheduler.Submit(f.fix)
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := f.scheduler.Approve(context.Background(), ticket.ID, "reviewer")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if f.gateway.pushCount() != 1 {
		t.Errorf("pushes = %d, want 1", f.gateway.pushCount())
	}
	if resolved.PushError != "" {
		t.Errorf("PushError = %q", resolved.PushError)
	}
}

func TestApprove_PushFailureKeepsCommit(t *testing.T) {
	f := newSchedFixture(t, t.TempDir(), Config{LowRiskTimeout: time.Hour, AutoPush: true})
	f.gateway.pushErr = errors.New("remote rejected")
	ticket, err := f.scheduler.Submit(f.fix)
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := f.scheduler.Approve(context.Background(), ticket.ID, "reviewer")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if resolved.Resolution != ResolutionApproved {
		t.Errorf("Resolution = %s", resolved.Resolution)
	}
	if resolved.RevisionID == "" {
		t.Error("RevisionID not recorded")
	}
	if resolved.PushError == "" {
		t.Error("PushError not recorded")
	}
	// The commit stands; only the push needs operator attention.
	if f.backups.HasLive(f.target) {
		t.Error("backup still live after committed approval")
	}
}

func TestApprove_CommitFailureKeepsBackup(t *testing.T) {
	f := newSchedFixture(t, t.TempDir(), Config{LowRiskTimeout: time.Hour})
	f.gateway.err = errors.New("index.lock held")
	ticket, err := f.scheduler.Submit(f.fix)
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := f.scheduler.Approve(context.Background(), ticket.ID, "reviewer")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	// The resolution stands; the failure is reported, not retried.
	if resolved.Resolution != ResolutionApproved {
		t.Errorf("Resolution = %s", resolved.Resolution)
	}
	if resolved.CommitError == "" {
		t.Error("CommitError not recorded")
	}
	if f.gateway.commitCount() != 1 {
		t.Errorf("commits = %d, want exactly 1 (no retry)", f.gateway.commitCount())
	}
	if !f.backups.HasLive(f.target) {
		t.Error("backup consumed despite commit failure")
	}
}

func TestReject_RestoresOriginal(t *testing.T) {
	f := newSchedFixture(t, t.TempDir(), Config{LowRiskTimeout: time.Hour})
	ticket, err := f.scheduler.Submit(f.fix)
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := f.scheduler.Reject(ticket.ID, "reviewer", "wrong function")
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}

	if resolved.Resolution != ResolutionRejected {
		t.Errorf("Resolution = %s", resolved.Resolution)
	}
	if resolved.Reason != "wrong function" {
		t.Errorf("Reason = %q", resolved.Reason)
	}
	raw, _ := os.ReadFile(f.target)
	if string(raw) != beforeFix {
		t.Errorf("rejection did not roll back: %q", raw)
	}
	if f.gateway.commitCount() != 0 {
		t.Errorf("rejection committed: %d", f.gateway.commitCount())
	}
}

func TestReject_RestoreFailureKeepsBackupLive(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "repo")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	f := newSchedFixture(t, dir, Config{LowRiskTimeout: time.Hour})
	ticket, err := f.scheduler.Submit(f.fix)
	if err != nil {
		t.Fatal(err)
	}

	// Make the restore target unwritable.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}

	resolved, err := f.scheduler.Reject(ticket.ID, "reviewer", "no")
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if resolved.Resolution != ResolutionRejected {
		t.Errorf("Resolution = %s", resolved.Resolution)
	}
	if resolved.RestoreError == "" {
		t.Error("RestoreError not recorded")
	}
	if !f.backups.HasLive(f.target) {
		t.Error("backup consumed despite failed restore")
	}
}

func TestResolve_SecondPartyGetsAlreadyResolved(t *testing.T) {
	f := newSchedFixture(t, t.TempDir(), Config{LowRiskTimeout: time.Hour})
	ticket, err := f.scheduler.Submit(f.fix)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.scheduler.Approve(context.Background(), ticket.ID, "first"); err != nil {
		t.Fatal(err)
	}

	_, err = f.scheduler.Reject(ticket.ID, "second", "too late")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("error = %v, want ErrAlreadyResolved", err)
	}
	var resolved *ResolvedError
	if !errors.As(err, &resolved) || resolved.ResolvedBy != "first" {
		t.Errorf("error detail = %v", err)
	}
}

func TestResolve_UnknownTicket(t *testing.T) {
	f := newSchedFixture(t, t.TempDir(), Config{})
	if _, err := f.scheduler.Approve(context.Background(), "nope", "x"); !errors.Is(err, ErrUnknownTicket) {
		t.Errorf("error = %v, want ErrUnknownTicket", err)
	}
}

func TestAutoApprove_TimerCommits(t *testing.T) {
	f := newSchedFixture(t, t.TempDir(), Config{LowRiskTimeout: 10 * time.Millisecond})
	ticket, err := f.scheduler.Submit(f.fix)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := f.scheduler.Get(ticket.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Open() {
			if got.Resolution != ResolutionAutoApproved {
				t.Fatalf("Resolution = %s, want auto_approved", got.Resolution)
			}
			if got.ResolvedBy != "timer" {
				t.Errorf("ResolvedBy = %q", got.ResolvedBy)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timer never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The commit happens after the resolution flips; give it a moment.
	commitDeadline := time.Now().Add(2 * time.Second)
	for f.gateway.commitCount() != 1 {
		if time.Now().After(commitDeadline) {
			t.Fatalf("commits = %d, want 1", f.gateway.commitCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f.backups.HasLive(f.target) {
		// Discard also trails the flip.
		time.Sleep(50 * time.Millisecond)
		if f.backups.HasLive(f.target) {
			t.Error("backup still live after auto-approval")
		}
	}
}

// TestResolve_ExactlyOnceUnderContention races a manual approve, a
// manual reject, and the auto-approval timer over many interleavings.
// Exactly one party may win each time, and the side effects must match
// the winner.
func TestResolve_ExactlyOnceUnderContention(t *testing.T) {
	base := t.TempDir()

	for i := 0; i < 1000; i++ {
		dir := filepath.Join(base, fmt.Sprintf("it%03d", i))
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		f := newSchedFixture(t, dir, Config{LowRiskTimeout: time.Millisecond})

		ticket, err := f.scheduler.Submit(f.fix)
		if err != nil {
			t.Fatal(err)
		}

		start := make(chan struct{})
		results := make(chan error, 2)
		go func() {
			<-start
			_, err := f.scheduler.Approve(context.Background(), ticket.ID, "racer-approve")
			results <- err
		}()
		go func() {
			<-start
			_, err := f.scheduler.Reject(ticket.ID, "racer-reject", "race")
			results <- err
		}()
		close(start)

		var wins int
		for j := 0; j < 2; j++ {
			err := <-results
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyResolved):
			default:
				t.Fatalf("iteration %d: unexpected error %v", i, err)
			}
		}

		final, err := f.scheduler.Get(ticket.ID)
		if err != nil {
			t.Fatal(err)
		}
		if final.Open() {
			t.Fatalf("iteration %d: ticket still pending", i)
		}
		if wins > 1 {
			t.Fatalf("iteration %d: %d callers won", i, wins)
		}
		if wins == 0 && final.Resolution != ResolutionAutoApproved {
			t.Fatalf("iteration %d: no winner yet resolution is %s", i, final.Resolution)
		}

		// Side effects follow the single winner.
		raw, readErr := os.ReadFile(f.target)
		switch final.Resolution {
		case ResolutionRejected:
			if readErr != nil || string(raw) != beforeFix {
				t.Fatalf("iteration %d: reject won but disk = %q (%v)", i, raw, readErr)
			}
			if f.gateway.commitCount() != 0 {
				t.Fatalf("iteration %d: reject won but commits = %d", i, f.gateway.commitCount())
			}
		case ResolutionApproved, ResolutionAutoApproved:
			if readErr != nil || string(raw) != afterFix {
				t.Fatalf("iteration %d: approval won but disk = %q (%v)", i, raw, readErr)
			}
			if got := f.gateway.commitCount(); got > 1 {
				t.Fatalf("iteration %d: %d commits", i, got)
			}
		}
	}
}

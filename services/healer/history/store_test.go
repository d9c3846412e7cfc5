// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/AleutianAI/MendFOSS/services/healer/engine"
)

func testRun(id string, started time.Time, status engine.TerminalStatus) *engine.Run {
	return &engine.Run{
		ID:        id,
		Target:    "pkg/thing.go",
		StartedAt: started,
		Status:    status,
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	store, err := NewStore(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	run := testRun("run-1", time.Now().UTC(), engine.StatusSucceeded)
	run.Attempts = []engine.Attempt{{Index: 1, Phase: engine.PhaseEvaluation, Outcome: engine.OutcomeSuccess}}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != engine.StatusSucceeded || len(got.Attempts) != 1 {
		t.Errorf("got = %+v", got)
	}
}

func TestStore_GetUnknown(t *testing.T) {
	store, err := NewStore(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetRun(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("error = %v, want ErrRunNotFound", err)
	}
}

func TestStore_RecentRunsNewestFirst(t *testing.T) {
	store, err := NewStore(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		run := testRun(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Minute), engine.StatusExhausted)
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := store.RecentRuns(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 {
		t.Fatalf("len = %d, want 3", len(recent))
	}
	if recent[0].ID != "run-4" || recent[2].ID != "run-2" {
		t.Errorf("order = %s..%s", recent[0].ID, recent[2].ID)
	}
}

func TestStore_ResaveDoesNotDuplicate(t *testing.T) {
	store, err := NewStore(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	run := testRun("run-1", time.Now().UTC(), engine.StatusEscalated)
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	run.Status = engine.StatusSucceeded
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	recent, err := store.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 {
		t.Fatalf("len = %d, want 1", len(recent))
	}
	if recent[0].Status != engine.StatusSucceeded {
		t.Errorf("status = %s", recent[0].Status)
	}
}

func TestStore_WarmStartFromDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewStore(dir, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		if err := first.SaveRun(ctx, testRun(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Second), engine.StatusSucceeded)); err != nil {
			t.Fatal(err)
		}
	}

	// A fresh store over the same directory sees the same runs.
	second, err := NewStore(dir, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	recent, err := second.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 {
		t.Fatalf("len = %d, want 3", len(recent))
	}
	if recent[0].ID != "run-2" {
		t.Errorf("newest = %s, want run-2", recent[0].ID)
	}
}

func TestStore_RingEviction(t *testing.T) {
	store, err := NewStore(t.TempDir(), 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 4; i++ {
		if err := store.SaveRun(ctx, testRun(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Second), engine.StatusSucceeded)); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := store.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("hot tier len = %d, want 2", len(recent))
	}

	// Evicted runs are still durable on disk.
	got, err := store.GetRun(ctx, "run-0")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "run-0" {
		t.Errorf("ID = %s", got.ID)
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "backups"), nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store
}

func writeTarget(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target.py")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"plain", "def f():\n    return 1\n"},
		{"empty_file", ""},
		{"no_trailing_newline", "last line has no newline"},
		{"binary_ish", "a\x00b\r\nc"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newTestStore(t)
			path := writeTarget(t, tc.content)

			b, err := store.Snapshot("run-1", path)
			if err != nil {
				t.Fatalf("Snapshot() error = %v", err)
			}

			// Clobber the file, then restore.
			if err := os.WriteFile(path, []byte("CLOBBERED"), 0644); err != nil {
				t.Fatal(err)
			}
			if err := store.Restore(b); err != nil {
				t.Fatalf("Restore() error = %v", err)
			}

			got, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tc.content {
				t.Errorf("restored content = %q, want %q", got, tc.content)
			}
		})
	}
}

func TestSnapshot_Conflict(t *testing.T) {
	store := newTestStore(t)
	path := writeTarget(t, "content\n")

	if _, err := store.Snapshot("run-1", path); err != nil {
		t.Fatalf("first Snapshot() error = %v", err)
	}

	_, err := store.Snapshot("run-2", path)
	if !errors.Is(err, ErrBackupConflict) {
		t.Fatalf("second Snapshot() error = %v, want ErrBackupConflict", err)
	}

	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatal("error is not *ConflictError")
	}
	if ce.HolderRunID != "run-1" {
		t.Errorf("HolderRunID = %q, want run-1", ce.HolderRunID)
	}
}

func TestSnapshot_AllowedAgainAfterConsume(t *testing.T) {
	store := newTestStore(t)
	path := writeTarget(t, "content\n")

	b, err := store.Snapshot("run-1", path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Restore(b); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Snapshot("run-2", path); err != nil {
		t.Errorf("Snapshot() after restore error = %v", err)
	}
}

func TestRestore_DoubleRestoreIsBenign(t *testing.T) {
	store := newTestStore(t)
	path := writeTarget(t, "original\n")

	b, err := store.Snapshot("run-1", path)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Restore(b); err != nil {
		t.Fatalf("first Restore() error = %v", err)
	}
	if err := store.Restore(b); !errors.Is(err, ErrAlreadyConsumed) {
		t.Fatalf("second Restore() error = %v, want ErrAlreadyConsumed", err)
	}
}

func TestDiscard(t *testing.T) {
	store := newTestStore(t)
	path := writeTarget(t, "original\n")

	b, err := store.Snapshot("run-1", path)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("committed\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := store.Discard(b); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}

	// Discard keeps the new content.
	got, _ := os.ReadFile(path)
	if string(got) != "committed\n" {
		t.Errorf("content after discard = %q", got)
	}

	if store.HasLive(path) {
		t.Error("live backup remains after discard")
	}
	if err := store.Discard(b); !errors.Is(err, ErrAlreadyConsumed) {
		t.Errorf("second Discard() error = %v, want ErrAlreadyConsumed", err)
	}
}

func TestSnapshot_MissingFileRestoredToMissing(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "not_yet.py")

	b, err := store.Snapshot("run-1", path)
	if err != nil {
		t.Fatalf("Snapshot() of missing file error = %v", err)
	}
	if b.Existed {
		t.Error("Existed = true for missing file")
	}

	if err := os.WriteFile(path, []byte("created by patch\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := store.Restore(b); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("restore did not remove the file created during the run")
	}
}

func TestSnapshot_DurableMetadataInspectable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	store, err := NewStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	path := writeTarget(t, "content\n")

	b, err := store.Snapshot("run-xyz", path)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, b.ID+".json"))
	if err != nil {
		t.Fatalf("metadata sidecar not on disk: %v", err)
	}

	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatalf("metadata is not valid JSON: %v", err)
	}
	if meta["target_path"] != path {
		t.Errorf("target_path = %v, want %v", meta["target_path"], path)
	}
	if meta["run_id"] != "run-xyz" {
		t.Errorf("run_id = %v", meta["run_id"])
	}

	content, err := os.ReadFile(filepath.Join(dir, b.ID+".orig"))
	if err != nil {
		t.Fatalf("content file not on disk: %v", err)
	}
	if string(content) != "content\n" {
		t.Errorf("durable content = %q", content)
	}

	// Consuming the backup cleans up the durable files.
	if err := store.Discard(b); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, b.ID+".json")); !os.IsNotExist(err) {
		t.Error("metadata file remains after consume")
	}
}

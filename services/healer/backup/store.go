// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup creates, tracks, and restores point-in-time snapshots of
// files mutated by healing runs.
//
// # Description
//
// At most one live backup may exist per target path. That invariant is the
// mutual-exclusion mechanism for the whole pipeline: a second run touching
// the same file fails fast with ErrBackupConflict instead of racing.
//
// Snapshots are durable. Each backup is a content file plus a JSON metadata
// sidecar under the store directory, so a crash between snapshot and apply
// leaves enough on disk for an external reconciliation pass: original path,
// timestamp, and owning run are all inspectable.
//
// # Thread Safety
//
// Store is safe for concurrent use. Snapshot creation is an atomic
// check-then-create under a single lock.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Backup is one point-in-time snapshot of a target file.
//
// # Description
//
// A backup is live from creation until it is consumed by exactly one of
// Restore (rollback) or Discard (commit). Fields are immutable; the
// consumed flag is owned by the Store.
type Backup struct {
	// ID is the unique backup identifier.
	ID string `json:"id"`

	// TargetPath is the absolute path of the snapshotted file.
	TargetPath string `json:"target_path"`

	// RunID is the healing run that owns this backup.
	RunID string `json:"run_id"`

	// CreatedAt is when the snapshot was taken.
	CreatedAt time.Time `json:"created_at"`

	// SHA256 is the hex digest of the original content.
	SHA256 string `json:"sha256"`

	// Existed is false if the target file did not exist at snapshot time.
	Existed bool `json:"existed"`

	// Mode is the original file mode (0 when the file did not exist).
	Mode os.FileMode `json:"mode"`

	consumed bool
	content  []byte
}

// Consumed reports whether the backup has been restored or discarded.
func (b *Backup) Consumed() bool {
	return b.consumed
}

// Store manages backup lifetime for all target paths.
type Store struct {
	dir    string
	logger *slog.Logger

	mu   sync.Mutex
	live map[string]*Backup
}

// NewStore creates a backup store rooted at dir.
//
// # Inputs
//
//   - dir: Directory for durable backup storage. Created if missing.
//   - logger: Logger for diagnostic output (can be nil).
//
// # Outputs
//
//   - *Store: Ready-to-use store.
//   - error: Non-nil if the directory cannot be created.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating backup dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		dir:    dir,
		logger: logger.With("component", "backup"),
		live:   make(map[string]*Backup),
	}, nil
}

// Snapshot captures the current content of path for the given run.
//
// # Description
//
// Fails with ErrBackupConflict (as a *ConflictError) when a live backup
// already exists for path. The check and the registration happen under one
// lock, so two concurrent runs can never both snapshot the same file.
// Content is read fully and persisted before the method returns.
//
// A missing target file is snapshotted as "did not exist"; restoring such
// a backup removes the file again.
//
// # Inputs
//
//   - runID: The run taking the snapshot.
//   - path: Absolute path of the file about to be mutated.
//
// # Outputs
//
//   - *Backup: The live backup. Must be consumed by Restore or Discard.
//   - error: ErrBackupConflict, or an I/O error reading/persisting content.
func (s *Store) Snapshot(runID, path string) (*Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if holder, ok := s.live[path]; ok {
		return nil, &ConflictError{
			Path:        path,
			HolderRunID: holder.RunID,
			CreatedAt:   holder.CreatedAt,
		}
	}

	b := &Backup{
		ID:         uuid.NewString(),
		TargetPath: path,
		RunID:      runID,
		CreatedAt:  time.Now().UTC(),
	}

	info, err := os.Stat(path)
	switch {
	case err == nil:
		content, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("reading %s: %w", path, readErr)
		}
		sum := sha256.Sum256(content)
		b.Existed = true
		b.Mode = info.Mode().Perm()
		b.SHA256 = hex.EncodeToString(sum[:])
		b.content = content
	case os.IsNotExist(err):
		b.Existed = false
	default:
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if err := s.persist(b); err != nil {
		return nil, err
	}

	s.live[path] = b
	s.logger.Info("snapshot taken",
		"backup_id", b.ID,
		"path", path,
		"run_id", runID,
		"existed", b.Existed)
	return b, nil
}

// Restore writes the original content back and consumes the backup.
//
// # Description
//
// Byte-for-byte restoration, including the original file mode. Restoring a
// backup of a file that did not exist removes the file. Safe to call twice:
// the second call is a no-op returning ErrAlreadyConsumed, which rollback
// paths treat as benign.
//
// On I/O failure the backup stays live and a *RestoreError (wrapping
// ErrRestoreFailure) is returned; the caller must surface it, since the
// target may need a manual filesystem check.
//
// # Inputs
//
//   - b: The backup to restore. Must have been created by this store.
//
// # Outputs
//
//   - error: Nil on success, ErrAlreadyConsumed on double-restore, or a
//     *RestoreError on I/O failure.
func (s *Store) Restore(b *Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.consumed {
		s.logger.Debug("restore skipped, backup already consumed", "backup_id", b.ID)
		return ErrAlreadyConsumed
	}

	if b.Existed {
		mode := b.Mode
		if mode == 0 {
			mode = 0644
		}
		if err := os.WriteFile(b.TargetPath, b.content, mode); err != nil {
			return &RestoreError{Path: b.TargetPath, BackupID: b.ID, Err: err}
		}
	} else {
		if err := os.Remove(b.TargetPath); err != nil && !os.IsNotExist(err) {
			return &RestoreError{Path: b.TargetPath, BackupID: b.ID, Err: err}
		}
	}

	s.consume(b)
	s.logger.Info("backup restored", "backup_id", b.ID, "path", b.TargetPath)
	return nil
}

// Discard consumes the backup without restoring (the commit path).
//
// # Outputs
//
//   - error: ErrAlreadyConsumed if the backup was already consumed.
func (s *Store) Discard(b *Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.consumed {
		return ErrAlreadyConsumed
	}

	s.consume(b)
	s.logger.Info("backup discarded", "backup_id", b.ID, "path", b.TargetPath)
	return nil
}

// HasLive reports whether a live backup exists for path.
func (s *Store) HasLive(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[path]
	return ok
}

// Live returns the live backup for path, if one exists.
func (s *Store) Live(path string) (*Backup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.live[path]
	return b, ok
}

// consume marks the backup consumed and removes its durable files.
// Caller must hold s.mu.
func (s *Store) consume(b *Backup) {
	b.consumed = true
	delete(s.live, b.TargetPath)

	if err := os.Remove(s.contentPath(b.ID)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("removing backup content file", "backup_id", b.ID, "error", err)
	}
	if err := os.Remove(s.metaPath(b.ID)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("removing backup metadata file", "backup_id", b.ID, "error", err)
	}
}

// persist writes the content file and JSON metadata sidecar.
func (s *Store) persist(b *Backup) error {
	if b.Existed {
		if err := os.WriteFile(s.contentPath(b.ID), b.content, 0600); err != nil {
			return fmt.Errorf("persisting backup content: %w", err)
		}
	}

	meta, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding backup metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(b.ID), meta, 0600); err != nil {
		return fmt.Errorf("persisting backup metadata: %w", err)
	}
	return nil
}

func (s *Store) contentPath(id string) string {
	return filepath.Join(s.dir, id+".orig")
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

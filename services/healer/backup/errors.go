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
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for backup operations.
var (
	// ErrBackupConflict indicates a live backup already exists for the path.
	// The new run must fail fast; the existing run is unaffected.
	ErrBackupConflict = errors.New("a live backup already exists for this path")

	// ErrAlreadyConsumed indicates the backup was already restored or
	// discarded. Benign on double-rollback paths.
	ErrAlreadyConsumed = errors.New("backup already consumed")

	// ErrRestoreFailure indicates an I/O failure while rolling back.
	// Never swallowed: the target file may be in a corrupted state and
	// needs a manual filesystem check.
	ErrRestoreFailure = errors.New("failed to restore backup")
)

// ConflictError reports which run holds the live backup for a path.
type ConflictError struct {
	// Path is the contested target path.
	Path string

	// HolderRunID is the run that owns the live backup.
	HolderRunID string

	// CreatedAt is when the live backup was taken.
	CreatedAt time.Time
}

// Error returns a human-readable error message.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("path %s has a live backup held by run %s since %s",
		e.Path, e.HolderRunID, e.CreatedAt.Format(time.RFC3339))
}

// Unwrap returns ErrBackupConflict for errors.Is support.
func (e *ConflictError) Unwrap() error {
	return ErrBackupConflict
}

// RestoreError wraps the I/O failure behind a failed rollback.
type RestoreError struct {
	// Path is the file that could not be restored.
	Path string

	// BackupID identifies the backup whose restore failed.
	BackupID string

	// Err is the underlying I/O error.
	Err error
}

// Error returns a human-readable error message.
func (e *RestoreError) Error() string {
	return fmt.Sprintf("restoring %s from backup %s: %v", e.Path, e.BackupID, e.Err)
}

// Unwrap returns ErrRestoreFailure for errors.Is support.
func (e *RestoreError) Unwrap() error {
	return ErrRestoreFailure
}

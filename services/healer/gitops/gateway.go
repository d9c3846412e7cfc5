// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gitops is the version-control boundary of the healing pipeline.
//
// # Description
//
// The Gateway interface is the narrow capability the state machine and the
// approval scheduler consume: commit, push, current revision. The exec
// implementation shells out to git; everything above it depends only on
// the interface, so tests substitute a fake.
//
// Commit and push serialization across processes is the git installation's
// problem; this package only guarantees it never issues two concurrent
// commit calls for the same run.
package gitops

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for gateway operations.
var (
	// ErrCommitFailure indicates git commit failed. The caller decides
	// whether to retry or escalate; the gateway does not retry.
	ErrCommitFailure = errors.New("git commit failed")

	// ErrPushFailure indicates git push failed.
	ErrPushFailure = errors.New("git push failed")

	// ErrNotRepository indicates the work dir is not inside a git repository.
	ErrNotRepository = errors.New("not a git repository")
)

// CommitResult reports a successful commit.
type CommitResult struct {
	// RevisionID is the commit hash.
	RevisionID string

	// Message is the commit message that was recorded.
	Message string
}

// Gateway is the version-control capability consumed by the healing core.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Gateway interface {
	// Commit stages all changes and records a commit for the given run.
	Commit(ctx context.Context, message, runID string) (*CommitResult, error)

	// Push publishes committed changes to the default remote.
	Push(ctx context.Context) error

	// CurrentRevision returns the current HEAD commit hash.
	CurrentRevision(ctx context.Context) (string, error)
}

// CommitError carries the git output behind a failed commit.
type CommitError struct {
	// RunID is the run whose commit failed.
	RunID string

	// Output is the captured git stderr/stdout.
	Output string

	// Err is the underlying process error.
	Err error
}

// Error returns a human-readable error message.
func (e *CommitError) Error() string {
	return fmt.Sprintf("commit for run %s: %v: %s", e.RunID, e.Err, e.Output)
}

// Unwrap returns ErrCommitFailure for errors.Is support.
func (e *CommitError) Unwrap() error {
	return ErrCommitFailure
}

// PushError carries the git output behind a failed push.
type PushError struct {
	// Output is the captured git stderr/stdout.
	Output string

	// Err is the underlying process error.
	Err error
}

// Error returns a human-readable error message.
func (e *PushError) Error() string {
	return fmt.Sprintf("push: %v: %s", e.Err, e.Output)
}

// Unwrap returns ErrPushFailure for errors.Is support.
func (e *PushError) Unwrap() error {
	return ErrPushFailure
}

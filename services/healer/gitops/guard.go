// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// GuardConfig configures worktree guard behavior.
type GuardConfig struct {
	// Force skips the dirty working tree check (dangerous).
	Force bool
}

// GuardIssue is one fatal finding from the worktree guard.
type GuardIssue struct {
	// Code is a machine-readable identifier.
	Code string

	// Message is a human-readable description.
	Message string

	// Details contains remediation hints.
	Details []string
}

// Error implements the error interface.
func (i *GuardIssue) Error() string {
	return fmt.Sprintf("[%s] %s", i.Code, i.Message)
}

// GuardResult aggregates worktree guard findings.
type GuardResult struct {
	// Passed is true when healing runs may proceed.
	Passed bool

	// Issues are the fatal findings (empty when Passed).
	Issues []GuardIssue

	// Warnings are non-fatal observations.
	Warnings []string
}

// FirstIssue returns the first issue as an error, or nil.
func (r *GuardResult) FirstIssue() error {
	if len(r.Issues) == 0 {
		return nil
	}
	return &r.Issues[0]
}

// WorktreeGuard validates repository state before a healing run starts.
//
// # Description
//
// A healing run commits on success, so it must not start on top of an
// in-progress merge or a dirty tree it could sweep into its commit.
// Outside a git repository the guard passes with a warning: healing still
// works, but commit and push are unavailable.
//
// # Thread Safety
//
// Safe for concurrent use.
type WorktreeGuard struct {
	gateway *ExecGateway
	config  GuardConfig
	logger  *slog.Logger
}

// NewWorktreeGuard creates a guard over the given exec gateway.
func NewWorktreeGuard(gateway *ExecGateway, config GuardConfig, logger *slog.Logger) *WorktreeGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorktreeGuard{
		gateway: gateway,
		config:  config,
		logger:  logger.With("component", "worktree_guard"),
	}
}

// Check performs all pre-run validations.
//
// # Outputs
//
//   - *GuardResult: Findings. Passed=false means the run must not start.
//   - error: Non-nil only if the check itself failed.
func (g *WorktreeGuard) Check(ctx context.Context) (*GuardResult, error) {
	result := &GuardResult{Passed: true}

	if !g.gateway.IsRepository(ctx) {
		result.Warnings = append(result.Warnings,
			"not a git repository; fixes cannot be committed or pushed")
		return result, nil
	}

	if merging, err := g.mergeInProgress(ctx); err == nil && merging {
		result.Passed = false
		result.Issues = append(result.Issues, GuardIssue{
			Code:    "MERGE_IN_PROGRESS",
			Message: "A merge is in progress.",
			Details: []string{
				"Complete the merge: git commit",
				"Or abort it: git merge --abort",
			},
		})
	}

	dirty, err := g.gateway.DirtyFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking working tree: %w", err)
	}

	if len(dirty) > 0 {
		if g.config.Force {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("proceeding with %d uncommitted changes (force)", len(dirty)))
			g.logger.Warn("proceeding with dirty working tree",
				"dirty_count", len(dirty), "force", true)
		} else {
			details := make([]string, 0, len(dirty)+2)
			for _, f := range dirty {
				details = append(details, "  modified: "+f)
			}
			details = append(details,
				"Commit or stash these changes, or pass Force=true.")

			result.Passed = false
			result.Issues = append(result.Issues, GuardIssue{
				Code:    "DIRTY_WORKING_TREE",
				Message: fmt.Sprintf("Repository has %d uncommitted changes.", len(dirty)),
				Details: details,
			})
		}
	}

	return result, nil
}

// mergeInProgress checks for .git/MERGE_HEAD.
func (g *WorktreeGuard) mergeInProgress(ctx context.Context) (bool, error) {
	out, err := g.gateway.run(ctx, "rev-parse", "--git-dir")
	if err != nil {
		return false, err
	}

	gitDir := strings.TrimSpace(out)
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(g.gateway.workDir, gitDir)
	}

	_, err = os.Stat(filepath.Join(gitDir, "MERGE_HEAD"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

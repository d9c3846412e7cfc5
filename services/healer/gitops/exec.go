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
	"os/exec"
	"strings"
	"sync"
)

// ExecGateway is the git-binary implementation of Gateway.
//
// # Description
//
// Shells out to git in a fixed working directory. A single mutex
// serializes commit and push so the gateway never interleaves two write
// operations from concurrent approval resolutions.
//
// # Thread Safety
//
// Safe for concurrent use.
type ExecGateway struct {
	workDir string
	logger  *slog.Logger

	// writeMu serializes commit/push invocations.
	writeMu sync.Mutex
}

// NewExecGateway creates a gateway running git in workDir.
//
// # Inputs
//
//   - workDir: Repository working directory.
//   - logger: Logger for diagnostic output (can be nil).
func NewExecGateway(workDir string, logger *slog.Logger) *ExecGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecGateway{
		workDir: workDir,
		logger:  logger.With("component", "gitops"),
	}
}

// Commit stages all changes and records a commit.
//
// # Description
//
// Runs "git add -A" followed by "git commit -m <message>", then resolves
// the new HEAD. Failure is returned as a *CommitError wrapping
// ErrCommitFailure with the captured git output; the gateway never
// retries on its own.
func (g *ExecGateway) Commit(ctx context.Context, message, runID string) (*CommitResult, error) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	if out, err := g.run(ctx, "add", "-A"); err != nil {
		return nil, &CommitError{RunID: runID, Output: out, Err: err}
	}

	out, err := g.run(ctx, "commit", "-m", message)
	if err != nil {
		return nil, &CommitError{RunID: runID, Output: out, Err: err}
	}

	rev, err := g.CurrentRevision(ctx)
	if err != nil {
		// The commit landed; surface the revision lookup failure distinctly.
		return nil, fmt.Errorf("commit recorded but revision lookup failed: %w", err)
	}

	g.logger.Info("committed", "run_id", runID, "revision", rev)
	return &CommitResult{RevisionID: rev, Message: message}, nil
}

// Push publishes committed changes to the default remote.
func (g *ExecGateway) Push(ctx context.Context) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	if out, err := g.run(ctx, "push"); err != nil {
		return &PushError{Output: out, Err: err}
	}

	g.logger.Info("pushed")
	return nil
}

// CurrentRevision returns the current HEAD commit hash.
func (g *ExecGateway) CurrentRevision(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("rev-parse HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// IsRepository reports whether workDir is inside a git work tree.
func (g *ExecGateway) IsRepository(ctx context.Context) bool {
	out, err := g.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// DirtyFiles returns paths with uncommitted changes (staged or modified).
func (g *ExecGateway) DirtyFiles(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}

	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 || strings.HasPrefix(line, "??") {
			continue
		}
		files = append(files, strings.TrimSpace(line[3:]))
	}
	return files, nil
}

// run executes a git subcommand and returns its combined output.
func (g *ExecGateway) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.workDir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

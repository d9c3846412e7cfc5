// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/MendFOSS/pkg/logging"
	"github.com/AleutianAI/MendFOSS/pkg/ux"
	"github.com/AleutianAI/MendFOSS/services/healer/backup"
	"github.com/AleutianAI/MendFOSS/services/healer/diffapply"
	"github.com/AleutianAI/MendFOSS/services/healer/engine"
	"github.com/AleutianAI/MendFOSS/services/healer/gitops"
	"github.com/AleutianAI/MendFOSS/services/healer/history"
	"github.com/AleutianAI/MendFOSS/services/healer/syntax"
)

// healStack is the wiring a single repair pass needs.
type healStack struct {
	logger  *logging.Logger
	machine *engine.StateMachine
	backups *backup.Store
	runs    *history.Store
	gateway *gitops.ExecGateway
}

// buildHealStack wires the engine from config for one-shot use.
func buildHealStack(collab engine.Collaborators) (*healStack, error) {
	logger := logging.New(logging.Config{Service: "healer"})
	slogger := logger.Slog()

	repoPath := cfg.RepoPath
	if repoPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		repoPath = wd
		cfg.RepoPath = wd
	}

	backups, err := backup.NewStore(cfg.ResolvedBackupDir(), slogger)
	if err != nil {
		return nil, err
	}
	runs, err := history.NewStore(cfg.ResolvedDataDir(), 0, slogger)
	if err != nil {
		return nil, err
	}

	diffEngine := diffapply.NewEngine(syntax.NewTreeSitterOracle(), cfg.StrictHunkMatching)
	machine, err := engine.NewStateMachine(
		engine.Config{
			RepoPath:      repoPath,
			MaxAttempts:   cfg.MaxAttempts,
			MaxPatchLines: cfg.MaxPatchLines,
		},
		diffEngine,
		backups,
		collab,
		runs,
		engine.NewMetrics(nil),
		slogger,
	)
	if err != nil {
		return nil, err
	}

	return &healStack{
		logger:  logger,
		machine: machine,
		backups: backups,
		runs:    runs,
		gateway: gitops.NewExecGateway(repoPath, slogger),
	}, nil
}

func runHeal(cmd *cobra.Command, args []string) error {
	target := args[0]

	collab, err := newScriptedCollaborators(target, patchFile, testCommand, cfg.RepoPath, cfg.AutoMergeConfidence)
	if err != nil {
		return err
	}
	stack, err := buildHealStack(collab.bundle())
	if err != nil {
		return err
	}
	defer stack.logger.Close()

	guard := gitops.NewWorktreeGuard(stack.gateway, gitops.GuardConfig{}, stack.logger.Slog())
	check, err := guard.Check(cmd.Context())
	if err != nil {
		return err
	}
	for _, w := range check.Warnings {
		ux.Warning(w)
	}
	if !check.Passed {
		for i := range check.Issues {
			ux.Error(check.Issues[i].Error())
		}
		return fmt.Errorf("worktree not safe to heal")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ux.Title("mend heal")
	ux.KV("target", target)

	run, err := stack.machine.Heal(ctx, target)
	if err != nil {
		return err
	}

	ux.KV("run", run.ID)
	ux.KV("attempts", fmt.Sprintf("%d", len(run.Attempts)))
	ux.KV("status", string(run.Status))

	switch run.Status {
	case engine.StatusSucceeded:
		ux.Success("fix applied and validated")
		if commitFix {
			result, err := stack.gateway.Commit(ctx,
				fmt.Sprintf("mend: automated fix for %s (run %s)", target, run.ID), run.ID)
			if err != nil {
				ux.Error("commit failed, backup left in place: " + err.Error())
				return err
			}
			if live, ok := stack.backups.Live(run.Result.TargetPath); ok {
				if err := stack.backups.Discard(live); err != nil {
					ux.Warning("discarding backup: " + err.Error())
				}
			}
			ux.Success("committed " + result.RevisionID)
		} else {
			ux.Info("original preserved under " + cfg.ResolvedBackupDir())
			ux.Muted("re-run with --commit, or restore the .orig file to undo")
		}
		return nil
	case engine.StatusEscalated:
		ux.Warning("fix needs human attention")
	case engine.StatusExhausted:
		ux.Warning("no acceptable fix within the attempt budget")
	default:
		ux.Error("run faulted")
	}
	if fb := run.LastFeedback(); fb != "" {
		ux.Muted("last feedback: " + fb)
	}
	return fmt.Errorf("heal did not produce an approved fix (status %s)", run.Status)
}

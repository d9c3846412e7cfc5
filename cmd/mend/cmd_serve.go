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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/MendFOSS/pkg/ux"
	"github.com/AleutianAI/MendFOSS/services/healer/api"
	"github.com/AleutianAI/MendFOSS/services/healer/approval"
	"github.com/AleutianAI/MendFOSS/services/healer/engine"
	"github.com/AleutianAI/MendFOSS/services/healer/notify"
	"github.com/AleutianAI/MendFOSS/services/healer/watch"
)

var queueDir string

func init() {
	for _, cmd := range []*cobra.Command{watchCmd, serveCmd} {
		cmd.Flags().StringVar(&queueDir, "queue", "",
			"patch queue directory (default <repo>/.mend/queue)")
		cmd.Flags().StringVar(&testCommand, "test-cmd", "",
			"shell command that validates each fix")
	}
}

// serveStack is the heal stack plus the daemon-only collaborators.
type serveStack struct {
	*healStack
	collab    *queueCollaborators
	scheduler *approval.Scheduler
	center    *notify.Center
}

// queuedHealer starts a run only for targets with a queued patch, so
// unrelated file churn never burns attempts.
type queuedHealer struct {
	machine *engine.StateMachine
	collab  *queueCollaborators
	logger  *slog.Logger
}

func (h *queuedHealer) Heal(ctx context.Context, target string) (*engine.Run, error) {
	if !h.collab.hasPatch(target) {
		h.logger.Debug("no queued patch, skipping change", "path", target)
		return nil, nil
	}
	return h.machine.Heal(ctx, target)
}

// buildServeStack wires the daemon: heal stack, patch queue, approval
// scheduler, and notification feed.
func buildServeStack() (*serveStack, error) {
	qdir := queueDir
	if qdir == "" {
		repoPath := cfg.RepoPath
		if repoPath == "" {
			wd, err := os.Getwd()
			if err != nil {
				return nil, err
			}
			repoPath = wd
		}
		qdir = filepath.Join(repoPath, ".mend", "queue")
	}

	collab, err := newQueueCollaborators(qdir, testCommand, cfg.RepoPath, cfg.AutoMergeConfidence)
	if err != nil {
		return nil, err
	}
	stack, err := buildHealStack(collab.bundle())
	if err != nil {
		return nil, err
	}
	collab.repoPath = cfg.RepoPath

	slogger := stack.logger.Slog()
	scheduler, err := approval.NewScheduler(
		approval.Config{LowRiskTimeout: cfg.LowRiskTimeout(), AutoPush: cfg.AutoPush},
		stack.backups,
		stack.gateway,
		slogger,
	)
	if err != nil {
		return nil, err
	}

	return &serveStack{
		healStack: stack,
		collab:    collab,
		scheduler: scheduler,
		center:    notify.NewCenter(slogger),
	}, nil
}

// observer turns finished runs into tickets and feed entries.
func (s *serveStack) observer(run *engine.Run, err error) {
	if run == nil {
		return
	}
	logger := s.logger.Slog().With("component", "observer", "run_id", run.ID)

	if run.NeedsManualCheck {
		s.center.Post(notify.Notification{
			Kind:    notify.KindManualCheck,
			RunID:   run.ID,
			Path:    run.Target,
			Message: fmt.Sprintf("rollback failed for %s, inspect the working tree", run.Target),
		})
	}

	switch run.Status {
	case engine.StatusSucceeded:
		ticket, submitErr := s.scheduler.Submit(run.Result)
		if submitErr != nil {
			logger.Error("submitting fix for approval", "error", submitErr)
			s.center.Post(notify.Notification{
				Kind:    notify.KindFailure,
				RunID:   run.ID,
				Path:    run.Target,
				Message: "fix produced but could not open a ticket: " + submitErr.Error(),
			})
			return
		}
		if rmErr := s.collab.consume(run.Result.TargetPath); rmErr != nil {
			logger.Warn("removing consumed queue entry", "error", rmErr)
		}
		s.center.Post(notify.Notification{
			Kind:     notify.KindApprovalRequest,
			RunID:    run.ID,
			TicketID: ticket.ID,
			Path:     run.Target,
			Message: fmt.Sprintf("fix for %s awaits approval (risk %s, %d changed lines)",
				run.Target, ticket.Risk, ticket.ChangedLines),
		})

	case engine.StatusEscalated:
		s.center.Post(notify.Notification{
			Kind:    notify.KindEscalation,
			RunID:   run.ID,
			Path:    run.Target,
			Message: fmt.Sprintf("fix for %s needs human attention: %s", run.Target, run.LastFeedback()),
		})

	default:
		msg := fmt.Sprintf("healing %s failed (%s)", run.Target, run.Status)
		if err != nil {
			msg += ": " + err.Error()
		}
		s.center.Post(notify.Notification{
			Kind:    notify.KindFailure,
			RunID:   run.ID,
			Path:    run.Target,
			Message: msg,
		})
	}
}

// newWatcher builds the filesystem watcher over the given paths.
func (s *serveStack) newWatcher(paths []string) (*watch.Watcher, error) {
	healer := &queuedHealer{
		machine: s.machine,
		collab:  s.collab,
		logger:  s.logger.Slog(),
	}
	return watch.NewWatcher(paths, healer, s.observer, watch.Options{
		Debounce:        time.Duration(cfg.Watch.DebounceMillis) * time.Millisecond,
		EventsPerSecond: cfg.Watch.EventsPerSecond,
	}, s.logger.Slog())
}

// watchPaths resolves the directories to watch from args or config.
func watchPaths(args []string) ([]string, error) {
	paths := args
	if len(paths) == 0 {
		paths = cfg.Watch.Paths
	}
	if len(paths) == 0 {
		return nil, errors.New("nothing to watch: pass directories or set watch.paths in the config")
	}
	return paths, nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	paths, err := watchPaths(args)
	if err != nil {
		return err
	}

	stack, err := buildServeStack()
	if err != nil {
		return err
	}
	defer stack.logger.Close()
	defer stack.scheduler.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ux.Title("mend watch")
	ux.KV("paths", strings.Join(paths, ", "))
	ux.KV("queue", stack.collab.queueDir)

	watcher, err := stack.newWatcher(paths)
	if err != nil {
		return err
	}
	if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	ux.Info("watcher stopped")
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	stack, err := buildServeStack()
	if err != nil {
		return err
	}
	defer stack.logger.Close()
	defer stack.scheduler.Stop()

	router := api.NewRouter(api.Deps{
		Runs:          stack.runs,
		Scheduler:     stack.scheduler,
		Notifications: stack.center,
		Logger:        stack.logger.Slog(),
	})
	server := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ux.Title("mend serve")
	ux.KV("listen", cfg.API.Listen)

	group, ctx := errgroup.WithContext(ctx)

	if len(cfg.Watch.Paths) > 0 {
		watcher, err := stack.newWatcher(cfg.Watch.Paths)
		if err != nil {
			return err
		}
		ux.KV("watching", strings.Join(cfg.Watch.Paths, ", "))
		group.Go(func() error {
			return watcher.Run(ctx)
		})
	} else {
		ux.Muted("no watch paths configured, serving API only")
	}

	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	ux.Info("server stopped")
	return nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch starts healing runs for source files as they change.
//
// Events are debounced per path so a save storm becomes one run, and
// run starts are rate-limited so a misbehaving editor cannot flood the
// repair engine.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/MendFOSS/services/healer/engine"
)

// RunStarter starts a healing run for a target file.
type RunStarter interface {
	Heal(ctx context.Context, target string) (*engine.Run, error)
}

// RunObserver is called with each finished run (err from Heal).
type RunObserver func(run *engine.Run, err error)

// Options configures the Watcher.
type Options struct {
	// Debounce is the per-path quiet period before a change triggers
	// a run. Default: 500ms.
	Debounce time.Duration

	// EventsPerSecond rate-limits run starts. Default: 0.5 (one run
	// per two seconds). Changes arriving over the limit are dropped.
	EventsPerSecond float64

	// Extensions are the file suffixes worth healing.
	// Default: .go, .py, .js, .ts.
	Extensions []string

	// IgnoreDirs are directory names never descended into.
	IgnoreDirs []string

	// MaxConcurrentRuns bounds simultaneous healing runs. Default: 1;
	// concurrent runs on the same file lose to the backup conflict
	// check anyway.
	MaxConcurrentRuns int
}

func (o *Options) withDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = 500 * time.Millisecond
	}
	if o.EventsPerSecond <= 0 {
		o.EventsPerSecond = 0.5
	}
	if len(o.Extensions) == 0 {
		o.Extensions = []string{".go", ".py", ".js", ".ts"}
	}
	if len(o.IgnoreDirs) == 0 {
		o.IgnoreDirs = []string{".git", ".mend", "node_modules", "__pycache__", ".idea"}
	}
	if o.MaxConcurrentRuns <= 0 {
		o.MaxConcurrentRuns = 1
	}
}

// Watcher drives a RunStarter from filesystem events.
//
// # Thread Safety
//
// Safe for concurrent use. Run may be called once.
type Watcher struct {
	paths    []string
	healer   RunStarter
	observer RunObserver
	opts     Options
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWatcher creates a Watcher over the given directories.
//
// # Inputs
//
//   - paths: directories to watch recursively. Required.
//   - healer: the run starter. Required.
//   - observer: called per finished run. May be nil.
//   - opts: tuning. Zero values take defaults.
//   - logger: may be nil for slog.Default().
func NewWatcher(paths []string, healer RunStarter, observer RunObserver, opts Options, logger *slog.Logger) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("watch: no paths configured")
	}
	if healer == nil {
		return nil, fmt.Errorf("watch: run starter must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts.withDefaults()

	return &Watcher{
		paths:    paths,
		healer:   healer,
		observer: observer,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.EventsPerSecond), 1),
		logger:   logger.With("component", "watch"),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Run watches until the context is canceled.
//
// # Outputs
//
//   - error: watcher setup failure, or the first healing-run error
//     other than context cancellation. Individual run failures are
//     reported to the observer and logged, not returned.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	for _, root := range w.paths {
		if err := w.addRecursive(fsw, root); err != nil {
			return err
		}
	}
	w.logger.Info("watching for changes", "paths", w.paths, "debounce", w.opts.Debounce)

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(w.opts.MaxConcurrentRuns + 1) // +1 for the event loop

	fires := make(chan string)
	group.Go(func() error {
		defer w.stopTimers()
		for {
			select {
			case <-ctx.Done():
				return nil
			case event, ok := <-fsw.Events:
				if !ok {
					return nil
				}
				w.handleEvent(ctx, fsw, event, fires)
			case err, ok := <-fsw.Errors:
				if !ok {
					return nil
				}
				w.logger.Warn("watch error", "error", err)
			}
		}
	})

	for {
		select {
		case <-ctx.Done():
			err := group.Wait()
			if err == nil || err == ctx.Err() {
				return ctx.Err()
			}
			return err
		case path := <-fires:
			if !w.limiter.Allow() {
				w.logger.Info("run rate limit hit, dropping change", "path", path)
				continue
			}
			target := path
			group.Go(func() error {
				run, err := w.healer.Heal(ctx, target)
				if err != nil && ctx.Err() == nil {
					w.logger.Warn("healing run failed", "path", target, "error", err)
				}
				if w.observer != nil {
					w.observer(run, err)
				}
				return nil
			})
		}
	}
}

// handleEvent filters an fsnotify event and (re)arms its debounce timer.
func (w *Watcher) handleEvent(ctx context.Context, fsw *fsnotify.Watcher, event fsnotify.Event, fires chan<- string) {
	// New directories join the watch set.
	if event.Has(fsnotify.Create) {
		if isDir(event.Name) && !w.ignored(event.Name) {
			if err := w.addRecursive(fsw, event.Name); err != nil {
				w.logger.Warn("watching new directory", "path", event.Name, "error", err)
			}
			return
		}
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	if w.ignored(event.Name) || !w.interesting(event.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	path := event.Name
	if timer, ok := w.timers[path]; ok {
		timer.Reset(w.opts.Debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.opts.Debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case fires <- path:
		case <-ctx.Done():
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	for _, dir := range w.opts.IgnoreDirs {
		if base == dir {
			return true
		}
		if strings.Contains(path, string(filepath.Separator)+dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) interesting(path string) bool {
	ext := filepath.Ext(path)
	for _, want := range w.opts.Extensions {
		if ext == want {
			return true
		}
	}
	return false
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history persists healing run records.
//
// Runs are stored two ways: a JSON file per run under the data
// directory (durable, inspectable with standard tools) and an
// in-memory ring of recent runs for fast dashboard queries. On
// startup the ring is rebuilt from the most recent files on disk.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/MendFOSS/services/healer/engine"
)

// ErrRunNotFound is returned for run IDs with no record.
var ErrRunNotFound = errors.New("history: run not found")

// DefaultRingSize is the hot-tier capacity.
const DefaultRingSize = 200

// Store is a file-backed engine.RunStore.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	dir    string
	logger *slog.Logger

	mu   sync.RWMutex
	ring *ring[*engine.Run]
}

// NewStore creates a Store rooted at dir, loading the most recent
// persisted runs into the hot tier.
//
// # Inputs
//
//   - dir: data directory. Created if missing.
//   - ringSize: hot-tier capacity (0 for DefaultRingSize).
//   - logger: may be nil for slog.Default().
func NewStore(dir string, ringSize int, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("history: data directory must not be empty")
	}
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("history: creating data dir: %w", err)
	}

	s := &Store{
		dir:    dir,
		logger: logger.With("component", "run_history"),
		ring:   newRing[*engine.Run](ringSize),
	}
	if err := s.warm(ringSize); err != nil {
		// Non-fatal: start with a cold ring.
		s.logger.Warn("loading persisted runs", "error", err)
	}
	return s, nil
}

// SaveRun persists a run record, overwriting any previous record for
// the same ID.
func (s *Store) SaveRun(_ context.Context, run *engine.Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("history: run must have an ID")
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("history: encoding run %s: %w", run.ID, err)
	}
	if err := os.WriteFile(s.runPath(run.ID), data, 0644); err != nil {
		return fmt.Errorf("history: writing run %s: %w", run.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-saving an ID already in the ring replaces it in place so
	// updates do not consume capacity.
	if !s.ring.replace(func(r *engine.Run) bool { return r.ID == run.ID }, run) {
		s.ring.push(run)
	}
	return nil
}

// GetRun returns a run by ID, reading from disk on a hot-tier miss.
func (s *Store) GetRun(_ context.Context, id string) (*engine.Run, error) {
	s.mu.RLock()
	var hit *engine.Run
	s.ring.forEach(func(r *engine.Run) bool {
		if r.ID == id {
			hit = r
			return false
		}
		return true
	})
	s.mu.RUnlock()
	if hit != nil {
		return hit, nil
	}

	data, err := os.ReadFile(s.runPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("history: reading run %s: %w", id, err)
	}
	var run engine.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("history: decoding run %s: %w", id, err)
	}
	return &run, nil
}

// RecentRuns returns up to limit runs, most recently started first.
func (s *Store) RecentRuns(_ context.Context, limit int) ([]*engine.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := s.ring.last(s.ring.len())
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// warm rebuilds the hot tier from the newest files on disk.
func (s *Store) warm(limit int) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	var runs []*engine.Run
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable run file", "file", entry.Name(), "error", err)
			continue
		}
		var run engine.Run
		if err := json.Unmarshal(data, &run); err != nil {
			s.logger.Warn("skipping corrupt run file", "file", entry.Name(), "error", err)
			continue
		}
		runs = append(runs, &run)
	}

	// Oldest first so the ring ends holding the newest.
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	if len(runs) > limit {
		runs = runs[len(runs)-limit:]
	}
	for _, run := range runs {
		s.ring.push(run)
	}
	return nil
}

func (s *Store) runPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validate performs pre-apply checks on patch text: size limits
// and line statistics. Patches over the size limit are escalated before
// any apply is attempted.
package validate

import (
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// Stats summarizes the shape of a patch.
type Stats struct {
	// FilesAffected is the number of files the patch touches.
	FilesAffected int

	// LinesAdded is the total number of added lines.
	LinesAdded int

	// LinesRemoved is the total number of removed lines.
	LinesRemoved int
}

// Changed returns added plus removed lines.
func (s Stats) Changed() int {
	return s.LinesAdded + s.LinesRemoved
}

// Result is the outcome of a pre-apply patch check.
type Result struct {
	// OK is true when the patch is within limits.
	OK bool

	// OversizeBy is how many changed lines exceed the limit (0 when OK).
	OversizeBy int

	// Stats are the computed patch statistics.
	Stats Stats

	// Warnings are non-fatal observations about the patch format.
	Warnings []string
}

// Checker validates patch text before it reaches the apply pipeline.
//
// # Thread Safety
//
// Safe for concurrent use; the checker holds only immutable configuration.
type Checker struct {
	maxLines int
}

// NewChecker creates a patch checker.
//
// # Inputs
//
//   - maxLines: Maximum changed (added+removed) lines before a patch is
//     escalated rather than applied. Zero disables the limit.
func NewChecker(maxLines int) *Checker {
	return &Checker{maxLines: maxLines}
}

// Check computes patch statistics and applies the size limit.
//
// # Description
//
// Statistics come from the unified-diff reader when the patch carries
// proper file headers. Model-produced patches often omit them, so the
// checker falls back to counting marker lines directly; that fallback is
// reported as a warning, not an error.
//
// # Inputs
//
//   - patchText: The raw patch text.
//
// # Outputs
//
//   - *Result: Check outcome. Never nil.
func (c *Checker) Check(patchText string) *Result {
	result := &Result{OK: true}

	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patchText)).ReadAllFiles()
	if err == nil && len(fileDiffs) > 0 {
		result.Stats = statsFromFileDiffs(fileDiffs)
	} else {
		result.Stats = statsFromMarkers(patchText)
		result.Warnings = append(result.Warnings,
			"patch has no parseable file headers; stats derived from line markers")
	}

	if c.maxLines > 0 && result.Stats.Changed() > c.maxLines {
		result.OK = false
		result.OversizeBy = result.Stats.Changed() - c.maxLines
	}

	return result
}

// statsFromFileDiffs counts added/removed lines from parsed file diffs.
func statsFromFileDiffs(fileDiffs []*diff.FileDiff) Stats {
	stats := Stats{FilesAffected: len(fileDiffs)}

	for _, fd := range fileDiffs {
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
					stats.LinesAdded++
				case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
					stats.LinesRemoved++
				}
			}
		}
	}

	return stats
}

// statsFromMarkers counts marker lines in raw patch text.
func statsFromMarkers(patchText string) Stats {
	stats := Stats{FilesAffected: 1}

	inHunk := false
	for _, line := range strings.Split(patchText, "\n") {
		switch {
		case strings.HasPrefix(line, "@@ "):
			inHunk = true
		case !inHunk:
			continue
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			stats.LinesAdded++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			stats.LinesRemoved++
		}
	}

	return stats
}

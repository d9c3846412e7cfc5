// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diffapply parses unified-diff text and applies it to file content.
//
// # Description
//
// This package implements the patch side of the healing pipeline: it turns
// model-produced diff text into a structured, immutable Patch and applies
// that Patch to a line sequence without ever mutating the caller's copy.
// Application is rejected (never partially committed) when a hunk does not
// fit the current content.
//
// The package is language-agnostic. Syntax checking of the patched content
// is delegated to an injected SyntaxOracle.
//
// # Thread Safety
//
// A Patch is immutable after Parse and safe for concurrent reads.
// Engine methods are safe for concurrent use; they keep no mutable state.
package diffapply

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Operations
// =============================================================================

// OpKind categorizes a single hunk operation.
type OpKind string

const (
	// OpContext leaves the line untouched and advances the cursor.
	OpContext OpKind = " "

	// OpAdd inserts a new line at the cursor.
	OpAdd OpKind = "+"

	// OpRemove deletes the line at the cursor.
	OpRemove OpKind = "-"
)

// String returns the diff marker for the operation kind.
func (k OpKind) String() string {
	return string(k)
}

// Op is one line-level operation inside a hunk.
type Op struct {
	// Kind is the operation kind (context, add, remove).
	Kind OpKind

	// Text is the line content without the leading marker.
	Text string
}

// String returns the operation in unified-diff form.
func (o Op) String() string {
	return string(o.Kind) + o.Text
}

// =============================================================================
// Hunk
// =============================================================================

// Hunk is one contiguous change region of a patch.
type Hunk struct {
	// OldStart is the 1-based starting line in the original file.
	OldStart int

	// OldCount is the number of original lines the hunk covers.
	OldCount int

	// NewStart is the 1-based starting line in the patched file.
	NewStart int

	// NewCount is the number of lines the hunk produces.
	NewCount int

	// Ops are the ordered operations of the hunk body.
	Ops []Op
}

// Header returns the unified diff header for this hunk.
func (h *Hunk) Header() string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
}

// AddedCount returns the number of add operations.
func (h *Hunk) AddedCount() int {
	count := 0
	for _, op := range h.Ops {
		if op.Kind == OpAdd {
			count++
		}
	}
	return count
}

// RemovedCount returns the number of remove operations.
func (h *Hunk) RemovedCount() int {
	count := 0
	for _, op := range h.Ops {
		if op.Kind == OpRemove {
			count++
		}
	}
	return count
}

// =============================================================================
// Patch
// =============================================================================

// Patch is an ordered sequence of hunks parsed from unified-diff text.
//
// # Description
//
// Hunks appear in their textual order, which for well-formed diffs is
// ascending by OldStart. Raw preserves the original text byte-for-byte,
// including file headers and prose the parser skipped, so the patch can be
// round-tripped into commit messages and run records.
type Patch struct {
	// Hunks are the structural change regions, in textual order.
	Hunks []*Hunk

	// Raw is the original patch text, preserved verbatim.
	Raw string
}

// LineStats returns the total lines added and removed across all hunks.
func (p *Patch) LineStats() (added, removed int) {
	for _, h := range p.Hunks {
		added += h.AddedCount()
		removed += h.RemovedCount()
	}
	return
}

// ChangedLines returns the total number of added plus removed lines.
func (p *Patch) ChangedLines() int {
	added, removed := p.LineStats()
	return added + removed
}

// =============================================================================
// Apply Result
// =============================================================================

// ApplyResult is the outcome of applying a Patch to a line sequence.
//
// # Description
//
// Exactly one of the two shapes is populated: an applied result carries
// NewLines; a rejected result carries the offending hunk index, a reason,
// and the partial content at the point of failure. The caller's input
// slice is never modified either way.
type ApplyResult struct {
	// Applied is true if every hunk applied cleanly.
	Applied bool

	// NewLines is the patched content (valid only when Applied).
	NewLines []string

	// HunkIndex is the 0-based index of the offending hunk (when rejected).
	HunkIndex int

	// Reason describes why the hunk was rejected.
	Reason string

	// PartialLines is the working content at the point of rejection.
	// Diagnostic only; it must never be written to disk.
	PartialLines []string
}

// =============================================================================
// Syntax Oracle
// =============================================================================

// SyntaxReport is the oracle's verdict on a piece of content.
type SyntaxReport struct {
	// OK is true if the content parses as valid source.
	OK bool

	// Line is the 1-based line of the first syntax error (0 if unknown).
	Line int

	// Message describes the first syntax error.
	Message string
}

// SyntaxOracle checks whether content parses as valid source.
//
// # Description
//
// The oracle is the only language-aware collaborator of this package.
// Implementations decide the language from the filename. An oracle that
// does not recognize the language should report OK rather than fail.
type SyntaxOracle interface {
	Check(ctx context.Context, filename string, content []byte) (SyntaxReport, error)
}

// =============================================================================
// Errors
// =============================================================================

// Sentinel errors for patch parsing and application.
var (
	// ErrMalformedPatch indicates the diff text could not be parsed.
	ErrMalformedPatch = errors.New("malformed patch")

	// ErrApplyConflict indicates a hunk did not match the current content.
	ErrApplyConflict = errors.New("patch does not apply to current content")

	// ErrSyntaxInvalid indicates the patched content failed the syntax oracle.
	ErrSyntaxInvalid = errors.New("patched content has invalid syntax")
)

// MalformedPatchError reports where parsing failed.
type MalformedPatchError struct {
	// Line is the 1-based line number in the patch text.
	Line int

	// Text is the offending line.
	Text string

	// Reason describes the parse failure.
	Reason string
}

// Error returns a human-readable error message.
func (e *MalformedPatchError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed patch at line %d (%q): %s", e.Line, e.Text, e.Reason)
	}
	return fmt.Sprintf("malformed patch: %s", e.Reason)
}

// Unwrap returns ErrMalformedPatch for errors.Is support.
func (e *MalformedPatchError) Unwrap() error {
	return ErrMalformedPatch
}

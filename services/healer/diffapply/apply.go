// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diffapply

import (
	"context"
	"fmt"
	"strings"
)

// =============================================================================
// Engine
// =============================================================================

// Engine applies patches to in-memory content.
//
// # Description
//
// The engine maintains a write cursor per hunk, derived from the hunk's
// NewStart plus a running offset that accounts for lines added and removed
// by earlier hunks (hunk headers are expressed in original-file
// coordinates). All work happens on a copy of the input; a rejected apply
// leaves the caller's content untouched.
//
// # Thread Safety
//
// Safe for concurrent use. The engine holds only immutable configuration.
type Engine struct {
	oracle SyntaxOracle
	strict bool
}

// NewEngine creates a patch engine.
//
// # Inputs
//
//   - oracle: Syntax oracle for DryApply. May be nil to skip syntax checks.
//   - strict: When true, removed lines must match the hunk's declared text.
//     When false, removal trusts position only.
//
// # Outputs
//
//   - *Engine: Ready-to-use engine.
func NewEngine(oracle SyntaxOracle, strict bool) *Engine {
	return &Engine{oracle: oracle, strict: strict}
}

// Strict reports whether removed-line text is verified against hunk content.
func (e *Engine) Strict() bool {
	return e.strict
}

// Apply applies a patch to a line sequence.
//
// # Description
//
// Hunks are applied in patch order. For each hunk the cursor starts at
// NewStart-1 plus the running offset; context operations advance the
// cursor, removes delete at the cursor, adds insert at the cursor and
// advance it. Each add increments and each remove decrements the offset
// used by subsequent hunks.
//
// # Inputs
//
//   - patch: The parsed patch. Must not be nil.
//   - lines: The original content split into lines. Never mutated.
//
// # Outputs
//
//   - *ApplyResult: Applied with the new lines, or Rejected with the
//     offending hunk index and reason. Never nil.
func (e *Engine) Apply(patch *Patch, lines []string) *ApplyResult {
	work := make([]string, len(lines))
	copy(work, lines)

	offset := 0
	for i, hunk := range patch.Hunks {
		cursor := hunk.NewStart - 1 + offset
		if cursor < 0 {
			return rejected(i, fmt.Sprintf("hunk start %d before beginning of file", hunk.NewStart), work)
		}

		for _, op := range hunk.Ops {
			switch op.Kind {
			case OpContext:
				cursor++

			case OpRemove:
				if cursor < 0 || cursor >= len(work) {
					return rejected(i, fmt.Sprintf("remove at line %d out of bounds (file has %d lines)", cursor+1, len(work)), work)
				}
				if e.strict && work[cursor] != op.Text {
					return rejected(i, fmt.Sprintf("removed line %d does not match: have %q, patch expects %q", cursor+1, work[cursor], op.Text), work)
				}
				work = append(work[:cursor], work[cursor+1:]...)
				offset--

			case OpAdd:
				if cursor < 0 || cursor > len(work) {
					return rejected(i, fmt.Sprintf("insert at line %d out of bounds (file has %d lines)", cursor+1, len(work)), work)
				}
				work = append(work, "")
				copy(work[cursor+1:], work[cursor:])
				work[cursor] = op.Text
				cursor++
				offset++
			}
		}
	}

	return &ApplyResult{Applied: true, NewLines: work}
}

// ApplyToContent applies a patch to full file content.
//
// # Description
//
// Convenience wrapper that splits content on newlines, applies the patch,
// and rejoins. A trailing newline in the input is preserved in the output.
//
// # Inputs
//
//   - patch: The parsed patch.
//   - content: The original file content.
//
// # Outputs
//
//   - string: The patched content (valid only when the result is Applied).
//   - *ApplyResult: The structured outcome.
func (e *Engine) ApplyToContent(patch *Patch, content string) (string, *ApplyResult) {
	result := e.Apply(patch, SplitLines(content))
	if !result.Applied {
		return "", result
	}
	return JoinLines(result.NewLines, strings.HasSuffix(content, "\n")), result
}

// DryApply computes and validates patched content without touching disk.
//
// # Description
//
// Applies the patch in memory and runs the syntax oracle on the result.
// This is the safety boundary of the healing pipeline: a failure here means
// no backup is taken and no file is written.
//
// # Inputs
//
//   - ctx: Context for cancellation (passed to the oracle).
//   - patch: The parsed patch.
//   - filename: Target filename, used by the oracle for language detection.
//   - content: The current on-disk content.
//
// # Outputs
//
//   - string: The validated new content.
//   - error: ErrApplyConflict-wrapped on structural rejection,
//     ErrSyntaxInvalid-wrapped on oracle failure, or the oracle's own error.
func (e *Engine) DryApply(ctx context.Context, patch *Patch, filename, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	newContent, result := e.ApplyToContent(patch, content)
	if !result.Applied {
		return "", fmt.Errorf("hunk %d: %s: %w", result.HunkIndex, result.Reason, ErrApplyConflict)
	}

	if e.oracle != nil {
		report, err := e.oracle.Check(ctx, filename, []byte(newContent))
		if err != nil {
			return "", fmt.Errorf("syntax oracle: %w", err)
		}
		if !report.OK {
			return "", fmt.Errorf("line %d: %s: %w", report.Line, report.Message, ErrSyntaxInvalid)
		}
	}

	return newContent, nil
}

// rejected builds a rejection result with a defensive copy of the working state.
func rejected(hunkIndex int, reason string, work []string) *ApplyResult {
	partial := make([]string, len(work))
	copy(partial, work)
	return &ApplyResult{
		HunkIndex:    hunkIndex,
		Reason:       reason,
		PartialLines: partial,
	}
}

// =============================================================================
// Line Helpers
// =============================================================================

// SplitLines splits file content into lines without the trailing empty
// element produced by a final newline.
func SplitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// JoinLines joins lines back into file content, optionally restoring the
// trailing newline.
func JoinLines(lines []string, trailingNewline bool) string {
	content := strings.Join(lines, "\n")
	if trailingNewline && content != "" {
		content += "\n"
	}
	return content
}

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
	"regexp"
	"strconv"
	"strings"
)

// hunkHeaderRe matches a unified-diff hunk header.
// Counts are optional: "@@ -12 +12 @@" means a count of 1.
var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// fileHeaderPrefixes are structural lines that never belong to a hunk body.
var fileHeaderPrefixes = []string{"--- ", "+++ ", "diff ", "index ", "new file", "deleted file", "similarity ", "rename "}

// Parse parses unified-diff text into an immutable Patch.
//
// # Description
//
// Recognizes hunk headers of the form "@@ -oldStart,oldCount +newStart,newCount @@".
// Marker lines (" ", "+", "-") following a header belong to that hunk until
// the next header or end of input. File headers and other non-marker lines
// outside a hunk body are skipped structurally but preserved in Patch.Raw.
//
// Model-produced diffs are frequently lossy, so the parser is deliberately
// lenient about preamble and trailing prose. It is strict inside a hunk
// body: a line there with no recognized marker is a malformed patch.
//
// # Inputs
//
//   - text: The patch text. Must contain at least one hunk.
//
// # Outputs
//
//   - *Patch: The parsed patch.
//   - error: A *MalformedPatchError (wrapping ErrMalformedPatch) on
//     unparsable headers, unmarked hunk body lines, or when no hunk is found.
func Parse(text string) (*Patch, error) {
	patch := &Patch{Raw: text}

	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		// Trailing newline, not an empty context line.
		lines = lines[:len(lines)-1]
	}

	var current *Hunk
	for i, line := range lines {
		if m := hunkHeaderRe.FindStringSubmatch(line); m != nil {
			if current != nil {
				patch.Hunks = append(patch.Hunks, current)
			}
			hunk, err := parseHeader(m, i+1, line)
			if err != nil {
				return nil, err
			}
			current = hunk
			continue
		}

		if isFileHeader(line) {
			// A file header closes the open hunk (multi-file diffs).
			if current != nil {
				patch.Hunks = append(patch.Hunks, current)
				current = nil
			}
			continue
		}

		if current == nil {
			// Preamble or trailing prose; preserved in Raw only.
			continue
		}

		switch {
		case line == "":
			// Diff tools and transport layers strip the trailing space
			// from blank context lines. Treat as empty context.
			current.Ops = append(current.Ops, Op{Kind: OpContext})
		case strings.HasPrefix(line, " "):
			current.Ops = append(current.Ops, Op{Kind: OpContext, Text: line[1:]})
		case strings.HasPrefix(line, "+"):
			current.Ops = append(current.Ops, Op{Kind: OpAdd, Text: line[1:]})
		case strings.HasPrefix(line, "-"):
			current.Ops = append(current.Ops, Op{Kind: OpRemove, Text: line[1:]})
		case strings.HasPrefix(line, `\`):
			// "\ No newline at end of file"
			continue
		default:
			return nil, &MalformedPatchError{
				Line:   i + 1,
				Text:   line,
				Reason: "hunk body line has no leading marker",
			}
		}
	}

	if current != nil {
		patch.Hunks = append(patch.Hunks, current)
	}

	if len(patch.Hunks) == 0 {
		return nil, &MalformedPatchError{Reason: "no hunks found"}
	}

	return patch, nil
}

// parseHeader builds a Hunk from a matched header line.
func parseHeader(m []string, lineNum int, line string) (*Hunk, error) {
	oldStart, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, &MalformedPatchError{Line: lineNum, Text: line, Reason: "unparsable old start"}
	}
	newStart, err := strconv.Atoi(m[3])
	if err != nil {
		return nil, &MalformedPatchError{Line: lineNum, Text: line, Reason: "unparsable new start"}
	}

	oldCount, newCount := 1, 1
	if m[2] != "" {
		if oldCount, err = strconv.Atoi(m[2]); err != nil {
			return nil, &MalformedPatchError{Line: lineNum, Text: line, Reason: "unparsable old count"}
		}
	}
	if m[4] != "" {
		if newCount, err = strconv.Atoi(m[4]); err != nil {
			return nil, &MalformedPatchError{Line: lineNum, Text: line, Reason: "unparsable new count"}
		}
	}

	return &Hunk{
		OldStart: oldStart,
		OldCount: oldCount,
		NewStart: newStart,
		NewCount: newCount,
	}, nil
}

// isFileHeader reports whether a line is a diff file header rather than a
// hunk body line.
func isFileHeader(line string) bool {
	for _, prefix := range fileHeaderPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

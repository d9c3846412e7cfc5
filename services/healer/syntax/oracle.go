// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package syntax provides the language-aware oracle used to validate
// patched content before it is written to disk.
//
// # Thread Safety
//
// The oracle is safe for concurrent use. Tree-sitter parsers are created
// per call to avoid sharing issues.
package syntax

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/AleutianAI/MendFOSS/services/healer/diffapply"
)

// TreeSitterOracle validates source syntax with tree-sitter grammars.
//
// # Description
//
// Supports Go, Python, JavaScript, and TypeScript, selected by file
// extension. Content in an unrecognized language is reported as OK;
// the healing pipeline treats the oracle as advisory for languages it
// cannot parse.
type TreeSitterOracle struct{}

// NewTreeSitterOracle creates a tree-sitter backed syntax oracle.
func NewTreeSitterOracle() *TreeSitterOracle {
	return &TreeSitterOracle{}
}

// Check parses content and reports the first syntax error, if any.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - filename: Used to detect the language. May be a bare name or a path.
//   - content: The full file content to parse.
//
// # Outputs
//
//   - diffapply.SyntaxReport: OK, or the first error's line and message.
//   - error: Non-nil only if parsing itself fails (not on syntax errors).
func (o *TreeSitterOracle) Check(ctx context.Context, filename string, content []byte) (diffapply.SyntaxReport, error) {
	lang := languageFor(filename)
	if lang == nil {
		return diffapply.SyntaxReport{OK: true}, nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return diffapply.SyntaxReport{}, fmt.Errorf("parsing %s: %w", filename, err)
	}
	defer tree.Close()

	errNode := firstError(tree.RootNode())
	if errNode == nil {
		return diffapply.SyntaxReport{OK: true}, nil
	}

	return diffapply.SyntaxReport{
		Line:    int(errNode.StartPoint().Row) + 1,
		Message: nodeMessage(errNode),
	}, nil
}

// languageFor maps a filename to a tree-sitter language, or nil if unknown.
func languageFor(filename string) *sitter.Language {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".go":
		return golang.GetLanguage()
	case ".py", ".pyi":
		return python.GetLanguage()
	case ".js", ".jsx", ".mjs", ".cjs":
		return javascript.GetLanguage()
	case ".ts", ".tsx", ".mts", ".cts":
		return typescript.GetLanguage()
	default:
		return nil
	}
}

// firstError returns the first error or missing node in the tree.
func firstError(node *sitter.Node) *sitter.Node {
	if node == nil {
		return nil
	}
	if node.IsError() || node.IsMissing() {
		return node
	}
	for i := uint32(0); i < node.ChildCount(); i++ {
		if err := firstError(node.Child(int(i))); err != nil {
			return err
		}
	}
	return nil
}

// nodeMessage describes an error node for diagnostics.
func nodeMessage(node *sitter.Node) string {
	if node.IsMissing() {
		return fmt.Sprintf("missing %s", node.Type())
	}
	return "syntax error"
}

// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package refactor

import (
	"strings"

	"github.com/kraklabs/repoctl/internal/lsp"
	"github.com/kraklabs/repoctl/internal/parse"
)

// CommentSweepResult is the separate, never-merged patch produced by
// scanning comment and docstring spans for an exact-string occurrence of
// OldText. It is always presented to the caller as optional and
// preview-able; the engine never merges it with a semantic patch.
type CommentSweepResult struct {
	Patch            Patch
	DocumentationHits []Hunk // matches found in documentation files, not source comment spans
}

// CommentSweep performs exact-string substitution within comment and
// docstring spans identified by the parser, and within documentation
// files (matched by extension), for one file's content.
func CommentSweep(path, content, oldText, newText string, spans []parse.CommentSpan) CommentSweepResult {
	var result CommentSweepResult

	if isDocumentationFile(path) {
		for _, h := range findExactOccurrences(content, oldText, newText) {
			h.Path = path
			result.DocumentationHits = append(result.DocumentationHits, h)
		}
		return result
	}

	for _, span := range spans {
		if span.ByteStart < 0 || span.ByteEnd > len(content) || span.ByteStart > span.ByteEnd {
			continue
		}
		text := content[span.ByteStart:span.ByteEnd]
		if !strings.Contains(text, oldText) {
			continue
		}
		replaced := strings.ReplaceAll(text, oldText, newText)
		result.Patch.Hunks = append(result.Patch.Hunks, Hunk{
			Path:    path,
			Range:   byteSpanAsLineRange(content, span.ByteStart, span.ByteEnd),
			NewText: replaced,
		})
	}
	return result
}

func isDocumentationFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".rst") || strings.HasSuffix(lower, ".adoc") || strings.HasSuffix(lower, ".txt")
}

func findExactOccurrences(content, oldText, newText string) []Hunk {
	if oldText == "" {
		return nil
	}
	var hunks []Hunk
	offset := 0
	for {
		idx := strings.Index(content[offset:], oldText)
		if idx < 0 {
			break
		}
		start := offset + idx
		end := start + len(oldText)
		hunks = append(hunks, Hunk{
			Range:   byteSpanAsLineRange(content, start, end),
			NewText: newText,
		})
		offset = end
	}
	return hunks
}

// byteSpanAsLineRange converts a byte offset span into an lsp.Range by
// counting newlines, since the mutation engine's hunk applier works in
// line/column coordinates.
func byteSpanAsLineRange(content string, start, end int) lsp.Range {
	return lsp.Range{Start: posAt(content, start), End: posAt(content, end)}
}

func posAt(content string, offset int) lsp.Position {
	line, col := 0, 0
	for i := 0; i < offset && i < len(content); i++ {
		if content[i] == '\n' {
			line++
			col = 0
		} else {
			col++
		}
	}
	return lsp.Position{Line: line, Column: col}
}

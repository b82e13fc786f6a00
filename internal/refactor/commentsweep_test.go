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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/repoctl/internal/parse"
)

func TestCommentSweepRewritesCommentSpanOnly(t *testing.T) {
	content := "// Alpha does the thing\nfunc Alpha() {}\n"
	spans := []parse.CommentSpan{{ByteStart: 0, ByteEnd: 24}}

	result := CommentSweep("a.go", content, "Alpha", "Beta", spans)
	require.Len(t, result.Patch.Hunks, 1)
	require.Contains(t, result.Patch.Hunks[0].NewText, "Beta")
	require.Empty(t, result.DocumentationHits)
}

func TestCommentSweepMatchesDocumentationFiles(t *testing.T) {
	content := "# Alpha\n\nAlpha is the entry point.\n"
	result := CommentSweep("README.md", content, "Alpha", "Beta", nil)
	require.Empty(t, result.Patch.Hunks)
	require.Len(t, result.DocumentationHits, 2)
}

func TestCommentSweepSkipsSpansWithoutMatch(t *testing.T) {
	content := "// unrelated comment\nfunc Alpha() {}\n"
	spans := []parse.CommentSpan{{ByteStart: 0, ByteEnd: 21}}
	result := CommentSweep("a.go", content, "Gamma", "Beta", spans)
	require.Empty(t, result.Patch.Hunks)
}

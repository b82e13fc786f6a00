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

package lexical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenizeSplitsCamelAndSnakeCase(t *testing.T) {
	toks := Tokenize("parseGoAST")
	require.Contains(t, toks, "parsegoast")
	require.Contains(t, toks, "parse")
	require.Contains(t, toks, "go")
	require.Contains(t, toks, "ast")

	toks = Tokenize("normalize_line_ending")
	require.Contains(t, toks, "normalize")
	require.Contains(t, toks, "line")
	require.Contains(t, toks, "ending")
}

func TestTokenizeDedupes(t *testing.T) {
	toks := Tokenize("foo foo Foo")
	count := 0
	for _, tok := range toks {
		if tok == "foo" {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestAppendSegmentAndQuery(t *testing.T) {
	idx, err := Open(t.TempDir(), 0.5)
	require.NoError(t, err)

	err = idx.AppendSegment(
		map[string][]string{"a.go": {"alpha", "beta"}},
		map[string]string{"a.go": "c1"},
		nil,
	)
	require.NoError(t, err)

	postings := idx.Query("alpha")
	require.Len(t, postings, 1)
	require.Equal(t, "a.go", postings[0].Path)
	require.Equal(t, "c1", postings[0].ChunkID)

	require.Empty(t, idx.Query("nonexistent"))
}

func TestAppendSegmentSupersedesPriorPostings(t *testing.T) {
	idx, err := Open(t.TempDir(), 0.99)
	require.NoError(t, err)

	require.NoError(t, idx.AppendSegment(
		map[string][]string{"a.go": {"alpha"}},
		map[string]string{"a.go": "c1"},
		nil,
	))
	require.Len(t, idx.Query("alpha"), 1)

	// a.go's content changed: new segment supersedes the old one's postings
	// for that path, even though the new segment no longer contains "alpha".
	require.NoError(t, idx.AppendSegment(
		map[string][]string{"a.go": {"gamma"}},
		map[string]string{"a.go": "c2"},
		[]string{"a.go"},
	))

	require.Empty(t, idx.Query("alpha"))
	require.Len(t, idx.Query("gamma"), 1)
}

func TestReopenLoadsPersistedSegments(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, 0.5)
	require.NoError(t, err)
	require.NoError(t, idx.AppendSegment(
		map[string][]string{"a.go": {"alpha"}},
		map[string]string{"a.go": "c1"},
		nil,
	))

	idx2, err := Open(dir, 0.5)
	require.NoError(t, err)
	require.Len(t, idx2.Query("alpha"), 1)
}

func TestMergeTriggersAboveThreshold(t *testing.T) {
	idx, err := Open(t.TempDir(), 0.3)
	require.NoError(t, err)

	require.NoError(t, idx.AppendSegment(
		map[string][]string{"a.go": {"alpha"}, "b.go": {"beta"}},
		map[string]string{"a.go": "c1", "b.go": "c2"},
		nil,
	))
	// Supersede a.go: deleted ratio crosses the 0.3 threshold (1 of 3
	// postings across both segments tombstoned), triggering an
	// opportunistic merge.
	require.NoError(t, idx.AppendSegment(
		map[string][]string{"a.go": {"gamma"}},
		map[string]string{"a.go": "c3"},
		[]string{"a.go"},
	))

	require.Len(t, idx.segments, 1, "merge should collapse to a single segment once the threshold is crossed")
	require.Len(t, idx.Query("beta"), 1)
	require.Len(t, idx.Query("gamma"), 1)
	require.Empty(t, idx.Query("alpha"))
}

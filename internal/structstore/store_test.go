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

package structstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "struct.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestPutAndLookupChunksSymbolsRelations(t *testing.T) {
	s := openTestStore(t)

	chunk := Chunk{ID: "c1", Path: "a.go", ByteStart: 0, ByteEnd: 10, LineStart: 1, LineEnd: 2, BlobHash: "h1", Kind: "function"}
	require.NoError(t, s.PutChunk(chunk))

	sym := Symbol{ID: "s1", Name: "Alpha", Kind: "function", DefiningChunkID: "c1", Language: "go"}
	require.NoError(t, s.PutSymbol(sym))

	rel := Relation{SrcSymbolID: "s1", DstSymbolID: "s2", Kind: "calls", Weight: 1}
	require.NoError(t, s.PutRelation(rel))

	chunks, err := s.ChunksForPath("a.go")
	require.NoError(t, err)
	require.Equal(t, []Chunk{chunk}, chunks)

	got, found, err := s.Symbol("s1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, sym, got)

	rels, err := s.RelationsFrom("s1")
	require.NoError(t, err)
	require.Equal(t, []Relation{rel}, rels)
}

func TestSymbolLookupMiss(t *testing.T) {
	s := openTestStore(t)
	_, found, err := s.Symbol("missing")
	require.NoError(t, err)
	require.False(t, found)
}

func TestDeleteChunksForPathCascadesSymbolsAndRelations(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutChunk(Chunk{ID: "c1", Path: "a.go", Kind: "function"}))
	require.NoError(t, s.PutSymbol(Symbol{ID: "s1", Name: "Alpha", DefiningChunkID: "c1", Language: "go"}))
	require.NoError(t, s.PutSymbol(Symbol{ID: "s2", Name: "Beta", DefiningChunkID: "c1", Language: "go"}))
	require.NoError(t, s.PutRelation(Relation{SrcSymbolID: "s1", DstSymbolID: "s2", Kind: "calls"}))

	require.NoError(t, s.DeleteChunksForPath("a.go"))

	chunks, err := s.ChunksForPath("a.go")
	require.NoError(t, err)
	require.Empty(t, chunks)

	_, found, err := s.Symbol("s1")
	require.NoError(t, err)
	require.False(t, found)

	rels, err := s.RelationsFrom("s1")
	require.NoError(t, err)
	require.Empty(t, rels)
}

func TestDeleteChunksForPathLeavesOtherPathsIntact(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutChunk(Chunk{ID: "c1", Path: "a.go"}))
	require.NoError(t, s.PutChunk(Chunk{ID: "c2", Path: "b.go"}))

	require.NoError(t, s.DeleteChunksForPath("a.go"))

	chunks, err := s.ChunksForPath("b.go")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, "c2", chunks[0].ID)
}

func TestSymbolsByName(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutSymbol(Symbol{ID: "s1", Name: "Alpha", DefiningChunkID: "c1"}))
	require.NoError(t, s.PutSymbol(Symbol{ID: "s2", Name: "Alpha", DefiningChunkID: "c2"}))
	require.NoError(t, s.PutSymbol(Symbol{ID: "s3", Name: "Beta", DefiningChunkID: "c3"}))

	syms, err := s.SymbolsByName("Alpha")
	require.NoError(t, err)
	require.Len(t, syms, 2)
}

func TestReopenStorePreservesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "struct.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.PutChunk(Chunk{ID: "c1", Path: "a.go"}))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	chunks, err := s2.ChunksForPath("a.go")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
}

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

package graph

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/repoctl/internal/structstore"
)

func newTestStore(t *testing.T) *structstore.Store {
	t.Helper()
	s, err := structstore.Open(filepath.Join(t.TempDir(), "struct.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func mustSym(t *testing.T, s *structstore.Store, id, name, kind string) structstore.Symbol {
	t.Helper()
	sym := structstore.Symbol{ID: id, Name: name, Kind: kind, DefiningChunkID: id + "-chunk"}
	require.NoError(t, s.PutSymbol(sym))
	return sym
}

func TestExpandRespectsDepthCap(t *testing.T) {
	s := newTestStore(t)
	a := mustSym(t, s, "a", "Alpha", "function")
	mustSym(t, s, "b", "Bravo", "function")
	mustSym(t, s, "c", "Charlie", "function")
	mustSym(t, s, "d", "Delta", "function")

	require.NoError(t, s.PutRelation(structstore.Relation{SrcSymbolID: "a", DstSymbolID: "b", Kind: "calls"}))
	require.NoError(t, s.PutRelation(structstore.Relation{SrcSymbolID: "b", DstSymbolID: "c", Kind: "calls"}))
	require.NoError(t, s.PutRelation(structstore.Relation{SrcSymbolID: "c", DstSymbolID: "d", Kind: "calls"}))

	exp := New(s, 2)
	nodes, err := exp.Expand([]structstore.Symbol{a})
	require.NoError(t, err)

	byName := map[string]int{}
	for _, n := range nodes {
		byName[n.Symbol.Name] = n.Distance
	}
	require.Contains(t, byName, "Alpha")
	require.Contains(t, byName, "Bravo")
	require.Contains(t, byName, "Charlie")
	require.NotContains(t, byName, "Delta", "depth 2 must not reach a node three hops away")
}

func TestExpandClampsMaxDepthToThree(t *testing.T) {
	s := newTestStore(t)
	exp := New(s, 99)
	require.Equal(t, 3, exp.maxDepth)

	exp = New(s, 0)
	require.Equal(t, 2, exp.maxDepth)
}

func TestExpandFanoutCapUtilityVsClassLike(t *testing.T) {
	s := newTestStore(t)
	util := mustSym(t, s, "u", "Util", "function")
	class := mustSym(t, s, "k", "Klass", "class")

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("u-dst-%d", i)
		mustSym(t, s, id, fmt.Sprintf("UtilDst%d", i), "function")
		require.NoError(t, s.PutRelation(structstore.Relation{SrcSymbolID: "u", DstSymbolID: id, Kind: "calls"}))

		id2 := fmt.Sprintf("k-dst-%d", i)
		mustSym(t, s, id2, fmt.Sprintf("KlassDst%d", i), "function")
		require.NoError(t, s.PutRelation(structstore.Relation{SrcSymbolID: "k", DstSymbolID: id2, Kind: "contains"}))
	}

	exp := New(s, 1)

	utilNodes, err := exp.Expand([]structstore.Symbol{util})
	require.NoError(t, err)
	require.Len(t, utilNodes, 1+defaultUtilityFanout)

	classNodes, err := exp.Expand([]structstore.Symbol{class})
	require.NoError(t, err)
	require.Len(t, classNodes, 1+5) // only 5 dests exist, under the class-like cap of 10
}

func TestExpandIsDeterministicallyOrdered(t *testing.T) {
	s := newTestStore(t)
	root := mustSym(t, s, "r", "Root", "function")
	mustSym(t, s, "z", "Zeta", "function")
	mustSym(t, s, "a", "Alpha", "function")
	require.NoError(t, s.PutRelation(structstore.Relation{SrcSymbolID: "r", DstSymbolID: "z", Kind: "calls"}))
	require.NoError(t, s.PutRelation(structstore.Relation{SrcSymbolID: "r", DstSymbolID: "a", Kind: "calls"}))

	exp := New(s, 1)
	nodes, err := exp.Expand([]structstore.Symbol{root})
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	require.Equal(t, []string{"Alpha", "Root", "Zeta"}, []string{nodes[0].Symbol.Name, nodes[1].Symbol.Name, nodes[2].Symbol.Name})
}

func TestExpandHandlesCycles(t *testing.T) {
	s := newTestStore(t)
	a := mustSym(t, s, "a", "Alpha", "function")
	mustSym(t, s, "b", "Bravo", "function")
	require.NoError(t, s.PutRelation(structstore.Relation{SrcSymbolID: "a", DstSymbolID: "b", Kind: "calls"}))
	require.NoError(t, s.PutRelation(structstore.Relation{SrcSymbolID: "b", DstSymbolID: "a", Kind: "calls"}))

	exp := New(s, 3)
	nodes, err := exp.Expand([]structstore.Symbol{a})
	require.NoError(t, err)
	require.Len(t, nodes, 2, "mutual-call cycle must terminate via the seen-set, not loop forever")
}

func TestRoleOf(t *testing.T) {
	require.Equal(t, RoleClassLike, RoleOf(structstore.Symbol{Kind: "class"}))
	require.Equal(t, RoleClassLike, RoleOf(structstore.Symbol{Kind: "interface"}))
	require.Equal(t, RoleUtility, RoleOf(structstore.Symbol{Kind: "function"}))
}

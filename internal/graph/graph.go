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

// Package graph implements bounded, deterministic expansion over the
// symbol/relation graph: depth-capped (default 2, max 3), fanout-capped
// per node role, lexicographic ordering, cycle-safe via a seen-set.
package graph

import (
	"fmt"
	"sort"

	"github.com/kraklabs/repoctl/internal/structstore"
)

// Role buckets a symbol's fanout cap. Utility symbols (free functions,
// small helpers) get a tighter cap than class-like symbols, per spec.md
// §4.3.3.
type Role int

const (
	RoleUtility Role = iota
	RoleClassLike
)

const (
	defaultUtilityFanout   = 3
	defaultClassLikeFanout = 10
)

// Node is one reachable symbol in an expansion result, with its distance
// from the nearest seed.
type Node struct {
	Symbol   structstore.Symbol
	Distance int
}

// RoleOf classifies a symbol for fanout-capping purposes.
func RoleOf(sym structstore.Symbol) Role {
	switch sym.Kind {
	case "class", "struct", "interface", "type":
		return RoleClassLike
	default:
		return RoleUtility
	}
}

func fanoutCap(role Role) int {
	if role == RoleClassLike {
		return defaultClassLikeFanout
	}
	return defaultUtilityFanout
}

// Expander performs bounded BFS over a structstore.Store's relation edges.
type Expander struct {
	store    *structstore.Store
	maxDepth int
}

// New builds an Expander with maxDepth clamped to the spec's ceiling of 3.
func New(store *structstore.Store, maxDepth int) *Expander {
	if maxDepth <= 0 {
		maxDepth = 2
	}
	if maxDepth > 3 {
		maxDepth = 3
	}
	return &Expander{store: store, maxDepth: maxDepth}
}

// Expand runs a deterministic, depth- and fanout-capped BFS from seeds,
// returning every reached symbol (including the seeds themselves at
// distance 0) ordered lexicographically on symbol name, ties broken by
// symbol id.
func (e *Expander) Expand(seeds []structstore.Symbol) ([]Node, error) {
	visited := make(map[string]int) // symbol id -> distance
	queue := make([]structstore.Symbol, 0, len(seeds))

	for _, s := range seeds {
		if _, ok := visited[s.ID]; !ok {
			visited[s.ID] = 0
			queue = append(queue, s)
		}
	}

	for depth := 0; depth < e.maxDepth && len(queue) > 0; depth++ {
		var next []structstore.Symbol
		// Sort the current frontier so fanout truncation is deterministic
		// regardless of map/slice iteration order upstream.
		sort.Slice(queue, func(i, j int) bool { return queue[i].ID < queue[j].ID })

		for _, sym := range queue {
			rels, err := e.store.RelationsFrom(sym.ID)
			if err != nil {
				return nil, fmt.Errorf("expand from %s: %w", sym.ID, err)
			}
			sort.Slice(rels, func(i, j int) bool { return rels[i].DstSymbolID < rels[j].DstSymbolID })

			fanout := fanoutCap(RoleOf(sym))
			taken := 0
			for _, rel := range rels {
				if taken >= fanout {
					break
				}
				if _, seen := visited[rel.DstSymbolID]; seen {
					continue
				}
				dst, found, err := e.store.Symbol(rel.DstSymbolID)
				if err != nil {
					return nil, fmt.Errorf("resolve symbol %s: %w", rel.DstSymbolID, err)
				}
				if !found {
					continue
				}
				visited[dst.ID] = depth + 1
				next = append(next, dst)
				taken++
			}
		}
		queue = next
	}

	nodes := make([]Node, 0, len(visited))
	symCache := make(map[string]structstore.Symbol, len(seeds))
	for _, s := range seeds {
		symCache[s.ID] = s
	}
	for id, dist := range visited {
		sym, ok := symCache[id]
		if !ok {
			var err error
			var found bool
			sym, found, err = e.store.Symbol(id)
			if err != nil {
				return nil, fmt.Errorf("resolve symbol %s: %w", id, err)
			}
			if !found {
				continue
			}
		}
		nodes = append(nodes, Node{Symbol: sym, Distance: dist})
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Symbol.Name != nodes[j].Symbol.Name {
			return nodes[i].Symbol.Name < nodes[j].Symbol.Name
		}
		return nodes[i].Symbol.ID < nodes[j].Symbol.ID
	})
	return nodes, nil
}

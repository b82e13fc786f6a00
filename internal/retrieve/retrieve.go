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

// Package retrieve is the pipeline: lexical match, bounded graph
// expansion, deterministic rerank. It is a pure function of the current
// index snapshot — never source text, never a probabilistic ranking.
package retrieve

import (
	"sort"
	"strings"

	"github.com/kraklabs/repoctl/internal/graph"
	"github.com/kraklabs/repoctl/internal/lexical"
	"github.com/kraklabs/repoctl/internal/structstore"
)

// Query is free text plus optional constraints.
type Query struct {
	Text             string
	IncludeTestFiles bool
}

// Result is one ranked chunk with its symbol metadata and match span.
// Source text is never included.
type Result struct {
	Chunk      structstore.Chunk
	Symbol     *structstore.Symbol
	MatchKind  lexical.MatchKind
	GraphDist  int
	IsTestFile bool
}

// Pipeline composes the lexical index, structural store, and graph
// expander into the retrieval operation from spec.md §4.4.
type Pipeline struct {
	lex   *lexical.Index
	store *structstore.Store
	exp   *graph.Expander
}

func New(lex *lexical.Index, store *structstore.Store, exp *graph.Expander) *Pipeline {
	return &Pipeline{lex: lex, store: store, exp: exp}
}

// Run executes the three-stage pipeline and returns a deterministically
// ordered result list.
func (p *Pipeline) Run(q Query) ([]Result, error) {
	tokens := lexical.Tokenize(q.Text)

	seedSymbols := make(map[string]structstore.Symbol)
	chunksSeen := make(map[string]structstore.Chunk)
	resultKinds := make(map[string]lexical.MatchKind) // chunk id -> best match kind

	for _, tok := range tokens {
		postings := p.lex.Query(tok)
		for _, post := range postings {
			chunks, err := p.store.ChunksForPath(post.Path)
			if err != nil {
				return nil, err
			}
			for _, c := range chunks {
				if post.ChunkID != "" && c.ID != post.ChunkID {
					continue
				}
				chunksSeen[c.ID] = c
				if existing, ok := resultKinds[c.ID]; !ok || post.MatchKind < existing {
					resultKinds[c.ID] = post.MatchKind
				}
			}
		}

		syms, err := p.store.SymbolsByName(tok)
		if err != nil {
			return nil, err
		}
		for _, s := range syms {
			seedSymbols[s.ID] = s
		}
	}

	seeds := make([]structstore.Symbol, 0, len(seedSymbols))
	for _, s := range seedSymbols {
		seeds = append(seeds, s)
	}

	distanceBySymbol := make(map[string]int)
	byDefiningChunk := make(map[string]structstore.Symbol)
	for _, s := range seedSymbols {
		distanceBySymbol[s.ID] = 0
		byDefiningChunk[s.DefiningChunkID] = s
	}
	if len(seeds) > 0 {
		nodes, err := p.exp.Expand(seeds)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			distanceBySymbol[n.Symbol.ID] = n.Distance
			byDefiningChunk[n.Symbol.DefiningChunkID] = n.Symbol
		}
	}

	results := make([]Result, 0, len(chunksSeen))
	for id, c := range chunksSeen {
		dist := -1
		var sym *structstore.Symbol
		if s, ok := byDefiningChunk[c.ID]; ok {
			symCopy := s
			sym = &symCopy
			dist = distanceBySymbol[s.ID]
		}
		results = append(results, Result{
			Chunk:      c,
			Symbol:     sym,
			MatchKind:  resultKinds[id],
			GraphDist:  dist,
			IsTestFile: isTestFile(c.Path),
		})
	}

	rerank(results, q.IncludeTestFiles)
	return results, nil
}

// rerank sorts results by the fixed lexicographic composite key from
// spec.md §4.4: exact-match before fuzzy, ascending graph distance, test
// files deranked when not requested, ties broken by path then symbol
// name.
func rerank(results []Result, includeTests bool) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]

		if a.MatchKind != b.MatchKind {
			return a.MatchKind < b.MatchKind // Exact (0) before Fuzzy (1)
		}

		aDist, bDist := normalizeDist(a.GraphDist), normalizeDist(b.GraphDist)
		if aDist != bDist {
			return aDist < bDist
		}

		if !includeTests && a.IsTestFile != b.IsTestFile {
			return !a.IsTestFile // non-test files first
		}

		if a.Chunk.Path != b.Chunk.Path {
			return a.Chunk.Path < b.Chunk.Path
		}

		return symbolName(a.Symbol) < symbolName(b.Symbol)
	})
}

func normalizeDist(d int) int {
	if d < 0 {
		return 1 << 30 // unreached: sort last among distance buckets
	}
	return d
}

func symbolName(s *structstore.Symbol) string {
	if s == nil {
		return ""
	}
	return s.Name
}

func isTestFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.Contains(lower, "_test.") || strings.Contains(lower, "/test/") || strings.HasPrefix(lower, "test/") || strings.HasPrefix(lower, "test_")
}

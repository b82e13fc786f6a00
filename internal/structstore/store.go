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

// Package structstore is the transactional metadata store: chunk
// registry, symbol table, relation edges. Readers are non-blocking;
// writers are single-threaded and serialized per reconciliation.
package structstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// Chunk is a parser-identified contiguous byte/line span of a file.
type Chunk struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	ByteStart int    `json:"byte_start"`
	ByteEnd   int    `json:"byte_end"`
	LineStart int    `json:"line_start"`
	LineEnd   int    `json:"line_end"`
	BlobHash  string `json:"blob_hash"`
	Kind      string `json:"kind"` // function, class, module, block
}

// Symbol is a named program entity extracted by the parser.
type Symbol struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Kind            string `json:"kind"`
	DefiningChunkID string `json:"defining_chunk_id"`
	Language        string `json:"language"`
}

// Relation is a directed edge between two symbols.
type Relation struct {
	SrcSymbolID string `json:"src_symbol_id"`
	DstSymbolID string `json:"dst_symbol_id"`
	Kind        string `json:"kind"` // calls, imports, inherits, contains
	Weight      int    `json:"weight"`
}

var (
	bucketChunks    = []byte("chunks")
	bucketSymbols   = []byte("symbols")
	bucketRelations = []byte("relations")
	// bucketChunksByPath indexes chunk ids by path, since bbolt has no secondary
	// indexes of its own; kept in lockstep with bucketChunks.
	bucketChunksByPath = []byte("chunks_by_path")
	// bucketSymbolsByChunk indexes symbol ids by their defining chunk, so a
	// chunk invalidation can find and remove its symbols in one scan.
	bucketSymbolsByChunk = []byte("symbols_by_chunk")
)

// Store wraps a bbolt database implementing the schema of spec.md §4.3.2.
// Every exported Put/Delete method commits its own single-statement bbolt
// transaction; a caller reindexing several files in one reconciliation
// pass must use WithWriteTx instead, so the whole pass commits (or
// aborts) as one bbolt transaction and a concurrent reader's View never
// observes a part-updated, part-stale index mid-pass (spec.md §5, §8
// testable property 3).
type Store struct {
	db *bolt.DB
	mu sync.Mutex
}

// Tx is a write transaction over the structural store, scoping a batch
// of Put/Delete calls to one bbolt commit.
type Tx struct {
	tx *bolt.Tx
}

// WithWriteTx runs fn inside a single bbolt write transaction, committing
// once fn returns nil or rolling back the whole batch on error or panic.
// Use this for a multi-file reindex pass; the standalone PutChunk/
// PutSymbol/PutRelation/DeleteChunksForPath methods remain for callers
// touching exactly one record.
func (s *Store) WithWriteTx(fn func(*Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&Tx{tx: tx})
	})
}

// Open opens (creating if absent) the structural store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create structural store dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open structural store %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketChunks, bucketSymbols, bucketRelations, bucketChunksByPath, bucketSymbolsByChunk} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

// PutChunk inserts or replaces a chunk, keyed by (path, chunk_id), in its
// own transaction. Batch callers should use WithWriteTx+Tx.PutChunk
// instead so a multi-file pass commits atomically.
func (s *Store) PutChunk(c Chunk) error {
	return s.WithWriteTx(func(t *Tx) error { return t.PutChunk(c) })
}

// PutChunk inserts or replaces a chunk within tx's transaction.
func (t *Tx) PutChunk(c Chunk) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	if err := t.tx.Bucket(bucketChunks).Put([]byte(c.ID), data); err != nil {
		return err
	}
	return t.tx.Bucket(bucketChunksByPath).Put(pathIndexKey(c.Path, c.ID), []byte{})
}

// DeleteChunksForPath removes every chunk (and its defined symbols and
// relations) belonging to path, in its own transaction. Batch callers
// should use WithWriteTx+Tx.DeleteChunksForPath instead so a multi-file
// pass commits atomically.
func (s *Store) DeleteChunksForPath(path string) error {
	return s.WithWriteTx(func(t *Tx) error { return t.DeleteChunksForPath(path) })
}

// DeleteChunksForPath removes every chunk (and its defined symbols and
// relations) belonging to path within tx's transaction, mirroring
// spec.md's "invalidated when file hash changes" lifecycle for Chunk and
// the cascading invalidation for Symbol and Relation.
func (t *Tx) DeleteChunksForPath(path string) error {
	byPath := t.tx.Bucket(bucketChunksByPath)
	chunks := t.tx.Bucket(bucketChunks)
	symbols := t.tx.Bucket(bucketSymbols)
	symbolsByChunk := t.tx.Bucket(bucketSymbolsByChunk)
	relations := t.tx.Bucket(bucketRelations)

	prefix := pathIndexPrefix(path)
	c := byPath.Cursor()
	var chunkIDs []string
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		chunkIDs = append(chunkIDs, string(k[len(prefix):]))
	}

	for _, chunkID := range chunkIDs {
		if err := chunks.Delete([]byte(chunkID)); err != nil {
			return err
		}
		if err := byPath.Delete(pathIndexKey(path, chunkID)); err != nil {
			return err
		}

		symPrefix := []byte(chunkID + "\x00")
		sc := symbolsByChunk.Cursor()
		var orphanSymbolIDs []string
		for k, _ := sc.Seek(symPrefix); k != nil && hasPrefix(k, symPrefix); k, _ = sc.Next() {
			symID := string(k[len(symPrefix):])
			orphanSymbolIDs = append(orphanSymbolIDs, symID)
			if err := symbolsByChunk.Delete(k); err != nil {
				return err
			}
		}

		for _, symID := range orphanSymbolIDs {
			if err := symbols.Delete([]byte(symID)); err != nil {
				return err
			}
			if err := pruneOrphanRelations(relations, symID); err != nil {
				return err
			}
		}
	}
	return nil
}

// pruneOrphanRelations removes every relation touching symID, since
// relations are rebuilt with chunks and orphan edges must not survive a
// chunk deletion.
func pruneOrphanRelations(relations *bolt.Bucket, symID string) error {
	c := relations.Cursor()
	var toDelete [][]byte
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var r Relation
		if err := json.Unmarshal(v, &r); err != nil {
			continue
		}
		if r.SrcSymbolID == symID || r.DstSymbolID == symID {
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
		}
	}
	for _, k := range toDelete {
		if err := relations.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// PutSymbol inserts or replaces a symbol in its own transaction. Batch
// callers should use WithWriteTx+Tx.PutSymbol instead.
func (s *Store) PutSymbol(sym Symbol) error {
	return s.WithWriteTx(func(t *Tx) error { return t.PutSymbol(sym) })
}

// PutSymbol inserts or replaces a symbol within tx's transaction.
func (t *Tx) PutSymbol(sym Symbol) error {
	data, err := json.Marshal(sym)
	if err != nil {
		return fmt.Errorf("marshal symbol: %w", err)
	}
	if err := t.tx.Bucket(bucketSymbols).Put([]byte(sym.ID), data); err != nil {
		return err
	}
	key := []byte(sym.DefiningChunkID + "\x00" + sym.ID)
	return t.tx.Bucket(bucketSymbolsByChunk).Put(key, []byte{})
}

// PutRelation inserts or replaces a relation, keyed by (src, kind, dst) so
// rebuilding with chunks naturally replaces stale edges, in its own
// transaction. Batch callers should use WithWriteTx+Tx.PutRelation
// instead.
func (s *Store) PutRelation(r Relation) error {
	return s.WithWriteTx(func(t *Tx) error { return t.PutRelation(r) })
}

// PutRelation inserts or replaces a relation within tx's transaction.
func (t *Tx) PutRelation(r Relation) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal relation: %w", err)
	}
	key := []byte(r.SrcSymbolID + "\x00" + r.Kind + "\x00" + r.DstSymbolID)
	return t.tx.Bucket(bucketRelations).Put(key, data)
}

// Symbol looks up a symbol by id. Readers never block writers for long:
// bbolt's MVCC snapshot gives every View a consistent point-in-time read.
func (s *Store) Symbol(id string) (Symbol, bool, error) {
	var sym Symbol
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSymbols).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &sym)
	})
	return sym, found, err
}

// SymbolsByName returns every symbol with the given name, for lexical ->
// graph expansion entry points. Ordering is not guaranteed here; callers
// needing lexicographic order must sort (internal/graph does).
func (s *Store) SymbolsByName(name string) ([]Symbol, error) {
	var out []Symbol
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSymbols).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sym Symbol
			if err := json.Unmarshal(v, &sym); err != nil {
				continue
			}
			if sym.Name == name {
				out = append(out, sym)
			}
		}
		return nil
	})
	return out, err
}

// RelationsFrom returns every outbound relation from symID.
func (s *Store) RelationsFrom(symID string) ([]Relation, error) {
	var out []Relation
	prefix := []byte(symID + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRelations).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var r Relation
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// ChunksForPath returns every chunk registered for path.
func (s *Store) ChunksForPath(path string) ([]Chunk, error) {
	var out []Chunk
	prefix := pathIndexPrefix(path)
	err := s.db.View(func(tx *bolt.Tx) error {
		byPath := tx.Bucket(bucketChunksByPath)
		chunks := tx.Bucket(bucketChunks)
		c := byPath.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			chunkID := k[len(prefix):]
			data := chunks.Get(chunkID)
			if data == nil {
				continue
			}
			var ch Chunk
			if err := json.Unmarshal(data, &ch); err != nil {
				continue
			}
			out = append(out, ch)
		}
		return nil
	})
	return out, err
}

// SymbolsForPath returns every symbol currently defined by path's chunks,
// composing ChunksForPath with the chunk->symbol index. Callers use this
// to diff a file's symbol set before and after a mutation.
func (s *Store) SymbolsForPath(path string) ([]Symbol, error) {
	chunks, err := s.ChunksForPath(path)
	if err != nil {
		return nil, err
	}
	var out []Symbol
	err = s.db.View(func(tx *bolt.Tx) error {
		symbolsByChunk := tx.Bucket(bucketSymbolsByChunk)
		symbols := tx.Bucket(bucketSymbols)
		for _, ch := range chunks {
			prefix := []byte(ch.ID + "\x00")
			c := symbolsByChunk.Cursor()
			for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
				symID := k[len(prefix):]
				data := symbols.Get(symID)
				if data == nil {
					continue
				}
				var sym Symbol
				if err := json.Unmarshal(data, &sym); err != nil {
					continue
				}
				out = append(out, sym)
			}
		}
		return nil
	})
	return out, err
}

func pathIndexKey(path, chunkID string) []byte {
	return append(pathIndexPrefix(path), []byte(chunkID)...)
}

func pathIndexPrefix(path string) []byte {
	return []byte(path + "\x00")
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

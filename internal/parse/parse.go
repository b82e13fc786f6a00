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

// Package parse produces Chunks, Symbols, and call Relations per file
// using Tree-sitter grammars, continuing the teacher's
// parser_treesitter.go/parser_go.go lineage. On parse failure for a
// single file, the file is skipped, a warning is recorded, and indexing
// of the remaining files continues (spec.md §4.3, §7 "Parse failure").
package parse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/kraklabs/repoctl/internal/structstore"
)

// FileResult is everything parse extracted from one file version.
type FileResult struct {
	Path     string
	Chunks   []structstore.Chunk
	Symbols  []structstore.Symbol
	Calls    []structstore.Relation
}

// CommentSpan marks a byte range the refactor engine's non-semantic sweep
// is permitted to touch (comments, docstrings).
type CommentSpan struct {
	ByteStart, ByteEnd int
	IsDocstring        bool
}

// Parser extracts chunks/symbols/calls from source text for one language.
type Parser struct {
	logger *slog.Logger

	goPool sync.Pool
	pyPool sync.Pool
	jsPool sync.Pool
	init   sync.Once
}

func New(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger}
}

func (p *Parser) ensurePools() {
	p.init.Do(func() {
		p.goPool.New = func() any {
			sp := sitter.NewParser()
			sp.SetLanguage(golang.GetLanguage())
			return sp
		}
		p.pyPool.New = func() any {
			sp := sitter.NewParser()
			sp.SetLanguage(python.GetLanguage())
			return sp
		}
		p.jsPool.New = func() any {
			sp := sitter.NewParser()
			sp.SetLanguage(javascript.GetLanguage())
			return sp
		}
	})
}

// Language identifies which grammar to run, derived from file extension
// by the caller (the ignore/reconcile layers don't need to know this).
type Language string

const (
	LangGo         Language = "go"
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangUnknown    Language = ""
)

func (p *Parser) pool(lang Language) *sync.Pool {
	switch lang {
	case LangGo:
		return &p.goPool
	case LangPython:
		return &p.pyPool
	case LangJavaScript:
		return &p.jsPool
	default:
		return nil
	}
}

// ParseFile parses one file's content, returning chunks/symbols/calls. A
// parse error here is always recoverable by the caller: log and skip.
func (p *Parser) ParseFile(ctx context.Context, path string, lang Language, content []byte) (*FileResult, []CommentSpan, error) {
	p.ensurePools()

	pool := p.pool(lang)
	if pool == nil {
		// Unsupported language: still indexable by path tokens (spec.md
		// S6 "path-token indexing is parser-independent"), just no
		// chunks/symbols.
		return &FileResult{Path: path}, nil, nil
	}

	sp := pool.Get().(*sitter.Parser)
	defer pool.Put(sp)

	tree, err := sp.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, nil, fmt.Errorf("tree-sitter parse %s: %w", path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		p.logger.Warn("parse.syntax_errors", "path", path, "language", lang)
	}

	blobHash := hashContent(content)

	w := &walker{path: path, content: content, blobHash: blobHash, lang: lang, funcNameToID: make(map[string]string)}
	w.walk(root)

	return &FileResult{Path: path, Chunks: w.chunks, Symbols: w.symbols, Calls: w.calls}, w.comments, nil
}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// walker accumulates chunks/symbols/calls/comments across one AST walk.
// The node-type names handled below cover Go, Python, and JavaScript's
// respective tree-sitter grammars, continuing the teacher's one-file-
// per-language split (parser_go.go, parser_python.go,
// parser_javascript.go) as one shared walk keyed on node type rather
// than one walker per language, since Go's "function_declaration" and
// "call_expression" node types happen to be shared verbatim by the
// JavaScript grammar.
type walker struct {
	path         string
	content      []byte
	blobHash     string
	lang         Language
	chunks       []structstore.Chunk
	symbols      []structstore.Symbol
	calls        []structstore.Relation
	comments     []CommentSpan
	funcNameToID map[string]string
	anonCounter  int
}

func (w *walker) walk(node *sitter.Node) {
	if node == nil {
		return
	}

	switch node.Type() {
	case "function_declaration": // Go top-level func; also JS function foo() {}
		w.handleFunc(node, false)
	case "method_declaration": // Go method
		w.handleFunc(node, true)
	case "function_definition": // Python def
		w.handleFunc(node, false)
	case "method_definition": // JS class/object method
		w.handleFunc(node, true)
	case "type_declaration":
		w.handleTypeDecl(node)
	case "class_definition", "class_declaration": // Python, JS classes
		w.handleClass(node)
	case "comment":
		w.comments = append(w.comments, CommentSpan{ByteStart: int(node.StartByte()), ByteEnd: int(node.EndByte())})
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		w.walk(node.Child(i))
	}
}

func (w *walker) handleFunc(node *sitter.Node, isMethod bool) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := string(w.content[nameNode.StartByte():nameNode.EndByte()])

	chunkID := chunkID(w.path, node)
	chunk := structstore.Chunk{
		ID:        chunkID,
		Path:      w.path,
		ByteStart: int(node.StartByte()),
		ByteEnd:   int(node.EndByte()),
		LineStart: int(node.StartPoint().Row) + 1,
		LineEnd:   int(node.EndPoint().Row) + 1,
		BlobHash:  w.blobHash,
		Kind:      "function",
	}
	w.chunks = append(w.chunks, chunk)

	symID := symbolID(w.path, name, chunkID)
	w.symbols = append(w.symbols, structstore.Symbol{
		ID:              symID,
		Name:            name,
		Kind:            kindFor(isMethod),
		DefiningChunkID: chunkID,
		Language:        string(w.lang),
	})
	w.funcNameToID[name] = symID

	w.walkCalls(node, symID)
}

func kindFor(isMethod bool) string {
	if isMethod {
		return "method"
	}
	return "function"
}

func (w *walker) handleTypeDecl(node *sitter.Node) {
	for i := 0; i < int(node.ChildCount()); i++ {
		spec := node.Child(i)
		if spec.Type() != "type_spec" {
			continue
		}
		nameNode := spec.ChildByFieldName("name")
		if nameNode == nil {
			continue
		}
		name := string(w.content[nameNode.StartByte():nameNode.EndByte()])

		cID := chunkID(w.path, spec)
		w.chunks = append(w.chunks, structstore.Chunk{
			ID:        cID,
			Path:      w.path,
			ByteStart: int(spec.StartByte()),
			ByteEnd:   int(spec.EndByte()),
			LineStart: int(spec.StartPoint().Row) + 1,
			LineEnd:   int(spec.EndPoint().Row) + 1,
			BlobHash:  w.blobHash,
			Kind:      "class",
		})
		w.symbols = append(w.symbols, structstore.Symbol{
			ID:              symbolID(w.path, name, cID),
			Name:            name,
			Kind:            "type",
			DefiningChunkID: cID,
			Language:        string(w.lang),
		})
	}
}

// handleClass extracts a Python class_definition or JS class_declaration
// as a chunk+symbol of kind "class". Methods nested inside are found by
// the normal recursive walk below and recorded as their own function
// symbols (unprefixed): cross-file call resolution, like Go's, is the
// engine's job once the whole repository's symbol table is available.
func (w *walker) handleClass(node *sitter.Node) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := string(w.content[nameNode.StartByte():nameNode.EndByte()])

	cID := chunkID(w.path, node)
	w.chunks = append(w.chunks, structstore.Chunk{
		ID:        cID,
		Path:      w.path,
		ByteStart: int(node.StartByte()),
		ByteEnd:   int(node.EndByte()),
		LineStart: int(node.StartPoint().Row) + 1,
		LineEnd:   int(node.EndPoint().Row) + 1,
		BlobHash:  w.blobHash,
		Kind:      "class",
	})
	w.symbols = append(w.symbols, structstore.Symbol{
		ID:              symbolID(w.path, name, cID),
		Name:            name,
		Kind:            "class",
		DefiningChunkID: cID,
		Language:        string(w.lang),
	})
}

// walkCalls finds call expressions within fnNode's body and records
// calls to functions declared earlier in the same file as Relation
// edges; calls to functions declared later in the file are not recorded,
// since the name table holds only declarations walked so far. Cross-file calls are left
// unresolved here; resolving them is the engine's job once the whole
// repository's symbol table is available. Falls back to scanning the
// whole function node when the grammar has no distinct "body" field
// (matching the teacher's Python/JS parsers, which locate the function
// node itself and walk it whole rather than isolating a body field).
func (w *walker) walkCalls(fnNode *sitter.Node, callerID string) {
	scope := fnNode.ChildByFieldName("body")
	if scope == nil {
		scope = fnNode
	}
	seen := make(map[string]bool)
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if n == nil {
			return
		}
		if n.Type() == "call_expression" || n.Type() == "call" { // Go/JS, Python
			if fn := n.ChildByFieldName("function"); fn != nil {
				name := calleeName(fn, w.content)
				if calleeID, ok := w.funcNameToID[name]; ok && calleeID != callerID {
					key := callerID + "->" + calleeID
					if !seen[key] {
						seen[key] = true
						w.calls = append(w.calls, structstore.Relation{
							SrcSymbolID: callerID, DstSymbolID: calleeID, Kind: "calls", Weight: 1,
						})
					}
				}
			}
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			visit(n.Child(i))
		}
	}
	visit(scope)
}

func calleeName(node *sitter.Node, content []byte) string {
	switch node.Type() {
	case "identifier":
		return string(content[node.StartByte():node.EndByte()])
	case "selector_expression": // Go
		if field := node.ChildByFieldName("field"); field != nil {
			return string(content[field.StartByte():field.EndByte()])
		}
	case "attribute": // Python
		if field := node.ChildByFieldName("attribute"); field != nil {
			return string(content[field.StartByte():field.EndByte()])
		}
	case "member_expression": // JavaScript
		if field := node.ChildByFieldName("property"); field != nil {
			return string(content[field.StartByte():field.EndByte()])
		}
	}
	return ""
}

func chunkID(path string, node *sitter.Node) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", path, node.StartByte(), node.EndByte())))
	return hex.EncodeToString(sum[:16])
}

func symbolID(path, name, chunkID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s", path, name, chunkID)))
	return hex.EncodeToString(sum[:16])
}

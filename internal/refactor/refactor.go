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

// Package refactor drives semantic refactors through sandboxed,
// per-context worktrees and language-server sessions, merges the
// resulting patches, and detects divergence rather than guessing a
// semantic interpretation. The engine never touches comments or
// documentation directly; that is a separate, never-merged sweep.
package refactor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	rcerrors "github.com/kraklabs/repoctl/internal/errors"
	"github.com/kraklabs/repoctl/internal/lsp"
	"github.com/kraklabs/repoctl/internal/mutate"
	"github.com/kraklabs/repoctl/internal/vcs"
)

// Context is a semantic world: a language, a language-server session,
// and the workspace roots and sparse paths it resolves symbols within.
type Context struct {
	ID            string
	Language      string
	WorkspaceRoot string
	SparsePaths   []string
	Client        lsp.Client
}

// Kind enumerates the operation kinds the engine supports.
type Kind string

const (
	KindRenameSymbol     Kind = "rename_symbol"
	KindRenameFile       Kind = "rename_file"
	KindSafeDelete       Kind = "safe_delete"
	KindChangeSignature  Kind = "change_signature"
)

// Request describes one refactor operation.
type Request struct {
	Kind Kind
	Path string
	Pos  lsp.Position

	// NewName is the replacement symbol name for KindRenameSymbol.
	NewName string
	// NewPath is the destination path for KindRenameFile; unlike
	// KindRenameSymbol, this kind has no meaningful Pos.
	NewPath      string
	NewSignature string
}

// Hunk is one edit within a merged or per-context patch, in the shape
// the mutation engine consumes.
type Hunk struct {
	Path    string
	Range   lsp.Range
	NewText string
}

// Patch is a named, ordered set of hunks.
type Patch struct {
	Hunks []Hunk
}

// ConflictingHunk names two contexts that produced non-identical edits
// over the same range.
type ConflictingHunk struct {
	Path       string
	Range      lsp.Range
	ContextA   string
	TextA      string
	ContextB   string
	TextB      string
}

// Outcome is the refactor's result taxonomy, per spec.md §4.6 and the
// plan->preview->apply lifecycle of spec.md §2.
type Outcome struct {
	Kind string // "planned", "applied", "divergence", "insufficient_context"

	// Planned fields. A planned outcome previews the merged patch without
	// touching the working tree; PlanID names the staged plan Apply
	// consumes.
	PlanID string

	// Applied fields.
	Patch        *Patch
	ContextsUsed []string
	Delta        *mutate.MutationDelta

	// Divergence fields.
	ConflictingHunks []ConflictingHunk
	Diagnostics      map[string][]lsp.Diagnostic

	// InsufficientContext field.
	Reason string
}

// plannedRefactor is a Plan result staged for a later Apply call, keyed
// by PlanID.
type plannedRefactor struct {
	patch          *Patch
	primaryContext Context
	contextsUsed   []string
}

// DivergencePolicy controls how conflicting multi-context patches are
// resolved. Default is fail-and-report; PrimaryContextWins is available
// but off by default, per spec.md §4.6.
type DivergencePolicy struct {
	PrimaryContextWins bool
	PrimaryContextID   string
}

// Sandbox owns a sibling worktree per context, reset to head before
// each operation.
type Sandbox interface {
	// ResetToHead resets the context's worktree to the current head and
	// restricts it to the context's sparse paths.
	ResetToHead(ctx context.Context, c Context) error

	// ReadFile reads path's current content from the context's worktree.
	ReadFile(ctx context.Context, c Context, path string) (string, error)
}

// Engine drives the plan/preview/apply lifecycle.
type Engine struct {
	contexts []Context
	sandbox  Sandbox
	mutator  *mutate.Engine
	driver   vcs.LocalDriver
	policy   DivergencePolicy
	maxParallelContexts int

	mu    sync.Mutex
	plans map[string]plannedRefactor
}

func New(contexts []Context, sandbox Sandbox, mutator *mutate.Engine, driver vcs.LocalDriver, policy DivergencePolicy, maxParallelContexts int) *Engine {
	if maxParallelContexts <= 0 {
		maxParallelContexts = 4
	}
	return &Engine{
		contexts: contexts, sandbox: sandbox, mutator: mutator, driver: driver,
		policy: policy, maxParallelContexts: maxParallelContexts,
		plans: make(map[string]plannedRefactor),
	}
}

// SelectContexts picks the context owning path plus any additional
// contexts in sameLanguageCandidates, capped at maxParallelContexts. An
// empty owning-context match with no candidates is insufficient context,
// left for the caller to report rather than guessed.
func (e *Engine) SelectContexts(path string, sameLanguageCandidates []Context) []Context {
	var selected []Context
	seen := make(map[string]bool)
	for _, c := range e.contexts {
		if c.WorkspaceRoot != "" && pathUnderRoot(path, c.SparsePaths) {
			selected = append(selected, c)
			seen[c.ID] = true
		}
	}
	for _, c := range sameLanguageCandidates {
		if !seen[c.ID] {
			selected = append(selected, c)
			seen[c.ID] = true
		}
		if len(selected) >= e.maxParallelContexts {
			break
		}
	}
	if len(selected) > e.maxParallelContexts {
		selected = selected[:e.maxParallelContexts]
	}
	return selected
}

func pathUnderRoot(path string, sparsePaths []string) bool {
	if len(sparsePaths) == 0 {
		return true
	}
	for _, p := range sparsePaths {
		if len(path) >= len(p) && path[:len(p)] == p {
			return true
		}
	}
	return false
}

// Plan runs the full single- or multi-context compute flow for req and
// either reports divergence/insufficient-context, or stages a merged
// patch for a later Apply call. Plan never touches the working tree.
func (e *Engine) Plan(ctx context.Context, req Request, contexts []Context) (*Outcome, error) {
	if len(contexts) == 0 {
		return &Outcome{Kind: "insufficient_context", Reason: "no context resolves " + req.Path}, nil
	}

	type contextResult struct {
		ctx   Context
		patch *Patch
		diags []lsp.Diagnostic
		err   error
	}

	results := make([]contextResult, len(contexts))
	var wg sync.WaitGroup
	for i, c := range contexts {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			patch, diags, err := e.runSingleContext(ctx, c, req)
			results[i] = contextResult{ctx: c, patch: patch, diags: diags, err: err}
		}()
	}
	wg.Wait()

	diagnostics := make(map[string][]lsp.Diagnostic)
	var usable []contextResult
	for _, r := range results {
		diagnostics[r.ctx.ID] = r.diags
		if r.err != nil {
			continue
		}
		usable = append(usable, r)
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("%w: no context produced a patch for %s", rcerrors.New(rcerrors.LanguageServerFault, "all contexts failed"), req.Path)
	}

	merged, conflicts := mergePatches(usable[0].patch, usable)
	if len(conflicts) > 0 && !(e.policy.PrimaryContextWins && validatesAll(usable)) {
		contextIDs := make([]string, len(usable))
		for i, r := range usable {
			contextIDs[i] = r.ctx.ID
		}
		sort.Strings(contextIDs)
		return &Outcome{Kind: "divergence", ConflictingHunks: conflicts, Diagnostics: diagnostics}, nil
	}

	if e.policy.PrimaryContextWins && len(conflicts) > 0 {
		merged = primaryPatch(usable, e.policy.PrimaryContextID)
	}

	contextsUsed := make([]string, len(usable))
	for i, r := range usable {
		contextsUsed[i] = r.ctx.ID
	}
	sort.Strings(contextsUsed)

	planID := uuid.NewString()
	e.mu.Lock()
	e.plans[planID] = plannedRefactor{patch: merged, primaryContext: contexts[0], contextsUsed: contextsUsed}
	e.mu.Unlock()

	return &Outcome{Kind: "planned", PlanID: planID, Patch: merged, ContextsUsed: contextsUsed}, nil
}

// Apply materializes a previously planned patch into ranged mutation
// edits and applies it through the mutation engine, consuming the plan.
// Each touched file's current content (read from the primary context's
// sandbox) is hashed into the edit's precondition, so a worktree that
// moved since Plan fails the edit instead of silently overwriting it.
func (e *Engine) Apply(ctx context.Context, planID string) (*Outcome, error) {
	e.mu.Lock()
	plan, ok := e.plans[planID]
	if ok {
		delete(e.plans, planID)
	}
	e.mu.Unlock()
	if !ok {
		return nil, rcerrors.New(rcerrors.InvariantViolation, fmt.Sprintf("no staged plan %s", planID))
	}

	byPath := groupHunksByPath(plan.patch.Hunks)
	scope := make([]string, 0, len(byPath))
	edits := make([]mutate.Edit, 0, len(byPath))
	for path, hunks := range byPath {
		scope = append(scope, path)

		rangeEdits := make([]mutate.RangeEdit, 0, len(hunks))
		for _, h := range hunks {
			rangeEdits = append(rangeEdits, mutate.RangeEdit{
				Range: mutate.Range{
					Start: mutate.Position{Line: h.Range.Start.Line + 1, Column: h.Range.Start.Column},
					End:   mutate.Position{Line: h.Range.End.Line + 1, Column: h.Range.End.Column},
				},
				Replacement:  h.NewText,
				SemanticEdit: true,
			})
		}

		var expectedHash string
		if content, err := e.sandbox.ReadFile(ctx, plan.primaryContext, path); err == nil {
			expectedHash = mutate.HashContent([]byte(content))
		}
		edits = append(edits, mutate.Edit{Path: path, ExpectedHash: expectedHash, Edits: rangeEdits})
	}
	sort.Strings(scope)

	delta, err := e.mutator.Apply(ctx, scope, edits)
	if err != nil {
		return nil, fmt.Errorf("apply refactor patch: %w", err)
	}

	return &Outcome{Kind: "applied", Patch: plan.patch, ContextsUsed: plan.contextsUsed, Delta: delta}, nil
}

// runSingleContext implements the four-step single-context flow from
// spec.md §4.6: reset, compute, apply in sandbox, derive patch.
func (e *Engine) runSingleContext(ctx context.Context, c Context, req Request) (*Patch, []lsp.Diagnostic, error) {
	if err := e.sandbox.ResetToHead(ctx, c); err != nil {
		return nil, nil, fmt.Errorf("reset sandbox %s: %w", c.ID, err)
	}
	if err := c.Client.Configure(ctx, c.WorkspaceRoot); err != nil {
		return nil, nil, fmt.Errorf("configure language server %s: %w", c.ID, err)
	}

	var we lsp.WorkspaceEdit
	var err error
	switch req.Kind {
	case KindRenameSymbol:
		we, err = c.Client.Rename(ctx, req.Path, req.Pos, req.NewName)
	case KindRenameFile:
		we, err = c.Client.WorkspaceRename(ctx, req.Path, req.NewPath)
	case KindChangeSignature:
		we, err = c.Client.ChangeSignature(ctx, req.Path, req.Pos, req.NewSignature)
	case KindSafeDelete:
		refs, safe, serr := c.Client.SafeDelete(ctx, req.Path, req.Pos)
		if serr != nil {
			return nil, nil, serr
		}
		if !safe {
			return nil, nil, rcerrors.New(rcerrors.ScopeViolation, fmt.Sprintf("%d remaining references block safe delete", len(refs)))
		}
		we = lsp.WorkspaceEdit{Changes: map[string][]lsp.TextEdit{req.Path: {{Range: lsp.Range{}, NewText: ""}}}}
	default:
		return nil, nil, fmt.Errorf("unsupported refactor kind %q", req.Kind)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("language server request failed: %w", err)
	}

	patch := &Patch{}
	for path, edits := range we.Changes {
		for _, ed := range edits {
			patch.Hunks = append(patch.Hunks, Hunk{Path: path, Range: ed.Range, NewText: ed.NewText})
		}
	}
	sort.Slice(patch.Hunks, func(i, j int) bool {
		if patch.Hunks[i].Path != patch.Hunks[j].Path {
			return patch.Hunks[i].Path < patch.Hunks[j].Path
		}
		return rangeLess(patch.Hunks[i].Range, patch.Hunks[j].Range)
	})

	var diags []lsp.Diagnostic
	for path := range we.Changes {
		d, derr := c.Client.Diagnostics(ctx, path)
		if derr == nil {
			diags = append(diags, d...)
		}
	}
	return patch, diags, nil
}

func rangeLess(a, b lsp.Range) bool {
	if a.Start.Line != b.Start.Line {
		return a.Start.Line < b.Start.Line
	}
	return a.Start.Column < b.Start.Column
}

// mergePatches unions hunks, dedupes byte-identical hunks over the same
// range, and reports non-identical hunks over the same range as
// divergence. Hunks are compared only when their (path, start, end)
// ranges are identical; partially overlapping ranges are unioned
// without a conflict check.
func mergePatches(base *Patch, results []struct {
	ctx   Context
	patch *Patch
	diags []lsp.Diagnostic
	err   error
}) (*Patch, []ConflictingHunk) {
	type key struct {
		path  string
		start lsp.Position
		end   lsp.Position
	}
	seen := make(map[key]struct {
		text      string
		contextID string
	})
	var merged Patch
	var conflicts []ConflictingHunk

	for _, r := range results {
		for _, h := range r.patch.Hunks {
			k := key{path: h.Path, start: h.Range.Start, end: h.Range.End}
			if existing, ok := seen[k]; ok {
				if existing.text != h.NewText {
					conflicts = append(conflicts, ConflictingHunk{
						Path: h.Path, Range: h.Range,
						ContextA: existing.contextID, TextA: existing.text,
						ContextB: r.ctx.ID, TextB: h.NewText,
					})
				}
				continue
			}
			seen[k] = struct {
				text      string
				contextID string
			}{text: h.NewText, contextID: r.ctx.ID}
			merged.Hunks = append(merged.Hunks, h)
		}
	}

	sort.Slice(merged.Hunks, func(i, j int) bool {
		if merged.Hunks[i].Path != merged.Hunks[j].Path {
			return merged.Hunks[i].Path < merged.Hunks[j].Path
		}
		return rangeLess(merged.Hunks[i].Range, merged.Hunks[j].Range)
	})
	return &merged, conflicts
}

func validatesAll(results []struct {
	ctx   Context
	patch *Patch
	diags []lsp.Diagnostic
	err   error
}) bool {
	for _, r := range results {
		for _, d := range r.diags {
			if d.Severity == "error" {
				return false
			}
		}
	}
	return true
}

func primaryPatch(results []struct {
	ctx   Context
	patch *Patch
	diags []lsp.Diagnostic
	err   error
}, primaryID string) *Patch {
	for _, r := range results {
		if r.ctx.ID == primaryID {
			return r.patch
		}
	}
	return results[0].patch
}

func groupHunksByPath(hunks []Hunk) map[string][]Hunk {
	out := make(map[string][]Hunk)
	for _, h := range hunks {
		out[h.Path] = append(out[h.Path], h)
	}
	return out
}


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

// Package mutate is the atomic mutation engine: it validates a batch of
// file edits against an allow-list scope, applies each under per-file
// preconditions, and replaces file contents with a staged-write-then-
// rename so a reader never observes a half-written file. A batch
// partitions into succeeded and failed edits rather than rolling back
// wholesale; see MutationDelta.
package mutate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	rcerrors "github.com/kraklabs/repoctl/internal/errors"
	"github.com/kraklabs/repoctl/internal/ignore"
	"github.com/kraklabs/repoctl/internal/vcs"
)

// Position is a one-based line, zero-based column pair, matching
// spec.md's literal range notation (distinct from the zero-based
// lsp.Position the refactor engine's language-server clients speak;
// callers crossing that boundary convert explicitly).
type Position struct {
	Line   int
	Column int
}

// Range is a half-open span within one file's content (Start inclusive,
// End exclusive), identifying the text a RangeEdit replaces.
type Range struct {
	Start, End Position
}

// RangeEdit replaces the text spanning Range with Replacement within one
// file. SemanticEdit and AffectedSymbolID are optional, set by callers
// (the refactor engine) that know which symbol an edit rewrites; mutate
// echoes them back unchanged in the applied delta.
type RangeEdit struct {
	Range            Range
	Replacement      string
	SemanticEdit     bool
	AffectedSymbolID string
}

// LineEnding names the terminator convention a file's content uses on
// disk. Normalization to LF happens only for hashing and range-offset
// arithmetic; the original form is restored before writing (spec.md
// §4.5 step 3).
type LineEnding int

const (
	LF LineEnding = iota
	CRLF
)

func (l LineEnding) String() string {
	if l == CRLF {
		return "crlf"
	}
	return "lf"
}

func detectLineEnding(content []byte) LineEnding {
	if bytes.Contains(content, []byte("\r\n")) {
		return CRLF
	}
	return LF
}

func restoreLineEnding(content []byte, le LineEnding) []byte {
	if le == CRLF {
		return bytes.ReplaceAll(content, []byte("\n"), []byte("\r\n"))
	}
	return content
}

// Edit describes one file's desired change, guarded by a precondition
// on the content currently on disk. A content edit carries Edits (one
// or more non-overlapping ranged replacements); a rename carries
// RenameFrom instead and leaves Edits empty.
type Edit struct {
	Path string
	// ExpectedHash, if non-empty, must match the file's current content
	// hash or the edit is rejected as a precondition mismatch. Empty
	// means "don't check" — callers that care about the prior state of
	// an existing file should read-then-hash first.
	ExpectedHash string
	Edits        []RangeEdit
	// RenameFrom, if set, means this edit moves RenameFrom to Path
	// instead of applying Edits at Path.
	RenameFrom string
}

// Outcome classifies one edit's result within a batch.
type Outcome int

const (
	Applied Outcome = iota
	PreconditionFailed
	ScopeRejected
	WriteFailed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case PreconditionFailed:
		return "precondition_failed"
	case ScopeRejected:
		return "scope_rejected"
	case WriteFailed:
		return "write_failed"
	default:
		return "unknown"
	}
}

// EditResult is the per-file verdict within a MutationDelta.
type EditResult struct {
	Path        string
	Outcome     Outcome
	OldHash     string
	NewHash     string
	LineEnding  LineEnding
	AppliedEdits []RangeEdit
	// Flagged marks a file that touched the tracked-ignored-but-
	// overlay-indexed classification: applied, not rejected, but
	// surfaced for client confirmation per spec.md §4.5 step 1.
	Flagged bool
	Err     error
}

// MutationDelta is the structured record returned from Apply, naming
// exactly which files changed and how, plus the mutation's global
// derived summaries, per spec.md §3 and §6.
type MutationDelta struct {
	MutationID   string
	Results      []EditResult
	AppliedPaths []string
	FailedPaths  []string
	FlaggedPaths []string

	// RepoBefore/RepoAfter and the derived summaries below are global to
	// the batch; mutate.Engine leaves them zero-valued and the
	// orchestrating engine (which owns the fingerprint and structural
	// store dependencies) fills them in after reindexing.
	RepoBefore          string
	RepoAfter           string
	SymbolsChanged      []string
	TestTargetsAffected []string
}

// Engine applies edit batches, sorted by path, after validating every
// edit against a scope allow-list and the extended-ignore layer. It
// takes no per-file locks: edits of one path are not serialized against
// each other or against other batches.
type Engine struct {
	repoRoot string
	driver   vcs.LocalDriver
	ignore   *ignore.Engine
	logger   *slog.Logger
}

// New builds an Engine. ignoreEngine may be nil, in which case only
// scope allow-list enforcement runs (no extended-ignore rejection or
// tracked-ignored+overlay flagging) — useful for callers operating
// outside a full daemon wiring, such as the refactor engine's tests.
func New(repoRoot string, driver vcs.LocalDriver, ignoreEngine *ignore.Engine, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{repoRoot: repoRoot, driver: driver, ignore: ignoreEngine, logger: logger}
}

// Apply runs every edit in the batch, skipping edits whose scope
// validation or precondition fails and continuing with the rest
// (partial-failure partitioning, not all-or-nothing rollback). Edits
// are sorted by path and each runnable edit runs in its own goroutine;
// no per-file lock is taken, so two edits of the same path within a
// batch are not serialized.
//
// scope is an allow-list of repo-relative paths or directories (spec.md
// §4.5): "." or "" admits the whole repository. Step 1 of the apply
// protocol runs before any edit reaches applyOne: reject edits outside
// the allow-list or matching extended-ignore; flag, don't reject, edits
// touching tracked-ignored-but-overlay-indexed files.
func (e *Engine) Apply(ctx context.Context, scope []string, edits []Edit) (*MutationDelta, error) {
	sorted := make([]Edit, len(edits))
	copy(sorted, edits)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	e.logger.Info("mutate.apply.start", "scope", scope, "edit_count", len(sorted))

	trackedSet, err := e.trackedPaths(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]EditResult, len(sorted))
	runnable := make([]Edit, 0, len(sorted))
	runnableIdx := make([]int, 0, len(sorted))
	for i, ed := range sorted {
		verdict, flagged := e.validateScope(ed.Path, scope, trackedSet)
		if verdict != nil {
			results[i] = *verdict
			continue
		}
		if flagged {
			results[i] = EditResult{Path: ed.Path, Flagged: true}
		}
		runnable = append(runnable, ed)
		runnableIdx = append(runnableIdx, i)
	}

	g, gctx := errgroup.WithContext(ctx)
	for k, ed := range runnable {
		k, ed := k, ed
		idx := runnableIdx[k]
		flagged := results[idx].Flagged
		g.Go(func() error {
			r := e.applyOne(gctx, ed)
			r.Flagged = flagged
			results[idx] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("apply batch: %w", err)
	}

	delta := &MutationDelta{MutationID: uuid.NewString(), Results: results}
	for _, r := range results {
		if r.Outcome == Applied {
			delta.AppliedPaths = append(delta.AppliedPaths, r.Path)
		} else {
			delta.FailedPaths = append(delta.FailedPaths, r.Path)
		}
		if r.Flagged {
			delta.FlaggedPaths = append(delta.FlaggedPaths, r.Path)
		}
	}
	sort.Strings(delta.AppliedPaths)
	sort.Strings(delta.FailedPaths)
	sort.Strings(delta.FlaggedPaths)

	e.logger.Info("mutate.apply.complete", "mutation_id", delta.MutationID,
		"applied", len(delta.AppliedPaths), "failed", len(delta.FailedPaths), "flagged", len(delta.FlaggedPaths))
	return delta, nil
}

// trackedPaths enumerates the version-control index once per batch, so
// validateScope can tell ignore.Classify whether a given path is
// tracked without a stat call per edit.
func (e *Engine) trackedPaths(ctx context.Context) (map[string]bool, error) {
	if e.driver == nil {
		return nil, nil
	}
	entries, err := e.driver.TrackedEntries(ctx)
	if err != nil {
		return nil, rcerrors.Wrap(rcerrors.VCSMetadataFault, "enumerate tracked entries for scope validation", err)
	}
	set := make(map[string]bool, len(entries))
	for _, te := range entries {
		set[te.Path] = true
	}
	return set, nil
}

// validateScope implements spec.md §4.5 step 1. A non-nil result means
// the edit is rejected and applyOne must not run; flagged reports an
// edit that is applied but should be surfaced for client confirmation.
func (e *Engine) validateScope(path string, scope []string, trackedSet map[string]bool) (rejected *EditResult, flagged bool) {
	if e.ignore != nil {
		cls := e.ignore.Classify(path, trackedSet[path])
		if cls == ignore.Ignored {
			return &EditResult{
				Path:    path,
				Outcome: ScopeRejected,
				Err:     rcerrors.New(rcerrors.ScopeViolation, fmt.Sprintf("%s matches extended-ignore", path)),
			}, false
		}
		if cls == ignore.Overlay && e.ignore.IsNativeIgnored(path) {
			flagged = true
		}
	}

	if !withinScope(path, scope) {
		return &EditResult{
			Path:    path,
			Outcome: ScopeRejected,
			Err:     rcerrors.New(rcerrors.ScopeViolation, fmt.Sprintf("%s is outside the allowed scope", path)),
		}, false
	}
	return nil, flagged
}

// withinScope reports whether path falls under any entry of scope. An
// entry of "" or "." admits the whole repository.
func withinScope(path string, scope []string) bool {
	target := filepath.ToSlash(path)
	for _, root := range scope {
		root = filepath.ToSlash(root)
		if root == "" || root == "." {
			return true
		}
		if target == root || strings.HasPrefix(target, root+"/") {
			return true
		}
	}
	return false
}

func (e *Engine) applyOne(ctx context.Context, ed Edit) EditResult {
	abs := filepath.Join(e.repoRoot, ed.Path)

	oldContent, err := readIfExists(abs)
	if err != nil {
		return EditResult{Path: ed.Path, Outcome: WriteFailed, Err: fmt.Errorf("read %s: %w", ed.Path, err)}
	}
	oldHash := ""
	if oldContent != nil {
		oldHash = hashBytes(oldContent)
	}

	if ed.ExpectedHash != "" && oldHash != ed.ExpectedHash {
		return EditResult{
			Path:    ed.Path,
			Outcome: PreconditionFailed,
			OldHash: oldHash,
			Err:     rcerrors.New(rcerrors.PreconditionMismatch, fmt.Sprintf("expected hash %s, found %s for %s", ed.ExpectedHash, oldHash, ed.Path)),
		}
	}

	if ed.RenameFrom != "" {
		return e.applyRename(ctx, ed, oldHash)
	}

	le := LF
	if oldContent != nil {
		le = detectLineEnding(oldContent)
	}

	merged, err := applyRangeEdits(oldContent, ed.Edits)
	if err != nil {
		return EditResult{Path: ed.Path, Outcome: WriteFailed, OldHash: oldHash, Err: fmt.Errorf("apply range edits to %s: %w", ed.Path, err)}
	}
	final := restoreLineEnding(merged, le)

	if err := atomicWrite(abs, final); err != nil {
		return EditResult{Path: ed.Path, Outcome: WriteFailed, OldHash: oldHash, Err: fmt.Errorf("write %s: %w", ed.Path, err)}
	}

	newHash := hashBytes(final)
	return EditResult{Path: ed.Path, Outcome: Applied, OldHash: oldHash, NewHash: newHash, LineEnding: le, AppliedEdits: ed.Edits}
}

// applyRangeEdits splices each non-overlapping RangeEdit into content,
// working over LF-normalized text (normalization is for offset
// arithmetic only; the caller restores the original terminator before
// writing).
func applyRangeEdits(content []byte, edits []RangeEdit) ([]byte, error) {
	if len(edits) == 0 {
		return content, nil
	}

	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	lines := strings.Split(string(normalized), "\n")

	sorted := make([]RangeEdit, len(edits))
	copy(sorted, edits)
	sort.Slice(sorted, func(i, j int) bool { return posLess(sorted[i].Range.Start, sorted[j].Range.Start) })

	for i := 1; i < len(sorted); i++ {
		if posLess(sorted[i].Range.Start, sorted[i-1].Range.End) {
			return nil, rcerrors.New(rcerrors.InvariantViolation, "overlapping range edits")
		}
	}

	offsetOf := func(pos Position) (int, error) {
		if pos.Line < 1 || pos.Line > len(lines) {
			return 0, fmt.Errorf("line %d out of range (file has %d lines)", pos.Line, len(lines))
		}
		lineIdx := pos.Line - 1
		if pos.Column < 0 || pos.Column > len(lines[lineIdx]) {
			return 0, fmt.Errorf("column %d out of range on line %d", pos.Column, pos.Line)
		}
		off := 0
		for i := 0; i < lineIdx; i++ {
			off += len(lines[i]) + 1
		}
		return off + pos.Column, nil
	}

	var buf bytes.Buffer
	last := 0
	for _, ed := range sorted {
		start, err := offsetOf(ed.Range.Start)
		if err != nil {
			return nil, fmt.Errorf("range edit start: %w", err)
		}
		end, err := offsetOf(ed.Range.End)
		if err != nil {
			return nil, fmt.Errorf("range edit end: %w", err)
		}
		if start < last {
			return nil, rcerrors.New(rcerrors.InvariantViolation, "range edits out of order")
		}
		buf.Write(normalized[last:start])
		buf.WriteString(ed.Replacement)
		last = end
	}
	buf.Write(normalized[last:])
	return buf.Bytes(), nil
}

func posLess(a, b Position) bool {
	if a.Line != b.Line {
		return a.Line < b.Line
	}
	return a.Column < b.Column
}

func (e *Engine) applyRename(ctx context.Context, ed Edit, oldHash string) EditResult {
	fromAbs := filepath.Join(e.repoRoot, ed.RenameFrom)
	toAbs := filepath.Join(e.repoRoot, ed.Path)

	clean, err := e.driver.IsClean(ctx)
	if err != nil {
		return EditResult{Path: ed.Path, Outcome: WriteFailed, Err: fmt.Errorf("check clean %s: %w", ed.RenameFrom, err)}
	}

	if err := os.MkdirAll(filepath.Dir(toAbs), 0o755); err != nil {
		return EditResult{Path: ed.Path, Outcome: WriteFailed, Err: fmt.Errorf("mkdir for %s: %w", ed.Path, err)}
	}
	if err := os.Rename(fromAbs, toAbs); err != nil {
		return EditResult{Path: ed.Path, Outcome: WriteFailed, Err: fmt.Errorf("rename %s -> %s: %w", ed.RenameFrom, ed.Path, err)}
	}

	if clean {
		if err := e.driver.TrackedMove(ctx, ed.RenameFrom, ed.Path); err != nil {
			e.logger.Warn("mutate.tracked_move.failed", "from", ed.RenameFrom, "to", ed.Path, "err", err)
		}
	}

	return EditResult{Path: ed.Path, Outcome: Applied, OldHash: oldHash, NewHash: oldHash}
}

func readIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n")))
	return hex.EncodeToString(sum[:])
}

// HashContent exposes the content-hash function to callers (the refactor
// engine) that observe a file's content outside this package and need a
// comparable ExpectedHash precondition.
func HashContent(data []byte) string {
	return hashBytes(data)
}

// atomicWrite stages content in a sibling temp file, fsyncs it, then
// renames over the destination so concurrent readers never see a
// partially written file.
func atomicWrite(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp := path + ".repoctl-tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp: %w", err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("fsync parent dir: %w", err)
	}
	return nil
}

// syncDir fsyncs a directory so the rename's directory-entry update is
// durable before atomicWrite reports success, per spec.md §4.5 step 4
// ("fsync the new file and its parent directory").
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

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

// Package reconcile walks tracked entries and opted-in untracked entries,
// detects content change by hashing every observed file, and emits a deterministic
// change set. It performs no mutation of working tree or version-control
// state.
package reconcile

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

	"github.com/kraklabs/repoctl/internal/config"
	rcerrors "github.com/kraklabs/repoctl/internal/errors"
	"github.com/kraklabs/repoctl/internal/ignore"
	"github.com/kraklabs/repoctl/internal/vcs"
)

// StatMeta is the (mtime, size) tuple recorded for each observed file.
// Reconcile stores it but does not compare it: every observed file is
// hashed whether or not its stat changed.
type StatMeta struct {
	ModTime int64
	Size    int64
}

// PathRecord is the cached state reconcile compares against.
type PathRecord struct {
	Path           string
	Classification ignore.Classification
	Stat           StatMeta
	ContentHash    string
}

// ChangeSet is the deterministic result of one reconcile pass.
type ChangeSet struct {
	Added    []string
	Modified []string
	Deleted  []string
	Renamed  map[string]string // new path -> old path
}

func (c *ChangeSet) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0 && len(c.Renamed) == 0
}

func (c *ChangeSet) sort() {
	sort.Strings(c.Added)
	sort.Strings(c.Modified)
	sort.Strings(c.Deleted)
}

// Store is the minimal persistence the Engine needs: the previously
// recorded PathRecord set and submodule-head map, keyed by path.
type Store interface {
	LoadRecords(ctx context.Context) (map[string]PathRecord, error)
	SaveRecords(ctx context.Context, records map[string]PathRecord) error
	LoadSubmoduleHeads(ctx context.Context) (map[string]string, error)
	SaveSubmoduleHeads(ctx context.Context, heads map[string]string) error
}

// driverFactory opens a vcs.LocalDriver rooted at a submodule's own
// working tree, so a changed submodule can be reconciled recursively
// with its own Engine instance.
type driverFactory func(root string, logger *slog.Logger) (vcs.LocalDriver, error)

// Engine performs reconciliation against a repository root.
type Engine struct {
	repoRoot      string
	driver        vcs.LocalDriver
	ignore        *ignore.Engine
	store         Store
	logger        *slog.Logger
	driverFactory driverFactory
}

func New(repoRoot string, driver vcs.LocalDriver, ignoreEngine *ignore.Engine, store Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repoRoot: repoRoot, driver: driver, ignore: ignoreEngine, store: store, logger: logger,
		driverFactory: func(root string, l *slog.Logger) (vcs.LocalDriver, error) {
			return vcs.NewGoGitDriver(root, l)
		},
	}
}

// Reconcile brings the index into agreement with on-disk and
// version-control truth. Invariant: invoking it again immediately,
// without intervening external mutation, returns an empty ChangeSet.
func (e *Engine) Reconcile(ctx context.Context) (*ChangeSet, error) {
	e.logger.Info("reconcile.start")

	prior, err := e.store.LoadRecords(ctx)
	if err != nil {
		return nil, rcerrors.Wrap(rcerrors.IndexCorruption, "load prior path records", err)
	}

	priorSubmodules, err := e.store.LoadSubmoduleHeads(ctx)
	if err != nil {
		return nil, rcerrors.Wrap(rcerrors.IndexCorruption, "load prior submodule heads", err)
	}

	tracked, err := e.driver.TrackedEntries(ctx)
	if err != nil {
		return nil, rcerrors.Wrap(rcerrors.VCSMetadataFault, "enumerate tracked entries", err)
	}

	untracked, err := e.driver.WalkUntracked(ctx, e.repoRoot)
	if err != nil {
		return nil, rcerrors.Wrap(rcerrors.VCSMetadataFault, "walk untracked entries", err)
	}

	submodules, err := e.driver.SubmoduleHeads(ctx)
	if err != nil {
		return nil, rcerrors.Wrap(rcerrors.VCSMetadataFault, "enumerate submodule heads", err)
	}

	current := make(map[string]PathRecord)

	for _, entry := range tracked {
		if e.ignore.Classify(entry.Path, true) == ignore.Ignored {
			continue
		}
		rec, skip, err := e.observe(entry.Path, ignore.Tracked, entry.IsSymlink)
		if err != nil {
			e.logger.Warn("reconcile.observe_failed", "path", entry.Path, "error", err)
			continue
		}
		if skip {
			continue
		}
		current[entry.Path] = rec
	}

	for _, path := range untracked {
		class := e.ignore.Classify(path, false)
		if class != ignore.Overlay {
			continue
		}
		rec, skip, err := e.observe(path, ignore.Overlay, false)
		if err != nil {
			e.logger.Warn("reconcile.observe_failed", "path", path, "error", err)
			continue
		}
		if skip {
			continue
		}
		current[path] = rec
	}

	changes := diff(prior, current)

	for path, head := range submodules {
		if priorSubmodules[path] == head {
			continue
		}
		e.logger.Info("reconcile.submodule_changed", "path", path, "head", head)
		if err := e.reconcileSubmodule(ctx, path); err != nil {
			e.logger.Warn("reconcile.submodule_failed", "path", path, "error", err)
		}
	}

	if err := e.store.SaveSubmoduleHeads(ctx, submodules); err != nil {
		return nil, rcerrors.Wrap(rcerrors.IndexCorruption, "save submodule heads", err)
	}

	if err := e.store.SaveRecords(ctx, current); err != nil {
		return nil, rcerrors.Wrap(rcerrors.IndexCorruption, "save path records", err)
	}

	changes.sort()
	e.logger.Info("reconcile.complete",
		"added", len(changes.Added),
		"modified", len(changes.Modified),
		"deleted", len(changes.Deleted),
		"renamed", len(changes.Renamed),
	)
	return changes, nil
}

// reconcileSubmodule recurses into an initialized submodule whose head
// moved since the last pass, giving it its own driver and record store
// rooted at the submodule's working tree (spec.md §4.2: "if changed, the
// submodule is reconciled recursively").
func (e *Engine) reconcileSubmodule(ctx context.Context, path string) error {
	root := filepath.Join(e.repoRoot, path)
	driver, err := e.driverFactory(root, e.logger)
	if err != nil {
		return fmt.Errorf("open submodule driver %s: %w", path, err)
	}
	store := NewFileStore(filepath.Join(root, config.StateDirName, "records.json"))
	sub := New(root, driver, e.ignore, store, e.logger)
	sub.driverFactory = e.driverFactory
	_, err = sub.Reconcile(ctx)
	return err
}

// observe stats and hashes a single path; the hash is computed on every
// call, not only when the stat differs from the prior record. skip is true when
// the path has vanished between discovery and observation (a benign race,
// not an error).
func (e *Engine) observe(path string, class ignore.Classification, isSymlink bool) (PathRecord, bool, error) {
	full := filepath.Join(e.repoRoot, path)

	if isSymlink {
		target, err := os.Readlink(full)
		if err != nil {
			return PathRecord{}, true, nil
		}
		sum := sha256.Sum256([]byte(target))
		return PathRecord{
			Path:           path,
			Classification: class,
			ContentHash:    hex.EncodeToString(sum[:]),
		}, false, nil
	}

	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return PathRecord{}, true, nil
	}
	if err != nil {
		return PathRecord{}, false, fmt.Errorf("stat %s: %w", path, err)
	}

	stat := StatMeta{ModTime: info.ModTime().UnixNano(), Size: info.Size()}
	hash, err := hashFile(full)
	if err != nil {
		return PathRecord{}, false, fmt.Errorf("hash %s: %w", path, err)
	}

	return PathRecord{Path: path, Classification: class, Stat: stat, ContentHash: hash}, false, nil
}

// hashFile hashes file content after normalizing line endings to LF, so
// that terminator-only changes never appear dirty.
func hashFile(full string) (string, error) {
	content, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}

// diff buckets prior vs current into added/modified/deleted, then folds
// exact delete+add content-hash matches into renames.
func diff(prior, current map[string]PathRecord) *ChangeSet {
	cs := &ChangeSet{Renamed: make(map[string]string)}

	for path, rec := range current {
		old, existed := prior[path]
		if !existed {
			cs.Added = append(cs.Added, path)
			continue
		}
		if old.ContentHash != rec.ContentHash {
			cs.Modified = append(cs.Modified, path)
		}
	}

	for path := range prior {
		if _, stillPresent := current[path]; !stillPresent {
			cs.Deleted = append(cs.Deleted, path)
		}
	}

	foldRenames(cs, prior, current)
	return cs
}

// foldRenames treats a delete+add pair with identical content hash as a
// rename (exact match only; fuzzy similarity is never used).
func foldRenames(cs *ChangeSet, prior, current map[string]PathRecord) {
	deletedByHash := make(map[string]string)
	for _, path := range cs.Deleted {
		deletedByHash[prior[path].ContentHash] = path
	}

	var remainingAdded []string
	for _, path := range cs.Added {
		if oldPath, ok := deletedByHash[current[path].ContentHash]; ok {
			cs.Renamed[path] = oldPath
			delete(deletedByHash, current[path].ContentHash)
			continue
		}
		remainingAdded = append(remainingAdded, path)
	}
	cs.Added = remainingAdded

	var remainingDeleted []string
	renamedOld := make(map[string]bool)
	for _, old := range cs.Renamed {
		renamedOld[old] = true
	}
	for _, path := range cs.Deleted {
		if !renamedOld[path] {
			remainingDeleted = append(remainingDeleted, path)
		}
	}
	cs.Deleted = remainingDeleted
}

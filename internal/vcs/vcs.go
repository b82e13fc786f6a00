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

// Package vcs defines the two external version-control capabilities the
// core consumes: a local driver (read/status/index/diff/tree walk, no
// subprocess spawning) and a remote driver (fetch/pull/push, which may
// spawn subprocesses to inherit credential configuration). Concrete
// implementations are external collaborators; this package ships one
// default adapter for each.
package vcs

import "context"

// TrackedEntry describes one entry in the version-control index.
type TrackedEntry struct {
	Path      string
	Mode      string // e.g. "100644", "120000" for symlinks
	BlobHash  string
	ModTime   int64
	Size      int64
	IsSymlink bool
}

// IndexStat is the stat tuple of the staged-index file, used as one
// component of RepoVersion.
type IndexStat struct {
	ModTime int64
	Size    int64
}

// DiffEntry is one changed path between the working tree and HEAD.
type DiffEntry struct {
	Path       string
	Status     string // "added", "modified", "deleted", "renamed"
	OldPath    string // set when Status == "renamed"
	BlobHash   string
}

// LocalDriver exposes read-only local repository introspection. Every
// method must be satisfiable without spawning a subprocess.
type LocalDriver interface {
	// HeadID returns the current commit identity (or an equivalent opaque
	// identity for non-commit-based heads).
	HeadID(ctx context.Context) (string, error)

	// StagedIndexStat stats the staged-index file without parsing it.
	StagedIndexStat(ctx context.Context) (IndexStat, error)

	// TrackedEntries enumerates every tracked path with per-entry stat and
	// blob hash.
	TrackedEntries(ctx context.Context) ([]TrackedEntry, error)

	// WalkUntracked enumerates untracked paths under root (the overlay
	// candidate set), not following symlinked directories.
	WalkUntracked(ctx context.Context, root string) ([]string, error)

	// SubmoduleHeads returns the head id of every initialized submodule,
	// keyed by submodule path. Uninitialized submodules are omitted.
	SubmoduleHeads(ctx context.Context) (map[string]string, error)

	// Diff computes the set of changes between the working tree and HEAD.
	Diff(ctx context.Context) ([]DiffEntry, error)

	// TrackedMove records a tracked-file rename in the index. This is the
	// only state mutation a LocalDriver is permitted to perform.
	TrackedMove(ctx context.Context, oldPath, newPath string) error

	// IsClean reports whether the working tree has no staged or unstaged
	// changes, a precondition for refactor worktree resets.
	IsClean(ctx context.Context) (bool, error)
}

// RemoteDriver exposes network operations. Implementations may spawn
// subprocesses to inherit the caller's credential configuration (ssh
// agent, credential helpers); the core never invokes these autonomously.
type RemoteDriver interface {
	Fetch(ctx context.Context, remote string) error
	Pull(ctx context.Context, remote, branch string) error
	Push(ctx context.Context, remote, branch string) error
}

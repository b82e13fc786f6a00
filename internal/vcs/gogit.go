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

package vcs

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// GoGitDriver is the default LocalDriver, backed by go-git so that local
// operations never spawn a git subprocess.
type GoGitDriver struct {
	repoPath string
	repo     *git.Repository
	logger   *slog.Logger
}

// NewGoGitDriver opens repoPath as a git repository.
func NewGoGitDriver(repoPath string, logger *slog.Logger) (*GoGitDriver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", repoPath, err)
	}
	return &GoGitDriver{repoPath: repoPath, repo: repo, logger: logger}, nil
}

func (d *GoGitDriver) HeadID(ctx context.Context) (string, error) {
	head, err := d.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

func (d *GoGitDriver) StagedIndexStat(ctx context.Context) (IndexStat, error) {
	indexPath := filepath.Join(d.repoPath, ".git", "index")
	info, err := os.Stat(indexPath)
	if err != nil {
		return IndexStat{}, fmt.Errorf("stat index %s: %w", indexPath, err)
	}
	return IndexStat{ModTime: info.ModTime().UnixNano(), Size: info.Size()}, nil
}

func (d *GoGitDriver) TrackedEntries(ctx context.Context) ([]TrackedEntry, error) {
	idx, err := d.repo.Storer.Index()
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	entries := make([]TrackedEntry, 0, len(idx.Entries))
	for _, e := range idx.Entries {
		full := filepath.Join(d.repoPath, e.Name)
		info, statErr := os.Lstat(full)
		var mtime, size int64
		isSymlink := e.Mode == filemodeSymlink
		if statErr == nil {
			mtime = info.ModTime().UnixNano()
			size = info.Size()
		}
		entries = append(entries, TrackedEntry{
			Path:      e.Name,
			Mode:      e.Mode.String(),
			BlobHash:  e.Hash.String(),
			ModTime:   mtime,
			Size:      size,
			IsSymlink: isSymlink,
		})
	}
	return entries, nil
}

func (d *GoGitDriver) WalkUntracked(ctx context.Context, root string) ([]string, error) {
	wt, err := d.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("worktree status: %w", err)
	}

	var untracked []string
	for path, st := range status {
		if st.Worktree == git.Untracked {
			untracked = append(untracked, path)
		}
	}

	// Status() already skips .git and is the authoritative source. The
	// walk below visits root but filters and collects nothing, so root
	// does not narrow the returned list.
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		return nil
	})

	return untracked, nil
}

func (d *GoGitDriver) SubmoduleHeads(ctx context.Context) (map[string]string, error) {
	wt, err := d.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	subs, err := wt.Submodules()
	if err != nil {
		return nil, fmt.Errorf("list submodules: %w", err)
	}

	heads := make(map[string]string)
	for _, sub := range subs {
		status, err := sub.Status()
		if err != nil {
			// Uninitialized submodules are skipped, not failed.
			d.logger.Warn("vcs.submodule.skip", "path", sub.Config().Path, "error", err)
			continue
		}
		if status.Current.IsZero() {
			continue
		}
		heads[sub.Config().Path] = status.Current.String()
	}
	return heads, nil
}

func (d *GoGitDriver) Diff(ctx context.Context) ([]DiffEntry, error) {
	wt, err := d.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("worktree status: %w", err)
	}

	var entries []DiffEntry
	for path, st := range status {
		switch {
		case st.Staging == git.Added || st.Worktree == git.Added || st.Worktree == git.Untracked:
			entries = append(entries, DiffEntry{Path: path, Status: "added"})
		case st.Staging == git.Deleted || st.Worktree == git.Deleted:
			entries = append(entries, DiffEntry{Path: path, Status: "deleted"})
		case st.Staging == git.Renamed || st.Worktree == git.Renamed:
			entries = append(entries, DiffEntry{Path: path, Status: "renamed", OldPath: st.Extra})
		case st.Staging == git.Modified || st.Worktree == git.Modified:
			entries = append(entries, DiffEntry{Path: path, Status: "modified"})
		}
	}
	return entries, nil
}

func (d *GoGitDriver) TrackedMove(ctx context.Context, oldPath, newPath string) error {
	wt, err := d.repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if _, err := wt.Move(oldPath, newPath); err != nil {
		return fmt.Errorf("move %s -> %s: %w", oldPath, newPath, err)
	}
	return nil
}

func (d *GoGitDriver) IsClean(ctx context.Context) (bool, error) {
	wt, err := d.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("worktree status: %w", err)
	}
	return status.IsClean(), nil
}

// resolveCommit resolves ref to a commit object, used internally by
// higher layers that need commit metadata beyond the plain hash.
func (d *GoGitDriver) resolveCommit(ref string) (*object.Commit, error) {
	hash, err := d.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, fmt.Errorf("resolve ref %s: %w", ref, err)
	}
	return d.repo.CommitObject(*hash)
}

// filemodeSymlink mirrors the go-git filemode for symlinks (0120000),
// named locally so TrackedEntries doesn't need the filemode package just
// for one comparison.
const filemodeSymlink = 0o120000

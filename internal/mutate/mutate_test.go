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

package mutate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	rcerrors "github.com/kraklabs/repoctl/internal/errors"
	"github.com/kraklabs/repoctl/internal/ignore"
	"github.com/kraklabs/repoctl/internal/vcs"
)

type fakeDriver struct {
	clean   bool
	moved   map[string]string
	tracked []vcs.TrackedEntry
}

func (f *fakeDriver) HeadID(ctx context.Context) (string, error) { return "deadbeef", nil }
func (f *fakeDriver) StagedIndexStat(ctx context.Context) (vcs.IndexStat, error) {
	return vcs.IndexStat{}, nil
}
func (f *fakeDriver) TrackedEntries(ctx context.Context) ([]vcs.TrackedEntry, error) {
	return f.tracked, nil
}
func (f *fakeDriver) WalkUntracked(ctx context.Context, root string) ([]string, error) {
	return nil, nil
}
func (f *fakeDriver) SubmoduleHeads(ctx context.Context) (map[string]string, error) { return nil, nil }
func (f *fakeDriver) Diff(ctx context.Context) ([]vcs.DiffEntry, error)              { return nil, nil }
func (f *fakeDriver) TrackedMove(ctx context.Context, oldPath, newPath string) error {
	if f.moved == nil {
		f.moved = make(map[string]string)
	}
	f.moved[oldPath] = newPath
	return nil
}
func (f *fakeDriver) IsClean(ctx context.Context) (bool, error) { return f.clean, nil }

func wholeFileEdit(oldLen int, replacement string) []RangeEdit {
	return []RangeEdit{{Range: Range{Start: Position{Line: 1, Column: 0}, End: Position{Line: 1, Column: oldLen}}, Replacement: replacement}}
}

func TestApplyWritesNewFile(t *testing.T) {
	dir := t.TempDir()
	eng := New(dir, &fakeDriver{}, nil, nil)

	delta, err := eng.Apply(context.Background(), []string{"."}, []Edit{
		{Path: "a.txt", Edits: wholeFileEdit(0, "hello")},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt"}, delta.AppliedPaths)
	require.Empty(t, delta.FailedPaths)
	require.NotEmpty(t, delta.MutationID)

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestApplyRejectsPreconditionMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("original"), 0o644))

	eng := New(dir, &fakeDriver{}, nil, nil)
	delta, err := eng.Apply(context.Background(), []string{"."}, []Edit{
		{Path: "a.txt", ExpectedHash: "does-not-match", Edits: wholeFileEdit(len("original"), "new")},
	})
	require.NoError(t, err)
	require.Empty(t, delta.AppliedPaths)
	require.Equal(t, []string{"a.txt"}, delta.FailedPaths)
	require.Equal(t, PreconditionFailed, delta.Results[0].Outcome)

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "original", string(data))
}

func TestApplyPartitionsPartialFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.txt"), []byte("v1"), 0o644))

	eng := New(dir, &fakeDriver{}, nil, nil)
	delta, err := eng.Apply(context.Background(), []string{"."}, []Edit{
		{Path: "good.txt", ExpectedHash: hashBytes([]byte("v1")), Edits: wholeFileEdit(len("v1"), "v2")},
		{Path: "bad.txt", ExpectedHash: "stale", Edits: wholeFileEdit(0, "irrelevant")},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"good.txt"}, delta.AppliedPaths)
	require.Equal(t, []string{"bad.txt"}, delta.FailedPaths)
}

func TestApplyRenameTracksCleanMoves(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.txt"), []byte("content"), 0o644))

	driver := &fakeDriver{clean: true}
	eng := New(dir, driver, nil, nil)
	delta, err := eng.Apply(context.Background(), []string{"."}, []Edit{
		{Path: "new.txt", RenameFrom: "old.txt"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"new.txt"}, delta.AppliedPaths)
	require.Equal(t, "new.txt", driver.moved["old.txt"])

	_, err = os.Stat(filepath.Join(dir, "old.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestApplyRangeEditSplicesWithinLine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0o644))

	eng := New(dir, &fakeDriver{}, nil, nil)
	delta, err := eng.Apply(context.Background(), []string{"."}, []Edit{
		{Path: "a.txt", Edits: []RangeEdit{
			{Range: Range{Start: Position{Line: 1, Column: 0}, End: Position{Line: 1, Column: 3}}, Replacement: "two"},
		}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt"}, delta.AppliedPaths)

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "two\n", string(data))
}

func TestApplyRejectsEditOutsideScope(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "outside.txt"), []byte("v1"), 0o644))

	eng := New(dir, &fakeDriver{}, nil, nil)
	delta, err := eng.Apply(context.Background(), []string{"allowed/"}, []Edit{
		{Path: "outside.txt", Edits: wholeFileEdit(len("v1"), "v2")},
	})
	require.NoError(t, err)
	require.Empty(t, delta.AppliedPaths)
	require.Equal(t, []string{"outside.txt"}, delta.FailedPaths)
	require.Equal(t, ScopeRejected, delta.Results[0].Outcome)
	kind, ok := rcerrors.KindOf(delta.Results[0].Err)
	require.True(t, ok)
	require.Equal(t, rcerrors.ScopeViolation, kind)

	data, err := os.ReadFile(filepath.Join(dir, "outside.txt"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(data))
}

func TestApplyRejectsExtendedIgnoreMatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secrets.env"), []byte("v1"), 0o644))

	ignoreEngine, err := ignore.New("", "", nil)
	require.NoError(t, err)

	eng := New(dir, &fakeDriver{}, ignoreEngine, nil)
	delta, applyErr := eng.Apply(context.Background(), []string{"."}, []Edit{
		{Path: ".env", Edits: wholeFileEdit(0, "SECRET=1")},
	})
	require.NoError(t, applyErr)
	require.Empty(t, delta.AppliedPaths)
	require.Equal(t, []string{".env"}, delta.FailedPaths)
	require.Equal(t, ScopeRejected, delta.Results[0].Outcome)
}

func TestApplyFlagsTrackedIgnoredOverlayFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scratch"), 0o755))

	gitignorePath := filepath.Join(dir, ".gitignore")
	require.NoError(t, os.WriteFile(gitignorePath, []byte("scratch/\n"), 0o644))

	// scratch/ is native-ignored (matches the .gitignore-equivalent file)
	// but not part of defaultExtendedPatterns, so opting it into the
	// overlay applies the edit while still flagging it for confirmation.
	ignoreEngine, err := ignore.New(gitignorePath, "", []string{"scratch/"})
	require.NoError(t, err)

	eng := New(dir, &fakeDriver{}, ignoreEngine, nil)
	delta, applyErr := eng.Apply(context.Background(), []string{"."}, []Edit{
		{Path: "scratch/notes.txt", Edits: wholeFileEdit(0, "console.log(1)")},
	})
	require.NoError(t, applyErr)
	require.Equal(t, []string{"scratch/notes.txt"}, delta.AppliedPaths)
	require.Equal(t, []string{"scratch/notes.txt"}, delta.FlaggedPaths)
	require.True(t, delta.Results[0].Flagged)
}

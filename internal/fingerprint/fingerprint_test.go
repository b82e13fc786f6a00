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

package fingerprint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	rcerrors "github.com/kraklabs/repoctl/internal/errors"
	"github.com/kraklabs/repoctl/internal/vcs"
)

type fakeDriver struct {
	headID     string
	indexStat  vcs.IndexStat
	submodules map[string]string
	err        error
}

func (f *fakeDriver) HeadID(ctx context.Context) (string, error) { return f.headID, f.err }
func (f *fakeDriver) StagedIndexStat(ctx context.Context) (vcs.IndexStat, error) {
	return f.indexStat, f.err
}
func (f *fakeDriver) TrackedEntries(ctx context.Context) ([]vcs.TrackedEntry, error) { return nil, nil }
func (f *fakeDriver) WalkUntracked(ctx context.Context, root string) ([]string, error) {
	return nil, nil
}
func (f *fakeDriver) SubmoduleHeads(ctx context.Context) (map[string]string, error) {
	return f.submodules, f.err
}
func (f *fakeDriver) Diff(ctx context.Context) ([]vcs.DiffEntry, error) { return nil, nil }
func (f *fakeDriver) TrackedMove(ctx context.Context, oldPath, newPath string) error { return nil }
func (f *fakeDriver) IsClean(ctx context.Context) (bool, error)                      { return true, nil }

func TestCurrentVersionDeterministicID(t *testing.T) {
	driver := &fakeDriver{
		headID:     "abc123",
		indexStat:  vcs.IndexStat{ModTime: 1000, Size: 42},
		submodules: map[string]string{"vendor/x": "def456"},
	}
	m := New(driver)

	v1, err := m.CurrentVersion(context.Background())
	require.NoError(t, err)
	v2, err := m.CurrentVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, v1.ID(), v2.ID())
	require.True(t, v1.Equal(v2))
}

func TestCurrentVersionDiffersOnHeadChange(t *testing.T) {
	d1 := &fakeDriver{headID: "abc123"}
	d2 := &fakeDriver{headID: "xyz789"}

	v1, err := New(d1).CurrentVersion(context.Background())
	require.NoError(t, err)
	v2, err := New(d2).CurrentVersion(context.Background())
	require.NoError(t, err)
	require.False(t, v1.Equal(v2))
}

func TestCurrentVersionSubmoduleOrderIndependent(t *testing.T) {
	d1 := &fakeDriver{headID: "h", submodules: map[string]string{"a": "1", "b": "2"}}
	d2 := &fakeDriver{headID: "h", submodules: map[string]string{"b": "2", "a": "1"}}

	v1, err := New(d1).CurrentVersion(context.Background())
	require.NoError(t, err)
	v2, err := New(d2).CurrentVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, v1.ID(), v2.ID(), "map iteration order must not affect the fingerprint")
}

func TestCurrentVersionWrapsVCSFaultAsTypedError(t *testing.T) {
	driver := &fakeDriver{err: errHeadUnreadable}
	_, err := New(driver).CurrentVersion(context.Background())
	require.Error(t, err)
	require.True(t, rcerrors.Is(err, rcerrors.VCSMetadataFault))
}

func TestStringTruncatesID(t *testing.T) {
	v := RepoVersion{HeadID: "abc"}
	s := v.String()
	require.LessOrEqual(t, len(s), 12)
	require.Equal(t, v.ID()[:len(s)], s)
}

var errHeadUnreadable = &fakeErr{"head unreadable"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

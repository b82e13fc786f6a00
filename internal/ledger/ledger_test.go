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

package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOpenAppendAndReadEntries(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	require.NoError(t, l.OpenTask(ctx, TaskRecord{ID: "task-1", MaxMutations: 10, MaxTestRuns: 5, MaxDuration: time.Minute}))
	require.NoError(t, l.Append(ctx, "task-1", Entry{Kind: "reconcile", Summary: "scanned 3 files", Success: true, FailureFingerprint: "fp-a"}))
	require.NoError(t, l.Append(ctx, "task-1", Entry{
		Kind: "mutate", Summary: "applied 1 edit", Success: true,
		ChangedPaths: []string{"a.txt", "b.txt"}, MutationFingerprint: "fp-b",
		RepoBeforeHash: "before", RepoAfterHash: "after", Duration: 5 * time.Millisecond,
	}))

	entries, err := l.EntriesForTask(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, 1, entries[0].Seq)
	require.Equal(t, 2, entries[1].Seq)
	require.Equal(t, "reconcile", entries[0].Kind)
	require.Equal(t, []string{"a.txt", "b.txt"}, entries[1].ChangedPaths)
	require.Equal(t, "fp-b", entries[1].MutationFingerprint)
	require.Equal(t, "before", entries[1].RepoBeforeHash)
	require.Equal(t, "after", entries[1].RepoAfterHash)
}

func TestCloseTaskRecordsCounters(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	require.NoError(t, l.OpenTask(ctx, TaskRecord{ID: "task-1", MaxMutations: 10, MaxTestRuns: 5, MaxDuration: time.Minute}))
	require.NoError(t, l.CloseTask(ctx, "task-1", "closed", 3, 2))

	entries, err := l.RecentFingerprints(ctx, "mutate", 10)
	require.NoError(t, err)
	require.Empty(t, entries)

	var mutations, testRuns int
	require.NoError(t, l.db.QueryRowContext(ctx,
		`SELECT mutation_count, test_run_count FROM tasks WHERE id = ?`, "task-1").Scan(&mutations, &testRuns))
	require.Equal(t, 3, mutations)
	require.Equal(t, 2, testRuns)
}

func TestMarkInterruptedTasksOnlyAffectsOpenTasks(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	require.NoError(t, l.OpenTask(ctx, TaskRecord{ID: "open-task", MaxMutations: 1, MaxTestRuns: 1, MaxDuration: time.Minute}))
	require.NoError(t, l.OpenTask(ctx, TaskRecord{ID: "closed-task", MaxMutations: 1, MaxTestRuns: 1, MaxDuration: time.Minute}))
	require.NoError(t, l.CloseTask(ctx, "closed-task", "closed", 0, 0))

	n, err := l.MarkInterruptedTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestRecentFingerprintsOrdersMostRecentFirst(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	require.NoError(t, l.OpenTask(ctx, TaskRecord{ID: "task-1", MaxMutations: 10, MaxTestRuns: 5, MaxDuration: time.Minute}))
	require.NoError(t, l.Append(ctx, "task-1", Entry{Kind: "mutate", Summary: "first", Success: true, MutationFingerprint: "fp-1"}))
	require.NoError(t, l.Append(ctx, "task-1", Entry{Kind: "mutate", Summary: "second", Success: true, MutationFingerprint: "fp-2"}))

	fps, err := l.RecentFingerprints(ctx, "mutate", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"fp-2", "fp-1"}, fps)
}

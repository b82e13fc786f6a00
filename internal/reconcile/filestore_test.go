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

package reconcile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.json")
	store := NewFileStore(path)

	empty, err := store.LoadRecords(context.Background())
	require.NoError(t, err)
	require.Empty(t, empty)

	records := map[string]PathRecord{
		"a.txt": {Path: "a.txt", ContentHash: "abc", Classification: 0},
	}
	require.NoError(t, store.SaveRecords(context.Background(), records))

	loaded, err := store.LoadRecords(context.Background())
	require.NoError(t, err)
	require.Equal(t, records, loaded)
}

func TestFileStoreSubmoduleHeadsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.json")
	store := NewFileStore(path)

	empty, err := store.LoadSubmoduleHeads(context.Background())
	require.NoError(t, err)
	require.Empty(t, empty)

	heads := map[string]string{"vendor/lib": "abc123"}
	require.NoError(t, store.SaveSubmoduleHeads(context.Background(), heads))

	loaded, err := store.LoadSubmoduleHeads(context.Background())
	require.NoError(t, err)
	require.Equal(t, heads, loaded)
}

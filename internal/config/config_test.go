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

package config

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Test.FailFast = true
	cfg.Indexing.GraphDefaultDepth = 1

	require.NoError(t, SaveConfig(cfg, dir))

	loaded, err := LoadConfig(dir)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestLoadConfigRejectsUnsupportedVersion(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Version = "999"
	require.NoError(t, SaveConfig(cfg, dir))

	_, err := LoadConfig(dir)
	require.Error(t, err)
}

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 2, cfg.Indexing.GraphDefaultDepth)
	require.Equal(t, 3, cfg.Indexing.GraphMaxDepth)
	require.Equal(t, min(runtime.NumCPU(), 8), cfg.Test.MaxWorkers)
	require.Equal(t, 30, cfg.Test.PerTargetTimeout)
	require.Equal(t, 14, cfg.Ledger.RetentionDays)
	require.Equal(t, 500, cfg.Ledger.RetentionTasks)
	require.False(t, cfg.Refactor.PrimaryContextWins, "divergence override must be off by default per spec §4.6")
}

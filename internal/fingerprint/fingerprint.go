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

// Package fingerprint derives RepoVersion, the canonical tuple identifying
// a repository state for cache invalidation.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	rcerrors "github.com/kraklabs/repoctl/internal/errors"
	"github.com/kraklabs/repoctl/internal/vcs"
)

// RepoVersion is the tuple (head_id, staged_index_stat, submodule_heads_map)
// from spec.md §3. It is opaque total-order-per-step identity: two
// RepoVersions are equal iff ID() matches.
type RepoVersion struct {
	HeadID          string
	StagedIndexStat vcs.IndexStat
	SubmoduleHeads  map[string]string
}

// ID returns a deterministic digest of the version tuple, suitable for
// storing as last_seen_version or comparing repo_before/repo_after hashes.
func (v RepoVersion) ID() string {
	h := sha256.New()
	fmt.Fprintf(h, "head:%s\n", v.HeadID)
	fmt.Fprintf(h, "index:%d:%d\n", v.StagedIndexStat.ModTime, v.StagedIndexStat.Size)

	keys := make([]string, 0, len(v.SubmoduleHeads))
	for k := range v.SubmoduleHeads {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "sub:%s:%s\n", k, v.SubmoduleHeads[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (v RepoVersion) Equal(other RepoVersion) bool {
	return v.ID() == other.ID()
}

// Module derives RepoVersion from a vcs.LocalDriver.
type Module struct {
	driver vcs.LocalDriver
}

func New(driver vcs.LocalDriver) *Module {
	return &Module{driver: driver}
}

// CurrentVersion reads head identity, stats the staged-index file, and
// enumerates submodule heads. It never mutates state.
func (m *Module) CurrentVersion(ctx context.Context) (RepoVersion, error) {
	headID, err := m.driver.HeadID(ctx)
	if err != nil {
		return RepoVersion{}, rcerrors.Wrap(rcerrors.VCSMetadataFault, "read head identity", err)
	}

	indexStat, err := m.driver.StagedIndexStat(ctx)
	if err != nil {
		return RepoVersion{}, rcerrors.Wrap(rcerrors.VCSMetadataFault, "stat staged index", err)
	}

	submodules, err := m.driver.SubmoduleHeads(ctx)
	if err != nil {
		return RepoVersion{}, rcerrors.Wrap(rcerrors.VCSMetadataFault, "enumerate submodule heads", err)
	}

	return RepoVersion{
		HeadID:          headID,
		StagedIndexStat: indexStat,
		SubmoduleHeads:  submodules,
	}, nil
}

// String renders a short human-readable form, useful in log attrs.
func (v RepoVersion) String() string {
	id := v.ID()
	if len(id) > 12 {
		id = id[:12]
	}
	return strings.TrimSuffix(id, "\n")
}

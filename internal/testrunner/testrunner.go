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

// Package testrunner defines the per-language test discovery and
// invocation ports the scheduler consumes. Concrete adapters (go test,
// pytest, jest, ...) are external collaborators.
package testrunner

import (
	"context"

	"github.com/kraklabs/repoctl/internal/testsched"
)

// Adapter discovers test targets under a set of paths and knows how to
// invoke one.
type Adapter interface {
	// Discover enumerates runnable test targets under paths.
	Discover(ctx context.Context, paths []string) ([]testsched.TestTarget, error)

	// Invoke runs target and returns its outcome. Implementations are
	// responsible for process lifecycle (spawn, capture output, exit
	// code translation) and must respect ctx cancellation.
	Invoke(ctx context.Context, target testsched.TestTarget) (testsched.Outcome, error)
}

// AdapterRunner adapts an Adapter to testsched.Runner.
type AdapterRunner struct {
	Adapter Adapter
}

func (r AdapterRunner) Run(ctx context.Context, target testsched.TestTarget) (testsched.Outcome, error) {
	return r.Adapter.Invoke(ctx, target)
}

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
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
)

// ExecRemoteDriver spawns the system git binary for network operations,
// inheriting the caller's credential configuration (ssh agent, credential
// helpers). Spec §6 permits subprocess spawning only for remote ops; local
// operations never go through this type.
type ExecRemoteDriver struct {
	repoPath string
	logger   *slog.Logger
}

func NewExecRemoteDriver(repoPath string, logger *slog.Logger) *ExecRemoteDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRemoteDriver{repoPath: repoPath, logger: logger}
}

func (d *ExecRemoteDriver) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = d.repoPath
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %v: %w: %s", args, err, stderr.String())
	}
	return nil
}

func (d *ExecRemoteDriver) Fetch(ctx context.Context, remote string) error {
	d.logger.Info("vcs.remote.fetch", "remote", remote)
	return d.run(ctx, "fetch", remote)
}

func (d *ExecRemoteDriver) Pull(ctx context.Context, remote, branch string) error {
	d.logger.Info("vcs.remote.pull", "remote", remote, "branch", branch)
	return d.run(ctx, "pull", remote, branch)
}

func (d *ExecRemoteDriver) Push(ctx context.Context, remote, branch string) error {
	d.logger.Info("vcs.remote.push", "remote", remote, "branch", branch)
	return d.run(ctx, "push", remote, branch)
}

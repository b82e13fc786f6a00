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

// Package config loads the daemon's construction-time settings: budgets,
// ignore file paths, index paths, worker counts. It is not an operator CLI
// surface — just enough to build the subsystems.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

const (
	StateDirName  = ".repoctl"
	ConfigFile    = "config.yaml"
	configVersion = "1"
)

// Config is the daemon's root configuration, loaded from
// <repo>/.repoctl/config.yaml.
type Config struct {
	Version  string         `yaml:"version"`
	Indexing IndexingConfig `yaml:"indexing"`
	Mutation MutationConfig `yaml:"mutation"`
	Refactor RefactorConfig `yaml:"refactor"`
	Test     TestConfig     `yaml:"test"`
	Ledger   LedgerConfig   `yaml:"ledger"`
}

// IndexingConfig controls the hybrid index.
type IndexingConfig struct {
	MaxFileSize       int64   `yaml:"max_file_size"`
	IndexDocstrings   bool    `yaml:"index_docstrings"`
	MergeThreshold    float64 `yaml:"merge_threshold"` // deleted-doc ratio that triggers a segment merge
	GraphDefaultDepth int     `yaml:"graph_default_depth"`
	GraphMaxDepth     int     `yaml:"graph_max_depth"`
}

// MutationConfig controls the mutation engine's worker pool.
type MutationConfig struct {
	Workers int `yaml:"workers"` // 0 means core count
}

// RefactorConfig controls the refactor engine.
type RefactorConfig struct {
	WorktreeRoot          string `yaml:"worktree_root"`
	MaxParallelContexts   int    `yaml:"max_parallel_contexts"`
	PrimaryContextWins    bool   `yaml:"primary_context_wins"` // off by default per spec §4.6
	LanguageServerTimeout int    `yaml:"language_server_timeout_seconds"`
}

// TestConfig controls the test scheduler.
type TestConfig struct {
	MaxWorkers        int  `yaml:"max_workers"` // default min(cores, 8)
	PerTargetTimeout  int  `yaml:"per_target_timeout_seconds"`
	GlobalTimeout     int  `yaml:"global_timeout_seconds"`
	FailFast          bool `yaml:"fail_fast"`
}

// LedgerConfig controls ledger retention.
type LedgerConfig struct {
	RetentionDays  int `yaml:"retention_days"`
	RetentionTasks int `yaml:"retention_tasks"`
}

// DefaultConfig returns sensible defaults, mirroring spec.md's stated
// defaults (depth 2/max 3, N=min(cores,8), 30s per-target timeout, 14
// days or 500 tasks retention).
func DefaultConfig() *Config {
	return &Config{
		Version: configVersion,
		Indexing: IndexingConfig{
			MaxFileSize:       1048576,
			IndexDocstrings:   false,
			MergeThreshold:    0.3,
			GraphDefaultDepth: 2,
			GraphMaxDepth:     3,
		},
		Mutation: MutationConfig{
			Workers: 0,
		},
		Refactor: RefactorConfig{
			WorktreeRoot:          filepath.Join(StateDirName, "worktrees"),
			MaxParallelContexts:   4,
			PrimaryContextWins:    false,
			LanguageServerTimeout: 10,
		},
		Test: TestConfig{
			MaxWorkers:       min(runtime.NumCPU(), 8),
			PerTargetTimeout: 30,
			GlobalTimeout:    600,
			FailFast:         false,
		},
		Ledger: LedgerConfig{
			RetentionDays:  14,
			RetentionTasks: 500,
		},
	}
}

// LoadConfig reads config.yaml under repoRoot/.repoctl, falling back to
// defaults when the file does not yet exist.
func LoadConfig(repoRoot string) (*Config, error) {
	path := filepath.Join(repoRoot, StateDirName, ConfigFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Version != configVersion {
		return nil, fmt.Errorf("config %s: unsupported version %q (expected %q)", path, cfg.Version, configVersion)
	}
	return cfg, nil
}

// SaveConfig writes cfg to <repoRoot>/.repoctl/config.yaml, creating the
// state directory if needed.
func SaveConfig(cfg *Config, repoRoot string) error {
	dir := filepath.Join(repoRoot, StateDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir %s: %w", dir, err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	path := filepath.Join(dir, ConfigFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

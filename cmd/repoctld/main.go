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

// Package main starts the repository control plane daemon: one process
// per repository, holding the index and ledger, serving operations over
// a Unix domain socket until told to stop.
//
// Usage:
//
//	repoctld --repo /path/to/repo [--socket /path/to/socket.sock]
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/repoctl/internal/config"
	"github.com/kraklabs/repoctl/internal/engine"
	"github.com/kraklabs/repoctl/internal/fingerprint"
	"github.com/kraklabs/repoctl/internal/graph"
	"github.com/kraklabs/repoctl/internal/ignore"
	"github.com/kraklabs/repoctl/internal/ledger"
	"github.com/kraklabs/repoctl/internal/lexical"
	"github.com/kraklabs/repoctl/internal/mutate"
	"github.com/kraklabs/repoctl/internal/parse"
	"github.com/kraklabs/repoctl/internal/reconcile"
	"github.com/kraklabs/repoctl/internal/retrieve"
	"github.com/kraklabs/repoctl/internal/structstore"
	"github.com/kraklabs/repoctl/internal/task"
	"github.com/kraklabs/repoctl/internal/vcs"
)

func main() {
	var (
		repoPath   = flag.String("repo", "", "path to the repository root (default: current directory)")
		socketPath = flag.String("socket", "", "path to the Unix domain socket (default: <repo>/.repoctl/daemon.sock)")
		jsonLogs   = flag.Bool("json-logs", false, "emit JSON structured logs instead of text")
	)
	flag.Parse()

	if *repoPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "repoctld: resolve working directory: %v\n", err)
			os.Exit(1)
		}
		*repoPath = wd
	}
	absRepo, err := filepath.Abs(*repoPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "repoctld: resolve repo path: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(*jsonLogs)

	if *socketPath == "" {
		*socketPath = filepath.Join(absRepo, config.StateDirName, "daemon.sock")
	}

	if err := run(absRepo, *socketPath, logger); err != nil {
		logger.Error("repoctld.fatal", "err", err)
		os.Exit(1)
	}
}

func newLogger(jsonLogs bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if jsonLogs {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		opts.ReplaceAttr = colorizeLevel
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// colorizeLevel wraps the level attribute in an ANSI color when stderr is
// an interactive terminal, the same isatty-gated terminal-output idiom
// the teacher reaches for in its own interactive CLI (cmd/cie/index.go).
func colorizeLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, _ := a.Value.Any().(slog.Level)
	var c *color.Color
	switch {
	case level >= slog.LevelError:
		c = color.New(color.FgRed, color.Bold)
	case level >= slog.LevelWarn:
		c = color.New(color.FgYellow)
	case level >= slog.LevelInfo:
		c = color.New(color.FgCyan)
	default:
		c = color.New(color.FgWhite)
	}
	return slog.String(slog.LevelKey, c.Sprint(level.String()))
}

func run(repoRoot, socketPath string, logger *slog.Logger) error {
	stateDir := filepath.Join(repoRoot, config.StateDirName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir %s: %w", stateDir, err)
	}

	cfg, err := config.LoadConfig(repoRoot)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	driver, err := vcs.NewGoGitDriver(repoRoot, logger)
	if err != nil {
		return fmt.Errorf("open version-control driver: %w", err)
	}

	ignoreEngine, err := ignore.New(
		filepath.Join(repoRoot, ".gitignore"),
		filepath.Join(stateDir, "ignore.extra"),
		nil,
	)
	if err != nil {
		return fmt.Errorf("build ignore engine: %w", err)
	}

	recordStore := reconcile.NewFileStore(filepath.Join(stateDir, "records.json"))
	reconciler := reconcile.New(repoRoot, driver, ignoreEngine, recordStore, logger)

	parser := parse.New(logger)

	store, err := structstore.Open(filepath.Join(stateDir, "struct.db"))
	if err != nil {
		return fmt.Errorf("open structural store: %w", err)
	}
	defer store.Close()

	lex, err := lexical.Open(filepath.Join(stateDir, "lexical"), cfg.Indexing.MergeThreshold)
	if err != nil {
		return fmt.Errorf("open lexical index: %w", err)
	}

	expander := graph.New(store, cfg.Indexing.GraphDefaultDepth)
	retriever := retrieve.New(lex, store, expander)

	mutator := mutate.New(repoRoot, driver, ignoreEngine, logger)
	fingerprints := fingerprint.New(driver)

	led, err := ledger.Open(filepath.Join(stateDir, "ledger.db"), logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer led.Close()

	tasks := task.NewManager(led)

	// Refactor contexts and test adapters are external, language-specific
	// collaborators (language-server sessions, test runners) not yet
	// wired for any concrete language; the engine reports
	// insufficient_context / runs zero targets until one is configured.
	eng := engine.New(engine.Deps{
		RepoRoot: repoRoot, Config: cfg, Logger: logger,
		Reconciler: reconciler, Parser: parser, Store: store,
		Lexical: lex, Retriever: retriever, Mutator: mutator,
		Ledger: led, Tasks: tasks, Fingerprints: fingerprints,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	srv, err := newServer(eng, tasks, socketPath, logger)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("repoctld.shutdown.signal_received")
		srv.Stop()
		cancel()
	}()

	logger.Info("repoctld.started", "repo_root", repoRoot, "socket", socketPath)
	return srv.Serve()
}

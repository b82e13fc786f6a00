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

// Package ignore implements the two-layer ignore engine: a tracked-ignore
// layer (the version-control native ignore file) and an extended-ignore
// layer (a daemon-maintained superset). Extended-ignore defaults take
// precedence over the opt-in overlay list.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// Classification is the per-path admit/overlay/exclude decision.
type Classification int

const (
	Tracked Classification = iota
	Overlay
	Ignored
)

func (c Classification) String() string {
	switch c {
	case Tracked:
		return "tracked"
	case Overlay:
		return "overlay"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// defaultExtendedPatterns block secret-looking and noise paths even when a
// user has opted a directory into the overlay. Mirrors the teacher's own
// default exclude set in cmd/cie/config.go, expanded per spec.md §4.2's
// enumerated categories (env files, keys/certs, lockfiles, bytecode
// caches, venvs, build outputs, logs, coverage).
var defaultExtendedPatterns = []string{
	".env", ".env.*",
	"*.pem", "*.key", "*.crt", "*.p12",
	"*.lock",
	"__pycache__/", "*.pyc",
	".venv/", "venv/",
	"node_modules/",
	"dist/", "build/", "target/",
	"*.log",
	"coverage/", "*.cover",
	".git/",
}

// Engine classifies paths using the two layers. A path matched by the
// extended-ignore layer is always excluded. Otherwise a path the
// version-control index tracks is tracked, whatever the native ignore
// file says; an untracked path is overlay only when opted into the
// overlay list, and excluded otherwise.
type Engine struct {
	trackedMatcher gitignore.Matcher
	extendedMatcher gitignore.Matcher
	overlayMatcher  gitignore.Matcher
}

// New builds an Engine from three pattern sources: the repository's
// .gitignore-equivalent file, the daemon's extended-ignore file (defaults
// plus user additions), and an explicit overlay opt-in list.
func New(trackedIgnorePath, extendedIgnorePath string, overlayPatterns []string) (*Engine, error) {
	trackedPatterns, err := readPatternFile(trackedIgnorePath)
	if err != nil {
		return nil, err
	}

	extendedPatterns, err := readPatternFile(extendedIgnorePath)
	if err != nil {
		return nil, err
	}
	extendedPatterns = append(append([]string{}, defaultExtendedPatterns...), extendedPatterns...)

	return &Engine{
		trackedMatcher:  gitignore.NewMatcher(compilePatterns(trackedPatterns)),
		extendedMatcher: gitignore.NewMatcher(compilePatterns(extendedPatterns)),
		overlayMatcher:  gitignore.NewMatcher(compilePatterns(overlayPatterns)),
	}, nil
}

// Classify decides tracked/overlay/ignored for path. isTracked reports
// whether the version-control index already tracks the path (from
// vcs.LocalDriver.TrackedEntries). The native ignore file only applies
// to the untracked side, matching real git semantics; extended-ignore
// applies to both sides.
func (e *Engine) Classify(path string, isTracked bool) Classification {
	components := strings.Split(filepath.ToSlash(path), "/")

	if e.extendedMatcher.Match(components, false) {
		return Ignored
	}

	if isTracked {
		return Tracked
	}

	if e.trackedMatcher.Match(components, false) {
		// Untracked and matched by the native ignore file: only eligible
		// for the overlay if explicitly opted in.
		if e.overlayMatcher.Match(components, false) {
			return Overlay
		}
		return Ignored
	}

	// Untracked, not ignored by the native file: still requires overlay
	// opt-in to be indexed (spec.md "opted-in untracked entry").
	if e.overlayMatcher.Match(components, false) {
		return Overlay
	}
	return Ignored
}

// IsNativeIgnored reports whether path matches the tracked-ignore layer
// alone (the version-control native ignore file), independent of the
// overlay opt-in list. Callers use this to distinguish a path that was
// only ever plainly opted into the overlay from one that overrides a
// native ignore rule and must be flagged for client confirmation.
func (e *Engine) IsNativeIgnored(path string) bool {
	components := strings.Split(filepath.ToSlash(path), "/")
	return e.trackedMatcher.Match(components, false)
}

func readPatternFile(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, scanner.Err()
}

func compilePatterns(patterns []string) []gitignore.Pattern {
	compiled := make([]gitignore.Pattern, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, gitignore.ParsePattern(p, nil))
	}
	return compiled
}

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

// Package task is the correlation envelope: explicit open/close,
// persisted budgets, and fingerprint memory across operations. A task
// carries no intent, prompts, or reasoning — only counters and digests.
package task

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rcerrors "github.com/kraklabs/repoctl/internal/errors"
	"github.com/kraklabs/repoctl/internal/ledger"
)

// State is a task's terminal or in-flight lifecycle state.
type State string

const (
	StateOpen             State = "open"
	StateClosedSuccess    State = "closed_success"
	StateClosedFailed     State = "closed_failed"
	StateClosedInterrupted State = "closed_interrupted"
)

// Budgets bound how much convergence work a task may spend.
type Budgets struct {
	MaxMutations int
	MaxTestRuns  int
	MaxDuration  time.Duration
}

// Task is the in-memory view of one open correlation envelope; the
// ledger holds the durable record.
type Task struct {
	mu sync.Mutex

	ID       string
	Budgets  Budgets
	State    State
	OpenedAt time.Time

	MutationCount int
	TestRunCount  int

	LastMutationFingerprint string
	LastFailureFingerprint  string
	repeatFailureStreak     int

	ConvergenceStall bool
}

// Manager opens, tracks, and closes tasks, persisting every transition
// to the ledger.
type Manager struct {
	mu     sync.Mutex
	ledger *ledger.Ledger
	open   map[string]*Task
}

func NewManager(l *ledger.Ledger) *Manager {
	return &Manager{ledger: l, open: make(map[string]*Task)}
}

// Open starts a new task with the given budgets and records it in the
// ledger.
func (m *Manager) Open(ctx context.Context, budgets Budgets) (*Task, error) {
	t := &Task{
		ID:       uuid.NewString(),
		Budgets:  budgets,
		State:    StateOpen,
		OpenedAt: time.Now().UTC(),
	}
	if err := m.ledger.OpenTask(ctx, ledger.TaskRecord{
		ID: t.ID, MaxMutations: budgets.MaxMutations, MaxTestRuns: budgets.MaxTestRuns,
		MaxDuration: budgets.MaxDuration, CreatedAt: t.OpenedAt,
	}); err != nil {
		return nil, fmt.Errorf("open task: %w", err)
	}

	m.mu.Lock()
	m.open[t.ID] = t
	m.mu.Unlock()
	return t, nil
}

// Get returns an open task, rejecting lookups against a task that's
// already closed or was never opened in this process (restart-to-
// interrupted: the caller must reopen).
func (m *Manager) Get(taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.open[taskID]
	if !ok {
		return nil, rcerrors.New(rcerrors.PreconditionMismatch, fmt.Sprintf("task %s is not open", taskID))
	}
	return t, nil
}

// Close transitions a task to a terminal state and persists the final
// counters, then drops it from the in-memory open set.
func (m *Manager) Close(ctx context.Context, taskID string, state State) error {
	t, err := m.Get(taskID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.State = state
	mutCount, testCount := t.MutationCount, t.TestRunCount
	t.mu.Unlock()

	if err := m.ledger.CloseTask(ctx, taskID, string(state), mutCount, testCount); err != nil {
		return fmt.Errorf("close task %s: %w", taskID, err)
	}

	m.mu.Lock()
	delete(m.open, taskID)
	m.mu.Unlock()
	return nil
}

// RecoverInterrupted marks every task left open by a prior daemon
// process as interrupted, per spec.md's restart-to-interrupted
// semantics. Called once at daemon start, before any task is reopened.
func (m *Manager) RecoverInterrupted(ctx context.Context) (int64, error) {
	return m.ledger.MarkInterruptedTasks(ctx)
}

// CheckMutationBudget increments the mutation counter and reports
// whether the task's mutation budget is now exhausted.
func (t *Task) CheckMutationBudget() (exhausted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.MutationCount++
	return t.Budgets.MaxMutations > 0 && t.MutationCount > t.Budgets.MaxMutations
}

// CheckTestRunBudget increments the test-run counter and reports
// whether the task's test-run budget is now exhausted.
func (t *Task) CheckTestRunBudget() (exhausted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.TestRunCount++
	return t.Budgets.MaxTestRuns > 0 && t.TestRunCount > t.Budgets.MaxTestRuns
}

// DurationExceeded reports whether the task has run longer than its
// max-duration budget.
func (t *Task) DurationExceeded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Budgets.MaxDuration > 0 && time.Since(t.OpenedAt) > t.Budgets.MaxDuration
}

// MutationFingerprint computes the digest of (sorted changed paths,
// diff statistics, symbols-changed set). It records nothing;
// Task.RecordMutationFingerprint compares it with the task's previous
// fingerprint (a no-op mutation signal).
func MutationFingerprint(changedPaths []string, diffStats string, symbolsChanged []string) string {
	paths := append([]string(nil), changedPaths...)
	sort.Strings(paths)
	syms := append([]string(nil), symbolsChanged...)
	sort.Strings(syms)

	h := sha256.New()
	h.Write([]byte(strings.Join(paths, "\x00")))
	h.Write([]byte("\x01"))
	h.Write([]byte(diffStats))
	h.Write([]byte("\x01"))
	h.Write([]byte(strings.Join(syms, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}

// FailureFingerprint computes the digest of (sorted failing-target
// identities, normalized exception family, normalized stack frames,
// exit code).
func FailureFingerprint(failingTargets []string, exceptionFamily string, normalizedFrames []string, exitCode int) string {
	targets := append([]string(nil), failingTargets...)
	sort.Strings(targets)
	frames := append([]string(nil), normalizedFrames...)

	h := sha256.New()
	h.Write([]byte(strings.Join(targets, "\x00")))
	h.Write([]byte("\x01"))
	h.Write([]byte(exceptionFamily))
	h.Write([]byte("\x01"))
	h.Write([]byte(strings.Join(frames, "\x00")))
	h.Write([]byte("\x01"))
	fmt.Fprintf(h, "%d", exitCode)
	return hex.EncodeToString(h.Sum(nil))
}

// RecordMutationFingerprint updates the task's mutation fingerprint
// memory, reporting whether this mutation was a no-op repeat of the
// last one.
func (t *Task) RecordMutationFingerprint(fp string) (isNoOpRepeat bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	isNoOpRepeat = t.LastMutationFingerprint != "" && t.LastMutationFingerprint == fp
	t.LastMutationFingerprint = fp
	return isNoOpRepeat
}

// RecordFailureFingerprint updates the task's failure fingerprint
// memory. Two consecutive identical failure fingerprints mark the task
// as stalled (spec.md §4.8 "Convergence stall"); a third repetition is
// left to the caller to treat as budget exhaustion.
func (t *Task) RecordFailureFingerprint(fp string) (stalled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.LastFailureFingerprint != "" && t.LastFailureFingerprint == fp {
		t.repeatFailureStreak++
	} else {
		t.repeatFailureStreak = 0
	}
	t.LastFailureFingerprint = fp
	t.ConvergenceStall = t.repeatFailureStreak >= 1
	return t.ConvergenceStall
}

// RepeatFailureStreak reports how many consecutive identical failure
// fingerprints have been recorded.
func (t *Task) RepeatFailureStreak() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.repeatFailureStreak
}

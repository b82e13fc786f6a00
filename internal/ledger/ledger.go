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

// Package ledger is the append-only task/operation audit trail, backed
// by a local SQLite database. Rows are never updated in place once a
// task closes; retention pruning removes the oldest closed tasks on
// daemon start.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one row of the operations ledger, matching spec.md §3's
// LedgerEntry tuple: (op_id, task_id, timestamp, duration, op_type,
// success, repo_before_hash, repo_after_hash, changed_paths, diff_stats,
// mutation_fingerprint?, failure_fingerprint?, failure_class?,
// limit_triggered?).
type Entry struct {
	ID       int64
	TaskID   string
	Seq      int
	Kind     string // operation type, e.g. "retrieve", "mutate", "refactor.plan", "refactor.apply", "test.run"
	Summary  string
	Duration time.Duration
	Success  bool

	RepoBeforeHash string
	RepoAfterHash  string
	ChangedPaths   []string
	DiffStats      string

	MutationFingerprint string
	FailureFingerprint  string
	FailureClass        string
	FailingTargets      []string
	BudgetTriggered     bool

	CreatedAt time.Time
}

// TaskRecord is the append-only header row for a task envelope.
type TaskRecord struct {
	ID          string
	State       string // "open", "closed_success", "closed_failed", "closed_interrupted"
	MaxMutations int
	MaxTestRuns  int
	MaxDuration  time.Duration
	MutationCount int
	TestRunCount  int
	CreatedAt   time.Time
	ClosedAt    *time.Time
}

// Ledger wraps a SQLite-backed append-only store.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if absent) the ledger database at path and ensures
// its schema exists.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite: single writer, avoid SQLITE_BUSY under our own load

	l := &Ledger{db: db, logger: logger}
	if err := l.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) ensureSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	max_mutations INTEGER NOT NULL,
	max_test_runs INTEGER NOT NULL,
	max_duration_ms INTEGER NOT NULL,
	mutation_count INTEGER NOT NULL DEFAULT 0,
	test_run_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	closed_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS operations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	summary TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	success INTEGER NOT NULL DEFAULT 1,
	repo_before_hash TEXT NOT NULL DEFAULT '',
	repo_after_hash TEXT NOT NULL DEFAULT '',
	changed_paths TEXT NOT NULL DEFAULT '[]',
	diff_stats TEXT NOT NULL DEFAULT '',
	mutation_fingerprint TEXT NOT NULL DEFAULT '',
	failure_fingerprint TEXT NOT NULL DEFAULT '',
	failure_class TEXT NOT NULL DEFAULT '',
	failing_targets TEXT NOT NULL DEFAULT '[]',
	budget_triggered INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_operations_task ON operations(task_id, seq);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
`
	_, err := l.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("ensure ledger schema: %w", err)
	}
	return nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// OpenTask appends a new task header row.
func (l *Ledger) OpenTask(ctx context.Context, t TaskRecord) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO tasks (id, state, max_mutations, max_test_runs, max_duration_ms, created_at) VALUES (?, 'open', ?, ?, ?, ?)`,
		t.ID, t.MaxMutations, t.MaxTestRuns, t.MaxDuration.Milliseconds(), timeOrNow(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("open task %s: %w", t.ID, err)
	}
	return nil
}

// CloseTask marks a task as closed (or interrupted) and records its
// final counters. Restart-to-interrupted semantics: a task still "open"
// when the daemon restarts is marked interrupted by the caller before
// any new operation against it is accepted.
func (l *Ledger) CloseTask(ctx context.Context, taskID, finalState string, mutationCount, testRunCount int) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, mutation_count = ?, test_run_count = ?, closed_at = ? WHERE id = ?`,
		finalState, mutationCount, testRunCount, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("close task %s: %w", taskID, err)
	}
	return nil
}

// MarkInterruptedTasks transitions every still-open task to
// "closed_interrupted", called once at daemon start.
func (l *Ledger) MarkInterruptedTasks(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `UPDATE tasks SET state = 'closed_interrupted', closed_at = ? WHERE state = 'open'`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("mark interrupted tasks: %w", err)
	}
	return res.RowsAffected()
}

// Append adds one operation entry to a task's ledger, with a
// monotonically increasing sequence number scoped to the task. Entry's
// ID, Seq, TaskID (taken from the taskID argument), and CreatedAt are
// assigned here; every other field is taken from e as given by the
// caller, so the full structured record — changed paths, diff stats,
// fingerprints, failure class, failing targets, budget-triggered — is
// durable, not flattened into free text (spec.md §3, §4.8).
func (l *Ledger) Append(ctx context.Context, taskID string, e Entry) error {
	var nextSeq int
	row := l.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM operations WHERE task_id = ?`, taskID)
	if err := row.Scan(&nextSeq); err != nil {
		return fmt.Errorf("next seq for %s: %w", taskID, err)
	}

	changedPaths, err := json.Marshal(nonNilStrings(e.ChangedPaths))
	if err != nil {
		return fmt.Errorf("marshal changed paths for %s: %w", taskID, err)
	}
	failingTargets, err := json.Marshal(nonNilStrings(e.FailingTargets))
	if err != nil {
		return fmt.Errorf("marshal failing targets for %s: %w", taskID, err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO operations (
			task_id, seq, kind, summary, duration_ms, success,
			repo_before_hash, repo_after_hash, changed_paths, diff_stats,
			mutation_fingerprint, failure_fingerprint, failure_class,
			failing_targets, budget_triggered, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		taskID, nextSeq, e.Kind, e.Summary, e.Duration.Milliseconds(), e.Success,
		e.RepoBeforeHash, e.RepoAfterHash, string(changedPaths), e.DiffStats,
		e.MutationFingerprint, e.FailureFingerprint, e.FailureClass,
		string(failingTargets), e.BudgetTriggered, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append ledger entry for %s: %w", taskID, err)
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// EntriesForTask returns every operation recorded for taskID in sequence
// order.
func (l *Ledger) EntriesForTask(ctx context.Context, taskID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, task_id, seq, kind, summary, duration_ms, success,
			repo_before_hash, repo_after_hash, changed_paths, diff_stats,
			mutation_fingerprint, failure_fingerprint, failure_class,
			failing_targets, budget_triggered, created_at
		 FROM operations WHERE task_id = ? ORDER BY seq`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query entries for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var durationMs int64
		var changedPaths, failingTargets string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Seq, &e.Kind, &e.Summary, &durationMs, &e.Success,
			&e.RepoBeforeHash, &e.RepoAfterHash, &changedPaths, &e.DiffStats,
			&e.MutationFingerprint, &e.FailureFingerprint, &e.FailureClass,
			&failingTargets, &e.BudgetTriggered, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Duration = time.Duration(durationMs) * time.Millisecond
		if err := json.Unmarshal([]byte(changedPaths), &e.ChangedPaths); err != nil {
			return nil, fmt.Errorf("unmarshal changed paths: %w", err)
		}
		if err := json.Unmarshal([]byte(failingTargets), &e.FailingTargets); err != nil {
			return nil, fmt.Errorf("unmarshal failing targets: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentFingerprints returns the mutation or failure fingerprints of the
// last limit operations of kind across all tasks, most recent first,
// used for convergence-stall detection (spec.md §4.8).
func (l *Ledger) RecentFingerprints(ctx context.Context, kind string, limit int) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT CASE WHEN mutation_fingerprint != '' THEN mutation_fingerprint ELSE failure_fingerprint END
		 FROM operations
		 WHERE kind = ? AND (mutation_fingerprint != '' OR failure_fingerprint != '')
		 ORDER BY id DESC LIMIT ?`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("recent fingerprints: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

// PruneRetention deletes closed tasks (and their operations) beyond the
// retention window: older than maxAge, or beyond maxTasks most-recent
// closed tasks, whichever is smaller.
func (l *Ledger) PruneRetention(ctx context.Context, maxAge time.Duration, maxTasks int) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM tasks WHERE state != 'open' AND closed_at < ?
		 UNION
		 SELECT id FROM tasks WHERE state != 'open' AND id NOT IN (
		   SELECT id FROM tasks WHERE state != 'open' ORDER BY closed_at DESC LIMIT ?
		 )`, cutoff, maxTasks)
	if err != nil {
		return 0, fmt.Errorf("select prune candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan prune candidate: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	var pruned int64
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE task_id = ?`, id); err != nil {
			return pruned, fmt.Errorf("delete operations for %s: %w", id, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return pruned, fmt.Errorf("delete task %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		pruned += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune tx: %w", err)
	}
	if pruned > 0 {
		l.logger.Info("ledger.prune.complete", "tasks_removed", pruned)
	}
	return pruned, nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

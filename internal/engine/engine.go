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

// Package engine ties reconciliation, indexing, and the operation
// lifecycle together: an operation arrives, the engine runs bounded
// reconciliation, executes the operation, emits a structured delta,
// appends ledger entries, and returns the result.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kraklabs/repoctl/internal/config"
	rcerrors "github.com/kraklabs/repoctl/internal/errors"
	"github.com/kraklabs/repoctl/internal/fingerprint"
	"github.com/kraklabs/repoctl/internal/ledger"
	"github.com/kraklabs/repoctl/internal/lexical"
	"github.com/kraklabs/repoctl/internal/mutate"
	"github.com/kraklabs/repoctl/internal/parse"
	"github.com/kraklabs/repoctl/internal/reconcile"
	"github.com/kraklabs/repoctl/internal/refactor"
	"github.com/kraklabs/repoctl/internal/retrieve"
	"github.com/kraklabs/repoctl/internal/structstore"
	"github.com/kraklabs/repoctl/internal/task"
	"github.com/kraklabs/repoctl/internal/testrunner"
	"github.com/kraklabs/repoctl/internal/testsched"
)

// Engine is the daemon's single point of coordination: every client
// operation passes through Reconcile (bounded), the operation itself,
// then ledger append.
type Engine struct {
	repoRoot string
	cfg      *config.Config
	logger   *slog.Logger

	reconciler  *reconcile.Engine
	parser      *parse.Parser
	store       *structstore.Store
	lex         *lexical.Index
	retriever   *retrieve.Pipeline
	mutator     *mutate.Engine
	ledger      *ledger.Ledger
	tasks       *task.Manager
	fingerprints *fingerprint.Module
	refactor    *refactor.Engine
	testAdapters map[string]testrunner.Adapter
	testCost    *testsched.CostModel

	mu          sync.Mutex
	lastTargets []testsched.TestTarget

	// writeLease serializes mutating operations (mutate, refactor.apply)
	// so at most one is active per repo at a time, and mutations are
	// totally ordered by lease acquisition (spec.md §5). Reads are not
	// gated by this lease.
	writeLease sync.Mutex
}

// Deps bundles every constructed subsystem Engine coordinates; each is
// built and owned by cmd/repoctld's wiring. Refactor and TestAdapters
// may be left nil/empty: the corresponding operations then report
// insufficient context or run zero targets rather than panic, since
// concrete language-server sandboxes and test adapters are pluggable,
// externally supplied collaborators per spec.md §1.
type Deps struct {
	RepoRoot    string
	Config      *config.Config
	Logger      *slog.Logger
	Reconciler  *reconcile.Engine
	Parser      *parse.Parser
	Store       *structstore.Store
	Lexical     *lexical.Index
	Retriever   *retrieve.Pipeline
	Mutator     *mutate.Engine
	Ledger      *ledger.Ledger
	Tasks       *task.Manager
	Fingerprints *fingerprint.Module
	Refactor    *refactor.Engine
	TestAdapters map[string]testrunner.Adapter
	TestCost    *testsched.CostModel
}

func New(d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	testAdapters := d.TestAdapters
	if testAdapters == nil {
		testAdapters = map[string]testrunner.Adapter{}
	}
	testCost := d.TestCost
	if testCost == nil {
		testCost = testsched.NewCostModel(0)
	}
	return &Engine{
		repoRoot: d.RepoRoot, cfg: d.Config, logger: logger,
		reconciler: d.Reconciler, parser: d.Parser, store: d.Store,
		lex: d.Lexical, retriever: d.Retriever, mutator: d.Mutator,
		ledger: d.Ledger, tasks: d.Tasks,
		fingerprints: d.Fingerprints, refactor: d.Refactor,
		testAdapters: testAdapters, testCost: testCost,
	}
}

// Start recovers interrupted tasks and prunes ledger retention, run once
// before the engine accepts any operation.
func (e *Engine) Start(ctx context.Context) error {
	n, err := e.tasks.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted tasks: %w", err)
	}
	if n > 0 {
		e.logger.Info("engine.start.recovered_interrupted", "count", n)
	}

	maxAge := time.Duration(e.cfg.Ledger.RetentionDays) * 24 * time.Hour
	pruned, err := e.ledger.PruneRetention(ctx, maxAge, e.cfg.Ledger.RetentionTasks)
	if err != nil {
		return fmt.Errorf("prune ledger retention: %w", err)
	}
	if pruned > 0 {
		e.logger.Info("engine.start.pruned_ledger", "count", pruned)
	}
	return nil
}

// reconcileAndReindex runs bounded reconciliation, then reparses and
// reindexes every changed path, keeping the lexical index, structural
// store, and graph edges in lockstep, per spec.md's "no in-flight
// operation observes an inconsistent index" invariant. Every structural-
// store write for the pass runs inside one bbolt transaction (via
// structstore.Store.WithWriteTx), so a concurrent reader's View either
// sees the whole pass's effect or none of it, never a part-updated,
// part-stale index (spec.md §5, §8 testable property 3).
func (e *Engine) reconcileAndReindex(ctx context.Context) (*reconcile.ChangeSet, error) {
	changes, err := e.reconciler.Reconcile(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	docs := make(map[string][]string)
	chunkIDByDoc := make(map[string]string)
	var superseded []string

	changedPaths := append([]string{}, changes.Added...)
	changedPaths = append(changedPaths, changes.Modified...)

	err = e.store.WithWriteTx(func(tx *structstore.Tx) error {
		for _, path := range changedPaths {
			superseded = append(superseded, path)
			if err := tx.DeleteChunksForPath(path); err != nil {
				return fmt.Errorf("invalidate chunks for %s: %w", path, err)
			}

			content, lang, err := e.readForParse(path)
			if err != nil {
				e.logger.Warn("engine.reindex.read_failed", "path", path, "err", err)
				continue
			}

			result, _, err := e.parser.ParseFile(ctx, path, lang, content)
			if err != nil {
				e.logger.Warn("engine.reindex.parse_failed", "path", path, "err", err)
				continue
			}

			for _, c := range result.Chunks {
				if err := tx.PutChunk(c); err != nil {
					return fmt.Errorf("put chunk %s: %w", c.ID, err)
				}
			}
			for _, s := range result.Symbols {
				if err := tx.PutSymbol(s); err != nil {
					return fmt.Errorf("put symbol %s: %w", s.ID, err)
				}
			}
			for _, rel := range result.Calls {
				if err := tx.PutRelation(rel); err != nil {
					return fmt.Errorf("put relation: %w", err)
				}
			}

			tokens := lexical.Tokenize(path)
			for _, s := range result.Symbols {
				tokens = append(tokens, lexical.Tokenize(s.Name)...)
			}
			docs[path] = tokens
			if len(result.Chunks) > 0 {
				chunkIDByDoc[path] = result.Chunks[0].ID
			}
		}

		for _, path := range changes.Deleted {
			superseded = append(superseded, path)
			if err := tx.DeleteChunksForPath(path); err != nil {
				return fmt.Errorf("invalidate chunks for %s: %w", path, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(docs) > 0 || len(superseded) > 0 {
		if err := e.lex.AppendSegment(docs, chunkIDByDoc, superseded); err != nil {
			return nil, fmt.Errorf("append lexical segment: %w", err)
		}
	}

	return changes, nil
}

func (e *Engine) readForParse(path string) ([]byte, parse.Language, error) {
	content, err := os.ReadFile(filepath.Join(e.repoRoot, path))
	if err != nil {
		return nil, parse.LangUnknown, err
	}
	return content, languageForPath(path), nil
}

func languageForPath(path string) parse.Language {
	switch filepath.Ext(path) {
	case ".go":
		return parse.LangGo
	case ".py":
		return parse.LangPython
	case ".js", ".jsx", ".mjs":
		return parse.LangJavaScript
	default:
		return parse.LangUnknown
	}
}

// RunRetrieve executes a bounded reconciliation pass followed by a
// retrieval query, per spec.md §2's control flow, appending a ledger
// entry for the operation.
func (e *Engine) RunRetrieve(ctx context.Context, taskID string, q retrieve.Query) ([]retrieve.Result, error) {
	start := time.Now()
	changes, err := e.reconcileAndReindex(ctx)
	if err != nil {
		return nil, err
	}

	results, err := e.retriever.Run(q)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	summary := fmt.Sprintf("query=%q results=%d changed=%d", q.Text, len(results), changedCount(changes))
	entry := ledger.Entry{
		Kind:      "retrieve",
		Summary:   summary,
		Success:   true,
		Duration:  time.Since(start),
		DiffStats: fmt.Sprintf("results=%d changed=%d", len(results), changedCount(changes)),
	}
	if appendErr := e.ledger.Append(ctx, taskID, entry); appendErr != nil {
		e.logger.Warn("engine.ledger_append_failed", "err", appendErr)
	}
	e.logger.Info("engine.retrieve.complete", "task_id", taskID, "duration", time.Since(start), "result_count", len(results))
	return results, nil
}

// RunMutation executes bounded reconciliation, applies an edit batch,
// reindexes the changed paths, and appends a ledger entry recording the
// resulting mutation fingerprint.
func (e *Engine) RunMutation(ctx context.Context, tk *task.Task, scope []string, edits []mutate.Edit) (*mutate.MutationDelta, error) {
	start := time.Now()
	if exhausted := tk.CheckMutationBudget(); exhausted {
		return nil, e.rejectBudgetExhausted(ctx, tk, "mutate", fmt.Sprintf("mutation budget exhausted for task %s", tk.ID))
	}
	if tk.DurationExceeded() {
		return nil, e.rejectBudgetExhausted(ctx, tk, "mutate", fmt.Sprintf("max duration exceeded for task %s", tk.ID))
	}

	e.writeLease.Lock()
	defer e.writeLease.Unlock()

	if _, err := e.reconcileAndReindex(ctx); err != nil {
		return nil, err
	}

	repoBefore := e.currentFingerprint(ctx)

	delta, err := e.mutator.Apply(ctx, scope, edits)
	if err != nil {
		return nil, err
	}

	if err := e.finalizeMutation(ctx, tk, delta, repoBefore, "mutate", start); err != nil {
		return nil, err
	}
	e.logger.Info("engine.mutation.complete", "scope", scope, "mutation_id", delta.MutationID,
		"applied", len(delta.AppliedPaths), "failed", len(delta.FailedPaths))
	return delta, nil
}

// RunRefactorPlan reconciles, then runs the refactor engine's compute
// phase for req, reporting insufficient-context if no refactor engine
// is wired (spec.md §4.6's plan taxonomy).
func (e *Engine) RunRefactorPlan(ctx context.Context, tk *task.Task, req refactor.Request, contexts []refactor.Context) (*refactor.Outcome, error) {
	if e.refactor == nil {
		return &refactor.Outcome{Kind: "insufficient_context", Reason: "refactor engine not configured"}, nil
	}
	if _, err := e.reconcileAndReindex(ctx); err != nil {
		return nil, err
	}

	outcome, err := e.refactor.Plan(ctx, req, contexts)
	if err != nil {
		return nil, err
	}

	summary := fmt.Sprintf("kind=%s result=%s plan_id=%s", req.Kind, outcome.Kind, outcome.PlanID)
	entry := ledger.Entry{
		Kind:    "refactor.plan",
		Summary: summary,
		Success: outcome.Kind == "planned",
	}
	if appendErr := e.ledger.Append(ctx, tk.ID, entry); appendErr != nil {
		e.logger.Warn("engine.ledger_append_failed", "err", appendErr)
	}
	return outcome, nil
}

// RunRefactorApply consumes a previously staged plan and applies it
// through the refactor and mutation engines, folding the result into
// the same fingerprint/symbol-diff bookkeeping RunMutation performs.
func (e *Engine) RunRefactorApply(ctx context.Context, tk *task.Task, planID string) (*refactor.Outcome, error) {
	start := time.Now()
	if e.refactor == nil {
		return nil, rcerrors.New(rcerrors.InvariantViolation, "refactor engine not configured")
	}
	if exhausted := tk.CheckMutationBudget(); exhausted {
		return nil, e.rejectBudgetExhausted(ctx, tk, "refactor.apply", fmt.Sprintf("mutation budget exhausted for task %s", tk.ID))
	}
	if tk.DurationExceeded() {
		return nil, e.rejectBudgetExhausted(ctx, tk, "refactor.apply", fmt.Sprintf("max duration exceeded for task %s", tk.ID))
	}

	e.writeLease.Lock()
	defer e.writeLease.Unlock()

	if _, err := e.reconcileAndReindex(ctx); err != nil {
		return nil, err
	}

	repoBefore := e.currentFingerprint(ctx)

	outcome, err := e.refactor.Apply(ctx, planID)
	if err != nil {
		return nil, err
	}

	if outcome.Delta != nil {
		if err := e.finalizeMutation(ctx, tk, outcome.Delta, repoBefore, "refactor.apply", start); err != nil {
			return nil, err
		}
	}
	return outcome, nil
}

// RunTests discovers and runs test targets under paths, bin-packing
// across every registered language adapter, and records a failure
// fingerprint for stall detection when targets fail.
func (e *Engine) RunTests(ctx context.Context, tk *task.Task, paths []string, failFast bool) (*testsched.Result, error) {
	start := time.Now()
	if exhausted := tk.CheckTestRunBudget(); exhausted {
		return nil, e.rejectBudgetExhausted(ctx, tk, "test.run", fmt.Sprintf("test-run budget exhausted for task %s", tk.ID))
	}
	if tk.DurationExceeded() {
		return nil, e.rejectBudgetExhausted(ctx, tk, "test.run", fmt.Sprintf("max duration exceeded for task %s", tk.ID))
	}
	if _, err := e.reconcileAndReindex(ctx); err != nil {
		return nil, err
	}

	var targets []testsched.TestTarget
	langByID := make(map[string]string)
	for lang, adapter := range e.testAdapters {
		discovered, err := adapter.Discover(ctx, paths)
		if err != nil {
			e.logger.Warn("engine.test.discover_failed", "language", lang, "err", err)
			continue
		}
		for _, tgt := range discovered {
			langByID[tgt.ID] = lang
		}
		targets = append(targets, discovered...)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })

	e.mu.Lock()
	e.lastTargets = targets
	e.mu.Unlock()

	runner := compositeTestRunner{adapters: e.testAdapters, langByID: langByID}
	perTarget := time.Duration(e.cfg.Test.PerTargetTimeout) * time.Second
	global := time.Duration(e.cfg.Test.GlobalTimeout) * time.Second
	scheduler := testsched.New(runner, e.testCost, e.cfg.Test.MaxWorkers, perTarget, global, testsched.WithFailFast(failFast))

	result, err := scheduler.Run(ctx, targets)
	if err != nil {
		return nil, fmt.Errorf("run tests: %w", err)
	}
	for _, o := range result.Outcomes {
		e.testCost.Observe(o.TargetID, o.Duration)
	}

	var failing []string
	for _, o := range result.Outcomes {
		if !o.Passed {
			failing = append(failing, o.TargetID)
		}
	}
	sort.Strings(failing)
	fp := task.FailureFingerprint(failing, "", nil, 0)
	var stalled bool
	if len(failing) > 0 {
		stalled = tk.RecordFailureFingerprint(fp)
	}
	result.ConvergenceStall = stalled

	summary := fmt.Sprintf("targets=%d failing=%d flaky=%d", len(targets), len(failing), len(result.Flaky))
	entry := ledger.Entry{
		Kind:               "test.run",
		Summary:            summary,
		Success:            len(failing) == 0,
		Duration:           time.Since(start),
		FailureFingerprint: fp,
		FailingTargets:     failing,
	}
	if appendErr := e.ledger.Append(ctx, tk.ID, entry); appendErr != nil {
		e.logger.Warn("engine.ledger_append_failed", "err", appendErr)
	}
	return result, nil
}

// compositeTestRunner dispatches to the adapter registered for each
// target's discovering language, letting RunTests bin-pack targets
// discovered by different adapters onto one scheduler.
type compositeTestRunner struct {
	adapters map[string]testrunner.Adapter
	langByID map[string]string
}

func (r compositeTestRunner) Run(ctx context.Context, target testsched.TestTarget) (testsched.Outcome, error) {
	lang := r.langByID[target.ID]
	adapter, ok := r.adapters[lang]
	if !ok {
		return testsched.Outcome{}, fmt.Errorf("no adapter registered for target %s", target.ID)
	}
	return adapter.Invoke(ctx, target)
}

// currentFingerprint best-effort reads the repo version id, logging
// instead of failing the caller's operation when fingerprints aren't
// wired or the VCS read fails — RepoBefore/RepoAfter are diagnostic
// fields of MutationDelta, not correctness-load-bearing.
func (e *Engine) currentFingerprint(ctx context.Context) string {
	if e.fingerprints == nil {
		return ""
	}
	v, err := e.fingerprints.CurrentVersion(ctx)
	if err != nil {
		e.logger.Warn("engine.fingerprint_failed", "err", err)
		return ""
	}
	return v.ID()
}

// rejectBudgetExhausted records the exhausted budget as a ledger entry
// with BudgetTriggered set, closes tk in the failed state (spec.md
// §4.8/§7 "Budget exhausted: operation rejected, task closed-failed",
// scenario S5), and returns the typed BudgetExhausted error so
// rcerrors.KindOf can classify it on the wire instead of a free-form
// string.
func (e *Engine) rejectBudgetExhausted(ctx context.Context, tk *task.Task, opKind, reason string) error {
	entry := ledger.Entry{
		Kind:            opKind,
		Summary:         reason,
		Success:         false,
		FailureClass:    "budget_exhausted",
		BudgetTriggered: true,
	}
	if appendErr := e.ledger.Append(ctx, tk.ID, entry); appendErr != nil {
		e.logger.Warn("engine.ledger_append_failed", "err", appendErr)
	}
	if closeErr := e.tasks.Close(ctx, tk.ID, task.StateClosedFailed); closeErr != nil {
		e.logger.Warn("engine.task_close_failed", "err", closeErr)
	}
	e.logger.Warn("engine.budget_exhausted", "task_id", tk.ID, "op", opKind, "reason", reason)
	return rcerrors.New(rcerrors.BudgetExhausted, reason)
}

// finalizeMutation fills in MutationDelta's global fields (repo
// fingerprints, changed symbols, affected test targets) after a mutate
// or refactor apply has already written to disk but before the next
// reconcile/reindex pass overwrites the pre-edit structural store
// state finalizeMutation needs to diff against, then reindexes and
// records the mutation fingerprint and ledger entry.
func (e *Engine) finalizeMutation(ctx context.Context, tk *task.Task, delta *mutate.MutationDelta, repoBefore string, opKind string, start time.Time) error {
	beforeSymbols := make(map[string][]string, len(delta.AppliedPaths))
	for _, p := range delta.AppliedPaths {
		if syms, err := e.store.SymbolsForPath(p); err == nil {
			beforeSymbols[p] = symbolNames(syms)
		}
	}

	if _, err := e.reconcileAndReindex(ctx); err != nil {
		return fmt.Errorf("reindex after %s: %w", opKind, err)
	}

	changed := make(map[string]bool)
	for _, p := range delta.AppliedPaths {
		var afterNames []string
		if syms, err := e.store.SymbolsForPath(p); err == nil {
			afterNames = symbolNames(syms)
		}
		for _, name := range symmetricDiff(beforeSymbols[p], afterNames) {
			changed[name] = true
		}
	}
	symbolsChanged := make([]string, 0, len(changed))
	for name := range changed {
		symbolsChanged = append(symbolsChanged, name)
	}
	sort.Strings(symbolsChanged)
	delta.SymbolsChanged = symbolsChanged
	delta.RepoBefore = repoBefore
	delta.RepoAfter = e.currentFingerprint(ctx)
	delta.TestTargetsAffected = e.affectedTestTargets(delta.AppliedPaths)

	fp := task.MutationFingerprint(delta.AppliedPaths, fmt.Sprintf("%d applied %d failed", len(delta.AppliedPaths), len(delta.FailedPaths)), symbolsChanged)
	noOp := tk.RecordMutationFingerprint(fp)

	summary := fmt.Sprintf("op=%s applied=%d failed=%d flagged=%d no_op=%v", opKind, len(delta.AppliedPaths), len(delta.FailedPaths), len(delta.FlaggedPaths), noOp)
	changedPaths := append(append([]string{}, delta.AppliedPaths...), delta.FlaggedPaths...)
	sort.Strings(changedPaths)
	entry := ledger.Entry{
		Kind:                opKind,
		Summary:             summary,
		Success:             len(delta.FailedPaths) == 0,
		Duration:            time.Since(start),
		RepoBeforeHash:      delta.RepoBefore,
		RepoAfterHash:       delta.RepoAfter,
		ChangedPaths:        changedPaths,
		DiffStats:           fmt.Sprintf("applied=%d failed=%d flagged=%d", len(delta.AppliedPaths), len(delta.FailedPaths), len(delta.FlaggedPaths)),
		MutationFingerprint: fp,
	}
	if !entry.Success {
		entry.FailureClass = "mutation_apply_failed"
	}
	if appendErr := e.ledger.Append(ctx, tk.ID, entry); appendErr != nil {
		e.logger.Warn("engine.ledger_append_failed", "err", appendErr)
	}
	return nil
}

// affectedTestTargets names every test target whose path is the
// changed path itself or contains/is contained by it, from the most
// recent RunTests discovery. Returns nil if no test run has populated
// the cache yet — a conservative empty answer, not a guess.
func (e *Engine) affectedTestTargets(changedPaths []string) []string {
	e.mu.Lock()
	targets := e.lastTargets
	e.mu.Unlock()
	if len(targets) == 0 {
		return nil
	}

	changed := make(map[string]bool, len(changedPaths))
	for _, p := range changedPaths {
		changed[p] = true
	}

	var affected []string
	for _, t := range targets {
		if changed[t.Path] {
			affected = append(affected, t.ID)
			continue
		}
		for p := range changed {
			if strings.HasPrefix(p, t.Path+"/") || strings.HasPrefix(t.Path, p+"/") {
				affected = append(affected, t.ID)
				break
			}
		}
	}
	sort.Strings(affected)
	return affected
}

func symbolNames(syms []structstore.Symbol) []string {
	names := make([]string, 0, len(syms))
	for _, s := range syms {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// symmetricDiff returns every name present in exactly one of a, b —
// symbols removed or introduced by a mutation.
func symmetricDiff(a, b []string) []string {
	setA := make(map[string]bool, len(a))
	for _, x := range a {
		setA[x] = true
	}
	setB := make(map[string]bool, len(b))
	for _, x := range b {
		setB[x] = true
	}
	var diff []string
	for x := range setA {
		if !setB[x] {
			diff = append(diff, x)
		}
	}
	for x := range setB {
		if !setA[x] {
			diff = append(diff, x)
		}
	}
	return diff
}

func changedCount(c *reconcile.ChangeSet) int {
	if c == nil {
		return 0
	}
	return len(c.Added) + len(c.Modified) + len(c.Deleted) + len(c.Renamed)
}

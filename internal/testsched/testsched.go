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

// Package testsched schedules test targets across a bounded worker pool
// using cost-balanced greedy bin-packing, merges results
// deterministically regardless of completion order, and learns per-
// target cost via a rolling median across runs.
package testsched

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// TestTarget identifies one runnable unit of testing, per spec.md §3.
type TestTarget struct {
	ID           string
	Path         string
	Name         string
	EstimatedCost time.Duration
}

// Runner invokes one target and reports its outcome. Implementations are
// external collaborators (language-specific test runner adapters); this
// package only schedules and aggregates.
type Runner interface {
	Run(ctx context.Context, target TestTarget) (Outcome, error)
}

// Outcome is one target's result.
type Outcome struct {
	TargetID string
	Passed   bool
	Duration time.Duration
	Output   string
}

// Result is the scheduler's full, deterministically ordered report.
type Result struct {
	Outcomes []Outcome
	Flaky    []string // target ids whose outcome differed across repeated runs this invocation

	// ConvergenceStall is set by the caller (engine.RunTests) when the
	// failing-target fingerprint repeats across consecutive runs without
	// shrinking, signaling the task is no longer making progress.
	ConvergenceStall bool
}

// CostModel tracks a rolling median of observed durations per target,
// used to bin-pack future runs without needing every target timed
// identically.
type CostModel struct {
	mu      sync.Mutex
	history map[string][]time.Duration
	window  int
}

func NewCostModel(window int) *CostModel {
	if window <= 0 {
		window = 10
	}
	return &CostModel{history: make(map[string][]time.Duration), window: window}
}

// Observe records one duration sample for targetID.
func (c *CostModel) Observe(targetID string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := append(c.history[targetID], d)
	if len(h) > c.window {
		h = h[len(h)-c.window:]
	}
	c.history[targetID] = h
}

// Estimate returns the rolling median cost for targetID, or fallback if
// no samples exist yet.
func (c *CostModel) Estimate(targetID string, fallback time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.history[targetID]
	if len(h) == 0 {
		return fallback
	}
	sorted := append([]time.Duration(nil), h...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

// Scheduler runs targets across a bounded worker pool, per-target and
// global timeouts, and an optional fail-fast cutoff.
type Scheduler struct {
	runner          Runner
	cost            *CostModel
	maxWorkers      int64
	perTargetTimeout time.Duration
	globalTimeout   time.Duration
	failFast        bool
	repeatFlaky     int // repeat each target this many extra times to detect flakiness; 0 disables
}

type Option func(*Scheduler)

func WithFailFast(failFast bool) Option { return func(s *Scheduler) { s.failFast = failFast } }
func WithFlakyRepeats(n int) Option     { return func(s *Scheduler) { s.repeatFlaky = n } }

func New(runner Runner, cost *CostModel, maxWorkers int, perTargetTimeout, globalTimeout time.Duration, opts ...Option) *Scheduler {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	s := &Scheduler{
		runner: runner, cost: cost, maxWorkers: int64(maxWorkers),
		perTargetTimeout: perTargetTimeout, globalTimeout: globalTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run bin-packs targets by descending estimated cost onto maxWorkers
// workers (longest-processing-time-first greedy scheduling balances
// wall-clock across workers), executes them concurrently bounded by a
// semaphore, and merges results in the scheduled order (descending
// estimated cost, ties broken by target id) regardless of completion
// order.
func (s *Scheduler) Run(ctx context.Context, targets []TestTarget) (*Result, error) {
	ordered := make([]TestTarget, len(targets))
	copy(ordered, targets)
	sort.Slice(ordered, func(i, j int) bool {
		ci := s.cost.Estimate(ordered[i].ID, ordered[i].EstimatedCost)
		cj := s.cost.Estimate(ordered[j].ID, ordered[j].EstimatedCost)
		if ci != cj {
			return ci > cj // longest-processing-time-first
		}
		return ordered[i].ID < ordered[j].ID
	})

	if s.globalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.globalTimeout)
		defer cancel()
	}

	sem := semaphore.NewWeighted(s.maxWorkers)
	var (
		mu       sync.Mutex
		outcomes = make(map[string]Outcome, len(ordered))
		flaky    []string
		failed   bool
		wg       sync.WaitGroup
	)

	for _, target := range ordered {
		mu.Lock()
		stop := s.failFast && failed
		mu.Unlock()
		if stop {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(tg TestTarget) {
			defer wg.Done()
			defer sem.Release(1)

			outcome, isFlaky := s.runWithFlakyCheck(ctx, tg)
			s.cost.Observe(tg.ID, outcome.Duration)

			mu.Lock()
			outcomes[tg.ID] = outcome
			if isFlaky {
				flaky = append(flaky, tg.ID)
			}
			if !outcome.Passed {
				failed = true
			}
			mu.Unlock()
		}(target)
	}
	wg.Wait()

	result := &Result{}
	for _, target := range ordered {
		if o, ok := outcomes[target.ID]; ok {
			result.Outcomes = append(result.Outcomes, o)
		}
	}
	sort.Strings(flaky)
	result.Flaky = flaky
	return result, nil
}

func (s *Scheduler) runWithFlakyCheck(ctx context.Context, target TestTarget) (Outcome, bool) {
	runCtx := ctx
	var cancel context.CancelFunc
	if s.perTargetTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.perTargetTimeout)
		defer cancel()
	}

	first := s.runOnce(runCtx, target)
	if s.repeatFlaky <= 0 {
		return first, false
	}

	for i := 0; i < s.repeatFlaky; i++ {
		repeat := s.runOnce(runCtx, target)
		if repeat.Passed != first.Passed {
			return first, true
		}
	}
	return first, false
}

func (s *Scheduler) runOnce(ctx context.Context, target TestTarget) Outcome {
	start := time.Now()
	outcome, err := s.runner.Run(ctx, target)
	outcome.TargetID = target.ID
	if outcome.Duration == 0 {
		outcome.Duration = time.Since(start)
	}
	if err != nil {
		outcome.Passed = false
	}
	return outcome
}

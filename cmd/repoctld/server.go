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

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	rcerrors "github.com/kraklabs/repoctl/internal/errors"
	"github.com/kraklabs/repoctl/internal/engine"
	"github.com/kraklabs/repoctl/internal/lsp"
	"github.com/kraklabs/repoctl/internal/mutate"
	"github.com/kraklabs/repoctl/internal/refactor"
	"github.com/kraklabs/repoctl/internal/retrieve"
	"github.com/kraklabs/repoctl/internal/task"
)

// request is one line of the daemon's line-delimited JSON-RPC protocol.
// A client holds at most one in-flight operation per task; the daemon
// does not pipeline within a connection.
type request struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

var (
	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "repoctl_daemon_operation_seconds",
		Help: "Duration of daemon operations by op name and outcome.",
	}, []string{"op", "outcome"})
	opTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "repoctl_daemon_operations_total",
		Help: "Count of daemon operations by op name and outcome.",
	}, []string{"op", "outcome"})
)

func init() {
	prometheus.MustRegister(opDuration, opTotal)
}

// server accepts connections on a Unix domain socket and dispatches each
// line to the engine. One goroutine per connection; connections are not
// otherwise bounded, mirroring spec.md's "one in-flight operation per
// task" scheduling model rather than a connection-count limit.
type server struct {
	eng      *engine.Engine
	tasks    *task.Manager
	listener net.Listener
	logger   *slog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newServer(eng *engine.Engine, tasks *task.Manager, socketPath string, logger *slog.Logger) (*server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket %s: %w", socketPath, err)
	}
	return &server{eng: eng, tasks: tasks, listener: ln, logger: logger}, nil
}

// Serve accepts connections until the listener is closed by Stop.
func (s *server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.wg.Wait()
			if isClosedErr(err) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *server) Stop() {
	s.stopOnce.Do(func() {
		_ = s.listener.Close()
	})
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

func (s *server) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReaderSize(conn, 64*1024)
	encoder := json.NewEncoder(conn)

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var req request
			if err := json.Unmarshal(line, &req); err != nil {
				_ = encoder.Encode(response{Error: &rpcError{Kind: "invalid_request", Message: err.Error()}})
			} else {
				s.dispatch(context.Background(), req, encoder)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *server) dispatch(ctx context.Context, req request, encoder *json.Encoder) {
	start := time.Now()
	result, opErr := s.call(ctx, req)
	outcome := "ok"
	if opErr != nil {
		outcome = "error"
	}
	opDuration.WithLabelValues(req.Op, outcome).Observe(time.Since(start).Seconds())
	opTotal.WithLabelValues(req.Op, outcome).Inc()

	resp := response{ID: req.ID}
	if opErr != nil {
		kind := "unknown"
		if k, ok := rcerrors.KindOf(opErr); ok {
			kind = k.String()
		}
		resp.Error = &rpcError{Kind: kind, Message: opErr.Error()}
		s.logger.Warn("repoctld.op.failed", "op", req.Op, "err", opErr)
	} else {
		resp.Result = result
	}
	if err := encoder.Encode(resp); err != nil {
		s.logger.Warn("repoctld.op.encode_failed", "op", req.Op, "err", err)
	}
}

func (s *server) call(ctx context.Context, req request) (json.RawMessage, error) {
	switch req.Op {
	case "task.open":
		return s.opTaskOpen(ctx, req.Params)
	case "task.close":
		return s.opTaskClose(ctx, req.Params)
	case "retrieve":
		return s.opRetrieve(ctx, req.Params)
	case "mutate":
		return s.opMutate(ctx, req.Params)
	case "refactor.plan":
		return s.opRefactorPlan(ctx, req.Params)
	case "refactor.apply":
		return s.opRefactorApply(ctx, req.Params)
	case "test.run":
		return s.opTestRun(ctx, req.Params)
	default:
		return nil, rcerrors.New(rcerrors.ScopeViolation, fmt.Sprintf("unknown operation %q", req.Op))
	}
}

type taskOpenParams struct {
	MaxMutations int           `json:"max_mutations"`
	MaxTestRuns  int           `json:"max_test_runs"`
	MaxDuration  time.Duration `json:"max_duration_ns"`
}

func (s *server) opTaskOpen(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var p taskOpenParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rcerrors.Wrap(rcerrors.ScopeViolation, "decode task.open params", err)
	}
	t, err := s.tasks.Open(ctx, task.Budgets{MaxMutations: p.MaxMutations, MaxTestRuns: p.MaxTestRuns, MaxDuration: p.MaxDuration})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"task_id": t.ID})
}

type taskCloseParams struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
}

func (s *server) opTaskClose(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var p taskCloseParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rcerrors.Wrap(rcerrors.ScopeViolation, "decode task.close params", err)
	}
	if err := s.tasks.Close(ctx, p.TaskID, task.State(p.State)); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]bool{"ok": true})
}

type retrieveParams struct {
	TaskID           string `json:"task_id"`
	Text             string `json:"text"`
	IncludeTestFiles bool   `json:"include_test_files"`
}

func (s *server) opRetrieve(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var p retrieveParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rcerrors.Wrap(rcerrors.ScopeViolation, "decode retrieve params", err)
	}
	results, err := s.eng.RunRetrieve(ctx, p.TaskID, retrieve.Query{Text: p.Text, IncludeTestFiles: p.IncludeTestFiles})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"results": results})
}

type mutateParams struct {
	TaskID string        `json:"task_id"`
	Scope  []string      `json:"scope"`
	Edits  []mutate.Edit `json:"edits"`
}

func (s *server) opMutate(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var p mutateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rcerrors.Wrap(rcerrors.ScopeViolation, "decode mutate params", err)
	}
	tk, err := s.tasks.Get(p.TaskID)
	if err != nil {
		return nil, err
	}
	delta, err := s.eng.RunMutation(ctx, tk, p.Scope, p.Edits)
	if err != nil {
		return nil, err
	}
	return json.Marshal(delta)
}

type refactorPlanParams struct {
	TaskID       string `json:"task_id"`
	Kind         string `json:"kind"`
	Path         string `json:"path"`
	Line         int    `json:"line"`
	Column       int    `json:"column"`
	NewName      string `json:"new_name"`
	NewSignature string `json:"new_signature"`
}

// opRefactorPlan runs the compute phase of a refactor: rename, safe
// delete, or change-signature. Context selection (which language-server
// sessions own the path) is resolved by the daemon's own wiring, not the
// wire protocol, so an unconfigured daemon reports insufficient_context
// for every kind rather than rejecting the request outright.
func (s *server) opRefactorPlan(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var p refactorPlanParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rcerrors.Wrap(rcerrors.ScopeViolation, "decode refactor.plan params", err)
	}
	tk, err := s.tasks.Get(p.TaskID)
	if err != nil {
		return nil, err
	}
	req := refactor.Request{
		Kind:         refactor.Kind(p.Kind),
		Path:         p.Path,
		Pos:          lsp.Position{Line: p.Line, Column: p.Column},
		NewName:      p.NewName,
		NewSignature: p.NewSignature,
	}
	outcome, err := s.eng.RunRefactorPlan(ctx, tk, req, nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(outcome)
}

type refactorApplyParams struct {
	TaskID string `json:"task_id"`
	PlanID string `json:"plan_id"`
}

func (s *server) opRefactorApply(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var p refactorApplyParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rcerrors.Wrap(rcerrors.ScopeViolation, "decode refactor.apply params", err)
	}
	tk, err := s.tasks.Get(p.TaskID)
	if err != nil {
		return nil, err
	}
	outcome, err := s.eng.RunRefactorApply(ctx, tk, p.PlanID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(outcome)
}

type testRunParams struct {
	TaskID   string   `json:"task_id"`
	Paths    []string `json:"paths"`
	FailFast bool     `json:"fail_fast"`
}

func (s *server) opTestRun(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var p testRunParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rcerrors.Wrap(rcerrors.ScopeViolation, "decode test.run params", err)
	}
	tk, err := s.tasks.Get(p.TaskID)
	if err != nil {
		return nil, err
	}
	result, err := s.eng.RunTests(ctx, tk, p.Paths, p.FailFast)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

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

package refactor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/repoctl/internal/lsp"
	"github.com/kraklabs/repoctl/internal/mutate"
)

type fakeSandbox struct {
	content map[string]string
}

func (f *fakeSandbox) ResetToHead(ctx context.Context, c Context) error { return nil }
func (f *fakeSandbox) ReadFile(ctx context.Context, c Context, path string) (string, error) {
	return f.content[path], nil
}

type fakeClient struct {
	edit             lsp.WorkspaceEdit
	workspaceRenames int
}

func (f *fakeClient) Configure(ctx context.Context, root string) error       { return nil }
func (f *fakeClient) OpenDocument(ctx context.Context, path, content string) error { return nil }
func (f *fakeClient) CloseDocument(ctx context.Context, path string) error   { return nil }
func (f *fakeClient) PrepareRename(ctx context.Context, path string, pos lsp.Position) (lsp.Range, bool, error) {
	return lsp.Range{}, true, nil
}
func (f *fakeClient) Rename(ctx context.Context, path string, pos lsp.Position, newName string) (lsp.WorkspaceEdit, error) {
	return f.edit, nil
}
func (f *fakeClient) WorkspaceRename(ctx context.Context, oldPath, newPath string) (lsp.WorkspaceEdit, error) {
	f.workspaceRenames++
	return f.edit, nil
}
func (f *fakeClient) SafeDelete(ctx context.Context, path string, pos lsp.Position) ([]lsp.Range, bool, error) {
	return nil, true, nil
}
func (f *fakeClient) ChangeSignature(ctx context.Context, path string, pos lsp.Position, sig string) (lsp.WorkspaceEdit, error) {
	return f.edit, nil
}
func (f *fakeClient) Diagnostics(ctx context.Context, path string) ([]lsp.Diagnostic, error) {
	return nil, nil
}

func TestPlanThenApplyRename(t *testing.T) {
	repoRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "a.go"), []byte("func Alpha() {}\n"), 0o644))

	sandbox := &fakeSandbox{content: map[string]string{"a.go": "func Alpha() {}\n"}}
	edit := lsp.WorkspaceEdit{Changes: map[string][]lsp.TextEdit{
		"a.go": {{Range: lsp.Range{Start: lsp.Position{Line: 0, Column: 5}, End: lsp.Position{Line: 0, Column: 10}}, NewText: "Beta"}},
	}}
	client := &fakeClient{edit: edit}
	c := Context{ID: "ctx-1", Language: "go", WorkspaceRoot: "/ws", Client: client}

	mutator := mutate.New(repoRoot, nil, nil, nil)
	eng := New([]Context{c}, sandbox, mutator, nil, DivergencePolicy{}, 4)

	planned, err := eng.Plan(context.Background(), Request{Kind: KindRenameSymbol, Path: "a.go", NewName: "Beta"}, []Context{c})
	require.NoError(t, err)
	require.Equal(t, "planned", planned.Kind)
	require.NotEmpty(t, planned.PlanID)
	require.Equal(t, []string{"ctx-1"}, planned.ContextsUsed)

	applied, err := eng.Apply(context.Background(), planned.PlanID)
	require.NoError(t, err)
	require.Equal(t, "applied", applied.Kind)
	require.Equal(t, []string{"a.go"}, applied.Delta.AppliedPaths)

	data, err := os.ReadFile(filepath.Join(repoRoot, "a.go"))
	require.NoError(t, err)
	require.Equal(t, "func Beta() {}\n", string(data))

	_, err = eng.Apply(context.Background(), planned.PlanID)
	require.Error(t, err, "a plan is consumed by Apply and cannot be replayed")
}

func TestPlanThenApplyRenameFileUsesWorkspaceRename(t *testing.T) {
	repoRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "a.go"), []byte("package a\n"), 0o644))

	sandbox := &fakeSandbox{content: map[string]string{"a.go": "package a\n"}}
	edit := lsp.WorkspaceEdit{Changes: map[string][]lsp.TextEdit{
		"a.go": {{Range: lsp.Range{}, NewText: "package a\n"}},
	}}
	client := &fakeClient{edit: edit}
	c := Context{ID: "ctx-1", Language: "go", WorkspaceRoot: "/ws", Client: client}

	mutator := mutate.New(repoRoot, nil, nil, nil)
	eng := New([]Context{c}, sandbox, mutator, nil, DivergencePolicy{}, 4)

	planned, err := eng.Plan(context.Background(), Request{Kind: KindRenameFile, Path: "a.go", NewPath: "b.go"}, []Context{c})
	require.NoError(t, err)
	require.Equal(t, "planned", planned.Kind)
	require.Equal(t, 1, client.workspaceRenames)

	applied, err := eng.Apply(context.Background(), planned.PlanID)
	require.NoError(t, err)
	require.Equal(t, "applied", applied.Kind)
}

func TestMergePatchesDetectsDivergence(t *testing.T) {
	hunkRange := lsp.Range{Start: lsp.Position{Line: 0, Column: 0}, End: lsp.Position{Line: 0, Column: 5}}
	a := &Patch{Hunks: []Hunk{{Path: "a.go", Range: hunkRange, NewText: "Beta"}}}
	b := &Patch{Hunks: []Hunk{{Path: "a.go", Range: hunkRange, NewText: "Gamma"}}}

	results := []struct {
		ctx   Context
		patch *Patch
		diags []lsp.Diagnostic
		err   error
	}{
		{ctx: Context{ID: "ctx-a"}, patch: a},
		{ctx: Context{ID: "ctx-b"}, patch: b},
	}
	_, conflicts := mergePatches(a, results)
	require.Len(t, conflicts, 1)
	require.Equal(t, "Beta", conflicts[0].TextA)
	require.Equal(t, "Gamma", conflicts[0].TextB)
}

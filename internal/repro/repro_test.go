// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

package repro

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gitlab.com/esr/gobisect/internal/buildorch"
	"gitlab.com/esr/gobisect/internal/term"
)

func assertTrue(t *testing.T, see bool, msg string) {
	t.Helper()
	if !see {
		t.Errorf("assertTrue: %s", msg)
	}
}

type fakeVCS struct {
	resolved  map[string]string
	revList   []string
	fetched   bool
	checkouts []string
}

func (v *fakeVCS) Resolve(ctx context.Context, ref string) (string, error) {
	if c, ok := v.resolved[ref]; ok {
		return c, nil
	}
	return ref, nil
}
func (v *fakeVCS) ShortName(ctx context.Context, commit string) string { return commit[:7] }
func (v *fakeVCS) RevList(ctx context.Context, start, end, pathSpec string, before int64) ([]string, error) {
	return v.revList, nil
}
func (v *fakeVCS) Fetch(ctx context.Context) error {
	v.fetched = true
	return nil
}

type fakeStore struct {
	present  map[string]bool
	extracts []string
	root     string
}

func (s *fakeStore) PresentVersions() (map[string]bool, error) {
	cp := map[string]bool{}
	for k, v := range s.present {
		cp[k] = v
	}
	return cp, nil
}
func (s *fakeStore) Extract(commit, target string) error {
	s.extracts = append(s.extracts, commit)
	dir := filepath.Join(s.root, commit)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "godot"), []byte("bin"), 0o755)
}

type fakeBuildStore struct {
	cached []string
}

func (s *fakeBuildStore) CacheBuild(commit, builtPath string) error {
	s.cached = append(s.cached, commit)
	return nil
}
func (s *fakeBuildStore) BundleMap() (map[string]string, error)             { return nil, nil }
func (s *fakeBuildStore) UnbundledVersions(revList []string) ([]string, error) { return nil, nil }
func (s *fakeBuildStore) CompressBundle(bundleID string, commits []string) error { return nil }
func (s *fakeBuildStore) AddErrorCommits(commits []string) error            { return nil }

type fakeOrchVCS struct{ checkouts []string }

func (v *fakeOrchVCS) Checkout(ctx context.Context, rev string) error {
	v.checkouts = append(v.checkouts, rev)
	return nil
}
func (v *fakeOrchVCS) HasLocalChanges(ctx context.Context) bool    { return false }
func (v *fakeOrchVCS) ClearLocalChanges(ctx context.Context) error { return nil }
func (v *fakeOrchVCS) Tags(ctx context.Context) ([]string, error)  { return nil, nil }

type fakeRenderer struct {
	result  bool
	commands [][]string
}

func (r *fakeRenderer) Columns() int { return 80 }
func (r *fakeRenderer) ExecuteInSubwindow(ctx context.Context, command []string, title string, rows int, cwd string, eatKill bool) bool {
	r.commands = append(r.commands, command)
	return r.result
}
func (r *fakeRenderer) ProgressBar(width int, fraction float64) {}
func (r *fakeRenderer) Histogram(buckets []float64)             {}
func (r *fakeRenderer) Prompt(question string) bool             { return false }
func (r *fakeRenderer) Println(kind term.Kind, text string)     {}

func newExecutable(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte("bin"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestLaunchExtractsAndRunsAlreadyCachedCommit(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	commit := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	newExecutable(t, filepath.Join(root, commit), "godot")

	store := &fakeStore{present: map[string]bool{commit: true}, root: root}
	render := &fakeRenderer{result: true}
	l := &Launcher{
		Store:          store,
		Render:         render,
		VersionsRoot:   root,
		ExecutableName: "godot",
	}

	ok, err := l.Launch(ctx, commit)
	if err != nil {
		t.Fatal(err)
	}
	assertTrue(t, ok, "launch should report success")
	assertTrue(t, len(render.commands) == 1, "should have executed exactly one command")
}

func TestLaunchCompilesUncachedCommitThenCaches(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	workspace := t.TempDir()
	commit := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	newExecutable(t, workspace, "godot")

	store := &fakeStore{present: map[string]bool{}, root: root}
	buildStore := &fakeBuildStore{}
	render := &fakeRenderer{result: true}
	orch := buildorch.New(&fakeOrchVCS{}, buildStore, render, nil, workspace, "", "godot", 0, 32)

	l := &Launcher{
		Store:          store,
		Orchestrator:   orch,
		Render:         render,
		VersionsRoot:   root,
		ExecutableName: "godot",
	}

	ok, err := l.Launch(ctx, commit)
	if err != nil {
		t.Fatal(err)
	}
	assertTrue(t, ok, "launch should succeed once compiled")
	assertTrue(t, len(buildStore.cached) == 1 && buildStore.cached[0] == commit, "a fresh compile should be cached")
}

func TestLaunchSkipsCompileInCacheOnlyMode(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	commit := "cccccccccccccccccccccccccccccccccccccccc"

	store := &fakeStore{present: map[string]bool{}, root: root}
	render := &fakeRenderer{result: true}
	l := &Launcher{
		Store:          store,
		Render:         render,
		VersionsRoot:   root,
		ExecutableName: "godot",
		CacheOnly:      true,
	}

	ok, err := l.Launch(ctx, commit)
	if err != nil {
		t.Fatal(err)
	}
	assertTrue(t, !ok, "cache-only mode should refuse to compile an uncached commit")
	assertTrue(t, len(render.commands) == 0, "nothing should have been launched")
}

func TestResolveFallsBackToMostRecentUntaintedCachedCommit(t *testing.T) {
	ctx := context.Background()
	vcs := &fakeVCS{revList: []string{"c1", "c2", "c3", "c4"}}
	store := &fakeStore{present: map[string]bool{"c1": true, "c2": true, "c4": true}}
	l := &Launcher{
		VCS:        vcs,
		Store:      store,
		RangeStart: "start",
		RangeEnd:   "end",
	}

	commit, err := l.Resolve(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	assertTrue(t, commit == "c4", "should prefer the most recent cached, untainted commit")
}

func TestResolveUsesExplicitRef(t *testing.T) {
	ctx := context.Background()
	vcs := &fakeVCS{resolved: map[string]string{"HEAD": "deadbeef"}}
	store := &fakeStore{present: map[string]bool{}}
	l := &Launcher{VCS: vcs, Store: store}

	commit, err := l.Resolve(ctx, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	assertTrue(t, commit == "deadbeef", "an explicit ref should resolve directly")
}

func TestMostRecentlyUsedFiltersToKnownCommits(t *testing.T) {
	root := t.TempDir()
	l := &Launcher{VersionsRoot: root}
	if err := os.WriteFile(filepath.Join(root, mruFile), []byte("c2\nc1\nc3"), 0o644); err != nil {
		t.Fatal(err)
	}
	got := l.MostRecentlyUsed(map[string]bool{"c1": true, "c3": true}, 5)
	assertTrue(t, len(got) == 2 && got[0] == "c1" && got[1] == "c3", "should preserve order, filtered to known commits")
}

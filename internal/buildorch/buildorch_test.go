// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

package buildorch

import (
	"context"
	"errors"
	"testing"

	"gitlab.com/esr/gobisect/internal/term"
	"gitlab.com/esr/gobisect/internal/xerrors"
)

func assertTrue(t *testing.T, see bool, msg string) {
	t.Helper()
	if !see {
		t.Errorf("assertTrue: %s", msg)
	}
}

func assertEqualInt(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("assertEqualInt: got %d, want %d", got, want)
	}
}

func assertStringSlice(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("assertStringSlice: got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("assertStringSlice: got %v, want %v", got, want)
		}
	}
}

type fakeVCS struct {
	localChanges bool
	cleared      bool
	checkouts    []string
}

func (v *fakeVCS) Checkout(ctx context.Context, rev string) error {
	v.checkouts = append(v.checkouts, rev)
	return nil
}
func (v *fakeVCS) HasLocalChanges(ctx context.Context) bool { return v.localChanges }
func (v *fakeVCS) ClearLocalChanges(ctx context.Context) error {
	v.cleared = true
	v.localChanges = false
	return nil
}
func (v *fakeVCS) Tags(ctx context.Context) ([]string, error) { return nil, nil }

type fakeStore struct {
	cached            []string
	bundleMap         map[string]string
	unbundled         []string
	compressAttempts  map[string]int
	compressFailFirst map[string]bool
	errorBatches      [][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bundleMap:        map[string]string{},
		compressAttempts: map[string]int{},
	}
}

func (s *fakeStore) CacheBuild(commit, builtPath string) error {
	s.cached = append(s.cached, commit)
	return nil
}
func (s *fakeStore) BundleMap() (map[string]string, error) { return s.bundleMap, nil }
func (s *fakeStore) UnbundledVersions(revList []string) ([]string, error) {
	return s.unbundled, nil
}
func (s *fakeStore) CompressBundle(bundleID string, commits []string) error {
	s.compressAttempts[bundleID]++
	if s.compressFailFirst[bundleID] && s.compressAttempts[bundleID] == 1 {
		return errors.New("boom")
	}
	return nil
}
func (s *fakeStore) AddErrorCommits(commits []string) error {
	cp := append([]string{}, commits...)
	s.errorBatches = append(s.errorBatches, cp)
	return nil
}

type fakeRenderer struct {
	resultsQueue []bool
	promptAnswer bool
	lines        []string
}

func (r *fakeRenderer) Columns() int { return 80 }
func (r *fakeRenderer) ExecuteInSubwindow(ctx context.Context, command []string, title string, rows int, cwd string, eatKill bool) bool {
	if len(r.resultsQueue) == 0 {
		return true
	}
	res := r.resultsQueue[0]
	r.resultsQueue = r.resultsQueue[1:]
	return res
}
func (r *fakeRenderer) ProgressBar(width int, fraction float64) {}
func (r *fakeRenderer) Histogram(buckets []float64)             {}
func (r *fakeRenderer) Prompt(question string) bool             { return r.promptAnswer }
func (r *fakeRenderer) Println(kind term.Kind, text string) {
	r.lines = append(r.lines, text)
}

func TestCompileListCachesEverySuccess(t *testing.T) {
	ctx := context.Background()
	vcs := &fakeVCS{}
	store := newFakeStore()
	renderer := &fakeRenderer{resultsQueue: []bool{true, true, true}}
	orch := New(vcs, store, renderer, nil, "/work", "", "godot", 20, 32)

	commits := []string{"c1", "c2", "c3"}
	present := map[string]bool{}
	report, err := orch.CompileList(ctx, commits, commits, present, CompileOptions{})
	if err != nil {
		t.Fatal(err)
	}
	assertStringSlice(t, report.Compiled, commits)
	assertEqualInt(t, len(report.Failed), 0)
	assertTrue(t, present["c1"] && present["c2"] && present["c3"], "all commits should be marked present")
	assertStringSlice(t, store.cached, commits)
	assertEqualInt(t, orch.successes, 3)
}

func TestWarmUpQuarantineFlushesThenPersistsEagerly(t *testing.T) {
	ctx := context.Background()
	vcs := &fakeVCS{}
	store := newFakeStore()
	renderer := &fakeRenderer{resultsQueue: []bool{false, false, true, true, true, false}}
	orch := New(vcs, store, renderer, nil, "/work", "", "godot", 20, 32)

	commits := []string{"c1", "c2", "c3", "c4", "c5", "c6"}
	report, err := orch.CompileList(ctx, commits, commits, map[string]bool{}, CompileOptions{})
	if err != nil {
		t.Fatal(err)
	}
	assertStringSlice(t, report.Failed, []string{"c1", "c2", "c6"})
	assertStringSlice(t, report.Compiled, []string{"c3", "c4", "c5"})
	if len(store.errorBatches) != 2 {
		t.Fatalf("expected two persisted batches (warm-up flush, then eager), got %v", store.errorBatches)
	}
	assertStringSlice(t, store.errorBatches[0], []string{"c1", "c2"})
	assertStringSlice(t, store.errorBatches[1], []string{"c6"})
}

func TestLocalChangesRefusedWithoutForce(t *testing.T) {
	ctx := context.Background()
	vcs := &fakeVCS{localChanges: true}
	store := newFakeStore()
	renderer := &fakeRenderer{promptAnswer: false}
	orch := New(vcs, store, renderer, nil, "/work", "", "godot", 20, 32)

	_, err := orch.CompileList(ctx, []string{"c1"}, []string{"c1"}, map[string]bool{}, CompileOptions{})
	assertTrue(t, errors.Is(err, xerrors.ErrLocalChanges), "uncommitted changes without force or consent must refuse to compile")
	assertTrue(t, !vcs.cleared, "changes should not be discarded without consent")
}

func TestLocalChangesForceClearsWithoutAsking(t *testing.T) {
	ctx := context.Background()
	vcs := &fakeVCS{localChanges: true}
	store := newFakeStore()
	renderer := &fakeRenderer{resultsQueue: []bool{true}}
	orch := New(vcs, store, renderer, nil, "/work", "", "godot", 20, 32)

	_, err := orch.CompileList(ctx, []string{"c1"}, []string{"c1"}, map[string]bool{}, CompileOptions{Force: true})
	if err != nil {
		t.Fatal(err)
	}
	assertTrue(t, vcs.cleared, "force mode should clear local changes without a prompt")
}

func TestComputeBundlesGroupsConsecutiveReadyCommits(t *testing.T) {
	revList := []string{"a", "b", "c", "d", "e", "f"}
	ready := map[string]bool{"a": true, "b": true, "c": true, "d": true, "e": true, "f": true}
	bundles := ComputeBundles(revList, map[string]string{}, ready, 1, false, 3)
	if len(bundles) != 2 {
		t.Fatalf("expected 2 bundles, got %v", bundles)
	}
	assertStringSlice(t, bundles[0], []string{"a", "b", "c"})
	assertStringSlice(t, bundles[1], []string{"d", "e", "f"})
}

func TestComputeBundlesDiscardsShortGroupWithoutAll(t *testing.T) {
	revList := []string{"a", "b", "c"}
	ready := map[string]bool{"a": true, "b": false, "c": true}
	bundles := ComputeBundles(revList, map[string]string{}, ready, 1, false, 3)
	assertEqualInt(t, len(bundles), 0)
}

func TestComputeBundlesAllFlagKeepsShortTrailingGroup(t *testing.T) {
	revList := []string{"a", "b", "c"}
	ready := map[string]bool{"a": true, "b": false, "c": true}
	bundles := ComputeBundles(revList, map[string]string{}, ready, 1, true, 3)
	if len(bundles) != 1 {
		t.Fatalf("expected 1 bundle, got %v", bundles)
	}
	assertStringSlice(t, bundles[0], []string{"a", "c"})
}

func TestGetMissingCommitsHonorsRunLength(t *testing.T) {
	commitList := []string{"c1", "c2", "c3", "c4", "c5", "c6"}
	present := map[string]bool{"c3": true}
	missing := GetMissingCommits(commitList, 2, present, map[string]bool{}, map[string]bool{}, false)
	assertStringSlice(t, missing, []string{"c2", "c5"})
}

func TestGetMissingCommitsRespectsIgnoreOldErrors(t *testing.T) {
	commitList := []string{"c1", "c2"}
	errored := map[string]bool{"c1": true, "c2": true}
	missingDefault := GetMissingCommits(commitList, 1, map[string]bool{}, map[string]bool{}, errored, false)
	assertEqualInt(t, len(missingDefault), 0)

	missingForced := GetMissingCommits(commitList, 1, map[string]bool{}, map[string]bool{}, errored, true)
	assertStringSlice(t, missingForced, []string{"c1", "c2"})
}

func TestPlanUpdateRotatesAroundExactCursor(t *testing.T) {
	commitList := []string{"a", "b", "c", "d", "e"}
	missing := []string{"a", "c", "e"}
	got, err := PlanUpdate(commitList, missing, "c")
	if err != nil {
		t.Fatal(err)
	}
	assertStringSlice(t, got, []string{"c", "a", "e"})
}

func TestPlanUpdateWalksBackwardToNearestMissing(t *testing.T) {
	commitList := []string{"a", "b", "c", "d", "e"}
	missing := []string{"b", "d"}
	got, err := PlanUpdate(commitList, missing, "c")
	if err != nil {
		t.Fatal(err)
	}
	assertStringSlice(t, got, []string{"b", "d"})
}

func TestPlanUpdateWrapsCircularlyPastListStart(t *testing.T) {
	commitList := []string{"a", "b", "c", "d", "e"}
	missing := []string{"d"}
	got, err := PlanUpdate(commitList, missing, "a")
	if err != nil {
		t.Fatal(err)
	}
	assertStringSlice(t, got, []string{"d"})
}

func TestPlanUpdateRejectsUnknownCursor(t *testing.T) {
	_, err := PlanUpdate([]string{"a", "b"}, []string{"a"}, "zzz")
	assertTrue(t, err != nil, "a cursor outside the commit list should be rejected")
}

func TestCompressRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.unbundled = []string{"a", "b", "c"}
	store.compressFailFirst = map[string]bool{"a": true}
	orch := New(&fakeVCS{}, store, &fakeRenderer{}, nil, "", "", "", 0, 3)

	if err := orch.Compress(ctx, []string{"a", "b", "c"}, true, false); err != nil {
		t.Fatal(err)
	}
	assertEqualInt(t, store.compressAttempts["a"], 2)
}

func TestCompressFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.unbundled = []string{"a", "b", "c"}
	store.compressFailFirst = map[string]bool{"a": true}
	orch := New(&fakeVCS{}, store, &fakeRenderer{}, nil, "", "", "", 0, 3)

	err := orch.Compress(ctx, []string{"a", "b", "c"}, false, false)
	assertTrue(t, errors.Is(err, xerrors.ErrCompressFailed), "a failed bundle without retry should report compress failure")
}

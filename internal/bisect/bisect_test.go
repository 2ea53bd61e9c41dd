// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

package bisect

import (
	"context"
	"sort"
	"testing"
)

func assertTrue(t *testing.T, see bool, msg string) {
	t.Helper()
	if !see {
		t.Errorf("assertTrue: %s", msg)
	}
}

func assertEqual(t *testing.T, got, want string) {
	t.Helper()
	if got != want {
		t.Errorf("assertEqual: got %q, want %q", got, want)
	}
}

func assertEqualInt(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("assertEqualInt: got %d, want %d", got, want)
	}
}

// linearVCS models a straight-line history of commits named A, B, C
// ... (A oldest), which
// is enough to exercise the selection algorithm without a real git
// binary.
type linearVCS struct {
	commits []string // oldest-first
	warned  []string
}

func newLinearVCS(n int) *linearVCS {
	v := &linearVCS{}
	for i := 1; i <= n; i++ {
		v.commits = append(v.commits, commitName(i))
	}
	return v
}

func commitName(i int) string {
	return string(rune('A' - 1 + i))
}

func (v *linearVCS) index(c string) int {
	for i, x := range v.commits {
		if x == c {
			return i
		}
	}
	return -1
}

func (v *linearVCS) Resolve(ctx context.Context, ref string) (string, error) {
	return ref, nil
}

func (v *linearVCS) RevList(ctx context.Context, start, end, pathSpec string, before int64) ([]string, error) {
	si, ei := 0, len(v.commits)-1
	if start != "" {
		si = v.index(start) + 1
	}
	if end != "" {
		ei = v.index(end)
	}
	var result []string
	for i := si; i <= ei && i >= 0 && i < len(v.commits); i++ {
		result = append(result, v.commits[i])
	}
	return result, nil
}

// BisectCandidates returns every commit strictly between the newest
// good and the oldest bad, ordered midpoint-first the way a real
// bisect-all orders candidates by how well each splits the remaining
// range.
func (v *linearVCS) BisectCandidates(ctx context.Context, goods, bads []string, pathSpec string, before int64) ([]string, error) {
	newestGood := -1
	for _, g := range goods {
		if i := v.index(g); i > newestGood {
			newestGood = i
		}
	}
	oldestBad := len(v.commits)
	for _, b := range bads {
		if i := v.index(b); i < oldestBad {
			oldestBad = i
		}
	}
	lo, hi := newestGood+1, oldestBad-1
	if hi < lo {
		return nil, nil
	}
	idxs := make([]int, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		idxs = append(idxs, i)
	}
	mid := lo + (hi-lo)/2
	sort.Slice(idxs, func(a, b int) bool {
		da, db := abs(idxs[a]-mid), abs(idxs[b]-mid)
		if da != db {
			return da < db
		}
		return idxs[a] < idxs[b]
	})
	result := make([]string, len(idxs))
	for i, ix := range idxs {
		result[i] = v.commits[ix]
	}
	return result, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func (v *linearVCS) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	ai, di := v.index(ancestor), v.index(descendant)
	if ai < 0 || di < 0 {
		return false, nil
	}
	return ai < di, nil
}

type collectingLogger struct {
	lines []string
}

func (l *collectingLogger) Warn(msg string) {
	l.lines = append(l.lines, msg)
}

func newEngine(v *linearVCS) *Engine {
	return New(v, &collectingLogger{}, v.commits[0], v.commits[len(v.commits)-1], "", -1,
		map[string]bool{}, map[string]bool{}, map[string]bool{}, false)
}

func TestLinearBisectConverges(t *testing.T) {
	ctx := context.Background()
	v := newLinearVCS(8) // A..H
	e := newEngine(v)

	res, err := e.ApplyVerdict(ctx, Verdict{Goods: []string{"A"}}, false)
	if err != nil {
		t.Fatal(err)
	}
	assertTrue(t, !res.Converged, "should not converge with only one good marked")

	res, err = e.ApplyVerdict(ctx, Verdict{Bads: []string{"H"}}, false)
	if err != nil {
		t.Fatal(err)
	}
	assertTrue(t, res.Next == "D" || res.Next == "E", "first bisection midpoint should be D or E, got "+res.Next)

	res, err = e.ApplyVerdict(ctx, Verdict{Bads: []string{res.Next}}, false)
	if err != nil {
		t.Fatal(err)
	}
	assertTrue(t, !res.Converged, "should not converge yet")
}

func TestAncestryViolationRejected(t *testing.T) {
	ctx := context.Background()
	v := newLinearVCS(8)
	e := newEngine(v)

	if _, err := e.ApplyVerdict(ctx, Verdict{Goods: []string{"E"}}, false); err != nil {
		t.Fatal(err)
	}
	_, err := e.ApplyVerdict(ctx, Verdict{Bads: []string{"C"}}, false)
	assertTrue(t, err != nil, "marking an ancestor of a good as bad must be rejected")
}

func TestRangeEndGoodReportsAlreadyFixed(t *testing.T) {
	ctx := context.Background()
	v := newLinearVCS(4)
	e := newEngine(v)

	_, err := e.ApplyVerdict(ctx, Verdict{Goods: []string{v.commits[len(v.commits)-1]}}, false)
	assertTrue(t, err == ErrAlreadyFixed, "marking the range end good should report already-fixed")
}

func TestRangeStartBadNeedsEarlierStart(t *testing.T) {
	ctx := context.Background()
	v := newLinearVCS(4)
	e := newEngine(v)

	_, err := e.ApplyVerdict(ctx, Verdict{Bads: []string{v.commits[0]}}, false)
	assertTrue(t, err == ErrNeedEarlierStart, "marking the range start bad should ask for an earlier start")
}

func TestCachedVersusCompilePhaseTransition(t *testing.T) {
	ctx := context.Background()
	v := newLinearVCS(8) // A..H
	e := newEngine(v)
	e.Present["F"] = true

	res, err := e.ApplyVerdict(ctx, Verdict{Goods: []string{"A"}, Bads: []string{"H"}}, false)
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, res.Next, "F")

	res, err = e.ApplyVerdict(ctx, Verdict{Bads: []string{"F"}}, false)
	if err != nil {
		t.Fatal(err)
	}
	assertTrue(t, res.PhaseTransition == "to-two", "losing every cached candidate should transition to phase two")
	assertEqual(t, res.Next, "C")
}

func TestMinimalSetsDropRedundantEntries(t *testing.T) {
	ctx := context.Background()
	v := newLinearVCS(8)

	goods, err := MinimalGoods(ctx, v, []string{"A", "C", "E"})
	if err != nil {
		t.Fatal(err)
	}
	assertTrue(t, len(goods) == 1 && goods[0] == "E", "minimal goods should keep only the newest good")

	bads, err := MinimalBads(ctx, v, []string{"D", "F", "H"})
	if err != nil {
		t.Fatal(err)
	}
	assertTrue(t, len(bads) == 1 && bads[0] == "D", "minimal bads should keep only the oldest bad")
}

func TestDryRunDoesNotMutateState(t *testing.T) {
	ctx := context.Background()
	v := newLinearVCS(8)
	e := newEngine(v)

	_, err := e.ApplyVerdict(ctx, Verdict{Goods: []string{"A"}, Bads: []string{"H"}}, false)
	if err != nil {
		t.Fatal(err)
	}
	before := e.Goods.Cardinality()

	_, err = e.ApplyVerdict(ctx, Verdict{Goods: []string{"C"}}, true)
	if err != nil {
		t.Fatal(err)
	}
	assertEqualInt(t, e.Goods.Cardinality(), before)
}

func TestFilterIgnoredErroredPrecedence(t *testing.T) {
	ctx := context.Background()
	v := newLinearVCS(8)
	e := newEngine(v)
	e.Ignored["D"] = true
	e.Errored["E"] = true

	res, err := e.ApplyVerdict(ctx, Verdict{Goods: []string{"A"}, Bads: []string{"H"}}, false)
	if err != nil {
		t.Fatal(err)
	}
	assertTrue(t, res.Next != "D" && res.Next != "E", "clean candidates should be preferred over ignored/errored ones, got "+res.Next)
}

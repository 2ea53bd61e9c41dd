// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

package rangeutil

import (
	"context"
	"testing"
)

func assertTrue(t *testing.T, see bool, msg string) {
	t.Helper()
	if !see {
		t.Errorf("assertTrue: %s", msg)
	}
}

func assertEqual(t *testing.T, a, b string) {
	t.Helper()
	if a != b {
		t.Errorf("assertEqual: %q != %q", a, b)
	}
}

type fakeResolver struct {
	refs       map[string]string
	ancestorOK map[[2]string]bool
}

func (f *fakeResolver) Resolve(ctx context.Context, ref string) (string, error) {
	return f.refs[ref], nil
}

func (f *fakeResolver) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	return f.ancestorOK[[2]string{ancestor, descendant}], nil
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		spec      string
		wantStart string
		wantEnd   string
		wantErr   bool
	}{
		{"A..B", "A", "B", false},
		{"..B", "", "B", false},
		{"A..", "A", "", false},
		{"A...B", "", "", true},
		{"AB", "", "", true},
	}
	for _, c := range cases {
		r, err := ParseRange(c.spec)
		if c.wantErr {
			assertTrue(t, err != nil, "expected error for "+c.spec)
			continue
		}
		assertTrue(t, err == nil, "unexpected error for "+c.spec)
		assertEqual(t, r.Start, c.wantStart)
		assertEqual(t, r.End, c.wantEnd)
	}
}

func TestValidate(t *testing.T) {
	vcs := &fakeResolver{
		refs: map[string]string{
			"start": "aaaa",
			"end":   "bbbb",
			"bad":   "",
		},
		ancestorOK: map[[2]string]bool{
			{"aaaa", "bbbb"}: true,
		},
	}

	start, end, err := Validate(context.Background(), Range{Start: "start", End: "end"}, false, vcs)
	assertTrue(t, err == nil, "valid range should not error")
	assertEqual(t, start, "aaaa")
	assertEqual(t, end, "bbbb")

	_, _, err = Validate(context.Background(), Range{Start: "bad", End: "end"}, false, vcs)
	assertTrue(t, err != nil, "unresolvable ref should error")

	_, _, err = Validate(context.Background(), Range{}, true, vcs)
	assertTrue(t, err == nil, "empty range should be allowed when allowEmpty")
}

func TestCommitSetOrderingSurvivesIntersect(t *testing.T) {
	a := NewCommitSet("c1", "c2", "c3", "c4")
	b := NewCommitSet("c4", "c2")
	got := a.Intersect(b).Values()
	assertEqual(t, got[0], "c2")
	assertEqual(t, got[1], "c4")
}

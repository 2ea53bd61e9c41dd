// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

// Package bisect implements C6: the bisection engine. It holds the
// three verdict sets (goods, bads, skips) for one session and turns
// them into a next-commit selection per the two-phase
// cached-versus-compile search. It does not itself run a loop or talk
// to a terminal — that is the session runner's job (C7).
package bisect

import (
	"context"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"gitlab.com/esr/gobisect/internal/rangeutil"
)

// VCS is the slice of C1 the engine needs: ancestry tests and the
// rev-list / bisect-all queries that drive candidate selection.
type VCS interface {
	Resolve(ctx context.Context, ref string) (string, error)
	RevList(ctx context.Context, start, end, pathSpec string, before int64) ([]string, error)
	BisectCandidates(ctx context.Context, goods, bads []string, pathSpec string, before int64) ([]string, error)
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)
}

// Logger receives the warnings §4.6 asks the engine to surface at
// each selection and filtering step. A session runner wires this to
// the terminal renderer; tests can supply a slice-collecting fake.
type Logger interface {
	Warn(msg string)
}

// NullLogger discards every warning, useful for dry-run callers (like
// speculative prefetch) that don't want selection side effects to
// reach the user.
type NullLogger struct{}

func (NullLogger) Warn(string) {}

// Phase distinguishes prefer-cached-candidates from
// compile-on-demand selection, per §4.6 item 4.
type Phase int

const (
	PhaseOne Phase = iota
	PhaseTwo
)

// Errors specific to verdict application. ErrAlreadyFixed and
// ErrNeedEarlierStart are the two range-edge recovery conditions of
// §4.6; ErrAncestryViolation is §3's insertion-time invariant check.
var (
	ErrAlreadyFixed      = errors.New("range end already marked good: issue may already be fixed")
	ErrNeedEarlierStart  = errors.New("range start marked bad: need an earlier start commit")
	ErrAncestryViolation = errors.New("bad commit is an ancestor of a good commit")
)

// Verdict is one batch of user input: any number of newly marked
// goods, bads, skips, and unmarks, to be applied atomically.
type Verdict struct {
	Goods, Bads, Skips, Unmarks []string
}

// SelectResult is what one selection pass (plain or applied through a
// verdict) produces.
type SelectResult struct {
	// Next is the chosen next commit to test, or "" if there is
	// nothing left to propose.
	Next string

	// Converged is true when the bisection has narrowed to a single
	// suspect; Next (== Suspect) is the answer.
	Converged bool
	Suspect   string

	// NoCandidates is true when selection produced nothing to
	// propose — either because the raw candidate computation came up
	// empty, or because every remaining candidate was filtered out by
	// cache-only mode.
	NoCandidates bool

	// PathSpecRelaxable is set when NoCandidates is true and a
	// non-empty path-spec is in play; the caller may offer the user a
	// chance to retry without it (§4.6 "optionally relaxes the
	// path-spec").
	PathSpecRelaxable bool

	// PhaseTransition names which way selection's cached/compile
	// preference moved this call, "" if it didn't.
	PhaseTransition string // "to-two", "to-one", or ""

	// LastResortFilter is true when the ignored/errored filter had to
	// fall back to its last tier (both ignored and previously
	// errored). The session runner disables autoopen on this signal.
	LastResortFilter bool
}

// Engine holds one bisection session's verdict sets and the
// collaborators (VCS, present-versions view, ignored/error sets)
// needed to turn them into a next-commit selection.
type Engine struct {
	VCS VCS
	Log Logger

	RangeStart string
	RangeEnd   string
	PathSpec   string
	Before     int64 // -1 means unbounded

	Present map[string]bool
	Ignored map[string]bool
	Errored map[string]bool

	CacheOnly bool

	Goods mapset.Set[string]
	Bads  mapset.Set[string]
	Skips mapset.Set[string]

	Phase Phase

	// CurrentCommit is the commit the session is presently testing,
	// one of §4.6's listed engine inputs.
	CurrentCommit string
}

// New builds an Engine for one session. present/ignored/errored are
// snapshots taken at session start, per §4.7 item 1 — the engine does
// not re-read them mid-session.
func New(vcs VCS, log Logger, rangeStart, rangeEnd, pathSpec string, before int64, present, ignored, errored map[string]bool, cacheOnly bool) *Engine {
	if log == nil {
		log = NullLogger{}
	}
	return &Engine{
		VCS:        vcs,
		Log:        log,
		RangeStart: rangeStart,
		RangeEnd:   rangeEnd,
		PathSpec:   pathSpec,
		Before:     before,
		Present:    present,
		Ignored:    ignored,
		Errored:    errored,
		CacheOnly:  cacheOnly,
		Goods:      mapset.NewSet[string](),
		Bads:       mapset.NewSet[string](),
		Skips:      mapset.NewSet[string](),
		Phase:      PhaseOne,
	}
}

// MinimalGoods reduces goods to those with no strict descendant also
// in goods — the newest, most informative good in each ancestry
// chain; an older good whose descendant is also marked good adds no
// information once the descendant is known.
func MinimalGoods(ctx context.Context, vcs VCS, goods []string) ([]string, error) {
	var result []string
	for _, g := range goods {
		minimal := true
		for _, other := range goods {
			if other == g {
				continue
			}
			anc, err := vcs.IsAncestor(ctx, g, other)
			if err != nil {
				return nil, err
			}
			if anc {
				minimal = false
				break
			}
		}
		if minimal {
			result = append(result, g)
		}
	}
	return result, nil
}

// MinimalBads reduces bads to those with no strict ancestor also in
// bads — the oldest, most informative bad in each ancestry chain.
func MinimalBads(ctx context.Context, vcs VCS, bads []string) ([]string, error) {
	var result []string
	for _, b := range bads {
		minimal := true
		for _, other := range bads {
			if other == b {
				continue
			}
			anc, err := vcs.IsAncestor(ctx, other, b)
			if err != nil {
				return nil, err
			}
			if anc {
				minimal = false
				break
			}
		}
		if minimal {
			result = append(result, b)
		}
	}
	return result, nil
}

// RemainingStepEstimate implements §4.6's rough count of additional
// verdicts needed: ceil(log2(|candidates ∪ minimal_bads|)), plus one
// for each of {goods, bads} currently empty.
func RemainingStepEstimate(remaining, minimalBads []string, goodsEmpty, badsEmpty bool) int {
	union := make(map[string]bool, len(remaining)+len(minimalBads))
	for _, c := range remaining {
		union[c] = true
	}
	for _, c := range minimalBads {
		union[c] = true
	}
	n := len(union)
	if n < 1 {
		n = 1
	}
	steps := 0
	for (1 << steps) < n {
		steps++
	}
	if goodsEmpty {
		steps++
	}
	if badsEmpty {
		steps++
	}
	return steps
}

func toSet(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, c := range list {
		m[c] = true
	}
	return m
}

// filterOut and filterIn run the rev-list ordered-set algebra §4.6
// needs (dropping a covered ancestry, restricting to a covered union)
// through rangeutil.CommitSet rather than hand-rolled map+slice scans,
// so candidate ordering survives the filter the same way it would
// survive a range intersection in C9.
func filterOut(list []string, exclude *rangeutil.CommitSet) []string {
	return rangeutil.NewCommitSet(list...).Subtract(exclude).Values()
}

func filterIn(list []string, include *rangeutil.CommitSet) []string {
	return rangeutil.NewCommitSet(list...).Intersect(include).Values()
}

// mapKeys lists the true-valued keys of a membership map, for handing
// to NewCommitSet where only set membership (not the map's own
// iteration order) matters to the caller.
func mapKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			out = append(out, k)
		}
	}
	return out
}

// rawCandidates implements §4.6 items 1-2: the pre-phase (one of
// goods/bads still empty) and bisection-phase (both populated)
// candidate computation, before skip removal or cache/ignore
// filtering. silent suppresses the explanatory prints that only make
// sense for a real (non dry-run) selection.
func (e *Engine) rawCandidates(ctx context.Context, goods, bads mapset.Set[string], silent bool) ([]string, error) {
	switch {
	case bads.Cardinality() == 0:
		rangeEnd, err := e.VCS.Resolve(ctx, e.RangeEnd)
		if err != nil {
			return nil, err
		}
		if goods.Contains(rangeEnd) {
			if !silent {
				e.Log.Warn("the last commit in the range is marked good; perhaps the issue has already been fixed")
			}
			return nil, ErrAlreadyFixed
		}
		if !silent {
			e.Log.Warn("no bad commits marked yet; using the full range to try finding one")
		}
		commits, err := e.VCS.RevList(ctx, e.RangeStart, e.RangeEnd, e.PathSpec, e.Before)
		if err != nil {
			return nil, err
		}
		for _, g := range goods.ToSlice() {
			covered, err := e.VCS.RevList(ctx, e.RangeStart, g, e.PathSpec, e.Before)
			if err != nil {
				return nil, err
			}
			commits = filterOut(commits, rangeutil.NewCommitSet(covered...))
		}
		return commits, nil

	case goods.Cardinality() == 0:
		rangeStart, err := e.VCS.Resolve(ctx, e.RangeStart)
		if err != nil {
			return nil, err
		}
		if bads.Contains(rangeStart) {
			if silent {
				return nil, nil
			}
			return nil, ErrNeedEarlierStart
		}
		if !silent {
			e.Log.Warn("no good commits marked yet; using early commits to try finding one")
		}
		commits, err := e.VCS.RevList(ctx, e.RangeStart, e.RangeEnd, e.PathSpec, e.Before)
		if err != nil {
			return nil, err
		}
		union := rangeutil.NewCommitSet()
		for _, b := range bads.ToSlice() {
			covered, err := e.VCS.RevList(ctx, e.RangeStart, b, e.PathSpec, e.Before)
			if err != nil {
				return nil, err
			}
			for _, c := range covered {
				union.Add(c)
			}
		}
		return filterIn(commits, union), nil

	default:
		return e.VCS.BisectCandidates(ctx, goods.ToSlice(), bads.ToSlice(), e.PathSpec, e.Before)
	}
}

func removeSkips(list []string, skips mapset.Set[string]) []string {
	return filterOut(list, rangeutil.NewCommitSet(skips.ToSlice()...))
}

func filterPresent(list []string, present map[string]bool) []string {
	return filterIn(list, rangeutil.NewCommitSet(mapKeys(present)...))
}

// filterIgnoredErrored implements §4.6 item 5's precedence: prefer
// candidates that are neither ignored nor previously errored; failing
// that, widen in order (ignored-but-buildable, errored-but-unignored,
// both — the last resort), warning at each widening.
func (e *Engine) filterIgnoredErrored(candidates []string) ([]string, bool) {
	var neither, ignoredOnly, erroredOnly, both []string
	for _, c := range candidates {
		ign, errd := e.Ignored[c], e.Errored[c]
		switch {
		case !ign && !errd:
			neither = append(neither, c)
		case ign && !errd:
			ignoredOnly = append(ignoredOnly, c)
		case !ign && errd:
			erroredOnly = append(erroredOnly, c)
		default:
			both = append(both, c)
		}
	}
	if len(neither) > 0 {
		return neither, false
	}
	if len(ignoredOnly) > 0 {
		e.Log.Warn("every clean candidate is in the ignored set; testing an ignored-but-buildable commit instead")
		return ignoredOnly, false
	}
	if len(erroredOnly) > 0 {
		e.Log.Warn("every clean candidate previously failed to build; testing one of those anyway")
		return erroredOnly, false
	}
	e.Log.Warn("every remaining commit is both ignored and previously failed to build; picking one anyway")
	return both, true
}

// Select runs the full §4.6 algorithm against the given (goods, bads,
// skips) state without consulting or mutating e.Goods/Bads/Skips —
// this is "dry-run mode" when dryRun is true, and the real selection
// (still read-only with respect to the verdict sets; only e.Phase is
// updated) when false.
func (e *Engine) Select(ctx context.Context, goods, bads, skips mapset.Set[string], dryRun bool) (*SelectResult, error) {
	res := &SelectResult{}

	raw, err := e.rawCandidates(ctx, goods, bads, dryRun)
	if err != nil {
		if errors.Is(err, ErrAlreadyFixed) || errors.Is(err, ErrNeedEarlierStart) {
			res.NoCandidates = true
			return res, err
		}
		return nil, err
	}
	if len(raw) == 0 {
		res.NoCandidates = true
		if e.PathSpec != "" {
			res.PathSpecRelaxable = true
		}
		return res, nil
	}
	if len(raw) == 1 {
		res.Converged = true
		res.Suspect = raw[0]
		res.Next = raw[0]
		return res, nil
	}

	possible := removeSkips(raw, skips)
	if len(possible) == 0 {
		res.Converged = true
		if minBads, mErr := MinimalBads(ctx, e.VCS, bads.ToSlice()); mErr == nil && len(minBads) > 0 {
			res.Suspect = minBads[0]
			res.Next = minBads[0]
		}
		return res, nil
	}

	phaseZero := goods.Cardinality() == 0 || bads.Cardinality() == 0
	presentCandidates := filterPresent(possible, e.Present)

	if dryRun {
		if !phaseZero && len(presentCandidates) > 0 {
			possible = presentCandidates
		}
	} else if !phaseZero {
		switch {
		case e.Phase == PhaseTwo && len(presentCandidates) > 0:
			e.Log.Warn("precompiled commits are back inside the possible range; switching back to searching precompiled commits")
			e.Phase = PhaseOne
			res.PhaseTransition = "to-one"
			possible = presentCandidates
		case e.Phase == PhaseTwo:
			// stay in phase two, use the full possible list
		case len(presentCandidates) > 0:
			possible = presentCandidates
		default:
			if e.CacheOnly {
				res.NoCandidates = true
				return res, nil
			}
			e.Log.Warn("no more useful precompiled commits to test; switching to compiling versions as needed")
			e.Phase = PhaseTwo
			res.PhaseTransition = "to-two"
		}
	}

	if len(possible) == 0 {
		res.NoCandidates = true
		return res, nil
	}

	filtered, lastResort := e.filterIgnoredErrored(possible)
	res.LastResortFilter = lastResort
	// filtered[0] is whatever rawCandidates produced: oldest-first in
	// the phase-zero branches (straight from RevList), best-first once
	// both sets are populated (from BisectCandidates). The Python picks
	// possible_next_commits[0] the same way; kept as-is rather than
	// reordered to always mean "oldest" per a literal reading of §4.6
	// item 1.
	res.Next = filtered[0]
	return res, nil
}

// conflictOverlap counts commits in v that were already marked as
// something else, scanning the sets as they stood before this verdict
// was applied.
func conflictOverlap(existingGoods, existingBads, existingSkips mapset.Set[string], v Verdict) int {
	unmarked := toSet(v.Unmarks)
	count := 0
	check := func(existing mapset.Set[string], incoming []string) {
		for _, c := range incoming {
			if unmarked[c] {
				continue
			}
			if existing.Contains(c) {
				count++
			}
		}
	}
	check(existingGoods, v.Bads)
	check(existingGoods, v.Skips)
	check(existingBads, v.Goods)
	check(existingBads, v.Skips)
	check(existingSkips, v.Goods)
	check(existingSkips, v.Bads)
	return count
}

// ApplyVerdict folds a verdict batch into the engine's state and
// returns the resulting selection, per §4.6 "Verdict application".
// Disjointness conflicts (a commit re-marked to a different set) are
// warned and tolerated. An ancestry violation (a bad commit found to
// be an ancestor of a good one) rejects the whole batch — the engine
// state is left unchanged and ErrAncestryViolation is returned.
func (e *Engine) ApplyVerdict(ctx context.Context, v Verdict, dryRun bool) (*SelectResult, error) {
	if len(v.Goods)+len(v.Bads)+len(v.Skips)+len(v.Unmarks) == 0 {
		return &SelectResult{Next: e.CurrentCommit}, nil
	}

	tempGoods := e.Goods.Clone()
	tempBads := e.Bads.Clone()
	tempSkips := e.Skips.Clone()
	for _, c := range v.Unmarks {
		tempGoods.Remove(c)
		tempBads.Remove(c)
		tempSkips.Remove(c)
	}
	for _, c := range v.Goods {
		tempGoods.Add(c)
	}
	for _, c := range v.Bads {
		tempBads.Add(c)
	}
	for _, c := range v.Skips {
		tempSkips.Add(c)
	}

	if err := e.validateAncestry(ctx, tempGoods, tempBads); err != nil {
		return nil, err
	}

	if n := conflictOverlap(e.Goods, e.Bads, e.Skips, v); n > 0 {
		if n == 1 {
			e.Log.Warn("that commit was already marked as something else; updating anyway")
		} else {
			e.Log.Warn(fmt.Sprintf("%d of those commits were already marked as something else; updating anyway", n))
		}
	}

	res, err := e.Select(ctx, tempGoods, tempBads, tempSkips, dryRun)
	if err != nil && !errors.Is(err, ErrAlreadyFixed) && !errors.Is(err, ErrNeedEarlierStart) {
		return nil, err
	}

	if res.NoCandidates {
		return res, err
	}

	if !dryRun {
		e.Goods, e.Bads, e.Skips = tempGoods, tempBads, tempSkips
		e.CurrentCommit = res.Next
	}
	return res, nil
}

func (e *Engine) validateAncestry(ctx context.Context, goods, bads mapset.Set[string]) error {
	for _, g := range goods.ToSlice() {
		for _, b := range bads.ToSlice() {
			anc, err := e.VCS.IsAncestor(ctx, b, g)
			if err != nil {
				return err
			}
			if anc {
				return fmt.Errorf("%w: %s is an ancestor of %s", ErrAncestryViolation, b, g)
			}
		}
	}
	return nil
}

// ClearPathSpec drops the active path-spec restriction, used after
// the user consents to §4.6's "optionally relax the path-spec" prompt.
func (e *Engine) ClearPathSpec() {
	e.PathSpec = ""
}

// Candidates returns the current remaining candidate list — post
// skip-removal, before the cache/ignore narrowing a real selection
// applies — which is what the remaining-step estimate and the final
// exit message are computed over. Returns (nil, nil) at either range
// edge, since there's nothing left to count in that case.
func (e *Engine) Candidates(ctx context.Context) ([]string, error) {
	raw, err := e.rawCandidates(ctx, e.Goods, e.Bads, true)
	if err != nil {
		if errors.Is(err, ErrAlreadyFixed) || errors.Is(err, ErrNeedEarlierStart) {
			return nil, nil
		}
		return nil, err
	}
	return removeSkips(raw, e.Skips), nil
}

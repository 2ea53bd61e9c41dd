// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

// Package buildorch implements C5: the sequential build orchestrator.
// It checks out commits one at a time, invokes the compiler through
// the terminal layer, caches successful builds, and quarantines
// persistently-failing commits — all single-threaded, per §5's "C5
// and C7 never run in the same process lifetime" rule.
package buildorch

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	shellquote "github.com/kballard/go-shellquote"

	"gitlab.com/esr/gobisect/internal/killswitch"
	"gitlab.com/esr/gobisect/internal/term"
	"gitlab.com/esr/gobisect/internal/xerrors"
)

// MinSuccesses is the warm-up threshold: this many compiles must
// succeed before a failing commit is written to the persistent error
// list, so a broken build environment doesn't taint it.
const MinSuccesses = 3

// VCS is the slice of C1 the orchestrator needs.
type VCS interface {
	Checkout(ctx context.Context, rev string) error
	HasLocalChanges(ctx context.Context) bool
	ClearLocalChanges(ctx context.Context) error
	Tags(ctx context.Context) ([]string, error)
}

// Store is the slice of C2 the orchestrator needs.
type Store interface {
	CacheBuild(commit, builtPath string) error
	BundleMap() (map[string]string, error)
	UnbundledVersions(revList []string) ([]string, error)
	CompressBundle(bundleID string, commits []string) error
	AddErrorCommits(commits []string) error
}

// Orchestrator drives the compile loop for one process lifetime.
// Its in-memory fields (errorCommits, successes) reset with it; they
// exist to implement the warm-up quarantine, not to persist state —
// the persistent record lives in the Store.
type Orchestrator struct {
	VCS    VCS
	Store  Store
	Render term.Renderer
	Kill   *killswitch.State

	WorkspacePath    string
	CompilerFlags    string
	BinaryName       string
	SubwindowRows    int
	CompressPackSize int

	errorCommits map[string]bool
	successes    int
}

// New builds an Orchestrator. compressPackSize of 0 or less is
// normalized to 32, the same default config.Default uses.
func New(vcs VCS, store Store, render term.Renderer, kill *killswitch.State, workspacePath, compilerFlags, binaryName string, subwindowRows, compressPackSize int) *Orchestrator {
	if compressPackSize <= 0 {
		compressPackSize = 32
	}
	return &Orchestrator{
		VCS:              vcs,
		Store:            store,
		Render:           render,
		Kill:             kill,
		WorkspacePath:    workspacePath,
		CompilerFlags:    compilerFlags,
		BinaryName:       binaryName,
		SubwindowRows:    subwindowRows,
		CompressPackSize: compressPackSize,
		errorCommits:     make(map[string]bool),
	}
}

// CompileOptions controls one CompileList run.
type CompileOptions struct {
	Force          bool // discard local changes without asking
	ShouldCompress bool
	RetryCompress  bool
	FatalCompress  bool
}

// CompileReport summarizes one CompileList run for the caller.
type CompileReport struct {
	Compiled    []string
	Failed      []string
	Interrupted bool
}

// CompileList checks out and compiles each commit in order, per §4.5.
// present is updated in place as commits are successfully cached, so
// callers that also drive a bisection engine can pass the engine's own
// present-versions map directly. revList is the full range's rev-list,
// used only for progress rendering and bundle grouping.
func (o *Orchestrator) CompileList(ctx context.Context, commits, revList []string, present map[string]bool, opts CompileOptions) (*CompileReport, error) {
	if err := o.handleLocalChanges(ctx, opts.Force); err != nil {
		return nil, err
	}

	report := &CompileReport{}
	times := make(map[string]time.Duration, len(commits))
	start := time.Now()

	for i, commit := range commits {
		if o.Kill != nil && o.Kill.HardRequested() {
			report.Interrupted = true
			break
		}

		o.renderStatus(i, commits, revList, present, times, len(report.Failed))

		ok, err := o.CompileOnce(ctx, commit)
		if err != nil {
			return report, err
		}
		if !ok {
			o.recordFailure(commit, report)
			start = time.Now()
			continue
		}

		builtPath := filepath.Join(o.WorkspacePath, "bin", o.BinaryName)
		if err := o.Store.CacheBuild(commit, builtPath); err != nil {
			return report, err
		}
		present[commit] = true
		report.Compiled = append(report.Compiled, commit)
		o.successes++
		if o.successes == MinSuccesses && len(o.errorCommits) > 0 {
			if err := o.flushQuarantine(); err != nil {
				return report, err
			}
		}
		times[commit] = time.Since(start)

		if opts.ShouldCompress && len(report.Compiled) > 0 && len(report.Compiled)%(o.CompressPackSize*2) == 0 && !o.softKilled() {
			if err := o.Compress(ctx, revList, opts.RetryCompress, false); err != nil {
				if opts.FatalCompress {
					o.println(term.KindBad, "Terminating compilation due to compression failure.")
					return report, err
				}
				o.println(term.KindBad, "WARNING: compression failed, continuing compilation anyway.")
			}
		}

		start = time.Now()
		if o.softKilled() {
			report.Interrupted = true
			break
		}
	}

	if !report.Interrupted && opts.ShouldCompress {
		if err := o.Compress(ctx, revList, opts.RetryCompress, false); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (o *Orchestrator) softKilled() bool {
	return o.Kill != nil && o.Kill.SoftRequested()
}

func (o *Orchestrator) recordFailure(commit string, report *CompileReport) {
	if o.successes >= MinSuccesses {
		o.println(term.KindBad, fmt.Sprintf("Error while compiling commit %s.", commit))
		o.println(term.KindNeutral, "Adding it to the persistent error list so it's skipped in the future.")
		o.Store.AddErrorCommits([]string{commit})
	} else {
		o.println(term.KindBad, fmt.Sprintf("Error while compiling commit %s. Skipping.", commit))
	}
	o.errorCommits[commit] = true
	report.Failed = append(report.Failed, commit)
}

// flushQuarantine persists every commit accumulated in the in-memory
// warm-up set once MinSuccesses is reached, the way compile() does
// retroactively the instant it crosses the threshold.
func (o *Orchestrator) flushQuarantine() error {
	o.println(term.KindNeutral, "Enough successful compiles have occurred to show errors are commit-specific.")
	flush := make([]string, 0, len(o.errorCommits))
	for c := range o.errorCommits {
		flush = append(flush, c)
	}
	sort.Strings(flush)
	for _, c := range flush {
		o.println(term.KindNeutral, "\t"+c)
	}
	return o.Store.AddErrorCommits(flush)
}

func (o *Orchestrator) handleLocalChanges(ctx context.Context, force bool) error {
	if !o.VCS.HasLocalChanges(ctx) {
		return nil
	}
	o.println(term.KindBad, "Local changes detected in the workspace.")
	if force {
		o.println(term.KindNeutral, "Discarding them in preparation for compilation.")
		return o.VCS.ClearLocalChanges(ctx)
	}
	if o.Render != nil && o.Render.Prompt("Discard local changes?") {
		o.println(term.KindNeutral, "Discarding. Pass force mode to skip this prompt in the future.")
		return o.VCS.ClearLocalChanges(ctx)
	}
	return xerrors.ErrLocalChanges
}

// CompileOnce checks out commit and invokes the compiler, without
// caching the result. It is the primitive CompileList builds its loop
// from; C8 also calls it directly for a discard-mode repro launch that
// wants the compiled binary left sitting in the workspace rather than
// moved into the cache.
func (o *Orchestrator) CompileOnce(ctx context.Context, commit string) (bool, error) {
	if err := o.VCS.Checkout(ctx, commit); err != nil {
		return false, err
	}
	return o.compileOne(ctx), nil
}

func (o *Orchestrator) compileOne(ctx context.Context) bool {
	if o.Render == nil {
		return false
	}
	flags, err := shellquote.Split(o.CompilerFlags)
	if err != nil {
		flags = nil
	}
	command := append([]string{"scons"}, flags...)
	return o.Render.ExecuteInSubwindow(ctx, command, "scons", o.SubwindowRows, o.WorkspacePath, false)
}

func (o *Orchestrator) println(kind term.Kind, text string) {
	if o.Render != nil {
		o.Render.Println(kind, text)
	}
}

// renderStatus draws the progress described in §4.5: position, rolling
// average and projected time, error count, the current commit, a
// progress bar, and a cached-commit histogram across the full range.
// Per-bucket tag labels and an exact cursor glyph belong to a richer
// interactive renderer than the Renderer contract exposes here; this
// gives every number §4.5 names except those two cosmetic details.
func (o *Orchestrator) renderStatus(index int, commits, revList []string, present map[string]bool, times map[string]time.Duration, errored int) {
	if o.Render == nil {
		return
	}
	total := len(commits)
	o.Render.Println(term.KindKey, fmt.Sprintf("Compiling #%d of %d", index+1, total))

	var sum time.Duration
	for _, d := range times {
		sum += d
	}
	avg := time.Duration(0)
	if len(times) > 0 {
		avg = sum / time.Duration(len(times))
	}
	avgStr, remainingStr := "--:--", "--:--"
	if avg > 0 {
		avgStr = avg.Round(time.Second).String()
		remainingStr = (avg * time.Duration(total-index)).Round(time.Second).String()
	}
	errKind := term.KindGood
	if errored > 0 {
		errKind = term.KindBad
	}
	o.Render.Println(errKind, fmt.Sprintf("Average time: %s, remaining time: %s, errors: %d", avgStr, remainingStr, errored))

	if index < len(commits) {
		cols := o.Render.Columns()
		o.Render.Println(term.KindNeutral, term.TrimToWidth("Current commit: "+commits[index], cols-4))
	}

	cols := o.Render.Columns() - 4
	if cols < 1 {
		cols = 1
	}
	if total > 0 {
		o.Render.ProgressBar(cols, float64(index)/float64(total))
	}
	o.Render.Histogram(Histogram(revList, present, cols))
}

// Histogram splits revList into n equal-width buckets and reports, for
// each, the fraction of commits present in the artifact store —
// matching print_compile_status's cached-commit timeline strip.
func Histogram(revList []string, present map[string]bool, n int) []float64 {
	if n < 1 {
		n = 1
	}
	groups := splitList(revList, n)
	buckets := make([]float64, 0, n)
	for _, g := range groups {
		if len(g) == 0 {
			buckets = append(buckets, 0)
			continue
		}
		hit := 0
		for _, rev := range g {
			if present[rev] {
				hit++
			}
		}
		buckets = append(buckets, float64(hit)/float64(len(g)))
	}
	for len(buckets) < n {
		buckets = append(buckets, 0)
	}
	return buckets
}

// splitList divides lst into x parts as evenly as possible, with
// earlier parts absorbing the remainder — matching factory.py's
// split_list.
func splitList(lst []string, x int) [][]string {
	if x < 1 {
		x = 1
	}
	avg := len(lst) / x
	rem := len(lst) % x
	parts := make([][]string, 0, x)
	start := 0
	for i := 0; i < x; i++ {
		end := start + avg
		if i < rem {
			end++
		}
		if end > len(lst) {
			end = len(lst)
		}
		parts = append(parts, lst[start:end])
		start = end
	}
	return parts
}

// Compress bundles every ready run of loose commits in revList.
// retry makes one extra attempt per bundle on failure; all forces
// short trailing groups to bundle too instead of waiting for a full
// pack, the way the `compress --all` CLI path does.
func (o *Orchestrator) Compress(ctx context.Context, revList []string, retry, all bool) error {
	bundleMap, err := o.Store.BundleMap()
	if err != nil {
		return err
	}
	unbundledLoose, err := o.Store.UnbundledVersions(revList)
	if err != nil {
		return err
	}
	ready := make(map[string]bool, len(unbundledLoose))
	for _, c := range unbundledLoose {
		ready[c] = true
	}
	bundles := ComputeBundles(revList, bundleMap, ready, 1, all, o.CompressPackSize)

	for i, bundle := range bundles {
		if o.Kill != nil && o.Kill.HardRequested() {
			return nil
		}
		o.println(term.KindNeutral, fmt.Sprintf("Compressing bundle %d / %d", i+1, len(bundles)))
		bundleID := bundle[0]
		err := o.Store.CompressBundle(bundleID, bundle)
		if err != nil && retry {
			o.println(term.KindNeutral, fmt.Sprintf("Retrying compression of bundle %s once.", bundleID))
			err = o.Store.CompressBundle(bundleID, bundle)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", xerrors.ErrCompressFailed, err)
		}
		if o.softKilled() {
			break
		}
	}
	return nil
}

// ComputeBundles groups consecutive loose, unbundled commits from
// revList into packs of packSize, tolerating up to n not-yet-cached
// gaps inside a run before abandoning it — matching factory.py's
// compute_bundles. With all set, a short trailing group is still
// returned instead of discarded, so `compress --all` can sweep up
// whatever is left.
func ComputeBundles(revList []string, bundled map[string]string, ready map[string]bool, n int, all bool, packSize int) [][]string {
	if packSize < 1 {
		packSize = 1
	}
	var unbundled []string
	for _, rev := range revList {
		if _, ok := bundled[rev]; !ok {
			unbundled = append(unbundled, rev)
		}
	}

	var bundles [][]string
	i := 0
	for i < len(unbundled) {
		if !ready[unbundled[i]] {
			i++
			continue
		}
		bundle := []string{unbundled[i]}
		notReadySeen := 0
		i++
		for i < len(unbundled) {
			if ready[unbundled[i]] {
				notReadySeen = 0
				bundle = append(bundle, unbundled[i])
				if len(bundle) >= packSize {
					i++
					break
				}
			} else {
				notReadySeen++
				if notReadySeen >= n && !all {
					break
				}
			}
			i++
		}
		if all || len(bundle) >= packSize {
			bundles = append(bundles, bundle)
		}
	}
	return bundles
}

// GetMissingCommits walks commitList (oldest-first) and reports
// unsatisfied commits — not present, not ignored, and (unless
// ignoreOldErrors) not a known build failure — one per n consecutive
// unsatisfied commits: the n-th commit of such a run is reported and
// the count restarts after it, so a run shorter than n reports
// nothing. This is the "skip short unsatisfied gaps" sampling
// heuristic `update -n` uses to avoid compiling every single hole when
// the caller only wants coarser coverage.
func GetMissingCommits(commitList []string, n int, present, ignored, errored map[string]bool, ignoreOldErrors bool) []string {
	if n < 1 {
		n = 1
	}
	satisfied := func(c string) bool {
		if present[c] || ignored[c] {
			return true
		}
		return !ignoreOldErrors && errored[c]
	}
	var missing []string
	run := 0
	for _, c := range commitList {
		if satisfied(c) {
			run = 0
			continue
		}
		run++
		if run >= n {
			missing = append(missing, c)
			run = 0
		}
	}
	return missing
}

// PlanUpdate reorders missing (oldest-first, a subset of commitList)
// so compilation starts at the missing commit at, or nearest before,
// cursorCommit and works backward through the older missing commits,
// wrapping around to the newest ones after the oldest — matching
// update_command's cursor-relative ordering, which compiles near the
// commit the user is currently looking at first. The backward search
// for that starting commit wraps modulo commitList's length, mirroring
// the original's reliance on Python's negative-index wraparound to
// walk backward past the start of the list.
func PlanUpdate(commitList, missing []string, cursorCommit string) ([]string, error) {
	if len(missing) == 0 {
		return nil, nil
	}
	n := len(commitList)
	cut := indexOf(commitList, cursorCommit)
	if cut < 0 {
		return nil, fmt.Errorf("cursor commit %s not in the update range", cursorCommit)
	}

	missingSet := make(map[string]bool, len(missing))
	for _, c := range missing {
		missingSet[c] = true
	}
	for !missingSet[commitList[cut]] {
		cut = (cut - 1 + n) % n
	}

	pivot := indexOf(missing, commitList[cut]) + 1
	rotated := make([]string, 0, len(missing))
	rotated = append(rotated, missing[pivot:]...)
	rotated = append(rotated, missing[:pivot]...)

	reversed := make([]string, len(rotated))
	for i, c := range rotated {
		reversed[len(rotated)-1-i] = c
	}
	return reversed, nil
}

func indexOf(list []string, target string) int {
	for i, c := range list {
		if c == target {
			return i
		}
	}
	return -1
}

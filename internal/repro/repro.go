// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

// Package repro implements C8: the single-commit extract-and-run path
// used by non-interactive commands (the standalone "repro" command)
// and by the bisect session whenever a candidate is opened. It shares
// no state with the bisection engine — the dependency runs the other
// way, through the session.Launcher interface.
package repro

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	shellquote "github.com/kballard/go-shellquote"

	"gitlab.com/esr/gobisect/internal/buildorch"
	"gitlab.com/esr/gobisect/internal/killswitch"
	"gitlab.com/esr/gobisect/internal/term"
	"gitlab.com/esr/gobisect/internal/xerrors"
)

// VCS is the slice of C1 the launcher needs: resolving a ref, naming a
// commit for messages, and (for the no-ref fallback) walking the
// configured range.
type VCS interface {
	Resolve(ctx context.Context, ref string) (string, error)
	ShortName(ctx context.Context, commit string) string
	RevList(ctx context.Context, start, end, pathSpec string, before int64) ([]string, error)
	Fetch(ctx context.Context) error
}

// Store is the slice of C2 the launcher needs: presence and
// extraction. Caching a fresh compile goes through the Orchestrator,
// which owns CacheBuild.
type Store interface {
	PresentVersions() (map[string]bool, error)
	Extract(commit, target string) error
}

// Launcher implements C8. Its zero value is not usable: Store must be
// set, and Resolve also needs VCS.
type Launcher struct {
	VCS          VCS
	Store        Store
	Orchestrator *buildorch.Orchestrator
	Render       term.Renderer
	Kill         *killswitch.State

	VersionsRoot           string
	ExecutableName         string
	BackupExecutableRegex  string
	ExecutionParameters    string // template, may contain {PROJECT}
	SubwindowRows          int
	CacheOnly              bool

	// RangeStart, RangeEnd bound the fallback search used when
	// LaunchRef is given no ref: commands.py:repro_command's "most
	// recent cached version in the range" rule.
	RangeStart, RangeEnd string
	PathSpec             string
}

// mruFile is the MRU order file's name, colocated with the versions
// root. Grounded on execution.py's "execution_cache" state blob, one
// commit ID per line, most-recently-used first.
const mruFile = "execution_cache"

// Launch implements session.Launcher: it extracts and runs an already
// resolved commit, compiling it on demand if it isn't cached. This is
// the path the interactive bisect session drives on every "open".
func (l *Launcher) Launch(ctx context.Context, commit string) (bool, error) {
	return l.launch(ctx, commit, l.ExecutionParameters, "")
}

// LaunchOptions controls a standalone repro invocation, where the
// caller may override the execution parameters, hand in a project
// working directory, or ask that the build not be cached at all.
type LaunchOptions struct {
	ExecutionParameters string
	Project             string
	Discard             bool
}

// LaunchRef resolves ref (falling back to the configured range's most
// recent cached candidate when ref is empty, per
// commands.py:repro_command) and launches it.
func (l *Launcher) LaunchRef(ctx context.Context, ref string, opts LaunchOptions) (bool, error) {
	commit, err := l.Resolve(ctx, ref)
	if err != nil {
		return false, err
	}
	params := opts.ExecutionParameters
	if params == "" {
		params = l.ExecutionParameters
	}
	if opts.Discard {
		return l.launchDiscard(ctx, commit, params, opts.Project)
	}
	return l.launch(ctx, commit, params, opts.Project)
}

// Resolve implements the no-ref fallback precedence from
// commands.py:repro_command: with an explicit ref, just resolve it; with
// none, prefer the most recent cached commit in the configured range
// that is neither ignored nor errored, falling back to the most recent
// cached commit of any kind, and finally to the range end itself
// (fetching first, since it may not exist locally yet).
func (l *Launcher) Resolve(ctx context.Context, ref string) (string, error) {
	if ref != "" {
		commit, err := l.VCS.Resolve(ctx, ref)
		if err != nil || commit == "" {
			return "", fmt.Errorf("%w: %q", xerrors.ErrUnresolvableRef, ref)
		}
		return commit, nil
	}

	present, err := l.Store.PresentVersions()
	if err != nil {
		return "", err
	}
	commits, err := l.VCS.RevList(ctx, l.RangeStart, l.RangeEnd, l.PathSpec, 0)
	if err != nil {
		return "", err
	}

	var cached []string
	for _, c := range commits {
		if present[c] {
			cached = append(cached, c)
		}
	}
	if len(cached) == 0 {
		if l.CacheOnly {
			return "", fmt.Errorf("%w: no cached versions found in range", xerrors.ErrNotFound)
		}
		if err := l.VCS.Fetch(ctx); err != nil {
			l.println(term.KindBad, "fetch before resolving range end failed: "+err.Error())
		}
		return l.VCS.Resolve(ctx, l.RangeEnd)
	}

	commit := cached[len(cached)-1]
	for _, possible := range cached {
		if !l.untestable(possible) {
			commit = possible
		}
	}
	return commit, nil
}

// untestable reports whether a commit is known ignored or errored.
// Resolve only needs this to prefer a clean candidate; Launch itself
// still opens whatever commit it's given, with a warning.
func (l *Launcher) untestable(commit string) bool {
	type errorLister interface {
		ErrorCommits() (map[string]bool, error)
		IgnoredCommits() (map[string]bool, error)
	}
	lister, ok := l.Store.(errorLister)
	if !ok {
		return false
	}
	errs, _ := lister.ErrorCommits()
	ignored, _ := lister.IgnoredCommits()
	return errs[commit] || ignored[commit]
}

func (l *Launcher) launch(ctx context.Context, commit, execParams, project string) (bool, error) {
	present, err := l.Store.PresentVersions()
	if err != nil {
		return false, err
	}

	if !present[commit] {
		if l.CacheOnly {
			l.println(term.KindBad, fmt.Sprintf("Commit %s is not cached. Skipping due to cache-only mode.", l.shortName(ctx, commit)))
			return false, nil
		}
		if l.Orchestrator == nil {
			return false, fmt.Errorf("%w: no orchestrator configured to compile %s", xerrors.ErrCompileFailed, commit)
		}
		ok, err := l.Orchestrator.CompileOnce(ctx, commit)
		if err != nil {
			return false, err
		}
		if !ok {
			l.println(term.KindBad, fmt.Sprintf("Failed to compile commit %s.", l.shortName(ctx, commit)))
			return false, xerrors.ErrCompileFailed
		}
		// CompileOnce never caches; a non-discard caller still wants
		// the build in the store for future reuse.
		builtPath := filepath.Join(l.Orchestrator.WorkspacePath, l.ExecutableName)
		if err := l.Orchestrator.Store.CacheBuild(commit, builtPath); err != nil {
			return false, err
		}
		present[commit] = true
	}

	if err := l.Store.Extract(commit, ""); err != nil {
		return false, err
	}
	l.markUsed(commit)
	return l.launchFolder(ctx, filepath.Join(l.VersionsRoot, commit), execParams, project)
}

// launchDiscard compiles commit (if not already present) and runs the
// result straight from the workspace without caching, matching
// execution.py's discard=True branch.
func (l *Launcher) launchDiscard(ctx context.Context, commit, execParams, project string) (bool, error) {
	present, err := l.Store.PresentVersions()
	if err != nil {
		return false, err
	}
	if present[commit] {
		return l.launch(ctx, commit, execParams, project)
	}
	if l.CacheOnly {
		l.println(term.KindBad, fmt.Sprintf("Commit %s is not cached. Skipping due to cache-only mode.", l.shortName(ctx, commit)))
		return false, nil
	}
	if l.Orchestrator == nil {
		return false, fmt.Errorf("%w: no orchestrator configured to compile %s", xerrors.ErrCompileFailed, commit)
	}
	ok, err := l.Orchestrator.CompileOnce(ctx, commit)
	if err != nil {
		return false, err
	}
	if !ok {
		l.println(term.KindBad, fmt.Sprintf("Failed to compile commit %s.", l.shortName(ctx, commit)))
		return false, xerrors.ErrCompileFailed
	}
	return l.launchFolder(ctx, l.Orchestrator.WorkspacePath, execParams, project)
}

// findExecutable looks for ExecutableName directly under base, then
// falls back to walking base for a path matching BackupExecutableRegex.
func (l *Launcher) findExecutable(base string) (string, error) {
	likely := filepath.Join(base, l.ExecutableName)
	if info, err := os.Stat(likely); err == nil && !info.IsDir() {
		return filepath.Abs(likely)
	}

	if l.BackupExecutableRegex == "" {
		return "", fmt.Errorf("%w: no executable found under %s", xerrors.ErrNotFound, base)
	}
	re, err := regexp.Compile(l.BackupExecutableRegex)
	if err != nil {
		return "", fmt.Errorf("invalid backup executable regex: %w", err)
	}

	found := findByRegex(base, re)
	if found == "" {
		return "", fmt.Errorf("%w: no executable found under %s", xerrors.ErrNotFound, base)
	}
	return filepath.Abs(found)
}

func (l *Launcher) launchFolder(ctx context.Context, workspacePath, execParams, project string) (bool, error) {
	executable, err := l.findExecutable(workspacePath)
	if err != nil {
		return false, err
	}
	if project != "" {
		execParams = strings.ReplaceAll(execParams, "{PROJECT}", project)
	}
	args, err := shellquote.Split(execParams)
	if err != nil {
		args = nil
	}
	command := append([]string{executable}, args...)
	if l.Render == nil {
		return false, nil
	}
	ok := l.Render.ExecuteInSubwindow(ctx, command, l.ExecutableName, l.SubwindowRows, project, true)
	return ok, nil
}

// markUsed records commit as the most-recently-launched, trimming the
// order file to commits that are still present so it doesn't grow
// without bound. The original's equivalent (_mark_used) filtered
// against an always-empty "loose_versions" placeholder — a bug in the
// source, noted and not reproduced; this filters against the real
// present-versions view instead.
func (l *Launcher) markUsed(commit string) {
	if l.VersionsRoot == "" {
		return
	}
	present, err := l.Store.PresentVersions()
	if err != nil {
		present = map[string]bool{commit: true}
	}
	path := filepath.Join(l.VersionsRoot, mruFile)
	data, _ := os.ReadFile(path)
	order := []string{commit}
	for _, c := range strings.Fields(string(data)) {
		if c != commit && present[c] {
			order = append(order, c)
		}
	}
	_ = os.WriteFile(path, []byte(strings.Join(order, "\n")), 0o644)
}

// MostRecentlyUsed returns up to maxCount commits from the MRU order
// file that are still in commits, most recent first.
func (l *Launcher) MostRecentlyUsed(commits map[string]bool, maxCount int) []string {
	path := filepath.Join(l.VersionsRoot, mruFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var mru []string
	for _, c := range strings.Fields(string(data)) {
		if commits[c] {
			mru = append(mru, c)
		}
		if maxCount > 0 && len(mru) >= maxCount {
			break
		}
	}
	return mru
}

func (l *Launcher) shortName(ctx context.Context, commit string) string {
	if l.VCS == nil {
		return commit
	}
	return l.VCS.ShortName(ctx, commit)
}

func (l *Launcher) println(kind term.Kind, text string) {
	if l.Render != nil {
		l.Render.Println(kind, text)
	}
}

// findByRegex walks root depth-first for the first file whose path
// matches re, mirroring execution.py's os.walk-based backup search.
func findByRegex(root string, re *regexp.Regexp) string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		full := filepath.Join(root, e.Name())
		if e.IsDir() {
			if found := findByRegex(full, re); found != "" {
				return found
			}
			continue
		}
		if re.MatchString(full) {
			return full
		}
	}
	return ""
}

// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

// Package vcsadapter implements C1: a thin wrapper over the version
// control binary. It deliberately reflects the VCS's own operations
// one-to-one rather than reimplementing commit-graph traversal.
package vcsadapter

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/sirupsen/logrus"

	"gitlab.com/esr/gobisect/internal/xerrors"
)

// VCS wraps invocation of the git binary against a single workspace.
// Every exported method corresponds to exactly one of the operations
// C1 exposes in the specification.
type VCS struct {
	Workspace string
	Log       logrus.FieldLogger

	resolveCache *fastcache.Cache
	timeCache    *fastcache.Cache
	shortCache   *fastcache.Cache

	revListMu sync.Mutex
	revList   map[string][]string
}

// New constructs a VCS adapter rooted at workspace, with caches sized
// for a single bisection session's lifetime.
func New(workspace string, log logrus.FieldLogger) *VCS {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &VCS{
		Workspace:    workspace,
		Log:          log,
		resolveCache: fastcache.New(4 << 20),
		timeCache:    fastcache.New(4 << 20),
		shortCache:   fastcache.New(4 << 20),
		revList:      make(map[string][]string),
	}
}

func (v *VCS) run(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-C", v.Workspace}, args...)
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if v.Log != nil {
		v.Log.WithField("command", "git "+strings.Join(fullArgs, " ")).Debug("capturing vcs command")
	}
	err := cmd.Run()
	text := strings.TrimSpace(out.String())
	if len(text) > 1 && text[0] == '"' && text[len(text)-1] == '"' {
		text = text[1 : len(text)-1]
	}
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return text, nil
}

// Checkout performs a quiet, non-interactive checkout of rev.
func (v *VCS) Checkout(ctx context.Context, rev string) error {
	_, err := v.run(ctx, "checkout", "-q", rev)
	return err
}

// Fetch does a fast-forward fetch of tags and prunes stale remote refs.
func (v *VCS) Fetch(ctx context.Context) error {
	_, err := v.run(ctx, "fetch", "--tags", "--prune", "origin")
	return err
}

// Resolve turns a ref into a commit ID, caching hits for the process
// lifetime since refs are stable once fetched.
func (v *VCS) Resolve(ctx context.Context, ref string) (string, error) {
	if cached, ok := v.resolveCache.HasGet(nil, []byte(ref)); ok {
		return string(cached), nil
	}
	out, _ := v.run(ctx, "rev-parse", "--revs-only", ref)
	if out == "" {
		return "", xerrors.ErrUnresolvableRef
	}
	v.resolveCache.Set([]byte(ref), []byte(out))
	return out, nil
}

// CommitTime returns a commit's author timestamp in epoch seconds, or
// -1 if it cannot be determined. A thin single-commit convenience over
// CommitTimes, which does the actual cache lookup and subprocess call.
func (v *VCS) CommitTime(ctx context.Context, commit string) int64 {
	if n, ok := v.CommitTimes(ctx, []string{commit})[commit]; ok {
		return n
	}
	return -1
}

// CommitTimes batches CommitTime for several commits in one process
// invocation, the same batching the original source performs to avoid
// one subprocess per commit. CommitTime calls it with a single commit;
// the session runner's time-warning step (§4.7 item 1) goes through
// CommitTime, once for the range's latest commit and once for the
// latest cached version.
func (v *VCS) CommitTimes(ctx context.Context, commits []string) map[string]int64 {
	result := make(map[string]int64, len(commits))
	var missing []string
	for _, c := range commits {
		if cached, ok := v.timeCache.HasGet(nil, []byte(c)); ok {
			n, _ := strconv.ParseInt(string(cached), 10, 64)
			result[c] = n
		} else {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return result
	}
	args := append([]string{"show", "-s", "--format=%ct"}, missing...)
	out, err := v.run(ctx, args...)
	if err != nil {
		return result
	}
	lines := strings.Fields(out)
	if len(lines) != len(missing) {
		return result
	}
	for i, c := range missing {
		n, _ := strconv.ParseInt(lines[i], 10, 64)
		result[c] = n
		v.timeCache.Set([]byte(c), []byte(lines[i]))
	}
	return result
}

// ShortName returns a display-only abbreviated commit hash.
func (v *VCS) ShortName(ctx context.Context, commit string) string {
	if cached, ok := v.shortCache.HasGet(nil, []byte(commit)); ok {
		return string(cached)
	}
	resolved, err := v.Resolve(ctx, commit)
	if err != nil || resolved == "" {
		return commit
	}
	out, _ := v.run(ctx, "log", `--pretty=format:%h`, commit, "-n", "1", "--abbrev-commit")
	v.shortCache.Set([]byte(commit), []byte(out))
	return out
}

// ShortLog returns the abbreviated hash and subject line for commit.
func (v *VCS) ShortLog(ctx context.Context, commit string) string {
	subject, _ := v.run(ctx, "log", `--pretty=format:%s`, commit, "-n", "1", "--abbrev-commit")
	return v.ShortName(ctx, commit) + " " + subject
}

// RevList returns the commits after start up to and including end,
// oldest-first (parents before children, as `rev-list --reverse`
// prints them), optionally restricted to pathSpec and/or a before
// timestamp.
func (v *VCS) RevList(ctx context.Context, start, end, pathSpec string, before int64) ([]string, error) {
	key := fmt.Sprintf("%s|%s|%s|%d", start, end, pathSpec, before)
	v.revListMu.Lock()
	if cached, ok := v.revList[key]; ok {
		v.revListMu.Unlock()
		return cached, nil
	}
	v.revListMu.Unlock()

	args := []string{"rev-list", "--reverse", fmt.Sprintf("%s..%s", start, end)}
	if before >= 0 {
		args = append(args, fmt.Sprintf("--before=%d", before))
	}
	if pathSpec != "" {
		args = append(args, "--", pathSpec)
	}
	out, err := v.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	commits := strings.Fields(out)

	v.revListMu.Lock()
	v.revList[key] = commits
	v.revListMu.Unlock()
	return commits, nil
}

// BisectCandidates asks the VCS for the "bisect-all" set: every commit
// currently eligible to be the next bisect step, best-first.
func (v *VCS) BisectCandidates(ctx context.Context, goods, bads []string, pathSpec string, before int64) ([]string, error) {
	args := []string{"rev-list", "--bisect-all"}
	for _, g := range goods {
		args = append(args, "^"+g)
	}
	args = append(args, bads...)
	if before >= 0 {
		args = append(args, fmt.Sprintf("--before=%d", before))
	}
	if pathSpec != "" {
		args = append(args, "--", pathSpec)
	}
	out, err := v.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var result []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		result = append(result, strings.Fields(line)[0])
	}
	return result, nil
}

// HasLocalChanges reports whether the workspace has uncommitted edits.
func (v *VCS) HasLocalChanges(ctx context.Context) bool {
	out, _ := v.run(ctx, "add", "-An")
	return strings.TrimSpace(out) != ""
}

// ClearLocalChanges discards uncommitted edits and untracked files.
func (v *VCS) ClearLocalChanges(ctx context.Context) error {
	if _, err := v.run(ctx, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	_, err := v.run(ctx, "clean", "-df")
	return err
}

// Tags lists all tags in the repository.
func (v *VCS) Tags(ctx context.Context) ([]string, error) {
	out, err := v.run(ctx, "tag", "-l")
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

// IsAncestor reports whether possibleAncestor is an ancestor of
// commit (strict reachability, via a non-empty rev-list).
func (v *VCS) IsAncestor(ctx context.Context, possibleAncestor, commit string) (bool, error) {
	list, err := v.RevList(ctx, possibleAncestor, commit, "", -1)
	if err != nil {
		return false, err
	}
	return len(list) > 0, nil
}

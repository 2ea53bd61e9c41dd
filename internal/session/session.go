// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

// Package session implements C7: the interactive verdict loop a user
// drives a bisection with. It owns the REPL (command parsing and
// dispatch), the speculative prefetch that keeps the decompress
// scheduler warm for the commits a verdict is likely to lead to next,
// and the two range-edge recovery prompts that let a session continue
// past a range boundary instead of dead-ending.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	shlex "github.com/anmitsu/go-shlex"
	mapset "github.com/deckarep/golang-set/v2"

	"gitlab.com/esr/gobisect/internal/bisect"
	"gitlab.com/esr/gobisect/internal/decompress"
	"gitlab.com/esr/gobisect/internal/killswitch"
	"gitlab.com/esr/gobisect/internal/term"
)

// VCS is the slice of C1 the session needs beyond what it hands to
// the bisection engine: display formatting for status lines, plus the
// rev-list and commit-timestamp queries the time-warning step needs at
// startup.
type VCS interface {
	Resolve(ctx context.Context, ref string) (string, error)
	ShortName(ctx context.Context, commit string) string
	ShortLog(ctx context.Context, commit string) string
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)
	RevList(ctx context.Context, start, end, pathSpec string, before int64) ([]string, error)
	CommitTime(ctx context.Context, commit string) int64
}

// timeWarnThreshold is WARN_TIME from the original source: commit ages
// beyond this get flagged at session start.
const timeWarnThreshold = 7 * 24 * time.Hour

// Launcher is implemented by the repro runner (C8); the session owns
// no extraction or process-launch logic of its own.
type Launcher interface {
	Launch(ctx context.Context, commit string) (bool, error)
}

// LineReader supplies one line of interactive input at a time. ok is
// false on EOF or an interrupt, which ends the session the same way
// the original's KeyboardInterrupt handler does.
type LineReader interface {
	ReadLine(prompt string) (line string, ok bool)
}

// Session wires the bisection engine to an interactive front end: a
// LineReader for input, a term.Renderer for output and yes/no prompts,
// a decompress.Scheduler to keep warm, and a Launcher to hand
// selected commits to.
type Session struct {
	Engine     *bisect.Engine
	VCS        VCS
	Decompress *decompress.Scheduler
	Render     term.Renderer
	Lines      LineReader
	Launcher   Launcher
	Kill       *killswitch.State

	// BackgroundLayers bounds the speculative BFS prefetch depth,
	// mirroring BACKGROUND_DECOMPRESSION_LAYERS.
	BackgroundLayers int

	started bool
}

// New builds a Session ready to run. The caller is expected to have
// already marked whatever initial verdicts a resumed session carries
// over and to have set Engine.CurrentCommit.
func New(engine *bisect.Engine, vcs VCS, sched *decompress.Scheduler, render term.Renderer, lines LineReader, launcher Launcher, kill *killswitch.State, backgroundLayers int) *Session {
	if backgroundLayers < 0 {
		backgroundLayers = 0
	}
	return &Session{
		Engine:           engine,
		VCS:              vcs,
		Decompress:       sched,
		Render:           render,
		Lines:            lines,
		Launcher:         launcher,
		Kill:             kill,
		BackgroundLayers: backgroundLayers,
	}
}

func (s *Session) println(kind term.Kind, text string) {
	if s.Render != nil {
		s.Render.Println(kind, text)
	}
}

// Run drives the interactive loop: prompt, parse, dispatch, repeat,
// until a command ends the session, input runs out, or a hard
// interrupt fires. It prints the entry banner, warms the prefetch
// queue and status line, then loops; on the way out it prints the
// exit summary, mirroring bisect.py's run().
func (s *Session) Run(ctx context.Context) {
	if s.Engine.CurrentCommit == "" {
		s.println(term.KindBad, "No starting commit is set; nothing to bisect.")
		return
	}

	s.println(term.KindNeutral, "Entering bisect interactive mode. Type 'help' for a list of commands.")
	s.HandleTimeWarnings(ctx)
	s.QueueDecompressNexts(ctx)
	s.PrintStatusMessage(ctx, false)

	for {
		if s.Kill != nil && s.Kill.HardRequested() {
			break
		}
		line, ok := s.Lines.ReadLine("bisect> ")
		if !ok {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		tokens, err := shlex.Split(line, true)
		if err != nil || len(tokens) == 0 {
			s.println(term.KindBad, "Could not parse that command.")
			continue
		}
		keepGoing, err := s.ProcessCommand(ctx, tokens)
		if err != nil {
			s.println(term.KindBad, err.Error())
		}
		if !keepGoing {
			break
		}
	}

	s.PrintExitMessage(ctx)
}

// HandleTimeWarnings implements §4.7 item 1's initialization check:
// if the range's latest commit is stale, say so; if the latest cached
// version is stale, say so too and, unless the session is cache-only,
// offer to compile the latest commit first rather than open a
// precompiled one that's far behind it. Mirrors bisect.py's
// _handle_time_warnings, as two distinct warnings, the second gated on
// a yes/no prompt.
func (s *Session) HandleTimeWarnings(ctx context.Context) {
	commits, err := s.VCS.RevList(ctx, s.Engine.RangeStart, s.Engine.RangeEnd, s.Engine.PathSpec, s.Engine.Before)
	if err != nil || len(commits) == 0 {
		return
	}

	latest := commits[len(commits)-1]
	if latestTime := s.VCS.CommitTime(ctx, latest); latestTime >= 0 {
		if since := time.Since(time.Unix(latestTime, 0)); since > timeWarnThreshold {
			s.println(term.KindBad, fmt.Sprintf("The latest known commit is %d days old.", int(since.Hours()/24)))
		}
	}

	var latestPresent string
	for i := len(commits) - 1; i >= 0; i-- {
		if s.Engine.Present[commits[i]] {
			latestPresent = commits[i]
			break
		}
	}
	if latestPresent == "" {
		s.println(term.KindBad, "No cached version found in the range.")
		return
	}

	presentTime := s.VCS.CommitTime(ctx, latestPresent)
	if presentTime < 0 {
		return
	}
	since := time.Since(time.Unix(presentTime, 0))
	if since <= timeWarnThreshold {
		return
	}
	s.println(term.KindBad, fmt.Sprintf("The latest cached version is %d days old.", int(since.Hours()/24)))
	if s.Engine.CacheOnly || s.Render == nil {
		return
	}
	if s.Render.Prompt("Compile the latest commit to initially test against instead?") {
		s.Engine.CurrentCommit = latest
		s.println(term.KindNeutral, "The latest commit will be compiled for testing before precompiled versions are used.")
	}
}

// ProcessCommand dispatches one already-tokenized command line. It
// returns keepGoing=false for exit/quit (or an abandoned range-edge
// recovery prompt); every other outcome, including an unrecognized
// command or a parse error, returns true so the loop continues.
//
// Commands are matched by prefix, per the original's single-letter
// shortcuts, with one carve-out: a bare "s" is ambiguous between skip
// and status and is rejected rather than guessed at, unless it has
// arguments (then it can only mean skip, since status takes none).
func (s *Session) ProcessCommand(ctx context.Context, tokens []string) (bool, error) {
	cmd := strings.ToLower(tokens[0])
	args := tokens[1:]

	if cmd == "s" {
		if len(args) == 0 {
			s.println(term.KindBad, "\"s\" is ambiguous between skip and status; use a longer prefix.")
			return true, nil
		}
	}

	switch {
	case strings.HasPrefix("autoopen", cmd):
		s.AutoopenCommand(ctx, true)
	case strings.HasPrefix("pause", cmd):
		s.AutoopenCommand(ctx, false)
	case isVerdictPrefix(cmd):
		return s.processVerdict(ctx, tokens)
	case strings.HasPrefix("open", cmd):
		ref := ""
		if len(args) > 1 {
			s.println(term.KindBad, "open takes at most one argument.")
			return true, nil
		}
		if len(args) == 1 {
			ref = args[0]
		}
		s.OpenCommand(ctx, ref)
	case strings.HasPrefix("list", cmd):
		short := false
		for _, a := range args {
			al := strings.ToLower(a)
			if al == "-s" || strings.HasPrefix("--short", al) {
				short = true
			}
		}
		s.ListCommand(ctx, short)
	case strings.HasPrefix("status", cmd):
		s.PrintStatusMessage(ctx, true)
	case strings.HasPrefix("help", cmd):
		prefix := ""
		if len(args) > 0 {
			prefix = strings.ToLower(args[0])
		}
		s.HelpCommand(prefix)
	case strings.HasPrefix("exit", cmd) || strings.HasPrefix("quit", cmd):
		return false, nil
	default:
		s.println(term.KindBad, fmt.Sprintf("Unknown command %q. Type 'help' for a list of commands.", tokens[0]))
	}
	return true, nil
}

func (s *Session) processVerdict(ctx context.Context, tokens []string) (bool, error) {
	sets, err := ParseVerdictCommand(ctx, tokens, s.Engine.CurrentCommit, s.VCS.Resolve)
	if err != nil {
		s.println(term.KindBad, err.Error())
		return true, nil
	}
	verdict := bisect.Verdict{Goods: sets.Goods, Bads: sets.Bads, Skips: sets.Skips, Unmarks: sets.Unmarks}

	res, err := s.Engine.ApplyVerdict(ctx, verdict, false)
	if err != nil {
		recovered, terminate := s.handleRangeEdge(ctx, verdict, err)
		if terminate {
			return false, nil
		}
		if recovered == nil {
			s.println(term.KindBad, err.Error())
			return true, nil
		}
		res = recovered
	}

	if res.NoCandidates && res.PathSpecRelaxable && s.Render != nil {
		if s.Render.Prompt("No candidates remain with the current path filter. Remove it and retry?") {
			s.Engine.ClearPathSpec()
			res, err = s.Engine.ApplyVerdict(ctx, verdict, false)
			if err != nil {
				s.println(term.KindBad, err.Error())
				return true, nil
			}
		}
	}
	if res.NoCandidates {
		s.println(term.KindBad, "No candidates remain.")
		return true, nil
	}

	s.QueueDecompressNexts(ctx)
	s.PrintStatusMessage(ctx, false)
	if res.LastResortFilter && s.started {
		s.started = false
		s.println(term.KindBad, "Every remaining candidate is ignored or errored; automatic opening is turned off.")
	}
	if s.started {
		s.Launch(ctx)
	}
	return true, nil
}

// handleRangeEdge implements §4.6's two range-edge recovery prompts.
// selErr must be the error ApplyVerdict returned; anything other than
// the two recoverable sentinels returns (nil, false) so the caller
// reports selErr as-is. On success it returns the SelectResult from
// the retried ApplyVerdict call; on a declined prompt it returns
// (nil, true) so the caller ends the session, matching the original's
// behavior of giving up when there's no way to keep going.
func (s *Session) handleRangeEdge(ctx context.Context, v bisect.Verdict, selErr error) (*bisect.SelectResult, bool) {
	switch {
	case errors.Is(selErr, bisect.ErrNeedEarlierStart):
		return s.extendRangeStart(ctx, v)
	case errors.Is(selErr, bisect.ErrAlreadyFixed):
		return s.extendRangeEnd(ctx, v)
	default:
		return nil, false
	}
}

func (s *Session) extendRangeStart(ctx context.Context, v bisect.Verdict) (*bisect.SelectResult, bool) {
	s.println(term.KindBad, "The first commit in the range is marked bad; there's no earlier commit left to try.")
	if s.Render == nil || !s.Render.Prompt("Set an earlier start commit?") {
		return nil, true
	}
	for {
		ref, ok := s.Lines.ReadLine("new start commit: ")
		if !ok || strings.TrimSpace(ref) == "" {
			return nil, true
		}
		commit, err := s.VCS.Resolve(ctx, ref)
		if err != nil || commit == "" {
			s.println(term.KindBad, fmt.Sprintf("%q does not resolve to a commit.", ref))
			continue
		}
		if s.Engine.Bads.Contains(commit) {
			s.println(term.KindBad, "That commit is already marked bad.")
			continue
		}
		descendant := false
		for _, bad := range s.Engine.Bads.ToSlice() {
			anc, err := s.VCS.IsAncestor(ctx, bad, commit)
			if err == nil && anc {
				descendant = true
				break
			}
		}
		if descendant {
			s.println(term.KindBad, "That commit is a descendant of a bad commit.")
			continue
		}
		s.Engine.RangeStart = commit
		res, err := s.Engine.ApplyVerdict(ctx, v, false)
		if err == nil && !res.NoCandidates {
			return res, false
		}
		if s.Render == nil || !s.Render.Prompt("Still no candidates going back that far. Try another start commit?") {
			return nil, true
		}
	}
}

// extendRangeEnd is the symmetric recovery the original leaves
// unfinished: when the range end is itself marked good, there is no
// fixed end point left to search toward, so offer to move it later
// instead of just reporting "may already be fixed" and stopping.
func (s *Session) extendRangeEnd(ctx context.Context, v bisect.Verdict) (*bisect.SelectResult, bool) {
	s.println(term.KindBad, "The last commit in the range is marked good; the issue may already be fixed there.")
	if s.Render == nil || !s.Render.Prompt("Set a later end commit?") {
		return nil, true
	}
	for {
		ref, ok := s.Lines.ReadLine("new end commit: ")
		if !ok || strings.TrimSpace(ref) == "" {
			return nil, true
		}
		commit, err := s.VCS.Resolve(ctx, ref)
		if err != nil || commit == "" {
			s.println(term.KindBad, fmt.Sprintf("%q does not resolve to a commit.", ref))
			continue
		}
		if s.Engine.Goods.Contains(commit) {
			s.println(term.KindBad, "That commit is already marked good.")
			continue
		}
		ancestorOfGood := false
		for _, good := range s.Engine.Goods.ToSlice() {
			anc, err := s.VCS.IsAncestor(ctx, commit, good)
			if err == nil && anc {
				ancestorOfGood = true
				break
			}
		}
		if ancestorOfGood {
			s.println(term.KindBad, "That commit is an ancestor of a good commit.")
			continue
		}
		s.Engine.RangeEnd = commit
		res, err := s.Engine.ApplyVerdict(ctx, v, false)
		if err == nil && !res.NoCandidates {
			return res, false
		}
		if s.Render == nil || !s.Render.Prompt("Still no candidates going up that far. Try another end commit?") {
			return nil, true
		}
	}
}

// AutoopenCommand toggles automatic launching of the current commit
// on every new selection.
func (s *Session) AutoopenCommand(ctx context.Context, on bool) {
	if !on {
		s.started = false
		return
	}
	wasStopped := !s.started
	s.started = true
	if wasStopped {
		s.println(term.KindNeutral, "Starting automatic testing.")
	}
	s.Launch(ctx)
}

// OpenCommand launches ref (or the current commit if ref is empty)
// without recording a verdict.
func (s *Session) OpenCommand(ctx context.Context, ref string) bool {
	if ref == "" {
		if s.Engine.CurrentCommit == "" {
			s.println(term.KindBad, "No current commit to open.")
			return false
		}
		ref = s.Engine.CurrentCommit
	}
	commit, err := s.VCS.Resolve(ctx, ref)
	if err != nil || commit == "" {
		s.println(term.KindBad, fmt.Sprintf("%q does not resolve to a commit.", ref))
		return false
	}
	if s.Engine.Errored[commit] {
		s.println(term.KindBad, "Warning: that commit has had compile errors before; opening anyway.")
	} else if s.Engine.Ignored[commit] {
		s.println(term.KindBad, "Warning: that commit is ignored; opening anyway.")
	}
	s.Engine.CurrentCommit = commit
	s.QueueDecompressNexts(ctx)
	s.println(term.KindNeutral, "Opening "+s.VCS.ShortName(ctx, commit))
	return s.Launch(ctx)
}

// ListCommand prints every commit the bisection could still pick
// next. In short form it prints abbreviated hashes on one line; in
// long form, one short-log line per commit.
func (s *Session) ListCommand(ctx context.Context, short bool) bool {
	if s.Engine.Goods.Cardinality() == 0 {
		s.println(term.KindBad, "No good commits marked yet; can't compute a candidate list.")
		return false
	}
	if s.Engine.Bads.Cardinality() == 0 {
		s.println(term.KindBad, "No bad commits marked yet; can't compute a candidate list.")
		return false
	}
	commits, err := s.Engine.VCS.BisectCandidates(ctx, s.Engine.Goods.ToSlice(), s.Engine.Bads.ToSlice(), s.Engine.PathSpec, s.Engine.Before)
	if err != nil {
		s.println(term.KindBad, err.Error())
		return false
	}
	if len(commits) == 0 {
		s.println(term.KindNeutral, "No possible commits.")
		return false
	}
	if short {
		names := make([]string, len(commits))
		for i, c := range commits {
			names[i] = s.VCS.ShortName(ctx, c)
		}
		s.println(term.KindNeutral, strings.Join(names, " "))
		return true
	}
	s.println(term.KindNeutral, fmt.Sprintf("Possible commits (%d):", len(commits)))
	for _, c := range commits {
		s.println(term.KindNeutral, s.VCS.ShortLog(ctx, c))
	}
	return true
}

var helpMessages = []struct{ name, usage, help string }{
	{"good", "good [ref...]", "Mark one or more commits (default: current) as good."},
	{"bad", "bad [ref...]", "Mark one or more commits (default: current) as bad."},
	{"skip", "skip [ref...]", "Mark one or more commits untestable and skip them."},
	{"unmark", "unmark [ref...]", "Clear a previous good/bad/skip verdict."},
	{"open", "open [ref]", "Launch a commit (default: current) without recording a verdict."},
	{"autoopen", "autoopen", "Automatically launch each new current commit as it's selected."},
	{"pause", "pause", "Stop automatically launching commits."},
	{"list", "list [--short]", "List the commits the bisection could still pick."},
	{"status", "status", "Show the current verdict sets and estimated remaining steps."},
	{"help", "help [command]", "Show this help, or detail for one command."},
	{"exit", "exit", "Leave interactive mode."},
}

// HelpCommand prints usage for every command whose name matches
// prefix, or the full command list if nothing matches.
func (s *Session) HelpCommand(prefix string) {
	matched := false
	for _, m := range helpMessages {
		if strings.HasPrefix(m.name, prefix) {
			matched = true
			s.println(term.KindKey, m.usage)
			s.println(term.KindNeutral, m.help)
		}
	}
	if matched {
		return
	}
	s.println(term.KindBad, "Unknown command.")
	s.println(term.KindNeutral, "Available commands:")
	for _, m := range helpMessages {
		s.println(term.KindNeutral, "  "+m.name)
	}
}

// Launch hands the current commit to the launcher.
func (s *Session) Launch(ctx context.Context) bool {
	if s.Launcher == nil || s.Engine.CurrentCommit == "" {
		return false
	}
	ok, err := s.Launcher.Launch(ctx, s.Engine.CurrentCommit)
	if err != nil {
		s.println(term.KindBad, err.Error())
		return false
	}
	return ok
}

// PrintStatusMessage reports the estimated remaining step count and
// the current commit; in its long form (the explicit "status"
// command) it also prints the minimal resume sets.
func (s *Session) PrintStatusMessage(ctx context.Context, long bool) {
	remaining, err := s.Engine.Candidates(ctx)
	if err != nil {
		s.println(term.KindBad, err.Error())
		return
	}
	minBads, err := bisect.MinimalBads(ctx, s.Engine.VCS, s.Engine.Bads.ToSlice())
	if err != nil {
		minBads = nil
	}
	steps := bisect.RemainingStepEstimate(remaining, minBads, s.Engine.Goods.Cardinality() == 0, s.Engine.Bads.Cardinality() == 0)
	s.println(term.KindKey, fmt.Sprintf("Approximately %d test(s) remaining. Current commit:", steps))
	if s.Engine.CurrentCommit == "" {
		s.println(term.KindNeutral, "(none)")
	} else {
		s.println(term.KindNeutral, s.VCS.ShortLog(ctx, s.Engine.CurrentCommit))
	}
	if long && s.Engine.Goods.Cardinality()+s.Engine.Bads.Cardinality()+s.Engine.Skips.Cardinality() > 0 {
		s.println(term.KindNeutral, "Minimal sets of marked commits:")
		s.PrintResumeSets(ctx)
	}
}

// PrintResumeSets prints the minimal good/bad sets and the full skip
// set, each on its own line, in the form a caller could feed back as
// a verdict command to resume a session elsewhere.
func (s *Session) PrintResumeSets(ctx context.Context) {
	minGoods, err := bisect.MinimalGoods(ctx, s.Engine.VCS, s.Engine.Goods.ToSlice())
	if err != nil {
		minGoods = s.Engine.Goods.ToSlice()
	}
	minBads, err := bisect.MinimalBads(ctx, s.Engine.VCS, s.Engine.Bads.ToSlice())
	if err != nil {
		minBads = s.Engine.Bads.ToSlice()
	}
	groups := []struct {
		name    string
		commits []string
	}{
		{"good", minGoods},
		{"bad", minBads},
		{"skip", s.Engine.Skips.ToSlice()},
	}
	for _, g := range groups {
		if len(g.commits) == 0 {
			continue
		}
		names := make([]string, len(g.commits))
		for i, c := range g.commits {
			names[i] = s.VCS.ShortName(ctx, c)
		}
		s.println(term.KindNeutral, g.name+" "+strings.Join(names, " "))
	}
}

// PrintExitMessage prints the final summary on the way out of Run: a
// single-suspect announcement if the bisection has converged, and
// otherwise the remaining candidate count plus resume sets so the
// session can be picked back up.
func (s *Session) PrintExitMessage(ctx context.Context) {
	remaining, _ := s.Engine.Candidates(ctx)
	if len(remaining) == 1 {
		suspect := remaining[0]
		s.println(term.KindKey, "Only one commit left, it must be the culprit:")
		s.println(term.KindNeutral, s.VCS.ShortLog(ctx, suspect))
	}
	s.println(term.KindNeutral, "Exiting bisect interactive mode.")
	if len(remaining) > 1 {
		if s.Engine.Goods.Cardinality() > 0 && s.Engine.Bads.Cardinality() > 0 {
			s.println(term.KindNeutral, fmt.Sprintf("%d commits remain possible.", len(remaining)))
		}
		if s.Engine.Goods.Cardinality()+s.Engine.Bads.Cardinality()+s.Engine.Skips.Cardinality() > 0 {
			s.println(term.KindNeutral, "Resume with:")
			s.PrintResumeSets(ctx)
		}
	}
}

// QueueDecompressNexts keeps the decompress scheduler warm for the
// commits a verdict on the current one is likely to lead to, a few
// layers deep. For each commit in the frontier it tries both a
// hypothetical good and a hypothetical bad mark (via a dry-run
// Select, so neither touches the engine's real verdict sets) and
// follows whichever next commit each branch would produce, breadth
// first, up to BackgroundLayers deep. Every commit discovered this
// way — including the current one — is handed to the scheduler in one
// Enqueue call, which cancels anything no longer in the frontier.
func (s *Session) QueueDecompressNexts(ctx context.Context) {
	if s.Decompress == nil || s.Engine.CurrentCommit == "" {
		return
	}

	type frontier struct {
		commit      string
		layer       int
		goods, bads mapset.Set[string]
	}

	keys := []string{s.Engine.CurrentCommit}
	seen := map[string]bool{s.Engine.CurrentCommit: true}
	queue := []frontier{{s.Engine.CurrentCommit, 0, s.Engine.Goods.Clone(), s.Engine.Bads.Clone()}}

	branch := func(goods, bads mapset.Set[string], layer int) {
		res, err := s.Engine.Select(ctx, goods, bads, s.Engine.Skips, true)
		if err != nil || res == nil || res.NoCandidates || res.Next == "" || seen[res.Next] {
			return
		}
		seen[res.Next] = true
		keys = append(keys, res.Next)
		queue = append(queue, frontier{res.Next, layer + 1, goods, bads})
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.layer >= s.BackgroundLayers {
			continue
		}

		hypGoods := cur.goods.Clone()
		hypGoods.Add(cur.commit)
		branch(hypGoods, cur.bads, cur.layer)

		hypBads := cur.bads.Clone()
		hypBads.Add(cur.commit)
		branch(cur.goods, hypBads, cur.layer)
	}

	s.Decompress.Enqueue(keys)
}

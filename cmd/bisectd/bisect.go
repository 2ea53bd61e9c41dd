// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"context"

	readline "github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"gitlab.com/esr/gobisect/internal/bisect"
	"gitlab.com/esr/gobisect/internal/decompress"
	"gitlab.com/esr/gobisect/internal/rangeutil"
	"gitlab.com/esr/gobisect/internal/repro"
	"gitlab.com/esr/gobisect/internal/session"
	"gitlab.com/esr/gobisect/internal/term"
)

var (
	bisectExecParams string
	bisectDiscard    bool
	bisectPathSpec   string
	bisectRange      string
)

var bisectCmd = &cobra.Command{
	Use:   "bisect [range]",
	Short: "Run an interactive bisection session",
	Long: `bisect walks you through marking commits good or bad, extracting or
compiling each candidate as it goes, until the first bad commit is
found. A positional range of the form start..end overrides the
configured default.`,
	RunE: runBisect,
}

func init() {
	bisectCmd.Flags().StringVarP(&bisectExecParams, "args", "a", "", "execution parameters passed to the launched binary")
	bisectCmd.Flags().BoolVar(&bisectDiscard, "discard", false, "don't cache builds compiled during this session")
	bisectCmd.Flags().StringVar(&bisectPathSpec, "path-spec", "", "restrict candidates to commits touching this path")
	rootCmd.AddCommand(bisectCmd)
}

func runBisect(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	if len(args) > 0 {
		bisectRange = args[0]
	}

	e, err := newEnv(ctx)
	if err != nil {
		return err
	}

	rangeStart, rangeEnd := e.cfg.RangeStart, e.cfg.RangeEnd
	if bisectRange != "" {
		parsed, err := rangeutil.ParseRange(bisectRange)
		if err != nil {
			return err
		}
		rangeStart, rangeEnd, err = rangeutil.Validate(ctx, parsed, false, e.vcs)
		if err != nil {
			return err
		}
	}
	pathSpec := bisectPathSpec
	if pathSpec == "" {
		pathSpec = e.cfg.PathSpec
	}

	present, err := e.store.PresentVersions()
	if err != nil {
		return err
	}
	ignored, err := e.store.IgnoredCommits()
	if err != nil {
		return err
	}
	errored, err := e.store.ErrorCommits()
	if err != nil {
		return err
	}

	engine := bisect.New(e.vcs, &engineLogger{e.term}, rangeStart, rangeEnd, pathSpec, -1, present, ignored, errored, e.cfg.CacheOnly)
	engine.CurrentCommit = rangeEnd

	sched := decompress.New(e.cfg.ExtractionPoolSize, func(ctx context.Context, key string) error {
		return e.store.Extract(key, "")
	}, log)

	orch := newOrchestrator(e)
	launcher := &repro.Launcher{
		VCS:                   e.vcs,
		Store:                 e.store,
		Orchestrator:          orch,
		Render:                e.term,
		Kill:                  kill,
		VersionsRoot:          e.store.VersionsRoot,
		ExecutableName:        e.cfg.BinaryName,
		BackupExecutableRegex: e.cfg.BackupExecutableRegex,
		ExecutionParameters:   firstNonEmpty(bisectExecParams, e.cfg.DefaultExecutionParameters),
		SubwindowRows:         e.cfg.SubwindowRows,
		CacheOnly:             e.cfg.CacheOnly,
		RangeStart:            rangeStart,
		RangeEnd:              rangeEnd,
		PathSpec:              pathSpec,
	}

	rl, err := readline.New("bisect> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	var sessionLauncher session.Launcher = launcher
	if bisectDiscard {
		sessionLauncher = &discardLauncher{launcher}
	}

	sess := session.New(engine, e.vcs, sched, e.term, &readlineAdapter{rl: rl}, sessionLauncher, kill, e.cfg.BackgroundDecompressLayers)
	sess.Run(ctx)
	return nil
}

// discardLauncher routes every open through repro.Launcher's
// uncached path, for a session that never wants a compile it makes
// along the way to stick around in the artifact store afterward.
type discardLauncher struct {
	l *repro.Launcher
}

func (d *discardLauncher) Launch(ctx context.Context, commit string) (bool, error) {
	return d.l.LaunchRef(ctx, commit, repro.LaunchOptions{Discard: true})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// engineLogger adapts a term.Renderer to bisect.Logger, so the
// selection warnings in §4.6 reach the same terminal the rest of the
// session writes to.
type engineLogger struct {
	r term.Renderer
}

func (l *engineLogger) Warn(msg string) {
	if l.r != nil {
		l.r.Println(term.KindBad, msg)
	}
}

// readlineAdapter satisfies session.LineReader over a live readline
// instance, matching repotool.go's input() helper but reusing one
// *readline.Instance across the whole session instead of rebuilding it
// per line.
type readlineAdapter struct {
	rl *readline.Instance
}

func (a *readlineAdapter) ReadLine(prompt string) (string, bool) {
	a.rl.SetPrompt(prompt)
	line, err := a.rl.Readline()
	if err != nil {
		return "", false
	}
	return line, true
}

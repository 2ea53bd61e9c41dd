// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"gitlab.com/esr/gobisect/internal/buildorch"
	"gitlab.com/esr/gobisect/internal/rangeutil"
	"gitlab.com/esr/gobisect/internal/term"
)

var (
	compileForce    bool
	compileCompress bool
)

var compileCmd = &cobra.Command{
	Use:   "compile <ref|range>...",
	Short: "Compile and cache one or more commits",
	Long: `compile checks out and builds each given ref, or every commit in a
start..end range, caching every successful result. With no arguments
it compiles HEAD.`,
	RunE: runCompile,
}

var (
	updateN      int
	updateCursor string
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Fill in gaps in the cache near the current commit",
	Long: `update compiles whatever commits in the configured range are neither
cached nor known-untestable, starting near a cursor commit (HEAD by
default) and working outward, skipping short unsatisfied runs shorter
than -n commits.`,
	RunE: runUpdate,
}

func init() {
	compileCmd.Flags().BoolVarP(&compileForce, "force", "f", false, "discard local workspace changes before compiling")
	compileCmd.Flags().BoolVar(&compileCompress, "compress", false, "bundle newly compiled commits as compilation proceeds")
	rootCmd.AddCommand(compileCmd)

	updateCmd.Flags().IntVarP(&updateN, "gap", "n", 1, "minimum run length of unsatisfied commits before one is compiled")
	updateCmd.Flags().StringVar(&updateCursor, "cursor", "", "commit to start compiling nearest to (default HEAD)")
	rootCmd.AddCommand(updateCmd)
}

func runCompile(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	e, err := newEnv(ctx)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		args = []string{"HEAD"}
	}

	seen := map[string]bool{}
	var commits []string
	for _, refOrRange := range args {
		list, err := expandRefOrRange(ctx, e, refOrRange)
		if err != nil {
			return err
		}
		for _, c := range list {
			if !seen[c] {
				seen[c] = true
				commits = append(commits, c)
			}
		}
	}

	present, err := e.store.PresentVersions()
	if err != nil {
		return err
	}
	orch := newOrchestrator(e)
	report, err := orch.CompileList(ctx, commits, commits, present, buildorch.CompileOptions{
		Force:          compileForce || e.cfg.Force,
		ShouldCompress: compileCompress,
		RetryCompress:  true,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Compiled %d, failed %d.\n", len(report.Compiled), len(report.Failed))
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d commit(s) failed to compile", len(report.Failed))
	}
	return nil
}

// expandRefOrRange resolves a single ref to one commit, or a
// start..end range to its full rev-list.
func expandRefOrRange(ctx context.Context, e *env, refOrRange string) ([]string, error) {
	for i := 0; i+1 < len(refOrRange); i++ {
		if refOrRange[i] == '.' && refOrRange[i+1] == '.' {
			r, err := rangeutil.ParseRange(refOrRange)
			if err != nil {
				return nil, err
			}
			start, end, err := rangeutil.Validate(ctx, r, true, e.vcs)
			if err != nil {
				return nil, err
			}
			return e.vcs.RevList(ctx, start, end, "", 0)
		}
	}
	commit, err := e.vcs.Resolve(ctx, refOrRange)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", refOrRange, err)
	}
	return []string{commit}, nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	e, err := newEnv(ctx)
	if err != nil {
		return err
	}
	if err := e.vcs.Fetch(ctx); err != nil {
		e.term.Println(term.KindBad, "fetch failed: "+err.Error())
	}

	commitList, err := e.vcs.RevList(ctx, e.cfg.RangeStart, e.cfg.RangeEnd, "", 0)
	if err != nil {
		return err
	}
	if len(commitList) == 0 {
		return fmt.Errorf("no commits found in the configured range")
	}

	cursor := updateCursor
	if cursor == "" {
		cursor, err = e.vcs.Resolve(ctx, "HEAD")
		if err != nil || cursor == "" {
			cursor = commitList[len(commitList)-1]
		}
	} else {
		cursor, err = e.vcs.Resolve(ctx, cursor)
		if err != nil {
			return err
		}
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

	missing := buildorch.GetMissingCommits(commitList, updateN, present, ignored, errored, e.cfg.IgnoreOldErrors)
	if len(missing) == 0 {
		fmt.Println("All the requested commits are already cached or ignored.")
		return nil
	}

	plan, err := buildorch.PlanUpdate(commitList, missing, cursor)
	if err != nil {
		return err
	}

	orch := newOrchestrator(e)
	report, err := orch.CompileList(ctx, plan, commitList, present, buildorch.CompileOptions{
		Force:          e.cfg.Force,
		ShouldCompress: true,
		RetryCompress:  true,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Compiled %d, failed %d.\n", len(report.Compiled), len(report.Failed))
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d commit(s) failed to compile", len(report.Failed))
	}
	return nil
}

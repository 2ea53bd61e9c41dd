// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"gitlab.com/esr/gobisect/internal/repro"
)

var (
	reproExecParams string
	reproProject    string
	reproDiscard    bool
)

var reproCmd = &cobra.Command{
	Use:   "repro [ref]",
	Short: "Extract and run a single commit, compiling it if necessary",
	Long: `repro runs one already-built or freshly compiled commit outside of
a bisection session. With no ref it picks the most recent cached,
untainted commit in the configured range, falling back to the range
end itself.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRepro,
}

func init() {
	reproCmd.Flags().StringVarP(&reproExecParams, "args", "a", "", "execution parameters passed to the launched binary")
	reproCmd.Flags().StringVarP(&reproProject, "project", "p", "", "project/working directory passed through to {PROJECT}")
	reproCmd.Flags().BoolVar(&reproDiscard, "discard", false, "don't cache a build compiled for this run")
	rootCmd.AddCommand(reproCmd)
}

func runRepro(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	e, err := newEnv(ctx)
	if err != nil {
		return err
	}

	ref := ""
	if len(args) > 0 {
		ref = args[0]
	}

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
		ExecutionParameters:   firstNonEmpty(reproExecParams, e.cfg.DefaultExecutionParameters),
		SubwindowRows:         e.cfg.SubwindowRows,
		CacheOnly:             e.cfg.CacheOnly,
		RangeStart:            e.cfg.RangeStart,
		RangeEnd:              e.cfg.RangeEnd,
		PathSpec:              e.cfg.PathSpec,
	}

	ok, err := launcher.LaunchRef(ctx, ref, repro.LaunchOptions{
		ExecutionParameters: reproExecParams,
		Project:             reproProject,
		Discard:             reproDiscard,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("repro run exited with a non-zero status")
	}
	return nil
}

// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var compressAll bool

var compressCmd = &cobra.Command{
	Use:   "compress",
	Short: "Bundle loose, unbundled commits in the configured range",
	Long: `compress groups consecutive loose commits in the configured range
into zstd-compressed tar bundles, retrying each bundle once on
failure. With --all, a short trailing group that doesn't fill a full
pack is bundled anyway instead of being left loose.`,
	RunE: runCompress,
}

var extractFolder string

var extractCmd = &cobra.Command{
	Use:   "extract <ref>",
	Short: "Extract one cached commit's build to a folder",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtract,
}

var purgeDuplicates bool

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Reclaim disk space from the artifact cache",
	Long: `purge removes loose per-commit directories that are redundant with
--duplicates: commits that are already captured in a bundle don't need
a loose copy sitting alongside it.`,
	RunE: runPurge,
}

func init() {
	compressCmd.Flags().BoolVar(&compressAll, "all", false, "bundle every remaining loose commit, including a short trailing group")
	rootCmd.AddCommand(compressCmd)

	extractCmd.Flags().StringVarP(&extractFolder, "folder", "o", "", "destination folder (default: a folder named after the resolved commit ID)")
	rootCmd.AddCommand(extractCmd)

	purgeCmd.Flags().BoolVar(&purgeDuplicates, "duplicates", true, "remove loose commits that are redundant with a bundle")
	rootCmd.AddCommand(purgeCmd)
}

func runCompress(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	e, err := newEnv(ctx)
	if err != nil {
		return err
	}
	commitList, err := e.vcs.RevList(ctx, e.cfg.RangeStart, e.cfg.RangeEnd, "", 0)
	if err != nil {
		return err
	}
	orch := newOrchestrator(e)
	if err := orch.Compress(ctx, commitList, true, compressAll); err != nil {
		return err
	}
	fmt.Println("Compression complete.")
	return nil
}

func runExtract(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	e, err := newEnv(ctx)
	if err != nil {
		return err
	}
	commit, err := e.vcs.Resolve(ctx, args[0])
	if err != nil || commit == "" {
		return fmt.Errorf("invalid ref: %s could not be resolved", args[0])
	}
	folder := extractFolder
	if folder == "" {
		folder = commit
	}
	if err := e.store.Extract(commit, folder); err != nil {
		return err
	}
	fmt.Printf("Extracted %s to %s.\n", e.vcs.ShortName(ctx, commit), folder)
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	e, err := newEnv(ctx)
	if err != nil {
		return err
	}
	purged := 0
	if purgeDuplicates {
		n, err := e.store.PurgeDuplicates(map[string]bool{})
		if err != nil {
			return err
		}
		purged += n
	}
	fmt.Printf("Purged %d item(s).\n", purged)
	return nil
}

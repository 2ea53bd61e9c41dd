// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

// Command bisectd is the CLI entrypoint: it loads the configuration
// file, wires the C1-C9 collaborators together, and dispatches to one
// of the subcommands below. Flag parsing itself is spec.md §9's named
// external collaborator (cobra/pflag do the work); only argument
// passthrough and the wiring that follows are this package's concern.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gitlab.com/esr/gobisect/internal/buildorch"
	"gitlab.com/esr/gobisect/internal/config"
	"gitlab.com/esr/gobisect/internal/killswitch"
	"gitlab.com/esr/gobisect/internal/store"
	"gitlab.com/esr/gobisect/internal/term"
	"gitlab.com/esr/gobisect/internal/vcsadapter"
)

var (
	cfgPath      string
	versionsRoot string
	workspaceFlg string
	verbose      bool

	log  = logrus.New()
	kill = &killswitch.State{}
)

var rootCmd = &cobra.Command{
	Use:   "bisectd",
	Short: "Accelerated bisection over a cached, bundled build cache",
	Long: `bisectd bisects a regression across a large native build by keeping
every compiled commit it has ever produced in a content-addressed,
zstd-bundled cache, so that re-testing an already-built commit costs a
decompression instead of a full recompile.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(logrus.DebugLevel)
		}
		kill.Install()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "bisect.toml", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&versionsRoot, "versions-root", "versions", "directory the artifact cache is rooted at")
	rootCmd.PersistentFlags().StringVar(&workspaceFlg, "workspace", "", "override the configured build workspace path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	if err := rootCmd.Execute(); err != nil {
		fatal(err)
	}
}

// loadConfig reads the configuration file, applying the --workspace
// override if given.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if workspaceFlg != "" {
		cfg.WorkspacePath = workspaceFlg
	}
	return cfg, nil
}

// env bundles the collaborators every subcommand needs, built fresh
// per invocation from the loaded config.
type env struct {
	cfg   *config.Config
	vcs   *vcsadapter.VCS
	store *store.Store
	term  term.Renderer
}

func newEnv(ctx context.Context) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(versionsRoot)
	if err != nil {
		return nil, err
	}
	return &env{
		cfg:   cfg,
		vcs:   vcsadapter.New(cfg.WorkspacePath, log),
		store: store.New(root),
		term:  term.NewBasicRenderer(os.Stdout, os.Stdin),
	}, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "bisectd:", err)
	os.Exit(1)
}

// newOrchestrator builds a fresh buildorch.Orchestrator from env,
// shared by every subcommand that needs to compile or compress.
func newOrchestrator(e *env) *buildorch.Orchestrator {
	return buildorch.New(e.vcs, e.store, e.term, kill, e.cfg.WorkspacePath, e.cfg.CompilerFlags, e.cfg.BinaryName, e.cfg.SubwindowRows, e.cfg.CompressPackSize)
}

// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

// Package config defines the environment this program reads at
// startup. Locating and loading the file is the narrow external
// collaborator named in spec.md §6; this package only decodes it once
// handed a path.
package config

import (
	"github.com/pelletier/go-toml"

	"gitlab.com/esr/gobisect/internal/xerrors"
)

// Config is the full set of environment values named in spec.md §6,
// plus the range/ignore/force/cache-only flags the original source's
// Configuration class carries.
type Config struct {
	WorkspacePath              string `toml:"workspace_path"`
	CompilerFlags              string `toml:"compiler_flags"`
	BinaryName                 string `toml:"binary_name"`
	DefaultExecutionParameters string `toml:"default_execution_parameters"`
	CompressPackSize           int    `toml:"compress_pack_size"`
	BackgroundDecompressLayers int    `toml:"background_decompression_layers"`
	ExtractionPoolSize         int    `toml:"extraction_pool_size"`
	SubwindowRows              int    `toml:"subwindow_rows"`

	RangeStart     string `toml:"range_start"`
	RangeEnd       string `toml:"range_end"`
	Force          bool   `toml:"force"`
	IgnoreOldErrors bool  `toml:"ignore_old_errors"`
	PathSpec       string `toml:"path_spec"`
	CacheOnly      bool   `toml:"cache_only"`
	AutoOpen       bool   `toml:"auto_open"`

	// BackupExecutableRegex matches an executable by path when it
	// isn't found at the binary name's likely location directly under
	// a version directory, mirroring execution.py's
	// BACKUP_EXECUTABLE_REGEX fallback. Empty disables the fallback
	// walk.
	BackupExecutableRegex string `toml:"backup_executable_regex"`
}

// Default returns the configuration this program assumes when no
// file is present, useful for tests and for a first-run experience.
func Default() *Config {
	return &Config{
		CompressPackSize:           32,
		BackgroundDecompressLayers: 2,
		ExtractionPoolSize:         2,
		SubwindowRows:              20,
		BinaryName:                 "godot",
	}
}

// Load decodes a TOML configuration file at path. A missing or
// unparsable file is reported as xerrors.ErrConfigMissing, the
// process-fatal "config-missing" kind in spec.md §7.
func Load(path string) (*Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, xerrors.ErrConfigMissing
	}
	cfg := Default()
	if err := tree.Unmarshal(cfg); err != nil {
		return nil, xerrors.ErrConfigMissing
	}
	if cfg.RangeStart == "" && cfg.RangeEnd == "" {
		return nil, xerrors.ErrConfigMissing
	}
	return cfg, nil
}

// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

// Package xerrors collects the sentinel errors named in the error
// taxonomy, one per kind, so callers can test with errors.Is instead
// of matching strings.
package xerrors

import "errors"

var (
	// ErrUnresolvableRef is returned by the VCS adapter when a ref
	// does not resolve to a commit ID.
	ErrUnresolvableRef = errors.New("ref could not be resolved")

	// ErrNotFound is returned by the artifact store when a commit is
	// not present anywhere (loose or bundled).
	ErrNotFound = errors.New("commit not present in artifact store")

	// ErrBundleMissing is returned when the bundle map names a bundle
	// that is absent from disk.
	ErrBundleMissing = errors.New("bundle file missing for mapped commit")

	// ErrDecompressFailed is returned when a zstd/tar extraction fails.
	ErrDecompressFailed = errors.New("decompression failed")

	// ErrCompileFailed is returned by the repro launcher when the
	// commit it was asked to open fails to compile. The build
	// orchestrator records failed compiles without returning it.
	ErrCompileFailed = errors.New("compile failed")

	// ErrCompressFailed is returned when writing a bundle fails.
	ErrCompressFailed = errors.New("bundle compression failed")

	// ErrRangeInvalid is returned by range arithmetic when a range
	// fails validation.
	ErrRangeInvalid = errors.New("commit range invalid")

	// ErrVerdictConflict names a verdict that contradicts an existing
	// opposite verdict. No package returns it: the bisection engine
	// reports such a conflict as a warning through its Logger.
	ErrVerdictConflict = errors.New("verdict conflicts with existing mark")

	// ErrEmptyCandidates names selection having nothing left to
	// propose. No package returns it: the bisection engine reports
	// this through SelectResult.NoCandidates.
	ErrEmptyCandidates = errors.New("no remaining candidates")

	// ErrConfigMissing is returned by the configuration loader
	// boundary when no usable config file could be found.
	ErrConfigMissing = errors.New("configuration file missing or invalid")

	// ErrLocalChanges is returned by the build orchestrator when the
	// workspace has uncommitted edits and force-mode is off.
	ErrLocalChanges = errors.New("workspace has local changes")
)

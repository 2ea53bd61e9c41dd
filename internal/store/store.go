// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

// Package store implements C2: the per-commit artifact directory
// layout, the bundle map index, and the persistent ignored/error
// commit lists.
package store

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"gitlab.com/esr/gobisect/internal/xerrors"
	"gitlab.com/esr/gobisect/internal/zstdtar"
)

var commitIDPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Store owns the versions root: loose per-commit directories, bundle
// files, and the bundle map and untestability lists that index them.
type Store struct {
	VersionsRoot  string
	BundleMapPath string
	ErrorPath     string
	IgnoredPath   string
}

// New builds a Store rooted at versionsRoot, with the map and list
// files colocated there under their conventional names.
func New(versionsRoot string) *Store {
	return &Store{
		VersionsRoot:  versionsRoot,
		BundleMapPath: filepath.Join(versionsRoot, "bundle_map.txt"),
		ErrorPath:     filepath.Join(versionsRoot, "compile_error_commit"),
		IgnoredPath:   filepath.Join(versionsRoot, "ignored_commit"),
	}
}

func (s *Store) mapLock() *flock.Flock {
	return flock.New(s.BundleMapPath + ".lock")
}

// readBundleMap parses the plain two-line-per-entry bundle map
// format: commit ID on one line, bundle ID on the next; blank lines
// ignored.
func (s *Store) readBundleMap() (map[string]string, error) {
	result := make(map[string]string)
	f, err := os.Open(s.BundleMapPath)
	if os.IsNotExist(err) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	for i := 0; i+1 < len(lines); i += 2 {
		result[lines[i]] = lines[i+1]
	}
	return result, scanner.Err()
}

func (s *Store) writeBundleMap(m map[string]string) error {
	var b strings.Builder
	for commit, bundle := range m {
		fmt.Fprintln(&b, commit)
		fmt.Fprintln(&b, bundle)
	}
	return atomicWriteFile(s.BundleMapPath, []byte(b.String()), 0o644)
}

// BundleMap returns the full commit -> bundle-ID mapping.
func (s *Store) BundleMap() (map[string]string, error) {
	lock := s.mapLock()
	if err := lock.RLock(); err != nil {
		return nil, err
	}
	defer lock.Unlock()
	return s.readBundleMap()
}

// PresentVersions computes the union of loose version directories and
// bundle map keys, per §3.
func (s *Store) PresentVersions() (map[string]bool, error) {
	result := make(map[string]bool)

	entries, err := os.ReadDir(s.VersionsRoot)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() && commitIDPattern.MatchString(e.Name()) {
			result[e.Name()] = true
		}
	}

	bundleMap, err := s.BundleMap()
	if err != nil {
		return nil, err
	}
	for commit := range bundleMap {
		result[commit] = true
	}
	return result, nil
}

func (s *Store) loosePath(commit string) string {
	return filepath.Join(s.VersionsRoot, commit)
}

func (s *Store) bundlePath(bundleID string) string {
	return filepath.Join(s.VersionsRoot, bundleID+".zst")
}

// Extract makes commit's artifact directory available at target (a
// copy, if target differs from the canonical loose path). If the
// commit is loose already and no distinct target is requested, this
// is a no-op confirming presence.
func (s *Store) Extract(commit, target string) error {
	loose := s.loosePath(commit)
	if info, err := os.Stat(loose); err == nil && info.IsDir() {
		if target == "" || target == loose {
			return nil
		}
		return copyTree(loose, target)
	}

	bundleMap, err := s.BundleMap()
	if err != nil {
		return err
	}
	bundleID, ok := bundleMap[commit]
	if !ok {
		return xerrors.ErrNotFound
	}
	bundlePath := s.bundlePath(bundleID)
	f, err := os.Open(bundlePath)
	if os.IsNotExist(err) {
		return xerrors.ErrBundleMissing
	}
	if err != nil {
		return err
	}
	defer f.Close()

	dest := target
	if dest == "" {
		dest = s.VersionsRoot
	}
	if err := zstdtar.ExtractPrefix(f, commit, dest); err != nil {
		return fmt.Errorf("%w: %v", xerrors.ErrDecompressFailed, err)
	}
	return nil
}

// UnbundledVersions returns loose directories that are valid commit
// IDs and absent from the bundle map, in the order they appear in
// revList (the full rev-list, caller-supplied since the store has no
// VCS dependency of its own).
func (s *Store) UnbundledVersions(revList []string) ([]string, error) {
	bundleMap, err := s.BundleMap()
	if err != nil {
		return nil, err
	}
	var result []string
	for _, commit := range revList {
		if _, bundled := bundleMap[commit]; bundled {
			continue
		}
		if info, err := os.Stat(s.loosePath(commit)); err == nil && info.IsDir() {
			result = append(result, commit)
		}
	}
	return result, nil
}

// CompressBundle atomically writes a new bundle containing the named
// loose directories, updates the bundle map, then deletes the loose
// directories — write-bundle, then update-map, then delete-loose, per
// §4.2's crash-safety ordering. If bundlePath already exists but has
// no corresponding map entries, it is treated as stale and overwritten.
func (s *Store) CompressBundle(bundleID string, commits []string) error {
	if len(commits) == 0 {
		return nil
	}
	bundlePath := s.bundlePath(bundleID)

	staging := filepath.Join(s.VersionsRoot, ".stage-"+uuid.NewString()+".zst")
	f, err := os.Create(staging)
	if err != nil {
		return fmt.Errorf("%w: %v", xerrors.ErrCompressFailed, err)
	}
	if err := zstdtar.WriteBundle(f, s.VersionsRoot, commits); err != nil {
		f.Close()
		os.Remove(staging)
		return fmt.Errorf("%w: %v", xerrors.ErrCompressFailed, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(staging)
		return fmt.Errorf("%w: %v", xerrors.ErrCompressFailed, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(staging)
		return fmt.Errorf("%w: %v", xerrors.ErrCompressFailed, err)
	}
	if err := os.Rename(staging, bundlePath); err != nil {
		os.Remove(staging)
		return fmt.Errorf("%w: %v", xerrors.ErrCompressFailed, err)
	}

	lock := s.mapLock()
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("%w: %v", xerrors.ErrCompressFailed, err)
	}
	defer lock.Unlock()

	bundleMap, err := s.readBundleMap()
	if err != nil {
		return fmt.Errorf("%w: %v", xerrors.ErrCompressFailed, err)
	}
	for _, commit := range commits {
		bundleMap[commit] = bundleID
	}
	if err := s.writeBundleMap(bundleMap); err != nil {
		return fmt.Errorf("%w: %v", xerrors.ErrCompressFailed, err)
	}

	for _, commit := range commits {
		os.RemoveAll(s.loosePath(commit))
	}
	return nil
}

// CacheBuild moves the compiled artifact at builtPath into commit's
// loose per-commit directory, creating it if needed, and marks the
// artifact executable. This generalizes the original's single-file
// shutil.move into "versions/<commit>" to a directory so a build can
// leave colocated files (debug symbols, data packs) alongside the
// binary.
func (s *Store) CacheBuild(commit, builtPath string) error {
	dest := s.loosePath(commit)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	target := filepath.Join(dest, filepath.Base(builtPath))
	info, err := os.Stat(builtPath)
	if err != nil {
		return err
	}
	if err := os.Rename(builtPath, target); err != nil {
		if cerr := copyFile(builtPath, target, info.Mode()); cerr != nil {
			return cerr
		}
		os.Remove(builtPath)
	}
	return os.Chmod(target, info.Mode()|0o111)
}

// PurgeDuplicates removes loose directories for commits that are also
// present in the bundle map, skipping anything named in protected.
// Returns the count removed.
func (s *Store) PurgeDuplicates(protected map[string]bool) (int, error) {
	bundleMap, err := s.BundleMap()
	if err != nil {
		return 0, err
	}
	count := 0
	for commit := range bundleMap {
		if protected[commit] {
			continue
		}
		loose := s.loosePath(commit)
		if info, err := os.Stat(loose); err == nil && info.IsDir() {
			if err := os.RemoveAll(loose); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

// ErrorCommits returns the persistent set of commits known to have
// failed to build.
func (s *Store) ErrorCommits() (map[string]bool, error) {
	return readCommitSet(s.ErrorPath)
}

// AddErrorCommits appends commits to the persistent error list.
func (s *Store) AddErrorCommits(commits []string) error {
	return appendCommits(s.ErrorPath, commits)
}

// IgnoredCommits returns the persistent, user-maintained set of
// commits known to be untestable.
func (s *Store) IgnoredCommits() (map[string]bool, error) {
	return readCommitSet(s.IgnoredPath)
}

func readCommitSet(path string) (map[string]bool, error) {
	result := make(map[string]bool)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, tok := range strings.Fields(line) {
			result[tok] = true
		}
	}
	return result, scanner.Err()
}

func appendCommits(path string, commits []string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, c := range commits {
		if _, err := fmt.Fprintln(f, c); err != nil {
			return err
		}
	}
	return nil
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	staging := filepath.Join(dir, ".stage-"+uuid.NewString())
	if err := os.WriteFile(staging, data, perm); err != nil {
		return err
	}
	return os.Rename(staging, path)
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(p, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

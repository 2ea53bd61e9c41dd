// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

// Package zstdtar implements C3: a zstd-over-tar bundle format tuned
// for native-codebase workloads made of many near-duplicate trees.
// The tuning parameters are part of the archive format, not tunables
// an operator is meant to adjust.
package zstdtar

import (
	"archive/tar"
	"bufio"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// encoderOptions returns the fixed set of knobs §4.3 specifies: a
// 1 GiB window (this binding auto-enables its long-match finder once
// the window exceeds its default size, standing in for the reference
// encoder's explicit LDM/hash-log/min-match trio, which this Go
// package does not expose as separate knobs) and a speed setting
// closest to "level 1, let the window do the work".
func encoderOptions() []zstd.EOption {
	return []zstd.EOption{
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithWindowSize(1 << 30),
		zstd.WithEncoderConcurrency(1),
	}
}

func decoderOptions() []zstd.DOption {
	return []zstd.DOption{
		zstd.WithDecoderMaxWindow(1 << 30),
	}
}

// WriteBundle packs the named directories (each named by their commit
// ID, children of root) into a single zstd-compressed tar stream.
// Archive members are named "<commit-id>/<relative-path>".
func WriteBundle(w io.Writer, root string, commits []string) error {
	zw, err := zstd.NewWriter(w, encoderOptions()...)
	if err != nil {
		return err
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	for _, commit := range commits {
		dir := path.Join(root, commit)
		if err := addDir(tw, root, dir); err != nil {
			return err
		}
	}
	return nil
}

func addDir(tw *tar.Writer, root, dir string) error {
	return eachFile(dir, func(fullPath string, info os.FileInfo) error {
		rel, err := relPath(root, fullPath)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(fullPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

func relPath(root, full string) (string, error) {
	rel := strings.TrimPrefix(full, root)
	rel = strings.TrimPrefix(rel, string(os.PathSeparator))
	return filepathToSlash(rel), nil
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, string(os.PathSeparator), "/")
}

func eachFile(dir string, fn func(path string, info os.FileInfo) error) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if err := fn(dir, info); err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := eachFile(path.Join(dir, e.Name()), fn); err != nil {
			return err
		}
	}
	return nil
}

// ExtractPrefix decompresses r, expanding only members whose path
// begins with "<prefix>/" (or exactly equal to prefix), writing them
// under destRoot. The bundle need not be unpacked in full to obtain a
// single commit's directory.
func ExtractPrefix(r io.Reader, prefix, destRoot string) error {
	zr, err := zstd.NewReader(bufio.NewReader(r), decoderOptions()...)
	if err != nil {
		return err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	want := prefix + "/"
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Name != prefix && !strings.HasPrefix(hdr.Name, want) {
			continue
		}
		destPath := path.Join(destRoot, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(path.Dir(destPath), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
}

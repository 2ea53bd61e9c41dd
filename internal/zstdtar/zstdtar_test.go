// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

package zstdtar

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func assertEqual(t *testing.T, a, b string) {
	t.Helper()
	if a != b {
		t.Errorf("assertEqual: %q != %q", a, b)
	}
}

func assertTrue(t *testing.T, see bool, msg string) {
	t.Helper()
	if !see {
		t.Errorf("assertTrue: %s", msg)
	}
}

func TestWriteAndExtractRoundTrip(t *testing.T) {
	root := t.TempDir()
	for _, commit := range []string{"c1", "c2"} {
		dir := filepath.Join(root, commit)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "binary"), []byte("payload-for-"+commit), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := WriteBundle(&buf, root, []string{"c1", "c2"}); err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}

	dest := t.TempDir()
	if err := ExtractPrefix(bytes.NewReader(buf.Bytes()), "c1", dest); err != nil {
		t.Fatalf("ExtractPrefix: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "c1", "binary"))
	assertTrue(t, err == nil, "extracted file should exist")
	assertEqual(t, string(got), "payload-for-c1")

	_, err = os.Stat(filepath.Join(dest, "c2"))
	assertTrue(t, os.IsNotExist(err), "c2 should not have been extracted by the c1 prefix filter")
}

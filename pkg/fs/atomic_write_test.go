package fs_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/rollmap/rollmap/pkg/fs"
)

func TestAtomicWriteFile_VisibleAfterWrite(t *testing.T) {
	t.Parallel()

	real := fs.NewReal()
	writer := fs.NewAtomicWriter(real)
	path := filepath.Join(t.TempDir(), "final.txt")

	err := writer.WriteWithDefaults(path, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("AtomicWriteFile: %v", err)
	}

	got, err := real.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != "hello" {
		t.Fatalf("content=%q, want %q", string(got), "hello")
	}
}

func TestAtomicWriteFile_NoTempFileLeftBehind(t *testing.T) {
	t.Parallel()

	real := fs.NewReal()
	writer := fs.NewAtomicWriter(real)
	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	err := writer.WriteWithDefaults(path, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("AtomicWriteFile: %v", err)
	}

	entries, err := real.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	if len(entries) != 1 || entries[0].Name() != "final.txt" {
		t.Fatalf("dir entries = %v, want exactly [final.txt]", entries)
	}
}

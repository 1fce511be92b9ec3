package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveWithin(t *testing.T) {
	root := t.TempDir()

	got, ok := ResolveWithin(root, filepath.Join("a", "..", "a", "b.txt"))
	if !ok {
		t.Fatalf("expected relative child to be within %s", root)
	}
	if want := filepath.Join(root, "a", "b.txt"); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}

	if _, ok := ResolveWithin(root, root); !ok {
		t.Fatal("root must be within itself")
	}
	if _, ok := ResolveWithin(root, filepath.Join(filepath.Dir(root), "outside.txt")); ok {
		t.Fatal("sibling path must not be within root")
	}
	if _, ok := ResolveWithin(root, ".."); ok {
		t.Fatal("parent path must not be within root")
	}
}

func TestResolveWithinFollowsSymlinks(t *testing.T) {
	root := t.TempDir()
	elsewhere := t.TempDir()

	link := filepath.Join(root, "link")
	if err := os.Symlink(elsewhere, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, ok := ResolveWithin(root, "link"); ok {
		t.Fatal("symlink resolving outside the root must not count as within")
	}

	inner := filepath.Join(root, "inner")
	if err := os.Mkdir(inner, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Symlink(inner, filepath.Join(root, "alias")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	got, ok := ResolveWithin(root, "alias")
	if !ok {
		t.Fatal("symlink to a directory inside root must be within")
	}
	if got != filepath.Join(root, "alias") {
		t.Fatalf("resolved path must keep the link name, got %s", got)
	}
}

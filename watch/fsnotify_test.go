package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitFor(t *testing.T, w Watcher, op Op, path string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				t.Fatalf("events closed while waiting for %s %s", op, path)
			}
			if ev.Op == op && ev.Path == path {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s %s", op, path)
		}
	}
}

func TestFSWatcherRecursiveEvents(t *testing.T) {
	root := t.TempDir()
	w, err := NewFS(root, Options{Recursive: true})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()
	waitFor(t, w, OpReady, root)

	file := filepath.Join(root, "a.txt")
	if err := os.WriteFile(file, []byte("one"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, w, OpAdd, file)

	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	waitFor(t, w, OpAddDir, sub)

	nested := filepath.Join(sub, "b.txt")
	if err := os.WriteFile(nested, []byte("two"), 0644); err != nil {
		t.Fatalf("write nested: %v", err)
	}
	waitFor(t, w, OpAdd, nested)

	if err := os.WriteFile(file, []byte("changed"), 0644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	waitFor(t, w, OpChange, file)

	if err := os.Remove(file); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitFor(t, w, OpUnlink, file)

	if err := os.RemoveAll(sub); err != nil {
		t.Fatalf("remove dir: %v", err)
	}
	waitFor(t, w, OpUnlinkDir, sub)
}

func TestFSWatcherExcludes(t *testing.T) {
	root := t.TempDir()
	w, err := NewFS(root, Options{Recursive: true, ExcludePaths: []string{"ignored"}})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()
	waitFor(t, w, OpReady, root)

	os.WriteFile(filepath.Join(root, "ignored.txt"), []byte("x"), 0644)
	kept := filepath.Join(root, "kept.txt")
	os.WriteFile(kept, []byte("x"), 0644)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) == "ignored.txt" {
				t.Fatalf("excluded path reported: %+v", ev)
			}
			if ev.Path == kept {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for kept.txt")
		}
	}
}

func TestFSWatcherRejectsFileRoot(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f.txt")
	os.WriteFile(file, []byte("x"), 0644)
	if _, err := NewFS(file, Options{}); err == nil {
		t.Fatal("expected error for a file root")
	}
}

func TestFSWatcherCloseClosesEvents(t *testing.T) {
	w, err := NewFS(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	w.Close()
	for range w.Events() {
	}
}

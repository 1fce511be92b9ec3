package utils

import (
	"path/filepath"
	"strings"
)

// ResolveWithin anchors path at root when it is relative and returns the
// cleaned absolute result. ok is false when the path, after following
// symlinks, leaves root.
func ResolveWithin(root, path string) (resolved string, ok bool) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	return abs, contains(realPath(root), realPath(abs))
}

// realPath follows symlinks where the path exists. Paths that do not exist
// yet are compared as written.
func realPath(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		p = r
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func contains(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

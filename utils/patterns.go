package utils

import (
	"path/filepath"
	"strings"
)

// PathFilter decides which paths a scan or watch considers. Excludes are
// plain substrings of the full path, so "tmp" also excludes "/home/tmpfiles".
// Extensions compare case-insensitively and may be given with or without the
// leading dot.
type PathFilter struct {
	excludes   []string
	extensions map[string]struct{}
}

func NewPathFilter(excludePaths, includeExtensions []string) *PathFilter {
	f := &PathFilter{}
	for _, ex := range excludePaths {
		if ex = strings.TrimSpace(ex); ex != "" {
			f.excludes = append(f.excludes, ex)
		}
	}
	for _, ext := range includeExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if f.extensions == nil {
			f.extensions = make(map[string]struct{})
		}
		f.extensions[ext] = struct{}{}
	}
	return f
}

// Excluded reports whether any exclude substring occurs in path.
func (f *PathFilter) Excluded(path string) bool {
	if f == nil {
		return false
	}
	for _, ex := range f.excludes {
		if strings.Contains(path, ex) {
			return true
		}
	}
	return false
}

// HasExtensionFilter reports whether only listed extensions qualify.
func (f *PathFilter) HasExtensionFilter() bool {
	return f != nil && len(f.extensions) > 0
}

// ExtensionAllowed reports whether path passes the extension filter. Every
// path passes when no extensions are configured.
func (f *PathFilter) ExtensionAllowed(path string) bool {
	if !f.HasExtensionFilter() {
		return true
	}
	_, ok := f.extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ShouldInclude combines the exclude and extension checks for a file path.
func (f *PathFilter) ShouldInclude(path string) bool {
	return !f.Excluded(path) && f.ExtensionAllowed(path)
}

package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"leakwatch/logger"
	"leakwatch/utils"
)

// treeWalker enumerates eligible files depth-first. Entries directly inside
// a root are at depth 1; with maxDepth > 0, directories at maxDepth are not
// descended.
type treeWalker struct {
	filter         *utils.PathFilter
	maxDepth       int
	followSymlinks bool

	// resolved directories already entered, so symlink loops terminate
	visited map[string]struct{}
}

func newTreeWalker(opts Options) *treeWalker {
	return &treeWalker{
		filter:         utils.NewPathFilter(opts.ExcludePaths, opts.IncludeExtensions),
		maxDepth:       opts.MaxDepth,
		followSymlinks: opts.FollowSymlinks,
		visited:        make(map[string]struct{}),
	}
}

type walkItem struct {
	path  string
	depth int
	info  fs.FileInfo
}

// Walk calls fn for every eligible regular file under root, in lexical order
// within each directory. Unreadable paths are logged and skipped; only fn
// or ctx can stop the walk.
func (w *treeWalker) Walk(ctx context.Context, root string, fn func(path string, info fs.FileInfo) error) error {
	info, err := os.Stat(root)
	if err != nil {
		logger.Warnf("Failed to access %s: %v", root, err)
		return nil
	}
	stack := []walkItem{{path: root, depth: 0, info: info}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !current.info.IsDir() {
			if err := w.visitFile(current, fn); err != nil {
				return err
			}
			continue
		}
		if current.depth > 0 && w.maxDepth > 0 && current.depth >= w.maxDepth {
			continue
		}
		if !w.enter(current.path) {
			continue
		}

		entries, err := os.ReadDir(current.path)
		if err != nil {
			logger.Warnf("Failed to read directory %s: %v", current.path, err)
			continue
		}
		for i := len(entries) - 1; i >= 0; i-- {
			child, ok := w.resolve(filepath.Join(current.path, entries[i].Name()), entries[i])
			if !ok {
				continue
			}
			child.depth = current.depth + 1
			stack = append(stack, child)
		}
	}
	return nil
}

// enter records a directory as visited and reports whether it is new.
func (w *treeWalker) enter(path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}
	if abs, err := filepath.Abs(resolved); err == nil {
		resolved = abs
	}
	if _, seen := w.visited[resolved]; seen {
		logger.Debugf("Skipping already visited directory %s", path)
		return false
	}
	w.visited[resolved] = struct{}{}
	return true
}

// resolve turns a directory entry into a walk item, following symlinks when
// allowed. A followed link keeps its own path and depth.
func (w *treeWalker) resolve(path string, entry fs.DirEntry) (walkItem, bool) {
	if w.filter.Excluded(path) {
		return walkItem{}, false
	}
	if entry.Type()&fs.ModeSymlink != 0 {
		if !w.followSymlinks {
			logger.Debugf("Skipping symlink %s", path)
			return walkItem{}, false
		}
		info, err := os.Stat(path)
		if err != nil {
			logger.Warnf("Failed to resolve symlink %s: %v", path, err)
			return walkItem{}, false
		}
		return walkItem{path: path, info: info}, true
	}
	info, err := entry.Info()
	if err != nil {
		logger.Warnf("Failed to stat %s: %v", path, err)
		return walkItem{}, false
	}
	return walkItem{path: path, info: info}, true
}

func (w *treeWalker) visitFile(item walkItem, fn func(string, fs.FileInfo) error) error {
	if !item.info.Mode().IsRegular() {
		return nil
	}
	if w.filter.Excluded(item.path) || !w.filter.ExtensionAllowed(item.path) {
		return nil
	}
	if !w.filter.HasExtensionFilter() {
		binary, err := IsBinaryFile(item.path)
		if err != nil {
			logger.Warnf("Failed to sample %s: %v", item.path, err)
			return nil
		}
		if binary {
			logger.Debugf("Skipping binary file %s", item.path)
			return nil
		}
	}
	return fn(item.path, item.info)
}

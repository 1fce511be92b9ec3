package watch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"leakwatch/logger"
	"leakwatch/utils"
)

const eventBuffer = 256

type fsWatcher struct {
	root   string
	opts   Options
	filter *utils.PathFilter
	fsw    *fsnotify.Watcher

	// directories currently watched or known, so a removal can be
	// reported as unlinkDir after the path is gone
	dirs map[string]struct{}

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ Factory = NewFS

// NewFS watches root with fsnotify. Create/Write/Remove/Rename are mapped to
// watch ops; chmod-only notifications are dropped.
func NewFS(root string, opts Options) (Watcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch init failed: %w", err)
	}
	w := &fsWatcher{
		root:   filepath.Clean(root),
		opts:   opts,
		filter: utils.NewPathFilter(opts.ExcludePaths, nil),
		fsw:    fsw,
		dirs:   make(map[string]struct{}),
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	if err := w.addDir(w.root, make(map[string]struct{}), nil); err != nil {
		fsw.Close()
		return nil, err
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *fsWatcher) Events() <-chan Event { return w.events }

func (w *fsWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.wg.Wait()
		close(w.events)
	})
	return err
}

func (w *fsWatcher) loop() {
	defer w.wg.Done()
	w.emit(Event{Op: OpReady, Path: w.root})
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.translate(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.emit(Event{Op: OpError, Err: err})
		}
	}
}

func (w *fsWatcher) translate(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if w.filter.Excluded(path) {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if w.forgetDir(path) {
			w.emit(Event{Op: OpUnlinkDir, Path: path})
		} else {
			w.emit(Event{Op: OpUnlink, Path: path})
		}
	case ev.Has(fsnotify.Create):
		info, err := os.Lstat(path)
		if err != nil {
			return
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			if !w.opts.FollowSymlinks {
				return
			}
			if info, err = os.Stat(path); err != nil {
				return
			}
		}
		if !info.IsDir() {
			w.emit(Event{Op: OpAdd, Path: path})
			return
		}
		w.emit(Event{Op: OpAddDir, Path: path})
		if !w.opts.Recursive {
			w.dirs[path] = struct{}{}
			return
		}
		// files moved in together with a new directory produce no Create of
		// their own
		if err := w.addDir(path, make(map[string]struct{}), w.emit); err != nil {
			w.emit(Event{Op: OpError, Path: path, Err: err})
		}
	case ev.Has(fsnotify.Write):
		if _, isDir := w.dirs[path]; !isDir {
			w.emit(Event{Op: OpChange, Path: path})
		}
	}
}

// addDir watches dir and, when recursive, its subtree. When announce is set,
// existing entries below dir are reported as add/addDir events.
func (w *fsWatcher) addDir(dir string, visited map[string]struct{}, announce func(Event)) error {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		resolved = dir
	}
	if _, seen := visited[resolved]; seen {
		return nil
	}
	visited[resolved] = struct{}{}

	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.dirs[dir] = struct{}{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warnf("Failed to read directory %s: %v", dir, err)
		return nil
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if w.filter.Excluded(path) {
			continue
		}
		isDir := entry.IsDir()
		if entry.Type()&fs.ModeSymlink != 0 {
			if !w.opts.FollowSymlinks {
				continue
			}
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			isDir = info.IsDir()
		}
		if !isDir {
			if announce != nil {
				announce(Event{Op: OpAdd, Path: path})
			}
			continue
		}
		if !w.opts.Recursive {
			w.dirs[path] = struct{}{}
			continue
		}
		if announce != nil {
			announce(Event{Op: OpAddDir, Path: path})
		}
		if err := w.addDir(path, visited, announce); err != nil {
			logger.Warnf("Failed to watch %s: %v", path, err)
		}
	}
	return nil
}

// forgetDir drops path and everything below it from the directory set and
// reports whether path was a directory.
func (w *fsWatcher) forgetDir(path string) bool {
	if _, ok := w.dirs[path]; !ok {
		return false
	}
	prefix := path + string(filepath.Separator)
	for dir := range w.dirs {
		if dir == path || strings.HasPrefix(dir, prefix) {
			delete(w.dirs, dir)
			_ = w.fsw.Remove(dir)
		}
	}
	return true
}

// emit drops the event once the watcher is closing.
func (w *fsWatcher) emit(ev Event) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

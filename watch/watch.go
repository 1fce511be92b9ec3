// Package watch turns file-system notifications under a root directory into
// add/change/unlink events for files and directories.
package watch

type Op string

const (
	OpAdd       Op = "add"
	OpChange    Op = "change"
	OpUnlink    Op = "unlink"
	OpAddDir    Op = "addDir"
	OpUnlinkDir Op = "unlinkDir"
	OpError     Op = "error"
	OpReady     Op = "ready"
)

type Event struct {
	Op   Op
	Path string
	Err  error
}

type Options struct {
	// Recursive watches every subdirectory, including ones created later.
	// Otherwise only direct entries of the root are reported.
	Recursive      bool
	ExcludePaths   []string
	FollowSymlinks bool
}

// Watcher delivers events until Close. The channel is closed after Close
// returns.
type Watcher interface {
	Events() <-chan Event
	Close() error
}

// Factory opens a watcher rooted at root.
type Factory func(root string, opts Options) (Watcher, error)

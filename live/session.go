package live

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"leakwatch/model"
	"leakwatch/policy"
	"leakwatch/scanner"
	"leakwatch/store"
	"leakwatch/utils"
	"leakwatch/watch"
)

// handle is the in-memory half of a watch session: the watch subscription,
// the per-path debounce table and the activity log. It exists only while
// the session is active or paused.
type handle struct {
	id       string
	mode     model.WatchMode
	opts     Options
	evalOpts policy.Options
	rules    []policy.Rule
	filter   *utils.PathFilter
	watcher  watch.Watcher
	activity *activityLog

	sessions store.SessionStore
	engine   *policy.Engine
	reader   *scanner.ContentReader
	sink     ActivitySink
	now      func() time.Time
	log      *logrus.Entry

	// record serializes read-modify-write of the persisted session
	record *sync.Mutex

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

func (h *handle) run() {
	defer h.wg.Done()
	for ev := range h.watcher.Events() {
		h.dispatch(ev)
	}
}

func (h *handle) dispatch(ev watch.Event) {
	switch ev.Op {
	case watch.OpReady:
		h.log.Debugf("Watching %s", ev.Path)
		return
	case watch.OpError:
		h.log.Warnf("Watch error: %v", ev.Err)
		return
	}
	if h.filter.Excluded(ev.Path) {
		return
	}

	switch ev.Op {
	case watch.OpAdd, watch.OpChange, watch.OpUnlink:
		if !h.mode.IncludesFiles() || !h.filter.ExtensionAllowed(ev.Path) {
			return
		}
	case watch.OpAddDir, watch.OpUnlinkDir:
		if !h.mode.IncludesDirs() {
			return
		}
	default:
		return
	}
	if !h.isActive() {
		return
	}

	switch ev.Op {
	case watch.OpUnlink:
		h.recordUnlink(ev.Path)
	case watch.OpAddDir, watch.OpUnlinkDir:
		h.log.Infof("Directory %s: %s", ev.Op, ev.Path)
		h.addActivity(ev.Path, model.ChangeType(ev.Op), 0)
	case watch.OpAdd, watch.OpChange:
		h.debounce(ev.Path, model.ChangeType(ev.Op))
	}
}

// debounce (re)arms the timer for path; only the last event of a burst is
// scanned.
func (h *handle) debounce(path string, change model.ChangeType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if t, ok := h.timers[path]; ok {
		t.Stop()
	}
	h.timers[path] = time.AfterFunc(h.opts.DebounceDelay, func() {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return
		}
		delete(h.timers, path)
		h.wg.Add(1)
		h.mu.Unlock()

		defer h.wg.Done()
		h.scan(path, change)
	})
}

func (h *handle) scan(path string, change model.ChangeType) {
	if !h.isActive() {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	if h.opts.MaxFileSize > 0 && info.Size() > h.opts.MaxFileSize {
		return
	}

	var content string
	if h.filter.HasExtensionFilter() {
		var raw []byte
		raw, err = h.reader.Read(path, h.opts.MaxFileSize)
		content = string(raw)
	} else {
		content, err = h.reader.ReadText(path, h.opts.MaxFileSize)
	}
	if err != nil {
		if errors.Is(err, scanner.ErrFileTooLarge) || os.IsNotExist(err) {
			return
		}
		h.log.Warnf("Skipping %s: %v", path, err)
		return
	}

	result := h.engine.Evaluate(content, h.rules, h.evalOpts)
	threats := result.TotalMatches

	ok := h.update(func(s *model.WatchSession, now time.Time) {
		s.FilesMonitored++
		s.FilesScanned++
		s.ThreatsDetected += threats
		s.LastActivityAt = &now
	})
	if !ok {
		return
	}
	if threats > 0 {
		h.log.WithFields(logrus.Fields{"path": path, "threats": threats, "rules": result.RulesMatched}).
			Warn("Sensitive content detected")
	} else {
		h.log.Debugf("Scanned %s", path)
	}
	h.addActivity(path, change, threats)
}

func (h *handle) recordUnlink(path string) {
	if !h.update(func(s *model.WatchSession, _ time.Time) {
		s.FilesMonitored++
	}) {
		return
	}
	h.log.Infof("File removed: %s", path)
	h.addActivity(path, model.ChangeUnlink, 0)
}

// update applies fn to the persisted session if it is still active.
func (h *handle) update(fn func(*model.WatchSession, time.Time)) bool {
	h.record.Lock()
	defer h.record.Unlock()
	ctx := context.Background()
	session, err := h.sessions.GetSession(ctx, h.id)
	if err != nil {
		h.log.Warnf("Failed to load session: %v", err)
		return false
	}
	if session.Status != model.SessionActive {
		return false
	}
	fn(&session, h.now())
	if err := h.sessions.UpdateSession(ctx, session); err != nil {
		h.log.Warnf("Failed to persist session counters: %v", err)
		return false
	}
	return true
}

// isActive confirms the persisted status; the handle alone is not trusted.
func (h *handle) isActive() bool {
	session, err := h.sessions.GetSession(context.Background(), h.id)
	return err == nil && session.Status == model.SessionActive
}

func (h *handle) addActivity(path string, change model.ChangeType, threats int) {
	entry := model.ActivityEntry{
		SessionID:    h.id,
		Path:         path,
		ChangeType:   change,
		Timestamp:    h.now(),
		ThreatsFound: threats,
	}
	h.activity.add(entry)
	if err := h.sink.WriteActivity(entry); err != nil {
		h.log.Warnf("Failed to write activity: %v", err)
	}
}

// teardown cancels pending debounce timers, closes the subscription and
// waits for in-flight scans.
func (h *handle) teardown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for path, t := range h.timers {
		t.Stop()
		delete(h.timers, path)
	}
	h.mu.Unlock()

	if err := h.watcher.Close(); err != nil {
		h.log.Warnf("Failed to close watcher: %v", err)
	}
	h.wg.Wait()
}

func (h *handle) pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.timers)
}

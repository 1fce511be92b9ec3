package live

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"leakwatch/apperr"
	"leakwatch/logger"
	"leakwatch/model"
	"leakwatch/policy"
	"leakwatch/scanner"
	"leakwatch/store"
	"leakwatch/utils"
	"leakwatch/watch"
)

type ManagerOptions struct {
	Sink     ActivitySink
	Factory  watch.Factory
	ReadMode string
}

// Manager owns every live watch session of the process. The SessionStore
// holds the authoritative status; handles are keyed by session id and live
// from Start until Stop or Delete.
type Manager struct {
	rules    store.RuleStore
	sessions store.SessionStore
	engine   *policy.Engine
	reader   *scanner.ContentReader
	factory  watch.Factory
	sink     ActivitySink

	mu      sync.Mutex
	handles map[string]*handle
	// activity outlives the handle so a stopped session keeps its log
	// until it is deleted
	activity map[string]*activityLog
	records  map[string]*sync.Mutex

	now   func() time.Time
	newID func() string
}

func NewManager(rules store.RuleStore, sessions store.SessionStore, engine *policy.Engine, opts ManagerOptions) *Manager {
	if engine == nil {
		engine = policy.NewEngine()
	}
	factory := opts.Factory
	if factory == nil {
		factory = watch.NewFS
	}
	sink := opts.Sink
	if sink == nil {
		sink = discardSink{}
	}
	return &Manager{
		rules:    rules,
		sessions: sessions,
		engine:   engine,
		reader:   scanner.NewContentReader(opts.ReadMode, 0, 0),
		factory:  factory,
		sink:     sink,
		handles:  make(map[string]*handle),
		activity: make(map[string]*activityLog),
		records:  make(map[string]*sync.Mutex),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// Start validates the request, subscribes to the target and records an
// active session.
func (m *Manager) Start(ctx context.Context, ownerID string, req Request) (string, error) {
	if ownerID == "" {
		return "", apperr.Validationf("owner id is required")
	}
	if req.WatchMode == "" {
		req.WatchMode = model.WatchBoth
	}
	if !req.WatchMode.Valid() {
		return "", apperr.Validationf("unsupported watch mode %q", req.WatchMode)
	}
	opts := req.Options
	if err := validateOptions(opts); err != nil {
		return "", err
	}
	if req.TargetPath == "" {
		return "", apperr.Validationf("target path is required")
	}
	target, err := filepath.Abs(req.TargetPath)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, err, "invalid target path")
	}
	info, err := os.Stat(target)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, err, fmt.Sprintf("target path %s does not exist", req.TargetPath))
	}
	if !info.IsDir() {
		return "", apperr.Validationf("target path %s is not a directory", req.TargetPath)
	}
	rules, err := m.rules.ListEnabledRules(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("list rules: %w", err)
	}
	if len(rules) == 0 {
		return "", apperr.Validationf("no enabled rules for owner %s", ownerID)
	}

	w, err := m.factory(target, watch.Options{
		Recursive:      req.Recursive,
		ExcludePaths:   opts.ExcludePaths,
		FollowSymlinks: opts.FollowSymlinks,
	})
	if err != nil {
		return "", fmt.Errorf("watch %s: %w", target, err)
	}

	name := req.Name
	if name == "" {
		name = filepath.Base(target)
	}
	session := model.WatchSession{
		ID:         m.newID(),
		OwnerID:    ownerID,
		Name:       name,
		TargetPath: target,
		Status:     model.SessionActive,
		WatchMode:  req.WatchMode,
		Recursive:  req.Recursive,
		StartedAt:  m.now(),
	}
	if err := m.sessions.CreateSession(ctx, session); err != nil {
		w.Close()
		return "", fmt.Errorf("create session: %w", err)
	}

	log := logger.WithFields(map[string]interface{}{"session_id": session.ID, "owner": ownerID})
	activity := &activityLog{}
	record := &sync.Mutex{}
	h := &handle{
		id:       session.ID,
		mode:     session.WatchMode,
		opts:     opts,
		evalOpts: opts.evaluationOptions(),
		rules:    rules,
		filter:   utils.NewPathFilter(opts.ExcludePaths, opts.IncludeExtensions),
		watcher:  w,
		activity: activity,
		sessions: m.sessions,
		engine:   m.engine,
		reader:   m.reader,
		sink:     m.sink,
		now:      m.now,
		log:      log,
		record:   record,
		timers:   make(map[string]*time.Timer),
	}

	m.mu.Lock()
	m.handles[session.ID] = h
	m.activity[session.ID] = activity
	m.records[session.ID] = record
	m.mu.Unlock()

	h.wg.Add(1)
	go h.run()

	log.Infof("Started watch session %q on %s (mode %s, recursive %t)", name, target, session.WatchMode, session.Recursive)
	return session.ID, nil
}

// Pause keeps the subscription alive but drops events until Resume.
func (m *Manager) Pause(ctx context.Context, ownerID, sessionID string) error {
	return m.transition(ctx, ownerID, sessionID, model.SessionPaused, model.SessionActive)
}

func (m *Manager) Resume(ctx context.Context, ownerID, sessionID string) error {
	m.mu.Lock()
	_, live := m.handles[sessionID]
	m.mu.Unlock()
	if !live {
		if _, err := m.ownedSession(ctx, ownerID, sessionID); err != nil {
			return err
		}
		return apperr.Validationf("watch session %s has no live subscription; start a new session", sessionID)
	}
	return m.transition(ctx, ownerID, sessionID, model.SessionActive, model.SessionPaused)
}

// Stop persists the stopped state, then tears the handle down. Counters and
// activity remain queryable.
func (m *Manager) Stop(ctx context.Context, ownerID, sessionID string) error {
	if err := m.transition(ctx, ownerID, sessionID, model.SessionStopped, model.SessionActive, model.SessionPaused); err != nil {
		return err
	}
	m.release(sessionID)

	if session, err := m.sessions.GetSession(ctx, sessionID); err == nil {
		if err := m.sink.WriteSessionSummary(session); err != nil {
			logger.Warnf("Failed to write session summary: %v", err)
		}
	}
	logger.Infof("Stopped watch session %s", sessionID)
	return nil
}

// Delete removes the session in any state, tearing down its handle first.
func (m *Manager) Delete(ctx context.Context, ownerID, sessionID string) error {
	if _, err := m.ownedSession(ctx, ownerID, sessionID); err != nil {
		return err
	}
	m.release(sessionID)
	if err := m.sessions.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.activity, sessionID)
	delete(m.records, sessionID)
	m.mu.Unlock()
	logger.Infof("Deleted watch session %s", sessionID)
	return nil
}

func (m *Manager) GetStats(ctx context.Context, ownerID, sessionID string) (Stats, error) {
	session, err := m.ownedSession(ctx, ownerID, sessionID)
	if err != nil {
		return Stats{}, err
	}
	end := m.now()
	if session.StoppedAt != nil {
		end = *session.StoppedAt
	}
	stats := Stats{
		Session:        session,
		RecentActivity: []model.ActivityEntry{},
		Uptime:         end.Sub(session.StartedAt),
	}
	m.mu.Lock()
	activity := m.activity[sessionID]
	m.mu.Unlock()
	if activity != nil {
		stats.RecentActivity = activity.recent(recentActivity)
	}
	return stats, nil
}

func (m *Manager) List(ctx context.Context, ownerID string) ([]model.WatchSession, error) {
	return m.sessions.ListSessions(ctx, ownerID)
}

// Close tears down every handle. Persisted sessions are left as they are.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.release(id)
	}
}

// transition moves a session to status when its persisted status is one of
// from. It holds the session's record lock so counter updates in flight are
// not lost. Ownership is checked before a record lock is created, so unknown
// and foreign ids leave no entry behind.
func (m *Manager) transition(ctx context.Context, ownerID, sessionID string, status model.SessionStatus, from ...model.SessionStatus) error {
	if _, err := m.ownedSession(ctx, ownerID, sessionID); err != nil {
		return err
	}
	unlock := m.lockRecord(sessionID)
	defer unlock()

	session, err := m.ownedSession(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	allowed := false
	for _, s := range from {
		if session.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return apperr.Validationf("cannot move watch session %s from %s to %s", sessionID, session.Status, status)
	}
	session.Status = status
	if status == model.SessionStopped {
		now := m.now()
		session.StoppedAt = &now
	}
	if err := m.sessions.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	logger.Debugf("Watch session %s is now %s", sessionID, status)
	return nil
}

func (m *Manager) lockRecord(sessionID string) func() {
	m.mu.Lock()
	record, ok := m.records[sessionID]
	if !ok {
		record = &sync.Mutex{}
		m.records[sessionID] = record
	}
	m.mu.Unlock()
	record.Lock()
	return record.Unlock
}

func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	delete(m.handles, sessionID)
	m.mu.Unlock()
	if ok {
		h.teardown()
	}
}

func (m *Manager) ownedSession(ctx context.Context, ownerID, sessionID string) (model.WatchSession, error) {
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return model.WatchSession{}, err
	}
	if session.OwnerID != ownerID {
		return model.WatchSession{}, apperr.Forbiddenf("watch session %s belongs to another owner", sessionID)
	}
	return session, nil
}

func validateOptions(opts Options) error {
	switch {
	case opts.DebounceDelay < 0:
		return apperr.Validationf("debounce delay must not be negative")
	case opts.MaxFileSize < 0:
		return apperr.Validationf("max file size must not be negative")
	case opts.MaxMatchesPerFile < 0:
		return apperr.Validationf("max matches per file must not be negative")
	}
	return nil
}

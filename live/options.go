package live

import (
	"time"

	"leakwatch/model"
	"leakwatch/policy"
)

const (
	DefaultDebounceDelay           = 500 * time.Millisecond
	DefaultMaxFileSize       int64 = 10 * 1024 * 1024
)

type Options struct {
	ExcludePaths      []string      `json:"exclude_paths,omitempty"`
	IncludeExtensions []string      `json:"include_extensions,omitempty"`
	FollowSymlinks    bool          `json:"follow_symlinks"`
	DebounceDelay     time.Duration `json:"debounce_delay"`
	// MaxFileSize of 0 means no limit.
	MaxFileSize       int64 `json:"max_file_size"`
	MaxMatchesPerFile int   `json:"max_matches_per_file"`
	CaseInsensitive   bool  `json:"case_insensitive"`
	ContextLines      int   `json:"context_lines"`
}

func DefaultOptions() Options {
	return Options{
		DebounceDelay:     DefaultDebounceDelay,
		MaxFileSize:       DefaultMaxFileSize,
		MaxMatchesPerFile: policy.DefaultMaxMatchesPerRule,
		ContextLines:      policy.DefaultContextLines,
	}
}

func (o Options) evaluationOptions() policy.Options {
	ctx := o.ContextLines
	if ctx < 0 {
		ctx = 0
	}
	return policy.Options{
		MaxMatchesPerRule:  o.MaxMatchesPerFile,
		ContextLinesBefore: ctx,
		ContextLinesAfter:  ctx,
		CaseInsensitive:    o.CaseInsensitive,
	}
}

type Request struct {
	Name       string          `json:"name"`
	TargetPath string          `json:"target_path"`
	WatchMode  model.WatchMode `json:"watch_mode"`
	Recursive  bool            `json:"recursive"`
	Options    Options         `json:"options"`
}

type Stats struct {
	Session        model.WatchSession    `json:"session"`
	RecentActivity []model.ActivityEntry `json:"recent_activity"`
	Uptime         time.Duration         `json:"uptime"`
}

// ActivitySink receives every activity entry and the final state of
// stopped sessions.
type ActivitySink interface {
	WriteActivity(entry model.ActivityEntry) error
	WriteSessionSummary(session model.WatchSession) error
}

type discardSink struct{}

func (discardSink) WriteActivity(model.ActivityEntry) error       { return nil }
func (discardSink) WriteSessionSummary(model.WatchSession) error { return nil }

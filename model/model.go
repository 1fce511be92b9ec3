// Package model holds the persisted records shared by the scanners, the
// store and the output writer.
package model

import (
	"time"

	"leakwatch/policy"
)

type ScanKind string

const (
	ScanFull   ScanKind = "full"
	ScanQuick  ScanKind = "quick"
	ScanCustom ScanKind = "custom"
)

func (k ScanKind) Valid() bool {
	switch k {
	case ScanFull, ScanQuick, ScanCustom:
		return true
	}
	return false
}

type ScanStatus string

const (
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
	ScanCancelled ScanStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ScanStatus) Terminal() bool {
	return s == ScanCompleted || s == ScanFailed || s == ScanCancelled
}

type ScanJob struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"owner_id"`
	ScanKind         ScanKind   `json:"scan_kind"`
	TargetPath       string     `json:"target_path"`
	Status           ScanStatus `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	FilesScanned     int        `json:"files_scanned"`
	FilesWithMatches int        `json:"files_with_matches"`
	TotalMatches     int        `json:"total_matches"`
	FilesFailed      int        `json:"files_failed"`
	TotalFiles       int        `json:"total_files"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}

type WatchMode string

const (
	WatchFileChanges WatchMode = "file_changes"
	WatchDirChanges  WatchMode = "dir_changes"
	WatchBoth        WatchMode = "both"
)

func (m WatchMode) Valid() bool {
	switch m {
	case WatchFileChanges, WatchDirChanges, WatchBoth:
		return true
	}
	return false
}

func (m WatchMode) IncludesFiles() bool { return m == WatchFileChanges || m == WatchBoth }
func (m WatchMode) IncludesDirs() bool  { return m == WatchDirChanges || m == WatchBoth }

type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionPaused  SessionStatus = "paused"
	SessionStopped SessionStatus = "stopped"
)

type WatchSession struct {
	ID              string        `json:"id"`
	OwnerID         string        `json:"owner_id"`
	Name            string        `json:"name"`
	TargetPath      string        `json:"target_path"`
	Status          SessionStatus `json:"status"`
	WatchMode       WatchMode     `json:"watch_mode"`
	Recursive       bool          `json:"recursive"`
	StartedAt       time.Time     `json:"started_at"`
	StoppedAt       *time.Time    `json:"stopped_at,omitempty"`
	FilesMonitored  int           `json:"files_monitored"`
	FilesScanned    int           `json:"files_scanned"`
	ThreatsDetected int           `json:"threats_detected"`
	LastActivityAt  *time.Time    `json:"last_activity_at,omitempty"`
}

// ChangeType names the file-system change an activity entry records.
type ChangeType string

const (
	ChangeAdd       ChangeType = "add"
	ChangeModify    ChangeType = "change"
	ChangeUnlink    ChangeType = "unlink"
	ChangeAddDir    ChangeType = "addDir"
	ChangeUnlinkDir ChangeType = "unlinkDir"
)

type ActivityEntry struct {
	SessionID    string     `json:"session_id"`
	Path         string     `json:"path"`
	ChangeType   ChangeType `json:"change_type"`
	Timestamp    time.Time  `json:"timestamp"`
	ThreatsFound int        `json:"threats_found"`
}

// FileResult is the outcome of evaluating one file during a bulk scan.
// Unsuccessful results carry Error and no matches.
type FileResult struct {
	JobID        string         `json:"job_id"`
	Path         string         `json:"path"`
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
	Size         int64          `json:"size"`
	MimeType     string         `json:"mime_type,omitempty"`
	Digest       string         `json:"digest,omitempty"`
	ModTime      time.Time      `json:"mod_time"`
	ChangeTime   *time.Time     `json:"change_time,omitempty"`
	BirthTime    *time.Time     `json:"birth_time,omitempty"`
	RulesMatched int            `json:"rules_matched"`
	MatchCount   int            `json:"match_count"`
	Matches      []policy.Match `json:"matches,omitempty"`
}

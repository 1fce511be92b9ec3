package scanner

import (
	"time"

	"leakwatch/model"
	"leakwatch/policy"
)

const (
	quickScanMaxDepth    = 3
	quickScanMaxFileSize = 1024 * 1024

	// progressEvery is how many successfully scanned files pass between
	// persisted progress updates.
	progressEvery = 10
)

// Options tune one bulk scan. Zero values mean "no limit" except where
// noted on Request.
type Options struct {
	IncludePaths      []string `json:"include_paths,omitempty"`
	ExcludePaths      []string `json:"exclude_paths,omitempty"`
	IncludeExtensions []string `json:"include_extensions,omitempty"`
	MaxDepth          int      `json:"max_depth"`
	MaxFileSize       int64    `json:"max_file_size"`
	FollowSymlinks    bool     `json:"follow_symlinks"`
	MaxMatchesPerRule int      `json:"max_matches_per_rule"`
	ContextLines      int      `json:"context_lines"`
	CaseInsensitive   bool     `json:"case_insensitive"`
	MaxIOPerSecond    int      `json:"max_io_per_second"`
}

func DefaultOptions() Options {
	return Options{
		MaxMatchesPerRule: policy.DefaultMaxMatchesPerRule,
		ContextLines:      policy.DefaultContextLines,
	}
}

func (o Options) evaluationOptions() policy.Options {
	ctx := o.ContextLines
	if ctx < 0 {
		ctx = 0
	}
	return policy.Options{
		MaxMatchesPerRule:  o.MaxMatchesPerRule,
		ContextLinesBefore: ctx,
		ContextLinesAfter:  ctx,
		CaseInsensitive:    o.CaseInsensitive,
	}
}

// Request starts a job. Quick scans fill in MaxDepth and MaxFileSize when
// they are left at zero.
type Request struct {
	ScanKind   model.ScanKind `json:"scan_kind"`
	TargetPath string         `json:"target_path"`
	Options    Options        `json:"options"`
}

// Progress is the snapshot returned by GetProgress.
type Progress struct {
	Status           model.ScanStatus `json:"status"`
	FilesScanned     int              `json:"files_scanned"`
	FilesWithThreats int              `json:"files_with_threats"`
	TotalThreats     int              `json:"total_threats"`
	FilesFailed      int              `json:"files_failed"`
	TotalFiles       int              `json:"total_files"`
	ElapsedTime      time.Duration    `json:"elapsed_time"`
	ErrorMessage     string           `json:"error_message,omitempty"`
}

func progressOf(job model.ScanJob, now time.Time) Progress {
	end := now
	if job.CompletedAt != nil {
		end = *job.CompletedAt
	}
	return Progress{
		Status:           job.Status,
		FilesScanned:     job.FilesScanned,
		FilesWithThreats: job.FilesWithMatches,
		TotalThreats:     job.TotalMatches,
		FilesFailed:      job.FilesFailed,
		TotalFiles:       job.TotalFiles,
		ElapsedTime:      end.Sub(job.StartedAt),
		ErrorMessage:     job.ErrorMessage,
	}
}

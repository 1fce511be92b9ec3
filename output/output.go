// Package output writes scan records as newline-delimited JSON, rotating
// files by size, and optionally mirrors them to an OTLP log endpoint.
package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"leakwatch/logger"
	"leakwatch/model"
)

const SchemaVersion = "1.0.0"

const (
	flushEveryRecords = 64
	flushMaxInterval  = 2 * time.Second
	writeBufferSize   = 256 * 1024
)

const (
	recordFile     = "file"
	recordJob      = "job"
	recordActivity = "activity"
	recordSession  = "session"
	recordMetrics  = "metrics"
)

type Options struct {
	FileName string
	// MaxFileSize rotates to name.N.ext once a file reaches it; 0 disables
	// rotation.
	MaxFileSize int64
	Redaction   Redaction
	Otel        OtelOptions
}

type Metrics struct {
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	FileResults     int64  `json:"file_results"`
	Matches         int64  `json:"matches"`
	ActivityEntries int64  `json:"activity_entries"`
	Jobs            int64  `json:"jobs"`
	Sessions        int64  `json:"sessions"`
}

type record struct {
	RecordType    string      `json:"record_type"`
	SchemaVersion string      `json:"schema_version"`
	Timestamp     time.Time   `json:"timestamp"`
	Payload       interface{} `json:"payload"`
}

// Writer is safe for concurrent use by the bulk and live scanners.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	opts   Options
	otel   *otelLogger
	base   string
	ext    string
	index  int
	size   int64
	closed bool

	recordsSinceSync int
	lastSyncAt       time.Time

	startTime       time.Time
	fileResults     atomic.Int64
	matches         atomic.Int64
	activityEntries atomic.Int64
	jobs            atomic.Int64
	sessions        atomic.Int64
}

func New(opts Options) (*Writer, error) {
	if opts.FileName == "" {
		return nil, fmt.Errorf("output file name is required")
	}
	if opts.Redaction == "" {
		opts.Redaction = RedactNone
	}
	if !opts.Redaction.Valid() {
		return nil, fmt.Errorf("unsupported redaction mode %q", opts.Redaction)
	}
	ext := filepath.Ext(opts.FileName)
	w := &Writer{
		opts:      opts,
		base:      strings.TrimSuffix(opts.FileName, ext),
		ext:       ext,
		startTime: time.Now().UTC(),
	}
	otel, err := newOtelLogger(opts.Otel)
	if err != nil {
		logger.Warnf("OTEL export disabled: %v", err)
	} else {
		w.otel = otel
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) openFile() error {
	name := w.base + w.ext
	if w.index > 0 {
		name = fmt.Sprintf("%s.%d%s", w.base, w.index, w.ext)
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, writeBufferSize)
	w.size = 0
	return nil
}

func (w *Writer) WriteFileResult(res model.FileResult) error {
	res.Matches = redactMatches(res.Matches, w.opts.Redaction)
	w.fileResults.Add(1)
	w.matches.Add(int64(res.MatchCount))
	return w.write(recordFile, res)
}

func (w *Writer) WriteJobSummary(job model.ScanJob) error {
	w.jobs.Add(1)
	return w.write(recordJob, job)
}

func (w *Writer) WriteActivity(entry model.ActivityEntry) error {
	w.activityEntries.Add(1)
	return w.write(recordActivity, entry)
}

func (w *Writer) WriteSessionSummary(session model.WatchSession) error {
	w.sessions.Add(1)
	return w.write(recordSession, session)
}

func (w *Writer) write(recordType string, payload interface{}) error {
	line, err := json.Marshal(record{
		RecordType:    recordType,
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	})
	if err != nil {
		return fmt.Errorf("encode %s record: %w", recordType, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("output writer is closed")
	}
	if err := w.writeLineLocked(line); err != nil {
		return err
	}
	w.emitRecordLocked(recordType, payload)

	if w.opts.MaxFileSize > 0 && w.size >= w.opts.MaxFileSize {
		return w.rotateLocked()
	}
	return nil
}

func (w *Writer) writeLineLocked(line []byte) error {
	n, err := w.buf.Write(line)
	w.size += int64(n)
	if err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	w.size++
	w.recordsSinceSync++
	if w.shouldSync() {
		if err := w.buf.Flush(); err != nil {
			return err
		}
		w.recordsSinceSync = 0
		w.lastSyncAt = time.Now()
	}
	return nil
}

// shouldSync flushes the first record promptly, then every flushEveryRecords
// records or flushMaxInterval, whichever comes first.
func (w *Writer) shouldSync() bool {
	if w.recordsSinceSync <= 0 {
		return false
	}
	if w.lastSyncAt.IsZero() {
		return true
	}
	if w.recordsSinceSync >= flushEveryRecords {
		return true
	}
	return time.Since(w.lastSyncAt) >= flushMaxInterval
}

func (w *Writer) rotateLocked() error {
	if err := w.closeFileLocked(); err != nil {
		return err
	}
	w.index++
	logger.Debugf("Rotating output to index %d", w.index)
	return w.openFile()
}

// Metrics returns the counters accumulated so far.
func (w *Writer) Metrics() Metrics {
	return Metrics{
		StartTime:       w.startTime.Format(time.RFC3339),
		EndTime:         time.Now().UTC().Format(time.RFC3339),
		FileResults:     w.fileResults.Load(),
		Matches:         w.matches.Load(),
		ActivityEntries: w.activityEntries.Load(),
		Jobs:            w.jobs.Load(),
		Sessions:        w.sessions.Load(),
	}
}

// Close writes a final metrics record and flushes everything.
func (w *Writer) Close() error {
	metrics := w.Metrics()
	line, err := json.Marshal(record{
		RecordType:    recordMetrics,
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC(),
		Payload:       metrics,
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	werr := w.writeLineLocked(line)
	w.emitRecordLocked(recordMetrics, metrics)
	cerr := w.closeFileLocked()
	if w.otel != nil {
		w.otel.Shutdown()
	}
	if werr != nil {
		return werr
	}
	return cerr
}

func (w *Writer) closeFileLocked() error {
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	w.recordsSinceSync = 0
	if err := w.file.Sync(); err != nil {
		logger.Debugf("Output sync failed: %v", err)
	}
	return w.file.Close()
}

func (w *Writer) emitRecordLocked(recordType string, payload interface{}) {
	if w.otel == nil {
		return
	}
	w.otel.Emit(recordType, payload)
}

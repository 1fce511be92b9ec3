package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"leakwatch/apperr"
	"leakwatch/diag"
	"leakwatch/logger"
	"leakwatch/model"
	"leakwatch/policy"
	"leakwatch/store"
	"leakwatch/tracing"
	"leakwatch/utils"
)

// DiagOptions enable slow-scan diagnostics for every job.
type DiagOptions struct {
	SlowScanThreshold  time.Duration
	Dir                string
	GoroutineLeak      bool
	DumpFlightRecorder func(path string) error
}

type ServiceOptions struct {
	Sink        ResultSink
	ReadMode    string
	MmapMinSize int64
	ChunkSize   int
	Diag        DiagOptions
}

// Service runs bulk scan jobs in the background. The job record in the
// JobStore is the source of truth for status; the service only keeps the
// cancel function of each job it is running.
type Service struct {
	rules  store.RuleStore
	jobs   store.JobStore
	engine *policy.Engine
	reader *ContentReader
	sink   ResultSink
	diag   DiagOptions

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc

	now   func() time.Time
	newID func() string
}

func NewService(rules store.RuleStore, jobs store.JobStore, engine *policy.Engine, opts ServiceOptions) *Service {
	if engine == nil {
		engine = policy.NewEngine()
	}
	sink := opts.Sink
	if sink == nil {
		sink = discardSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		rules:      rules,
		jobs:       jobs,
		engine:     engine,
		reader:     NewContentReader(opts.ReadMode, opts.MmapMinSize, opts.ChunkSize),
		sink:       sink,
		diag:       opts.Diag,
		baseCtx:    ctx,
		baseCancel: cancel,
		running:    make(map[string]context.CancelFunc),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

// Start validates the request, records a running job and returns its id.
// The scan itself continues in the background.
func (s *Service) Start(ctx context.Context, ownerID string, req Request) (string, error) {
	if ownerID == "" {
		return "", apperr.Validationf("owner id is required")
	}
	if req.ScanKind == "" {
		req.ScanKind = model.ScanFull
	}
	if !req.ScanKind.Valid() {
		return "", apperr.Validationf("unsupported scan kind %q", req.ScanKind)
	}
	opts := req.Options
	if err := validateOptions(opts); err != nil {
		return "", err
	}
	if req.ScanKind == model.ScanQuick {
		if opts.MaxDepth == 0 {
			opts.MaxDepth = quickScanMaxDepth
		}
		if opts.MaxFileSize == 0 {
			opts.MaxFileSize = quickScanMaxFileSize
		}
	}

	target, err := resolveTarget(req.TargetPath)
	if err != nil {
		return "", err
	}
	roots, err := scanRoots(req.ScanKind, target, opts.IncludePaths)
	if err != nil {
		return "", err
	}
	rules, err := s.rules.ListEnabledRules(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("list rules: %w", err)
	}
	if len(rules) == 0 {
		return "", apperr.Validationf("no enabled rules for owner %s", ownerID)
	}

	job := model.ScanJob{
		ID:         s.newID(),
		OwnerID:    ownerID,
		ScanKind:   req.ScanKind,
		TargetPath: target,
		Status:     model.ScanRunning,
		StartedAt:  s.now(),
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	jobCtx, cancel := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	s.running[job.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(jobCtx, job, rules, opts, roots)

	logger.WithFields(map[string]interface{}{
		"job_id": job.ID,
		"owner":  ownerID,
		"kind":   job.ScanKind,
		"rules":  len(rules),
	}).Infof("Started scan of %s", target)
	return job.ID, nil
}

// Cancel asks a running job to stop before its next file. The terminal
// state is written by the job itself. A job left running by a previous
// process has no handle and is marked cancelled directly.
func (s *Service) Cancel(ctx context.Context, ownerID, jobID string) error {
	job, err := s.ownedJob(ctx, ownerID, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return apperr.Validationf("scan job %s is not running (status: %s)", jobID, job.Status)
	}

	// s.mu orders this against run's final write and handle release.
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.running[jobID]; ok {
		cancel()
		logger.Infof("Cancellation requested for scan job %s", jobID)
		return nil
	}

	job, err = s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return apperr.Validationf("scan job %s is not running (status: %s)", jobID, job.Status)
	}
	now := s.now()
	job.Status = model.ScanCancelled
	job.CompletedAt = &now
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	logger.Warnf("Scan job %s had no running handle; marked cancelled", jobID)
	return nil
}

func (s *Service) GetProgress(ctx context.Context, ownerID, jobID string) (Progress, error) {
	job, err := s.ownedJob(ctx, ownerID, jobID)
	if err != nil {
		return Progress{}, err
	}
	return progressOf(job, s.now()), nil
}

// Delete removes a job record. Running jobs must be cancelled first.
func (s *Service) Delete(ctx context.Context, ownerID, jobID string) error {
	job, err := s.ownedJob(ctx, ownerID, jobID)
	if err != nil {
		return err
	}
	if job.Status == model.ScanRunning {
		return apperr.Validationf("scan job %s is still running", jobID)
	}
	return s.jobs.DeleteJob(ctx, jobID)
}

func (s *Service) List(ctx context.Context, ownerID string) ([]model.ScanJob, error) {
	return s.jobs.ListJobs(ctx, ownerID)
}

// Wait blocks until every started job has reached a terminal state.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close cancels all running jobs and waits for them to persist.
func (s *Service) Close() {
	s.baseCancel()
	s.wg.Wait()
}

func (s *Service) ownedJob(ctx context.Context, ownerID, jobID string) (model.ScanJob, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return model.ScanJob{}, err
	}
	if job.OwnerID != ownerID {
		return model.ScanJob{}, apperr.Forbiddenf("scan job %s belongs to another owner", jobID)
	}
	return job, nil
}

func (s *Service) run(ctx context.Context, job model.ScanJob, rules []policy.Rule, opts Options, roots []string) {
	defer s.wg.Done()
	defer s.release(job.ID)

	ctx, endTask := tracing.StartTask(ctx, "scan_job")
	tracing.Log(ctx, "job", job.ID)
	defer endTask()

	var processed atomic.Int64
	ctrl := diag.NewController(diag.Options{
		Label:              job.ID,
		SlowScanThreshold:  s.diag.SlowScanThreshold,
		Dir:                s.diag.Dir,
		GoroutineLeak:      s.diag.GoroutineLeak,
		DumpFlightRecorder: s.diag.DumpFlightRecorder,
		ProgressCountFn:    processed.Load,
	})
	ctrl.Start(ctx)
	err := s.execute(ctx, &job, rules, opts, roots, &processed)
	ctrl.Close()

	now := s.now()
	job.CompletedAt = &now
	switch {
	case err == nil:
		job.Status = model.ScanCompleted
	case errors.Is(err, context.Canceled):
		job.Status = model.ScanCancelled
	default:
		job.Status = model.ScanFailed
		job.ErrorMessage = err.Error()
	}

	log := logger.WithFields(map[string]interface{}{
		"job_id":        job.ID,
		"status":        job.Status,
		"files_scanned": job.FilesScanned,
		"files_matched": job.FilesWithMatches,
		"matches":       job.TotalMatches,
		"files_failed":  job.FilesFailed,
	})
	// ctx may already be cancelled; the terminal write must still happen.
	if perr := s.finish(context.WithoutCancel(ctx), job); perr != nil {
		log.Errorf("Failed to persist final state: %v", perr)
	}
	if serr := s.sink.WriteJobSummary(job); serr != nil {
		log.Warnf("Failed to write job summary: %v", serr)
	}
	if job.Status == model.ScanFailed {
		log.Errorf("Scan failed: %s", job.ErrorMessage)
	} else {
		log.Infof("Scan %s", job.Status)
	}
}

type candidate struct {
	path string
	info fs.FileInfo
}

// execute enumerates then evaluates. A recovered panic becomes the job's
// failure message with the counters gathered so far.
func (s *Service) execute(ctx context.Context, job *model.ScanJob, rules []policy.Rule, opts Options, roots []string, processed *atomic.Int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan aborted: %v", r)
		}
	}()

	walker := newTreeWalker(opts)
	var files []candidate
	endRegion := tracing.StartRegion(ctx, "enumerate")
	for _, root := range roots {
		werr := walker.Walk(ctx, root, func(path string, info fs.FileInfo) error {
			files = append(files, candidate{path: path, info: info})
			return nil
		})
		if werr != nil {
			endRegion()
			return werr
		}
	}
	endRegion()

	job.TotalFiles = len(files)
	if err := s.jobs.UpdateJob(ctx, *job); err != nil {
		return fmt.Errorf("persist progress: %w", err)
	}

	eval := &fileEvaluator{
		jobID:              job.ID,
		engine:             s.engine,
		reader:             s.reader,
		rules:              rules,
		evalOpts:           opts.evaluationOptions(),
		maxFileSize:        opts.MaxFileSize,
		reportedRuleErrors: make(map[string]struct{}),
	}
	if opts.MaxIOPerSecond > 0 {
		eval.limiter = rate.NewLimiter(rate.Limit(opts.MaxIOPerSecond), opts.MaxIOPerSecond)
	}

	sinceSave := 0
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := eval.evaluate(ctx, f.path, f.info)
		if err != nil {
			return err
		}
		processed.Add(1)

		if result.Success {
			job.FilesScanned++
			if result.MatchCount > 0 {
				job.FilesWithMatches++
				job.TotalMatches += result.MatchCount
			}
			sinceSave++
		} else {
			job.FilesFailed++
		}
		if werr := s.sink.WriteFileResult(result); werr != nil {
			logger.Warnf("Failed to write result for %s: %v", f.path, werr)
		}
		if sinceSave >= progressEvery {
			if err := s.jobs.UpdateJob(ctx, *job); err != nil {
				return fmt.Errorf("persist progress: %w", err)
			}
			sinceSave = 0
		}
	}
	return nil
}

// finish persists the terminal state and drops the job's handle in one step,
// so Cancel never sees a running record without a handle.
func (s *Service) finish(ctx context.Context, job model.ScanJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.jobs.UpdateJob(ctx, job)
	if cancel, ok := s.running[job.ID]; ok {
		delete(s.running, job.ID)
		cancel()
	}
	return err
}

func (s *Service) release(jobID string) {
	s.mu.Lock()
	cancel, ok := s.running[jobID]
	delete(s.running, jobID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func validateOptions(opts Options) error {
	switch {
	case opts.MaxDepth < 0:
		return apperr.Validationf("max depth must not be negative")
	case opts.MaxFileSize < 0:
		return apperr.Validationf("max file size must not be negative")
	case opts.MaxMatchesPerRule < 0:
		return apperr.Validationf("max matches per rule must not be negative")
	case opts.MaxIOPerSecond < 0:
		return apperr.Validationf("max IO per second must not be negative")
	}
	return nil
}

func resolveTarget(path string) (string, error) {
	if path == "" {
		return "", apperr.Validationf("target path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, err, "invalid target path")
	}
	if _, err := os.Stat(abs); err != nil {
		return "", apperr.Wrap(apperr.KindValidation, err, fmt.Sprintf("target path %s does not exist", path))
	}
	return abs, nil
}

// scanRoots returns the paths to walk. Custom scans walk each include path
// that lies within the target; other kinds walk the target itself.
func scanRoots(kind model.ScanKind, target string, includePaths []string) ([]string, error) {
	if kind != model.ScanCustom || len(includePaths) == 0 {
		return []string{target}, nil
	}
	roots := make([]string, 0, len(includePaths))
	for _, p := range includePaths {
		root, ok := utils.ResolveWithin(target, p)
		if !ok {
			logger.Warnf("Skipping include path outside target: %s", p)
			continue
		}
		roots = append(roots, root)
	}
	if len(roots) == 0 {
		return nil, apperr.Validationf("no include path lies within %s", target)
	}
	return roots, nil
}

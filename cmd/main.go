package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"leakwatch/apperr"
	"leakwatch/config"
	"leakwatch/live"
	"leakwatch/logger"
	"leakwatch/model"
	"leakwatch/output"
	"leakwatch/policy"
	"leakwatch/scanner"
	"leakwatch/store"
	"leakwatch/tracing"
)

var version = "dev"

const progressPollInterval = 250 * time.Millisecond

func main() {
	os.Exit(execute())
}

// execute returns the process exit code once every deferred trace writer
// has run.
func execute() int {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		return 1
	}
	if cfg.ShowVersion {
		fmt.Printf("leakwatch version %s\n", version)
		return 0
	}

	logger.Init(cfg.LogLevel)
	logger.SetJSON(cfg.LogJSON)

	if err := tracing.Start(cfg.TraceFile); err != nil {
		logger.Warnf("Failed to start trace: %v", err)
	} else {
		defer tracing.Stop()
	}

	if cfg.Redact == "none" {
		logger.Warn("Matched text will be stored unredacted. Consider --redact mask or hash.")
	}

	if cfg.TraceFlight {
		if err := tracing.StartFlightRecorder(cfg.TraceFlightMaxBytes, cfg.TraceFlightMinAge); err != nil {
			logger.Warnf("Failed to start flight recorder: %v", err)
		} else {
			defer func() {
				if err := tracing.WriteFlightRecorder(cfg.TraceFlightFile); err != nil {
					logger.Warnf("Failed to write flight recorder: %v", err)
				}
				tracing.StopFlightRecorder()
			}()
		}
	}

	if err := run(cfg); err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	return 0
}

func run(cfg *config.Config) error {
	db, err := store.OpenBolt(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.RulesFile != "" {
		n, err := seedRules(ctx, db, cfg.RulesFile, cfg.Owner)
		if err != nil {
			return err
		}
		logger.Infof("Loaded %d rules from %s", n, cfg.RulesFile)
	}

	redaction, err := output.ParseRedaction(cfg.Redact)
	if err != nil {
		return err
	}
	writer, err := output.New(output.Options{
		FileName:    cfg.OutputFileName,
		MaxFileSize: cfg.MaxOutputFileSize,
		Redaction:   redaction,
		Otel: output.OtelOptions{
			Endpoint:      cfg.OtelEndpoint,
			FromEnv:       cfg.OtelFromEnv,
			Headers:       cfg.OtelHeaders,
			Timeout:       cfg.OtelTimeout,
			ServiceName:   cfg.OtelServiceName,
			ExportPaths:   cfg.OtelExportPaths,
			ExportMatches: cfg.OtelExportMatches,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize output: %w", err)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			logger.Warnf("Failed to close output: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go handleSignalEvent(ctx, cancel, sigChan)

	engine := policy.NewEngine()
	switch cfg.Mode {
	case config.ModeWatch:
		return runWatch(ctx, cfg, db, engine, writer)
	default:
		return runScan(ctx, cfg, db, engine, writer)
	}
}

func handleSignalEvent(ctx context.Context, cancel context.CancelFunc, sigChan <-chan os.Signal) {
	select {
	case <-sigChan:
		logger.Info("Interrupt signal received. Shutting down...")
		cancel()
	case <-ctx.Done():
	}
}

// seedRules upserts the rules of path for owner, keeping the creation time
// of rules already in the store.
func seedRules(ctx context.Context, rules store.RuleStore, path, owner string) (int, error) {
	loaded, err := policy.LoadRulesFile(path, owner)
	if err != nil {
		return 0, err
	}
	for _, rule := range loaded {
		existing, err := rules.GetRule(ctx, rule.ID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			err = rules.CreateRule(ctx, rule)
		case err != nil:
			// lookup failure is returned below
		case existing.OwnerID != owner:
			err = apperr.Forbiddenf("rule %s belongs to another owner", rule.ID)
		default:
			rule.CreatedAt = existing.CreatedAt
			err = rules.UpdateRule(ctx, rule)
		}
		if err != nil {
			return 0, fmt.Errorf("store rule %s: %w", rule.ID, err)
		}
	}
	return len(loaded), nil
}

func scanOptions(cfg *config.Config) scanner.Options {
	return scanner.Options{
		IncludePaths:      cfg.IncludePaths,
		ExcludePaths:      cfg.ExcludePaths,
		IncludeExtensions: cfg.IncludeExtensions,
		MaxDepth:          cfg.MaxDepth,
		MaxFileSize:       cfg.MaxFileSize,
		FollowSymlinks:    cfg.FollowSymlinks,
		MaxMatchesPerRule: cfg.MaxMatchesPerRule,
		ContextLines:      cfg.ContextLines,
		CaseInsensitive:   cfg.CaseInsensitive,
		MaxIOPerSecond:    cfg.MaxIOPerSecond,
	}
}

func watchOptions(cfg *config.Config) live.Options {
	opts := live.DefaultOptions()
	opts.ExcludePaths = cfg.ExcludePaths
	opts.IncludeExtensions = cfg.IncludeExtensions
	opts.FollowSymlinks = cfg.FollowSymlinks
	opts.DebounceDelay = cfg.DebounceDelay
	if cfg.MaxFileSize > 0 {
		opts.MaxFileSize = cfg.MaxFileSize
	}
	opts.MaxMatchesPerFile = cfg.MaxMatchesPerRule
	opts.ContextLines = cfg.ContextLines
	opts.CaseInsensitive = cfg.CaseInsensitive
	return opts
}

func runScan(ctx context.Context, cfg *config.Config, db *store.BoltStore, engine *policy.Engine, writer *output.Writer) error {
	diagOpts := scanner.DiagOptions{
		SlowScanThreshold: cfg.DiagSlowScanThreshold,
		Dir:               cfg.DiagDir,
		GoroutineLeak:     cfg.DiagGoroutineLeak,
	}
	if cfg.TraceFlight {
		diagOpts.DumpFlightRecorder = tracing.WriteFlightRecorder
	}
	svc := scanner.NewService(db, db, engine, scanner.ServiceOptions{
		Sink:        writer,
		ReadMode:    cfg.ContentReadMode,
		MmapMinSize: cfg.MmapMinSize,
		ChunkSize:   cfg.StreamChunkSize,
		Diag:        diagOpts,
	})
	defer svc.Close()

	jobID, err := svc.Start(ctx, cfg.Owner, scanner.Request{
		ScanKind:   model.ScanKind(cfg.ScanKind),
		TargetPath: cfg.Path,
		Options:    scanOptions(cfg),
	})
	if err != nil {
		return err
	}

	bar := newProgressBar(cfg.Progress)
	progress, err := waitForJob(ctx, svc, cfg.Owner, jobID, bar)
	_ = bar.Finish()
	if err != nil {
		return err
	}

	logger.WithFields(map[string]interface{}{
		"job_id":        jobID,
		"status":        progress.Status,
		"files_scanned": progress.FilesScanned,
		"files_matched": progress.FilesWithThreats,
		"matches":       progress.TotalThreats,
		"files_failed":  progress.FilesFailed,
		"elapsed":       progress.ElapsedTime.Round(time.Millisecond).String(),
	}).Info("Scan finished")
	if progress.Status == model.ScanFailed {
		return fmt.Errorf("scan failed: %s", progress.ErrorMessage)
	}
	return nil
}

// waitForJob polls the job until it reaches a terminal state, cancelling it
// when ctx is done.
func waitForJob(ctx context.Context, svc *scanner.Service, owner, jobID string, bar *progressbar.ProgressBar) (scanner.Progress, error) {
	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()
	sized := false
	for {
		progress, err := svc.GetProgress(context.Background(), owner, jobID)
		if err != nil {
			return scanner.Progress{}, err
		}
		if !sized && progress.TotalFiles > 0 {
			bar.ChangeMax(progress.TotalFiles)
			sized = true
		}
		_ = bar.Set(progress.FilesScanned + progress.FilesFailed)
		if progress.Status.Terminal() {
			return progress, nil
		}

		select {
		case <-ctx.Done():
			if err := svc.Cancel(context.Background(), owner, jobID); err != nil && !errors.Is(err, apperr.ErrValidation) {
				logger.Warnf("Failed to cancel scan: %v", err)
			}
			svc.Wait()
			return svc.GetProgress(context.Background(), owner, jobID)
		case <-ticker.C:
		}
	}
}

func newProgressBar(enabled bool) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Scanning files"),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetVisibility(enabled && progressVisible()),
		progressbar.OptionFullWidth(),
	)
}

func progressVisible() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("LEAKWATCH_DISABLE_PROGRESS")))
	return value != "1" && value != "true" && value != "yes" && value != "on"
}

func runWatch(ctx context.Context, cfg *config.Config, db *store.BoltStore, engine *policy.Engine, writer *output.Writer) error {
	mgr := live.NewManager(db, db, engine, live.ManagerOptions{
		Sink:     writer,
		ReadMode: cfg.ContentReadMode,
	})
	defer mgr.Close()

	sessionID, err := mgr.Start(ctx, cfg.Owner, live.Request{
		Name:       cfg.SessionName,
		TargetPath: cfg.Path,
		WatchMode:  model.WatchMode(cfg.WatchMode),
		Recursive:  cfg.Recursive,
		Options:    watchOptions(cfg),
	})
	if err != nil {
		return err
	}
	logger.Infof("Watching %s (session %s). Press Ctrl+C to stop.", cfg.Path, sessionID)

	<-ctx.Done()

	if err := mgr.Stop(context.Background(), cfg.Owner, sessionID); err != nil {
		return fmt.Errorf("stop watch session: %w", err)
	}
	stats, err := mgr.GetStats(context.Background(), cfg.Owner, sessionID)
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{
		"session_id":       sessionID,
		"files_monitored":  stats.Session.FilesMonitored,
		"files_scanned":    stats.Session.FilesScanned,
		"threats_detected": stats.Session.ThreatsDetected,
		"uptime":           stats.Uptime.Round(time.Second).String(),
	}).Info("Watch session stopped")
	return nil
}

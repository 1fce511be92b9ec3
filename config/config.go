package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeScan  = "scan"
	ModeWatch = "watch"
)

type Config struct {
	Mode              string            `json:"mode" yaml:"mode"`
	Path              string            `json:"path" yaml:"path"`
	Owner             string            `json:"owner" yaml:"owner"`
	RulesFile         string            `json:"rules_file" yaml:"rules_file"`
	DBPath            string            `json:"db_path" yaml:"db_path"`
	ScanKind          string            `json:"scan_kind" yaml:"scan_kind"`
	IncludePaths      []string          `json:"include_paths" yaml:"include_paths"`
	ExcludePaths      []string          `json:"exclude_paths" yaml:"exclude_paths"`
	IncludeExtensions []string          `json:"include_extensions" yaml:"include_extensions"`
	MaxDepth          int               `json:"max_depth" yaml:"max_depth"`
	MaxFileSize       int64             `json:"max_file_size" yaml:"max_file_size"`
	FollowSymlinks    bool              `json:"follow_symlinks" yaml:"follow_symlinks"`
	MaxMatchesPerRule int               `json:"max_matches_per_rule" yaml:"max_matches_per_rule"`
	ContextLines      int               `json:"context_lines" yaml:"context_lines"`
	CaseInsensitive   bool              `json:"case_insensitive" yaml:"case_insensitive"`
	MaxIOPerSecond    int               `json:"max_io_per_second" yaml:"max_io_per_second"`
	ContentReadMode   string            `json:"content_read_mode" yaml:"content_read_mode"`
	StreamChunkSize   int               `json:"stream_chunk_size" yaml:"stream_chunk_size"`
	MmapMinSize       int64             `json:"mmap_min_size" yaml:"mmap_min_size"`
	DebounceDelay     time.Duration     `json:"debounce_delay" yaml:"debounce_delay"`
	WatchMode         string            `json:"watch_mode" yaml:"watch_mode"`
	Recursive         bool              `json:"recursive" yaml:"recursive"`
	SessionName       string            `json:"session_name" yaml:"session_name"`
	OutputFileName    string            `json:"output_file_name" yaml:"output_file_name"`
	MaxOutputFileSize int64             `json:"max_output_file_size" yaml:"max_output_file_size"`
	Redact            string            `json:"redact" yaml:"redact"`
	LogLevel          string            `json:"log_level" yaml:"log_level"`
	LogJSON           bool              `json:"log_json" yaml:"log_json"`
	Progress          bool              `json:"progress" yaml:"progress"`
	ConfigFile        string            `json:"config_file" yaml:"-"`
	ShowVersion       bool              `json:"-" yaml:"-"`
	OtelEndpoint      string            `json:"otel_endpoint" yaml:"otel_endpoint"`
	OtelFromEnv       bool              `json:"otel_from_env" yaml:"otel_from_env"`
	OtelHeaders       map[string]string `json:"otel_headers" yaml:"otel_headers"`
	OtelServiceName   string            `json:"otel_service_name" yaml:"otel_service_name"`
	OtelTimeout       time.Duration     `json:"otel_timeout" yaml:"otel_timeout"`
	OtelExportPaths   bool              `json:"otel_export_paths" yaml:"otel_export_paths"`
	OtelExportMatches bool              `json:"otel_export_matches" yaml:"otel_export_matches"`

	DiagSlowScanThreshold time.Duration `json:"diag_slow_scan_threshold" yaml:"diag_slow_scan_threshold"`
	DiagDir               string        `json:"diag_dir" yaml:"diag_dir"`
	DiagGoroutineLeak     bool          `json:"diag_goroutine_leak" yaml:"diag_goroutine_leak"`
	TraceFile             string        `json:"trace_file" yaml:"trace_file"`
	TraceFlight           bool          `json:"trace_flight" yaml:"trace_flight"`
	TraceFlightFile       string        `json:"trace_flight_file" yaml:"trace_flight_file"`
	TraceFlightMaxBytes   uint64        `json:"trace_flight_max_bytes" yaml:"trace_flight_max_bytes"`
	TraceFlightMinAge     time.Duration `json:"trace_flight_min_age" yaml:"trace_flight_min_age"`
}

func defaults() *Config {
	now := time.Now().UTC()
	return &Config{
		Mode:              ModeScan,
		Path:              ".",
		Owner:             currentUser(),
		DBPath:            "leakwatch.db",
		ScanKind:          "full",
		MaxMatchesPerRule: 100,
		ContextLines:      2,
		MaxIOPerSecond:    0,
		ContentReadMode:   "auto",
		StreamChunkSize:   256 * 1024,
		MmapMinSize:       128 * 1024,
		DebounceDelay:     500 * time.Millisecond,
		WatchMode:         "both",
		Recursive:         true,
		OutputFileName:    fmt.Sprintf("leakwatch-%s-%d.ndjson", now.Format("20060102-150405"), now.Unix()),
		MaxOutputFileSize: 104857600,
		Redact:            "mask",
		LogLevel:          "info",
		Progress:          true,
		OtelHeaders:       map[string]string{},
		OtelServiceName:   "leakwatch",
		OtelTimeout:       5 * time.Second,
		DiagDir:           ".",
		TraceFile:         "trace.out",
		TraceFlightFile:   "trace-flight.out",
	}
}

func LoadConfig() (*Config, error) {
	cfg := defaults()

	mode := flag.String("mode", cfg.Mode, fmt.Sprintf("Run mode: scan or watch (default: %s).", cfg.Mode))
	path := flag.String("path", cfg.Path, fmt.Sprintf("Directory to scan or watch (default: %s).", cfg.Path))
	owner := flag.String("owner", cfg.Owner, "Owner id the rules, jobs and sessions belong to (default: current user).")
	rulesFile := flag.String("rules", "", "YAML or JSON rules file to load into the store (default: none).")
	dbPath := flag.String("db", cfg.DBPath, fmt.Sprintf("Path to the bbolt database (default: %s).", cfg.DBPath))
	scanKind := flag.String("scan-kind", cfg.ScanKind, fmt.Sprintf("Bulk scan kind: full, quick or custom (default: %s).", cfg.ScanKind))
	includes := flag.String("include", "", "Comma-separated include paths for custom scans, relative to --path (default: none).")
	excludes := flag.String("exclude", "", "Comma-separated path substrings to skip (default: none).")
	extensions := flag.String("extensions", "", "Comma-separated file extensions to scan, e.g. .env,.yaml (default: all text files).")
	maxDepth := flag.Int("max-depth", cfg.MaxDepth, "Maximum directory depth; 0 keeps the mode default (unlimited, 3 for quick scans).")
	maxFileSize := flag.Int64("max-file-size", cfg.MaxFileSize, "Maximum file size in bytes; 0 keeps the mode default (unlimited for full and custom scans, 1 MiB quick, 10 MiB watch).")
	followSymlinks := flag.Bool("follow-symlinks", cfg.FollowSymlinks, fmt.Sprintf("Follow symbolic links (default: %t).", cfg.FollowSymlinks))
	maxMatches := flag.Int("max-matches-per-rule", cfg.MaxMatchesPerRule, fmt.Sprintf("Maximum matches kept per rule and file, 0 means unlimited (default: %d).", cfg.MaxMatchesPerRule))
	contextLines := flag.Int("context-lines", cfg.ContextLines, fmt.Sprintf("Context lines captured around each match (default: %d).", cfg.ContextLines))
	caseInsensitive := flag.Bool("case-insensitive", cfg.CaseInsensitive, fmt.Sprintf("Match rules case-insensitively (default: %t).", cfg.CaseInsensitive))
	maxIO := flag.Int("max-io-per-second", cfg.MaxIOPerSecond, "Maximum file reads per second during bulk scans, 0 means unlimited (default: 0).")
	contentReadMode := flag.String("content-read-mode", cfg.ContentReadMode, "Content read mode: auto, stream, or mmap (default: auto).")
	streamChunkSize := flag.Int("stream-chunk-size", cfg.StreamChunkSize, "Streaming chunk size in bytes (default: 262144).")
	mmapMinSize := flag.Int64("mmap-min-size", cfg.MmapMinSize, "Minimum file size in bytes for the mmap read path (default: 131072).")
	debounce := flag.Duration("debounce", cfg.DebounceDelay, "Delay before a changed file is scanned in watch mode (default: 500ms).")
	watchMode := flag.String("watch-mode", cfg.WatchMode, "Watch mode: file_changes, dir_changes or both (default: both).")
	recursive := flag.Bool("recursive", cfg.Recursive, fmt.Sprintf("Watch subdirectories (default: %t).", cfg.Recursive))
	sessionName := flag.String("session-name", "", "Name of the watch session (default: target directory name).")
	output := flag.String("output", cfg.OutputFileName, "Output file name (default: leakwatch-<timestamp>-<unix>.ndjson).")
	maxOutputFileSize := flag.Int64("max-output-file-size", cfg.MaxOutputFileSize, fmt.Sprintf("Maximum output file size before rotation in bytes (default: %d).", cfg.MaxOutputFileSize))
	redact := flag.String("redact", cfg.Redact, "Redact matched text in output: none, mask or hash (default: mask).")
	logLevel := flag.String("log-level", cfg.LogLevel, fmt.Sprintf("Log level: debug, info, warn, error, fatal, or panic (default: %s).", cfg.LogLevel))
	logJSON := flag.Bool("log-json", cfg.LogJSON, "Emit logs as JSON (default: false).")
	progress := flag.Bool("progress", cfg.Progress, "Show a progress bar during bulk scans (default: true).")
	configFile := flag.String("config", "", "Path to JSON or YAML configuration file (default: none).")
	otelEndpoint := flag.String("otel-endpoint", cfg.OtelEndpoint, "OTLP/HTTP logs endpoint (default: none).")
	otelFromEnv := flag.Bool("otel-from-env", cfg.OtelFromEnv, "Allow OTEL endpoint fallback from OTEL environment variables (default: false).")
	otelHeaders := flag.String("otel-headers", "", "Comma-separated OTEL headers (key=value) for export (default: none).")
	otelServiceName := flag.String("otel-service-name", cfg.OtelServiceName, "OTEL service name for export (default: leakwatch).")
	otelTimeout := flag.Duration("otel-timeout", cfg.OtelTimeout, "OTEL export timeout (default: 5s).")
	otelExportPaths := flag.Bool("otel-export-paths", cfg.OtelExportPaths, "Include file paths in OTEL payloads (default: false).")
	otelExportMatches := flag.Bool("otel-export-matches", cfg.OtelExportMatches, "Include (redacted) matches in OTEL payloads (default: false).")
	diagSlowScanThreshold := flag.Duration(
		"diag-slow-scan-threshold",
		cfg.DiagSlowScanThreshold,
		"If positive, emit diagnostics when scan progress stalls for this duration (default: 0/off).",
	)
	diagDir := flag.String("diag-dir", cfg.DiagDir, "Diagnostics output directory (default: current directory).")
	diagGoroutineLeak := flag.Bool(
		"diag-goroutine-leak",
		cfg.DiagGoroutineLeak,
		"Write goroutine leak profile with stall diagnostics (default: false).",
	)
	traceFile := flag.String("trace-file", cfg.TraceFile, "Execution trace output when built with the trace tag (default: trace.out).")
	traceFlight := flag.Bool("trace-flight", cfg.TraceFlight, fmt.Sprintf("Enable flight recorder tracing (default: %t).", cfg.TraceFlight))
	traceFlightFile := flag.String("trace-flight-file", cfg.TraceFlightFile, fmt.Sprintf("Flight recorder output file (default: %s).", cfg.TraceFlightFile))
	traceFlightMaxBytes := flag.Uint64("trace-flight-max-bytes", cfg.TraceFlightMaxBytes, "Max bytes for flight recorder buffer (default: 0 for runtime default).")
	traceFlightMinAge := flag.Duration("trace-flight-min-age", cfg.TraceFlightMinAge, "Minimum age of trace events to retain (default: 0).")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = displayHelp
	flag.Parse()

	if *showVersion {
		cfg.ShowVersion = true
		return cfg, nil
	}

	if *configFile != "" {
		cfg.ConfigFile = *configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = strings.ToLower(*mode)
		case "path":
			cfg.Path = *path
		case "owner":
			cfg.Owner = strings.TrimSpace(*owner)
		case "rules":
			cfg.RulesFile = *rulesFile
		case "db":
			cfg.DBPath = *dbPath
		case "scan-kind":
			cfg.ScanKind = strings.ToLower(*scanKind)
		case "include":
			cfg.IncludePaths = parseCommaSeparated(*includes)
		case "exclude":
			cfg.ExcludePaths = parseCommaSeparated(*excludes)
		case "extensions":
			cfg.IncludeExtensions = parseCommaSeparated(*extensions)
		case "max-depth":
			cfg.MaxDepth = *maxDepth
		case "max-file-size":
			cfg.MaxFileSize = *maxFileSize
		case "follow-symlinks":
			cfg.FollowSymlinks = *followSymlinks
		case "max-matches-per-rule":
			cfg.MaxMatchesPerRule = *maxMatches
		case "context-lines":
			cfg.ContextLines = *contextLines
		case "case-insensitive":
			cfg.CaseInsensitive = *caseInsensitive
		case "max-io-per-second":
			cfg.MaxIOPerSecond = *maxIO
		case "content-read-mode":
			cfg.ContentReadMode = strings.ToLower(*contentReadMode)
		case "stream-chunk-size":
			cfg.StreamChunkSize = *streamChunkSize
		case "mmap-min-size":
			cfg.MmapMinSize = *mmapMinSize
		case "debounce":
			cfg.DebounceDelay = *debounce
		case "watch-mode":
			cfg.WatchMode = strings.ToLower(*watchMode)
		case "recursive":
			cfg.Recursive = *recursive
		case "session-name":
			cfg.SessionName = *sessionName
		case "output":
			cfg.OutputFileName = *output
		case "max-output-file-size":
			cfg.MaxOutputFileSize = *maxOutputFileSize
		case "redact":
			cfg.Redact = strings.ToLower(*redact)
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-json":
			cfg.LogJSON = *logJSON
		case "progress":
			cfg.Progress = *progress
		case "otel-endpoint":
			cfg.OtelEndpoint = strings.TrimSpace(*otelEndpoint)
		case "otel-from-env":
			cfg.OtelFromEnv = *otelFromEnv
		case "otel-headers":
			cfg.OtelHeaders = parseHeaders(*otelHeaders)
		case "otel-service-name":
			cfg.OtelServiceName = strings.TrimSpace(*otelServiceName)
		case "otel-timeout":
			cfg.OtelTimeout = *otelTimeout
		case "otel-export-paths":
			cfg.OtelExportPaths = *otelExportPaths
		case "otel-export-matches":
			cfg.OtelExportMatches = *otelExportMatches
		case "diag-slow-scan-threshold":
			cfg.DiagSlowScanThreshold = *diagSlowScanThreshold
		case "diag-dir":
			cfg.DiagDir = *diagDir
		case "diag-goroutine-leak":
			cfg.DiagGoroutineLeak = *diagGoroutineLeak
		case "trace-file":
			cfg.TraceFile = *traceFile
		case "trace-flight":
			cfg.TraceFlight = *traceFlight
		case "trace-flight-file":
			cfg.TraceFlightFile = *traceFlightFile
		case "trace-flight-max-bytes":
			cfg.TraceFlightMaxBytes = *traceFlightMaxBytes
		case "trace-flight-min-age":
			cfg.TraceFlightMinAge = *traceFlightMinAge
		}
	})

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func displayHelp() {
	fmt.Println("leakwatch - sensitive content exposure detector")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  leakwatch [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  leakwatch --rules rules.yaml --path ./repo")
	fmt.Println("  leakwatch --rules rules.yaml --path ./repo --scan-kind quick --redact hash")
	fmt.Println("  leakwatch --mode watch --rules rules.yaml --path ~/projects --debounce 1s")
}

// loadFromFile reads JSON, or YAML when the file has a .yaml/.yml extension.
func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %v", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("invalid config file format: %v", err)
	}
	return nil
}

func (cfg *Config) validate() error {
	if strings.TrimSpace(cfg.Mode) == "" {
		cfg.Mode = ModeScan
	}
	if strings.TrimSpace(cfg.ScanKind) == "" {
		cfg.ScanKind = "full"
	}
	if strings.TrimSpace(cfg.WatchMode) == "" {
		cfg.WatchMode = "both"
	}
	if strings.TrimSpace(cfg.ContentReadMode) == "" {
		cfg.ContentReadMode = "auto"
	}
	if strings.TrimSpace(cfg.Redact) == "" {
		cfg.Redact = "none"
	}
	if strings.TrimSpace(cfg.DiagDir) == "" {
		cfg.DiagDir = "."
	}
	if cfg.StreamChunkSize <= 0 {
		cfg.StreamChunkSize = 256 * 1024
	}

	if cfg.Mode != ModeScan && cfg.Mode != ModeWatch {
		return fmt.Errorf("invalid mode: %s (want scan or watch)", cfg.Mode)
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return fmt.Errorf("a path to scan or watch must be specified")
	}
	if strings.TrimSpace(cfg.Owner) == "" {
		return fmt.Errorf("owner must not be empty")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return fmt.Errorf("database path must not be empty")
	}
	if strings.TrimSpace(cfg.OutputFileName) == "" {
		return fmt.Errorf("output file name must not be empty")
	}
	if cfg.ScanKind != "full" && cfg.ScanKind != "quick" && cfg.ScanKind != "custom" {
		return fmt.Errorf("invalid scan-kind value: %s", cfg.ScanKind)
	}
	if cfg.Mode == ModeScan && cfg.ScanKind == "custom" && len(cfg.IncludePaths) == 0 {
		return fmt.Errorf("custom scans require at least one --include path")
	}
	if cfg.WatchMode != "file_changes" && cfg.WatchMode != "dir_changes" && cfg.WatchMode != "both" {
		return fmt.Errorf("invalid watch-mode value: %s", cfg.WatchMode)
	}
	if cfg.Redact != "none" && cfg.Redact != "mask" && cfg.Redact != "hash" {
		return fmt.Errorf("invalid redact value: %s", cfg.Redact)
	}
	if cfg.ContentReadMode != "stream" && cfg.ContentReadMode != "mmap" && cfg.ContentReadMode != "auto" {
		return fmt.Errorf("invalid content-read-mode value: %s", cfg.ContentReadMode)
	}
	if cfg.MaxDepth < 0 {
		return fmt.Errorf("max-depth must be zero or positive")
	}
	if cfg.MaxFileSize < 0 {
		return fmt.Errorf("max-file-size must be zero or positive")
	}
	if cfg.MaxMatchesPerRule < 0 {
		return fmt.Errorf("max-matches-per-rule must be zero or positive")
	}
	if cfg.ContextLines < 0 {
		return fmt.Errorf("context-lines must be zero or positive")
	}
	if cfg.MaxIOPerSecond < 0 {
		return fmt.Errorf("max-io-per-second must be zero or positive")
	}
	if cfg.MmapMinSize < 0 {
		return fmt.Errorf("mmap-min-size must be zero or positive")
	}
	if cfg.DebounceDelay < 0 {
		return fmt.Errorf("debounce must be zero or positive")
	}
	if cfg.MaxOutputFileSize < 0 {
		return fmt.Errorf("max-output-file-size must be zero or positive")
	}
	if cfg.DiagSlowScanThreshold < 0 {
		return fmt.Errorf("diag-slow-scan-threshold must be zero or positive")
	}
	if cfg.TraceFlightMinAge < 0 {
		return fmt.Errorf("trace-flight-min-age must be zero or positive")
	}
	if cfg.OtelTimeout < 0 {
		return fmt.Errorf("otel-timeout must be zero or positive")
	}
	if cfg.OtelEndpoint != "" {
		if !strings.HasPrefix(cfg.OtelEndpoint, "http://") && !strings.HasPrefix(cfg.OtelEndpoint, "https://") {
			return fmt.Errorf("otel-endpoint must include scheme (http or https)")
		}
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" &&
		cfg.LogLevel != "error" && cfg.LogLevel != "fatal" && cfg.LogLevel != "panic" {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	return nil
}

func currentUser() string {
	for _, key := range []string{"USER", "USERNAME"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return "local"
}

func parseCommaSeparated(input string) []string {
	if input == "" {
		return []string{}
	}
	items := strings.Split(input, ",")
	out := items[:0]
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	if input == "" {
		return headers
	}
	for _, item := range strings.Split(input, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(parts[1])
	}
	return headers
}

package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"leakwatch/logger"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otelLog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

const defaultServiceName = "leakwatch"

type OtelOptions struct {
	Endpoint    string
	FromEnv     bool
	Headers     map[string]string
	Timeout     time.Duration
	ServiceName string
	// ExportPaths and ExportMatches opt in to sending file paths and
	// matched text off the host.
	ExportPaths   bool
	ExportMatches bool
}

type otelLogger struct {
	provider *sdklog.LoggerProvider
	logger   otelLog.Logger
	timeout  time.Duration
	endpoint string
	policy   otelPolicy
}

type otelPolicy struct {
	includePaths   bool
	includeMatches bool
}

// newOtelLogger returns nil when no endpoint is configured.
func newOtelLogger(opts OtelOptions) (*otelLogger, error) {
	endpoint := resolveOtelEndpoint(opts)
	if endpoint == "" {
		return nil, nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("otel endpoint must include scheme (http or https)")
	}

	exportOpts := []otlploghttp.Option{otlploghttp.WithEndpointURL(endpoint)}
	if len(opts.Headers) > 0 {
		exportOpts = append(exportOpts, otlploghttp.WithHeaders(opts.Headers))
	}
	if opts.Timeout > 0 {
		exportOpts = append(exportOpts, otlploghttp.WithTimeout(opts.Timeout))
	}

	exp, err := otlploghttp.New(context.Background(), exportOpts...)
	if err != nil {
		return nil, err
	}

	service := opts.ServiceName
	if service == "" {
		service = defaultServiceName
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(service),
	)
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)

	return &otelLogger{
		provider: provider,
		logger:   provider.Logger("leakwatch"),
		timeout:  opts.Timeout,
		endpoint: endpoint,
		policy: otelPolicy{
			includePaths:   opts.ExportPaths,
			includeMatches: opts.ExportMatches,
		},
	}, nil
}

func resolveOtelEndpoint(opts OtelOptions) string {
	if endpoint := strings.TrimSpace(opts.Endpoint); endpoint != "" {
		return endpoint
	}
	if !opts.FromEnv {
		return ""
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

func (o *otelLogger) Endpoint() string {
	if o == nil {
		return ""
	}
	return o.endpoint
}

func (o *otelLogger) Emit(recordType string, payload interface{}) {
	if o == nil || o.logger == nil {
		return
	}
	data := sanitizePayload(recordType, payloadToMap(payload), o.policy)

	now := time.Now()
	var rec otelLog.Record
	rec.SetTimestamp(now)
	rec.SetObservedTimestamp(now)
	rec.SetEventName("leakwatch.record")
	rec.SetSeverity(severityFor(recordType, data))
	rec.AddAttributes(
		otelLog.String("record_type", recordType),
		otelLog.String("schema_version", SchemaVersion),
	)
	if attrs := semanticAttributes(recordType, data, o.policy); len(attrs) > 0 {
		rec.AddAttributes(attrs...)
	}
	if data != nil {
		rec.SetBody(toLogValue(data))
	}
	o.logger.Emit(context.Background(), rec)
}

func (o *otelLogger) Shutdown() {
	if o == nil || o.provider == nil {
		return
	}
	timeout := o.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.provider.Shutdown(ctx); err != nil {
		logger.Debugf("OTEL shutdown failed: %v", err)
	}
}

// severityFor raises records that report detected content to WARN.
func severityFor(recordType string, data map[string]interface{}) otelLog.Severity {
	var key string
	switch recordType {
	case recordFile:
		key = "match_count"
	case recordActivity:
		key = "threats_found"
	case recordJob:
		key = "total_matches"
	case recordSession:
		key = "threats_detected"
	}
	if n, ok := getInt64Field(data, key); ok && n > 0 {
		return otelLog.SeverityWarn
	}
	return otelLog.SeverityInfo
}

// sanitizePayload drops paths and matched text unless the policy allows
// them. The input map is not modified.
func sanitizePayload(recordType string, data map[string]interface{}, policy otelPolicy) map[string]interface{} {
	if len(data) == 0 {
		return data
	}
	sanitized := cloneMap(data)
	switch recordType {
	case recordFile:
		if !policy.includePaths {
			delete(sanitized, "path")
		}
		if !policy.includeMatches {
			delete(sanitized, "matches")
		}
	case recordActivity:
		if !policy.includePaths {
			delete(sanitized, "path")
		}
	case recordJob, recordSession:
		if !policy.includePaths {
			delete(sanitized, "target_path")
		}
	}
	return sanitized
}

func cloneMap(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func toLogValue(value interface{}) otelLog.Value {
	switch v := value.(type) {
	case nil:
		return otelLog.Value{}
	case string:
		return otelLog.StringValue(v)
	case []byte:
		return otelLog.BytesValue(v)
	case bool:
		return otelLog.BoolValue(v)
	case int:
		return otelLog.IntValue(v)
	case int64:
		return otelLog.Int64Value(v)
	case float64:
		return otelLog.Float64Value(v)
	case map[string]interface{}:
		return otelLog.MapValue(toLogKeyValues(v)...)
	case map[string]string:
		keys := sortedKeys(v)
		kvs := make([]otelLog.KeyValue, 0, len(v))
		for _, k := range keys {
			kvs = append(kvs, otelLog.String(k, v[k]))
		}
		return otelLog.MapValue(kvs...)
	case []string:
		values := make([]otelLog.Value, 0, len(v))
		for _, item := range v {
			values = append(values, otelLog.StringValue(item))
		}
		return otelLog.SliceValue(values...)
	case []int:
		values := make([]otelLog.Value, 0, len(v))
		for _, item := range v {
			values = append(values, otelLog.IntValue(item))
		}
		return otelLog.SliceValue(values...)
	case []interface{}:
		values := make([]otelLog.Value, 0, len(v))
		for _, item := range v {
			values = append(values, toLogValue(item))
		}
		return otelLog.SliceValue(values...)
	default:
		return otelLog.Value{}
	}
}

// toLogKeyValues emits keys in sorted order so exported bodies are stable.
func toLogKeyValues(values map[string]interface{}) []otelLog.KeyValue {
	keys := sortedKeys(values)
	kvs := make([]otelLog.KeyValue, 0, len(values))
	for _, key := range keys {
		kvs = append(kvs, otelLog.KeyValue{Key: key, Value: toLogValue(values[key])})
	}
	return kvs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func semanticAttributes(recordType string, data map[string]interface{}, policy otelPolicy) []otelLog.KeyValue {
	if len(data) == 0 {
		return nil
	}
	switch recordType {
	case recordFile:
		return fileSemanticAttributes(data, policy)
	case recordJob:
		return jobSemanticAttributes(data)
	case recordActivity:
		return activitySemanticAttributes(data, policy)
	case recordSession:
		return sessionSemanticAttributes(data)
	case recordMetrics:
		return metricsSemanticAttributes(data)
	default:
		return nil
	}
}

func fileSemanticAttributes(data map[string]interface{}, policy otelPolicy) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue

	if path := getStringField(data, "path"); path != "" && policy.includePaths {
		kvs = append(kvs, otelLog.String(string(semconv.FilePathKey), path))
		kvs = append(kvs, otelLog.String(string(semconv.FileDirectoryKey), filepath.Dir(path)))
		kvs = append(kvs, otelLog.String(string(semconv.FileNameKey), filepath.Base(path)))
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
			kvs = append(kvs, otelLog.String(string(semconv.FileExtensionKey), ext))
		}
	}
	if size, ok := getInt64Field(data, "size"); ok {
		kvs = append(kvs, otelLog.Int64(string(semconv.FileSizeKey), size))
	}

	kvs = appendStringAttr(kvs, "leakwatch.job.id", getStringField(data, "job_id"))
	kvs = appendStringAttr(kvs, "leakwatch.file.mime_type", getStringField(data, "mime_type"))
	kvs = appendStringAttr(kvs, "leakwatch.file.digest", getStringField(data, "digest"))
	kvs = appendStringAttr(kvs, "leakwatch.file.mod_time", getStringField(data, "mod_time"))
	kvs = appendStringAttr(kvs, "leakwatch.file.error", getStringField(data, "error"))
	kvs = appendInt64Attr(kvs, "leakwatch.file.rules_matched", data, "rules_matched")
	kvs = appendInt64Attr(kvs, "leakwatch.file.match_count", data, "match_count")

	if policy.includeMatches {
		if rules := matchedRuleIDs(data["matches"]); len(rules) > 0 {
			values := make([]otelLog.Value, 0, len(rules))
			for _, id := range rules {
				values = append(values, otelLog.StringValue(id))
			}
			kvs = append(kvs, otelLog.KeyValue{Key: "leakwatch.file.rule_ids", Value: otelLog.SliceValue(values...)})
		}
	}
	return kvs
}

func jobSemanticAttributes(data map[string]interface{}) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue
	kvs = appendStringAttr(kvs, "leakwatch.job.id", getStringField(data, "id"))
	kvs = appendStringAttr(kvs, "leakwatch.job.kind", getStringField(data, "scan_kind"))
	kvs = appendStringAttr(kvs, "leakwatch.job.status", getStringField(data, "status"))
	kvs = appendStringAttr(kvs, "leakwatch.job.error", getStringField(data, "error_message"))
	kvs = appendInt64Attr(kvs, "leakwatch.job.files_scanned", data, "files_scanned")
	kvs = appendInt64Attr(kvs, "leakwatch.job.files_with_matches", data, "files_with_matches")
	kvs = appendInt64Attr(kvs, "leakwatch.job.total_matches", data, "total_matches")
	kvs = appendInt64Attr(kvs, "leakwatch.job.files_failed", data, "files_failed")
	return kvs
}

func activitySemanticAttributes(data map[string]interface{}, policy otelPolicy) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue
	if path := getStringField(data, "path"); path != "" && policy.includePaths {
		kvs = append(kvs, otelLog.String(string(semconv.FilePathKey), path))
	}
	kvs = appendStringAttr(kvs, "leakwatch.session.id", getStringField(data, "session_id"))
	kvs = appendStringAttr(kvs, "leakwatch.activity.change_type", getStringField(data, "change_type"))
	kvs = appendInt64Attr(kvs, "leakwatch.activity.threats_found", data, "threats_found")
	return kvs
}

func sessionSemanticAttributes(data map[string]interface{}) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue
	kvs = appendStringAttr(kvs, "leakwatch.session.id", getStringField(data, "id"))
	kvs = appendStringAttr(kvs, "leakwatch.session.status", getStringField(data, "status"))
	kvs = appendStringAttr(kvs, "leakwatch.session.watch_mode", getStringField(data, "watch_mode"))
	kvs = appendInt64Attr(kvs, "leakwatch.session.files_monitored", data, "files_monitored")
	kvs = appendInt64Attr(kvs, "leakwatch.session.files_scanned", data, "files_scanned")
	kvs = appendInt64Attr(kvs, "leakwatch.session.threats_detected", data, "threats_detected")
	return kvs
}

func metricsSemanticAttributes(data map[string]interface{}) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue
	kvs = appendStringAttr(kvs, "leakwatch.metrics.start_time", getStringField(data, "start_time"))
	kvs = appendStringAttr(kvs, "leakwatch.metrics.end_time", getStringField(data, "end_time"))
	kvs = appendInt64Attr(kvs, "leakwatch.metrics.file_results", data, "file_results")
	kvs = appendInt64Attr(kvs, "leakwatch.metrics.matches", data, "matches")
	kvs = appendInt64Attr(kvs, "leakwatch.metrics.activity_entries", data, "activity_entries")
	kvs = appendInt64Attr(kvs, "leakwatch.metrics.jobs", data, "jobs")
	kvs = appendInt64Attr(kvs, "leakwatch.metrics.sessions", data, "sessions")
	return kvs
}

// matchedRuleIDs returns the distinct rule ids of a decoded matches list,
// sorted.
func matchedRuleIDs(value interface{}) []string {
	items, ok := value.([]interface{})
	if !ok {
		return nil
	}
	seen := make(map[string]struct{})
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if id := getStringField(m, "rule_id"); id != "" {
			seen[id] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// payloadToMap decodes payload through JSON so struct records share the
// same field names as the NDJSON output.
func payloadToMap(payload interface{}) map[string]interface{} {
	switch v := payload.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return v
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil
		}
		return decoded
	}
}

func getStringField(values map[string]interface{}, key string) string {
	value, ok := values[key]
	if !ok || value == nil {
		return ""
	}
	if str, ok := value.(string); ok {
		return str
	}
	return fmt.Sprint(value)
}

func getInt64Field(values map[string]interface{}, key string) (int64, bool) {
	value, ok := values[key]
	if !ok || value == nil {
		return 0, false
	}
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func appendStringAttr(kvs []otelLog.KeyValue, key, value string) []otelLog.KeyValue {
	if value == "" {
		return kvs
	}
	return append(kvs, otelLog.String(key, value))
}

func appendInt64Attr(kvs []otelLog.KeyValue, key string, data map[string]interface{}, field string) []otelLog.KeyValue {
	value, ok := getInt64Field(data, field)
	if !ok {
		return kvs
	}
	return append(kvs, otelLog.Int64(key, value))
}

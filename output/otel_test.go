package output

import (
	"testing"

	otelLog "go.opentelemetry.io/otel/log"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	"leakwatch/model"
)

func findAttr(kvs []otelLog.KeyValue, key string) (otelLog.Value, bool) {
	for _, kv := range kvs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return otelLog.Value{}, false
}

func TestResolveOtelEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT", "https://logs.example.test/v1/logs")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://fallback.example.test")

	if got := resolveOtelEndpoint(OtelOptions{Endpoint: "  https://explicit.example.test  ", FromEnv: true}); got != "https://explicit.example.test" {
		t.Fatalf("expected explicit endpoint, got %q", got)
	}
	if got := resolveOtelEndpoint(OtelOptions{FromEnv: true}); got != "https://logs.example.test/v1/logs" {
		t.Fatalf("expected logs env endpoint, got %q", got)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT", "")
	if got := resolveOtelEndpoint(OtelOptions{FromEnv: true}); got != "https://fallback.example.test" {
		t.Fatalf("expected fallback env endpoint, got %q", got)
	}
	if got := resolveOtelEndpoint(OtelOptions{}); got != "" {
		t.Fatalf("expected empty endpoint when env fallback disabled, got %q", got)
	}
}

func TestSanitizePayloadFile(t *testing.T) {
	data := payloadToMap(sampleResult())
	sanitized := sanitizePayload(recordFile, data, otelPolicy{})
	if _, ok := sanitized["path"]; ok {
		t.Fatal("expected path to be stripped")
	}
	if _, ok := sanitized["matches"]; ok {
		t.Fatal("expected matches to be stripped")
	}
	if _, ok := data["path"]; !ok {
		t.Fatal("expected original payload to remain unchanged")
	}

	kept := sanitizePayload(recordFile, data, otelPolicy{includePaths: true, includeMatches: true})
	if _, ok := kept["matches"]; !ok {
		t.Fatal("expected matches when export is enabled")
	}
}

func TestSanitizePayloadSummaries(t *testing.T) {
	job := payloadToMap(model.ScanJob{ID: "j", TargetPath: "/home/alice"})
	if _, ok := sanitizePayload(recordJob, job, otelPolicy{})["target_path"]; ok {
		t.Fatal("expected job target path to be stripped")
	}
	entry := payloadToMap(model.ActivityEntry{Path: "/home/alice/.env"})
	if _, ok := sanitizePayload(recordActivity, entry, otelPolicy{})["path"]; ok {
		t.Fatal("expected activity path to be stripped")
	}
}

func TestSemanticAttributesFile(t *testing.T) {
	data := payloadToMap(sampleResult())

	attrs := semanticAttributes(recordFile, data, otelPolicy{includePaths: true, includeMatches: true})
	if value, ok := findAttr(attrs, string(semconv.FilePathKey)); !ok || value.AsString() != "/srv/app/.env" {
		t.Fatalf("expected file path semantic attribute, got %#v", value)
	}
	if value, ok := findAttr(attrs, string(semconv.FileNameKey)); !ok || value.AsString() != ".env" {
		t.Fatalf("expected file name semantic attribute, got %#v", value)
	}
	if value, ok := findAttr(attrs, string(semconv.FileSizeKey)); !ok || value.AsInt64() != 32 {
		t.Fatalf("expected file size semantic attribute, got %#v", value)
	}
	if value, ok := findAttr(attrs, "leakwatch.file.match_count"); !ok || value.AsInt64() != 1 {
		t.Fatalf("expected match count attribute, got %#v", value)
	}
	if value, ok := findAttr(attrs, "leakwatch.file.rule_ids"); !ok || len(value.AsSlice()) != 1 {
		t.Fatalf("expected rule ids attribute, got %#v", value)
	}

	attrsNoPaths := semanticAttributes(recordFile, data, otelPolicy{})
	if _, ok := findAttr(attrsNoPaths, string(semconv.FilePathKey)); ok {
		t.Fatal("did not expect file path semantic attribute when paths are disabled")
	}
	if _, ok := findAttr(attrsNoPaths, "leakwatch.file.rule_ids"); ok {
		t.Fatal("did not expect rule ids when match export is disabled")
	}
}

func TestSemanticAttributesSession(t *testing.T) {
	data := payloadToMap(model.WatchSession{ID: "s1", Status: model.SessionStopped, FilesScanned: 4, ThreatsDetected: 2})
	attrs := semanticAttributes(recordSession, data, otelPolicy{})
	if value, ok := findAttr(attrs, "leakwatch.session.threats_detected"); !ok || value.AsInt64() != 2 {
		t.Fatalf("expected threats attribute, got %#v", value)
	}
	if severityFor(recordSession, data) != otelLog.SeverityWarn {
		t.Fatal("sessions with threats should be WARN")
	}
	if severityFor(recordSession, payloadToMap(model.WatchSession{ID: "s2"})) != otelLog.SeverityInfo {
		t.Fatal("clean sessions should be INFO")
	}
}

func TestPayloadToMapFromStruct(t *testing.T) {
	payload := Metrics{StartTime: "2026-02-18T00:00:00Z", FileResults: 7}
	data := payloadToMap(payload)
	if data == nil {
		t.Fatal("expected payloadToMap to decode struct payload")
	}
	if got := getStringField(data, "start_time"); got != payload.StartTime {
		t.Fatalf("expected start_time=%q, got %q", payload.StartTime, got)
	}
	if got, ok := getInt64Field(data, "file_results"); !ok || got != 7 {
		t.Fatalf("expected file_results=7, got %d (ok=%v)", got, ok)
	}
}

func TestToLogValueCompositeTypes(t *testing.T) {
	mapValue := toLogValue(map[string]string{"a": "b"})
	if mapValue.Kind() != otelLog.KindMap {
		t.Fatalf("expected map kind, got %v", mapValue.Kind())
	}
	intSliceValue := toLogValue([]int{1, 2, 3})
	if intSliceValue.Kind() != otelLog.KindSlice || len(intSliceValue.AsSlice()) != 3 {
		t.Fatalf("expected int slice kind/len, got kind=%v len=%d", intSliceValue.Kind(), len(intSliceValue.AsSlice()))
	}
	if empty := toLogValue(struct{}{}); empty.Kind() != otelLog.KindEmpty {
		t.Fatalf("expected empty kind for unsupported type, got %v", empty.Kind())
	}
}

func TestToLogKeyValuesSortedOrder(t *testing.T) {
	kvs := toLogKeyValues(map[string]interface{}{"zeta": 1, "alpha": 2, "middle": 3})
	if len(kvs) != 3 {
		t.Fatalf("expected 3 key values, got %d", len(kvs))
	}
	if kvs[0].Key != "alpha" || kvs[1].Key != "middle" || kvs[2].Key != "zeta" {
		t.Fatalf("expected sorted keys, got order %q, %q, %q", kvs[0].Key, kvs[1].Key, kvs[2].Key)
	}
}

func TestOtelLoggerEndpointAndValidation(t *testing.T) {
	var nilLogger *otelLogger
	if got := nilLogger.Endpoint(); got != "" {
		t.Fatalf("expected empty endpoint for nil logger, got %q", got)
	}
	nilLogger.Emit(recordFile, sampleResult())

	disabled, err := newOtelLogger(OtelOptions{})
	if err != nil || disabled != nil {
		t.Fatalf("expected no logger without endpoint, got %v %v", disabled, err)
	}
	if _, err := newOtelLogger(OtelOptions{Endpoint: "localhost:4318", Timeout: 1}); err == nil {
		t.Fatal("expected validation error for endpoint without scheme")
	}
}

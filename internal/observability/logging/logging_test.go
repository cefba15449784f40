package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected slog.Level
	}{
		{input: "debug", expected: slog.LevelDebug},
		{input: "warning", expected: slog.LevelWarn},
		{input: "warn", expected: slog.LevelWarn},
		{input: "error", expected: slog.LevelError},
		{input: "info", expected: slog.LevelInfo},
		{input: "", expected: slog.LevelInfo},
		{input: " DeBuG ", expected: slog.LevelDebug},
		{input: "verbose", expected: slog.LevelInfo},
	}

	for _, tc := range testCases {
		if got := ParseLevel(tc.input); got != tc.expected {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
		}
	}
}

func TestNewHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Level: "warn", Format: "text"})
	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "msg=kept") {
		t.Fatalf("expected text encoding, got %q", out)
	}
}

func TestWithContextAnnotatesCorrelation(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), " corr-1 ")
	ctx = ContextWithAction(ctx, "getPatient")
	ctx = ContextWithAction(ctx, "  ")

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	WithComponent(WithContext(ctx, logger), "worker").Info("hello")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if payload["correlation_id"] != "corr-1" {
		t.Fatalf("correlation_id = %v", payload["correlation_id"])
	}
	if payload["action"] != "getPatient" {
		t.Fatalf("action = %v", payload["action"])
	}
	if payload["component"] != "worker" {
		t.Fatalf("component = %v", payload["component"])
	}
}

func TestFromContextPrefersStoredLogger(t *testing.T) {
	var stored, fallback bytes.Buffer
	storedLogger := slog.New(slog.NewJSONHandler(&stored, nil))
	fallbackLogger := slog.New(slog.NewJSONHandler(&fallback, nil))

	ctx := ContextWithLogger(context.Background(), storedLogger)
	FromContext(ctx, fallbackLogger).Info("stored")
	FromContext(context.Background(), fallbackLogger).Info("fallback")

	if !strings.Contains(stored.String(), "stored") || strings.Contains(stored.String(), "fallback") {
		t.Fatalf("stored logger output %q", stored.String())
	}
	if !strings.Contains(fallback.String(), "fallback") {
		t.Fatalf("fallback logger output %q", fallback.String())
	}
	if WithComponent(nil, "x") != nil {
		t.Fatalf("nil logger must stay nil")
	}
}

func TestRequestLoggerSkipsProbes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	middleware := RequestLogger(RequestLoggerConfig{Logger: logger, SkipPaths: []string{"/ready"}})
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ready", nil))
	if buf.Len() != 0 {
		t.Fatalf("skipped path was logged: %q", buf.String())
	}

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if payload["status"] != float64(http.StatusServiceUnavailable) {
		t.Fatalf("status = %v", payload["status"])
	}
	if payload["level"] != "WARN" {
		t.Fatalf("5xx should log at warn, got %v", payload["level"])
	}
}

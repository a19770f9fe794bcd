package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{" warn ", WarnLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"fatal", FatalLevel},
		{"", InfoLevel},
		{"verbose", InfoLevel},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStructuredLogger_ContextValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger("census-climate-test", "test", DebugLevel)
	logger.SetOutput(&buf)

	ctx := WithStage(WithRunID(context.Background(), "run-1"), "gapfill")
	logger.Info(ctx, "[GAPFILL_DONE] filled", Fields{"metric": "avg_temp"})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if entry.RunID != "run-1" || entry.Stage != "gapfill" {
		t.Errorf("run_id/stage = %q/%q", entry.RunID, entry.Stage)
	}
	if entry.Level != "INFO" || entry.Service != "census-climate-test" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Fields["metric"] != "avg_temp" {
		t.Errorf("fields = %v", entry.Fields)
	}
	if RunIDFrom(ctx) != "run-1" {
		t.Errorf("RunIDFrom() = %q", RunIDFrom(ctx))
	}
}

func TestStructuredLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger("svc", "test", WarnLevel)
	logger.SetOutput(&buf)

	logger.Info(context.Background(), "dropped", nil)
	if buf.Len() != 0 {
		t.Errorf("info line written below warn level: %s", buf.String())
	}

	logger.Error(context.Background(), "kept", nil, errors.New("boom"))
	if !strings.Contains(buf.String(), `"error":"boom"`) {
		t.Errorf("error line missing error text: %s", buf.String())
	}
}

func TestContextLogger_MergesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger("svc", "test", InfoLevel)
	logger.SetOutput(&buf)

	logger.WithFields(Fields{"component": "feed", "attempt": 1}).
		Warn(context.Background(), "retry", Fields{"attempt": 2})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry.Fields["component"] != "feed" || entry.Fields["attempt"] != float64(2) {
		t.Errorf("fields = %v", entry.Fields)
	}
}

package structlog

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestLoggerEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("registry", LevelInfo, &buf)
	logger.Info(context.Background(), "model promoted", Fields{"model_id": "m2", "rollout_ratio": 0.1})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["service"] != "registry" || entry["msg"] != "model promoted" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["model_id"] != "m2" {
		t.Fatalf("field dropped: %v", entry)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("test", LevelWarn, &buf)
	logger.Info(context.Background(), "hidden", nil)
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level: %s", buf.String())
	}
	logger.Error(context.Background(), "visible", nil)
	if buf.Len() == 0 {
		t.Fatal("error should pass at warn level")
	}
}

func TestLoggerMasksSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("test", LevelInfo, &buf)
	logger.Info(context.Background(), "config loaded", Fields{"jwt_secret": "hunter2", "model_id": "m2"})

	if bytes.Contains(buf.Bytes(), []byte("hunter2")) {
		t.Fatalf("secret leaked: %s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("m2")) {
		t.Fatal("non-secret field lost")
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("test", LevelInfo, &buf).WithFields(Fields{"component": "store"})
	logger.Info(context.Background(), "ready", nil)

	if !bytes.Contains(buf.Bytes(), []byte(`"component":"store"`)) {
		t.Fatalf("base field missing: %s", buf.String())
	}
}

func TestCorrelationIDPropagates(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("test", LevelInfo, &buf)
	ctx := WithCorrelationID(context.Background(), "cmd-42")
	logger.Info(ctx, "command executed", nil)

	if !bytes.Contains(buf.Bytes(), []byte("cmd-42")) {
		t.Fatalf("correlation id missing: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"nonsense", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

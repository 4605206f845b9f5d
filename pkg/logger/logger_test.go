package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizeAttrRedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf})

	log.Info("token exchange",
		"refresh_token", "rt-very-secret-value",
		"tenant_id", "t1",
	)

	out := buf.String()
	if strings.Contains(out, "rt-very-secret-value") {
		t.Errorf("sensitive value leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker in output: %s", out)
	}
	if !strings.Contains(out, "t1") {
		t.Errorf("non-sensitive value should survive: %s", out)
	}
}

func TestSanitizeAttrPartialMatch(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf})

	log.Info("upstream call", "upstream_password", "hunter2")

	if strings.Contains(buf.String(), "hunter2") {
		t.Errorf("partial-match key should be redacted: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFromContextFallback(t *testing.T) {
	log := NewNop()
	ctx := ToContext(context.Background(), log)

	if got := FromContext(ctx); got != log {
		t.Error("expected the logger stored in context")
	}
	if got := FromContext(context.Background()); got == nil {
		t.Error("expected fallback logger, got nil")
	}
}

func TestWithContextAddsTraceID(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf})

	ctx := context.WithValue(context.Background(), ContextKeyTraceID, "trace-123")
	log.WithContext(ctx).Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["trace_id"] != "trace-123" {
		t.Errorf("trace_id = %v, want trace-123", entry["trace_id"])
	}
}

func TestSamplingDropsAboveThreshold(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	h := NewSamplingHandler(base, SamplingConfig{
		Enabled:   true,
		Tick:      time.Minute,
		Threshold: 5,
		Rate:      0.0,
		ErrorRate: 0.0,
	})
	log := slog.New(h)

	for i := 0; i < 20; i++ {
		log.Info("repeated message")
	}

	lines := strings.Count(buf.String(), "\n")
	if lines != 5 {
		t.Errorf("expected 5 logged lines, got %d", lines)
	}
}

func TestSamplingNeverSamplePrefix(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	h := NewSamplingHandler(base, SamplingConfig{
		Enabled:             true,
		Tick:                time.Minute,
		Threshold:           1,
		Rate:                0.0,
		ErrorRate:           0.0,
		NeverSampleMessages: []string{"security:"},
	})
	log := slog.New(h)

	for i := 0; i < 10; i++ {
		log.Info("security: token reuse detected")
	}

	lines := strings.Count(buf.String(), "\n")
	if lines != 10 {
		t.Errorf("security events must never be sampled, got %d of 10", lines)
	}
}

func TestSamplingOnDroppedCallback(t *testing.T) {
	dropped := 0
	base := slog.NewJSONHandler(&bytes.Buffer{}, nil)
	h := NewSamplingHandler(base, SamplingConfig{
		Enabled:   true,
		Tick:      time.Minute,
		Threshold: 2,
		Rate:      0.0,
		ErrorRate: 0.0,
		OnDropped: func(context.Context, slog.Record) { dropped++ },
	})
	log := slog.New(h)

	for i := 0; i < 5; i++ {
		log.Info("noisy")
	}

	if dropped != 3 {
		t.Errorf("expected 3 dropped, got %d", dropped)
	}
}

func TestSamplingDisabledPassesThrough(t *testing.T) {
	base := slog.NewJSONHandler(&bytes.Buffer{}, nil)
	h := NewSamplingHandler(base, SamplingConfig{Enabled: false})
	if h != base {
		t.Error("disabled sampling should return the original handler")
	}
}

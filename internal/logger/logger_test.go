package logger

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInit(t *testing.T) {
	log := Init("test-service", "debug")
	if log == nil {
		t.Fatal("expected non-nil logger")
	}
	if !log.Core().Enabled(zapcore.DebugLevel) {
		t.Error("expected debug level enabled")
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"chatty", zapcore.InfoLevel},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if tid := TraceID(ctx); tid != "" {
		t.Errorf("expected empty trace id, got %q", tid)
	}

	ctx = WithTraceID(ctx, "test-trace-123")
	if tid := TraceID(ctx); tid != "test-trace-123" {
		t.Errorf("expected 'test-trace-123', got %q", tid)
	}
}

func TestGenerateTraceID(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 123456789, time.UTC)
	tid := GenerateTraceID("PAXGUSDT", ts)

	if !strings.HasPrefix(tid, "PAXGUSDT-") {
		t.Errorf("expected trace id to start with 'PAXGUSDT-', got %s", tid)
	}
	if !strings.Contains(tid, "123456789") {
		t.Errorf("expected trace id to contain nanoseconds, got %s", tid)
	}
}

func TestTraceFields(t *testing.T) {
	ctx := context.Background()

	if fields := TraceFields(ctx); fields != nil {
		t.Errorf("expected nil fields when no trace id, got %v", fields)
	}

	ctx = WithTraceID(ctx, "abc-123")
	fields := TraceFields(ctx)
	if len(fields) != 1 || fields[0].Key != "trace_id" || fields[0].String != "abc-123" {
		t.Fatalf("unexpected trace fields %+v", fields)
	}
}

func TestL_AddsTraceID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	L(context.Background(), base).Info("plain")
	L(WithTraceID(context.Background(), "req-1"), base).Info("traced")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if _, ok := entries[0].ContextMap()["trace_id"]; ok {
		t.Error("plain entry should not carry trace_id")
	}
	if got := entries[1].ContextMap()["trace_id"]; got != "req-1" {
		t.Errorf("trace_id = %v, want req-1", got)
	}
}

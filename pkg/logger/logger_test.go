package logger

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", DebugLevel},
		{"info", InfoLevel},
		{"WARN", WarnLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"unknown", InfoLevel},
		{"", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLevelFromString_RejectsUnknown(t *testing.T) {
	if _, err := LevelFromString("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{DebugLevel, "debug"},
		{InfoLevel, "info"},
		{WarnLevel, "warn"},
		{ErrorLevel, "error"},
		{Level(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.level.String(); got != tt.expected {
				t.Errorf("Level.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestSlogLogger_SetLevelSharedWithChildren(t *testing.T) {
	log := New(&Config{Level: InfoLevel, Format: "text", Output: "discard"})
	child := log.With("run_id", "order-1")

	log.SetLevel(DebugLevel)
	if log.GetLevel() != DebugLevel {
		t.Fatalf("GetLevel() = %v, want debug", log.GetLevel())
	}
	if child.GetLevel() != DebugLevel {
		t.Fatalf("child GetLevel() = %v, want debug", child.GetLevel())
	}
}

func TestSlogLogger_WithContext(t *testing.T) {
	log := New(&Config{Level: InfoLevel, Format: "text", Output: "discard"})

	ctx := log.WithContext(context.Background())
	if FromContext(ctx) != log {
		t.Fatal("FromContext() did not return the attached logger")
	}
	if FromContext(context.Background()) != Global() {
		t.Fatal("FromContext() without logger should return the global logger")
	}
}

func TestSlogLogger_FileOutputJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ordersaga.log")
	log := New(&Config{Level: InfoLevel, Format: "json", Output: path})

	log.Debug("hidden")
	log.Info("run finished", "run_id", "order-O1", "status", "completed")
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("unmarshal log line: %v", err)
		}
		lines = append(lines, rec)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 record, got %d", len(lines))
	}
	if lines[0]["message"] != "run finished" {
		t.Fatalf("message = %v", lines[0]["message"])
	}
	if lines[0]["run_id"] != "order-O1" {
		t.Fatalf("run_id = %v", lines[0]["run_id"])
	}
}

func TestAppendTraceContextFields(t *testing.T) {
	args := appendTraceContextFields(context.Background(), "k", "v")
	if len(args) != 2 {
		t.Fatalf("expected args untouched without span, got %v", args)
	}

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	args = appendTraceContextFields(ctx, "k", "v")
	if len(args) != 6 {
		t.Fatalf("expected trace_id and span_id to be appended, got %v", args)
	}
	if args[2] != "trace_id" || args[4] != "span_id" {
		t.Fatalf("unexpected trace fields: %v", args)
	}
}

func TestSetGlobal(t *testing.T) {
	prev := Global()
	defer SetGlobal(prev)

	log := NewNop()
	SetGlobal(log)
	if Global() != log {
		t.Fatal("SetGlobal() did not replace the global logger")
	}
	SetGlobal(nil)
	if Global() != log {
		t.Fatal("SetGlobal(nil) should be ignored")
	}
}

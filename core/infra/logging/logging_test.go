package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/cordum/evaluator/core/infra/trace"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(slog.LevelInfo)
	})
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			t.Fatalf("expected json output, got: %s", line)
		}
		out = append(out, payload)
	}
	return out
}

func TestInfoRecordShape(t *testing.T) {
	buf := captureLogs(t)

	Info("Runner", "hello", "key", "val")
	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %d", len(lines))
	}
	rec := lines[0]
	if rec["level"] != "INFO" || rec["component"] != "runner" || rec["msg"] != "hello" || rec["key"] != "val" {
		t.Fatalf("unexpected record: %#v", rec)
	}
	if _, ok := rec["time"]; !ok {
		t.Fatalf("expected timestamp")
	}
	if _, ok := rec["trace_id"]; ok {
		t.Fatalf("expected no trace id outside a scope")
	}
}

func TestContextRecordCarriesTraceID(t *testing.T) {
	buf := captureLogs(t)

	ctx := trace.With(context.Background(), "trace-abc")
	ErrorContext(ctx, "mutex", "boom", "error", errors.New("cache down"))
	rec := decodeLines(t, buf)[0]
	if rec["trace_id"] != "trace-abc" {
		t.Fatalf("expected trace id, got %#v", rec)
	}
	if rec["level"] != "ERROR" || rec["error"] != "cache down" {
		t.Fatalf("unexpected record: %#v", rec)
	}
}

func TestOddFieldsArePadded(t *testing.T) {
	buf := captureLogs(t)

	Warn("limiter", "odd", "dangling")
	rec := decodeLines(t, buf)[0]
	if rec["dangling"] != "(missing)" {
		t.Fatalf("expected padded value, got %#v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := captureLogs(t)

	Debug("runner", "hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug suppressed at info level")
	}
	SetLevel(slog.LevelDebug)
	Debug("runner", "shown")
	if len(decodeLines(t, buf)) != 1 {
		t.Fatalf("expected debug record after lowering level")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", raw, got, want)
		}
	}
}

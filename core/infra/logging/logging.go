// Package logging emits one structured JSON record per call.
//
// Records carry the component name and, when the call site passes a context,
// the ambient trace id from core/infra/trace. Call sites never pass the trace
// id themselves.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/cordum/evaluator/core/infra/trace"
)

const (
	envLogLevel = "LOG_LEVEL"

	keyComponent = "component"
	keyTraceID   = "trace_id"
)

var (
	mu     sync.RWMutex
	level  = new(slog.LevelVar)
	logger = newLogger(os.Stderr)
)

func init() {
	level.Set(ParseLevel(os.Getenv(envLogLevel)))
}

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(&traceHandler{inner: slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})})
}

// SetOutput redirects all records to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(w)
}

// SetLevel changes the minimum level emitted.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// ParseLevel maps debug/info/warn/error to a slog level, defaulting to info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger returns the shared logger bound to a component.
func Logger(component string) *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger.With(keyComponent, component)
}

// Debug logs at debug level without a trace scope.
func Debug(component, msg string, kv ...any) {
	emit(context.Background(), slog.LevelDebug, component, msg, kv)
}

// Info logs a message with key/value fields.
func Info(component, msg string, kv ...any) {
	emit(context.Background(), slog.LevelInfo, component, msg, kv)
}

// Warn logs a warning with key/value fields.
func Warn(component, msg string, kv ...any) {
	emit(context.Background(), slog.LevelWarn, component, msg, kv)
}

// Error logs an error message with key/value fields.
func Error(component, msg string, kv ...any) {
	emit(context.Background(), slog.LevelError, component, msg, kv)
}

// DebugContext is Debug with the trace id of ctx attached.
func DebugContext(ctx context.Context, component, msg string, kv ...any) {
	emit(ctx, slog.LevelDebug, component, msg, kv)
}

// InfoContext is Info with the trace id of ctx attached.
func InfoContext(ctx context.Context, component, msg string, kv ...any) {
	emit(ctx, slog.LevelInfo, component, msg, kv)
}

// WarnContext is Warn with the trace id of ctx attached.
func WarnContext(ctx context.Context, component, msg string, kv ...any) {
	emit(ctx, slog.LevelWarn, component, msg, kv)
}

// ErrorContext is Error with the trace id of ctx attached.
func ErrorContext(ctx context.Context, component, msg string, kv ...any) {
	emit(ctx, slog.LevelError, component, msg, kv)
}

func emit(ctx context.Context, lvl slog.Level, component, msg string, kv []any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	mu.RLock()
	l := logger
	mu.RUnlock()
	args := make([]any, 0, len(kv)+2)
	args = append(args, keyComponent, strings.ToLower(component))
	args = append(args, kv...)
	l.Log(ctx, lvl, msg, args...)
}

// traceHandler stamps the ambient trace id onto every record.
type traceHandler struct {
	inner slog.Handler
}

func (h *traceHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := trace.ID(ctx); id != "" {
		r.AddAttrs(slog.String(keyTraceID, id))
	}
	return h.inner.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{inner: h.inner.WithGroup(name)}
}

// Package intercept wraps service calls with a trace scope, entry logging,
// error logging and an OpenTelemetry span.
//
// Go has no runtime proxies, so a service is intercepted by a small decorator
// that implements the same interface and forwards each exported method
// through Do or Call. Unexported methods are not part of an interface and are
// never wrapped. The wrapped type's method bodies stay untouched.
package intercept

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/cordum/evaluator/core/infra/logging"
	"github.com/cordum/evaluator/core/infra/trace"
)

const tracerName = "github.com/cordum/evaluator"

// ErrHalt is the benign control-flow signal. It passes through interceptors
// unlogged and the job runner never retries it.
var ErrHalt = errors.New("halt")

type haltError struct {
	reason string
}

func (e *haltError) Error() string {
	if e.reason == "" {
		return ErrHalt.Error()
	}
	return "halt: " + e.reason
}

func (e *haltError) Is(target error) bool {
	return target == ErrHalt
}

// Halt returns a control-flow signal carrying reason.
func Halt(reason string) error {
	return &haltError{reason: reason}
}

// IsHalt reports whether err is (or wraps) the control-flow signal.
func IsHalt(err error) bool {
	return err != nil && errors.Is(err, ErrHalt)
}

// Interceptor decorates calls made on behalf of one component.
type Interceptor struct {
	component string
	tracer    oteltrace.Tracer
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t oteltrace.Tracer) Option {
	return func(i *Interceptor) {
		if t != nil {
			i.tracer = t
		}
	}
}

// New returns an interceptor for component.
func New(component string, opts ...Option) *Interceptor {
	i := &Interceptor{
		component: component,
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Component returns the component name used in log records and span names.
func (i *Interceptor) Component() string {
	return i.component
}

// Do runs fn as operation op. kv are the call arguments as key/value pairs;
// they are logged on entry and again alongside any error.
func (i *Interceptor) Do(ctx context.Context, op string, fn func(ctx context.Context) error, kv ...any) error {
	ctx = trace.With(ctx, "")
	ctx, span := i.tracer.Start(ctx, i.component+"."+op,
		oteltrace.WithAttributes(
			attribute.String("app.trace_id", trace.ID(ctx)),
			attribute.String("app.component", i.component),
		),
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
	)
	defer span.End()

	logging.InfoContext(ctx, i.component, op, kv...)
	start := time.Now()
	err := fn(ctx)
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case IsHalt(err):
		span.SetAttributes(attribute.Bool("app.halted", true))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		fields := make([]any, 0, len(kv)+4)
		fields = append(fields, kv...)
		fields = append(fields, "elapsed_ms", time.Since(start).Milliseconds(), "error", err)
		logging.ErrorContext(ctx, i.component, op+" failed", fields...)
	}
	return err
}

// Call is Do for operations that return a value. The value is returned
// unmodified.
func Call[T any](ctx context.Context, i *Interceptor, op string, fn func(ctx context.Context) (T, error), kv ...any) (T, error) {
	var out T
	err := i.Do(ctx, op, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	}, kv...)
	return out, err
}

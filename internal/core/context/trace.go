package context

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"entitykit/internal/core/id"
)

// TraceContext ties the log lines of one unit of work together.
type TraceContext struct {
	TraceID   string
	Operation string
}

type traceContextKey struct{}

// WithTrace adds TraceContext to context.
func WithTrace(ctx context.Context, trace *TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey{}, trace)
}

// GetTrace returns TraceContext from context.
func GetTrace(ctx context.Context) *TraceContext {
	if v, ok := ctx.Value(traceContextKey{}).(*TraceContext); ok {
		return v
	}
	return nil
}

// StartTrace attaches a TraceContext for operation unless ctx already carries one,
// in which case the outer trace is kept. The id comes from the active span when it
// is sampled by a real tracer, else a fresh UUIDv7.
func StartTrace(ctx context.Context, operation string) (context.Context, *TraceContext) {
	if t := GetTrace(ctx); t != nil {
		return ctx, t
	}

	t := &TraceContext{Operation: operation}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		t.TraceID = sc.TraceID().String()
	} else {
		t.TraceID = id.New().String()
	}
	return WithTrace(ctx, t), t
}

// GetTraceID returns the trace id, or "" outside a trace.
func GetTraceID(ctx context.Context) string {
	if t := GetTrace(ctx); t != nil {
		return t.TraceID
	}
	return ""
}

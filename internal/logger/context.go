package logger

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
)

type ctxKey struct{}

// Middleware tags a request-scoped logger with the request id, method, path
// and, when the request is traced, the trace id. Place it after chi's
// RequestID middleware.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attrs := []any{"method", r.Method, "path", r.URL.Path}
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			attrs = append(attrs, "req_id", reqID)
		}
		if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
			attrs = append(attrs, "trace_id", sc.TraceID().String())
		}
		ctx := WithLogger(r.Context(), slog.Default().With(attrs...))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Ctx returns the scoped logger, or the default logger when ctx has none.
func Ctx(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return log
	}
	return slog.Default()
}

// WithLogger stores log in ctx.
func WithLogger(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// With returns a context whose logger carries the extra fields. Sync tasks
// use it to tag every line with the run and root they own.
func With(ctx context.Context, args ...any) context.Context {
	return WithLogger(ctx, Ctx(ctx).With(args...))
}

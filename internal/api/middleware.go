package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/infra/logging"
	"github.com/go-chi/chi/v5/middleware"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

// requestInfo is filled in by inner handlers for the access log line.
type requestInfo struct {
	program string
}

type requestInfoKey struct{}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}

	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}

	return r.ResponseWriter.Write(b) //nolint:wrapcheck
}

// Trace echoes chi's request id as X-Trace-Id, binds a request-scoped
// logger carrying it, and logs one line per request once it completes.
// It must run after middleware.RequestID.
func Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := middleware.GetReqID(r.Context())

		w.Header().Set("X-Trace-Id", traceID)

		logger := slog.Default().With("trace_id", traceID)
		info := &requestInfo{}
		ctx := logging.WithLogger(r.Context(), logger)
		ctx = context.WithValue(ctx, requestInfoKey{}, info)
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r.WithContext(ctx))

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}

		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if info.program != "" {
			attrs = append(attrs, "program", info.program)
		}

		logger.Log(ctx, level, "request", attrs...)
	})
}

package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"idgate/internal/observability"
)

// responseWriter wraps http.ResponseWriter to capture status code and bytes.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	bytes       int64
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Unwrap returns the original ResponseWriter.
// Required for http.Flusher, http.Hijacker compatibility.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Logging returns a middleware that logs HTTP requests:
//
//	{
//	    "level": "INFO",
//	    "msg": "http request",
//	    "request_id": "3f1c2a9e-...",
//	    "method": "POST",
//	    "path": "/admin/client-secret",
//	    "status": 200,
//	    "duration_ms": 2.5,
//	    "bytes": 412,
//	    "client_ip": "10.0.0.7"
//	}
//
// The query string is never logged; admin calls may carry credentials.
func Logging(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			level := slog.LevelInfo
			if wrapped.status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			observability.LoggerWithRequest(r.Context(), logger).Log(r.Context(), level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration_ms", float64(time.Since(start).Microseconds())/1000,
				"bytes", wrapped.bytes,
				"client_ip", clientIP(r),
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// clientIP extracts the client IP from the request.
//
// Priority:
// 1. X-Forwarded-For header (first IP in list)
// 2. X-Real-IP header
// 3. RemoteAddr
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

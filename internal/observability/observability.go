// Package observability provides structured logging and request correlation
// for idgate's HTTP surfaces.
//
// Key components:
// - Logger: configured slog.Logger with JSON or text output
// - RequestID: correlation ID generation and context propagation
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the correlation ID on requests and responses.
const RequestIDHeader = "X-Request-ID"

// contextKey is a custom type to avoid context key collisions.
type contextKey int

const requestIDKey contextKey = 0

// LogConfig configures the structured logger.
type LogConfig struct {
	// Level is the minimum log level (debug, info, warn, error)
	Level string

	// Format is the output format (json, text)
	Format string

	// Output is where logs are written (defaults to stdout)
	Output io.Writer

	// AddSource adds source file/line to log entries
	AddSource bool
}

// NewLogger creates a configured slog.Logger. JSON is the default format;
// text is meant for local development.
func NewLogger(cfg LogConfig) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	return slog.New(handler).With("service", "idgate")
}

// RequestID generates a unique request ID (UUIDv4).
func RequestID() string {
	return uuid.NewString()
}

// ValidRequestID reports whether an inbound ID is safe to propagate. Only
// well-formed UUIDs are accepted so arbitrary header values never reach logs.
func ValidRequestID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && len(id) == 36
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request ID from context.
// Returns empty string if not present.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LoggerWithRequest returns logger enriched with the request ID in ctx.
func LoggerWithRequest(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return logger.With("request_id", id)
	}
	return logger
}

// LogRequest logs one served HTTP request.
func LogRequest(ctx context.Context, logger *slog.Logger, method, path string, status int, duration time.Duration) {
	level := slog.LevelInfo
	if status >= 500 {
		level = slog.LevelError
	}
	LoggerWithRequest(ctx, logger).Log(ctx, level, "http.request",
		"method", method,
		"path", path,
		"status", status,
		"duration_ms", float64(duration.Microseconds())/1000,
	)
}

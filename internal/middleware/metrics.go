package middleware

import (
	"net/http"
	"time"

	"idgate/internal/metrics"
)

// Metrics returns a middleware that records request count and latency.
// handler is a fixed route label, never the raw path.
func Metrics(m *metrics.Metrics, handler string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			m.ObserveHTTPRequest(handler, wrapped.status, time.Since(start))
		})
	}
}

package middleware

import (
	"net/http"

	"idgate/internal/ratelimiter"
)

// RateLimit returns a middleware that rate limits HTTP requests with a
// shared token bucket. Excess requests get 429 with Retry-After.
func RateLimit(limiter *ratelimiter.TokenBucket) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

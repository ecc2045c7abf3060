package middleware

import (
	"net/http"

	"idgate/internal/observability"
)

// RequestID returns a middleware that ensures every request carries an
// X-Request-ID. A well-formed inbound ID is preserved; anything else is
// replaced by generator(). The ID is echoed on the response and stored in
// the request context.
func RequestID(generator func() string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(observability.RequestIDHeader)
			if !observability.ValidRequestID(requestID) {
				requestID = generator()
				r.Header.Set(observability.RequestIDHeader, requestID)
			}
			w.Header().Set(observability.RequestIDHeader, requestID)

			ctx := observability.WithRequestID(r.Context(), requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

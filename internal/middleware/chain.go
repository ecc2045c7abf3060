// Package middleware holds the net/http middleware used by the admin server.
package middleware

import "net/http"

// Middleware is the standard Go middleware signature.
//
//	middleware := func(next http.Handler) http.Handler {
//	    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
//	        // Before logic
//	        next.ServeHTTP(w, r)
//	        // After logic
//	    })
//	}
type Middleware func(http.Handler) http.Handler

// Chain wraps a handler with multiple middlewares. The first middleware in
// the list executes first (outermost):
//
//	Chain(handler,
//	    Recovery,   // catch panics from everything below
//	    RequestID,  // correlation ID for the log line
//	    Logging,    // log every request, including rejected ones
//	    Metrics,
//	    RateLimit,
//	)
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// ChainFunc is a convenience wrapper that accepts an http.HandlerFunc.
func ChainFunc(h http.HandlerFunc, middlewares ...Middleware) http.Handler {
	return Chain(h, middlewares...)
}

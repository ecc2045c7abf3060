package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerToken returns a middleware that admits only requests carrying
// "Authorization: Bearer <token>". An empty token admits nobody.
//
// The comparison is constant time so the token cannot be recovered by
// timing responses.
func BearerToken(token string) Middleware {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="idgate-admin"`)
				writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

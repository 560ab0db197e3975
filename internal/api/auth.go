package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth guards the feed and read endpoints with a single static
// token. An empty configured token locks the surface down rather than
// opening it, and comparison is constant time so the token cannot be
// probed byte by byte.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const scheme = "Bearer "
			header := r.Header.Get("Authorization")
			if token == "" || !strings.HasPrefix(header, scheme) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "missing bearer token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(header[len(scheme):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

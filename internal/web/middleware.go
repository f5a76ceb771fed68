// Package web provides the HTTP API for teamtrack.
package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AdminAuthMiddleware enforces HTTP Basic auth against a bcrypt hash.
// lookup returns the current hash for a username ("" when unknown).
func AdminAuthMiddleware(lookup func(username string) (string, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok || u == "" {
				writeUnauthorized(w)
				return
			}

			hash, err := lookup(u)
			if err != nil || !CheckPassword(hash, p) {
				writeUnauthorized(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CronAuthMiddleware admits scheduler calls. A request passes when it carries
// "Authorization: Bearer <secret>" or, when both headerName and headerValue
// are configured, headerName set to exactly headerValue. With neither
// configured every request is rejected.
func CronAuthMiddleware(secret, headerName, headerValue string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if headerName != "" && headerValue != "" {
				got := r.Header.Get(headerName)
				if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(headerValue)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}

			token, ok := bearerToken(r)
			if !ok || secret == "" ||
				subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(authHeader) <= len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(authHeader[len(prefix):]), true
}

// writeUnauthorized sends a 401 Unauthorized response with the WWW-Authenticate header.
func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="teamtrack"`)
	respondError(w, http.StatusUnauthorized, "unauthorized")
}

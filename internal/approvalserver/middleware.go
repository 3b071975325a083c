package approvalserver

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/shellgate/shellgate/logger"
)

// AuthMiddleware enforces the bearer token. The token is also accepted as a
// ?token= query parameter so the first browser navigation works from a bare
// URL; the UI switches to the Authorization header for every later call.
func AuthMiddleware(token string, l logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := ""
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				presented = strings.TrimPrefix(auth, "Bearer ")
			} else {
				presented = r.URL.Query().Get("token")
			}

			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				l.Warn("[ApprovalServer] Rejected unauthenticated request to %s from %s", r.URL.Path, r.RemoteAddr)
				writeError(w, http.StatusUnauthorized, "Unauthorized", "Valid authentication token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware sets browser hardening headers on every response.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-XSS-Protection", "1; mode=block")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Content-Security-Policy", "default-src 'self' 'unsafe-inline'; connect-src 'self'")
			next.ServeHTTP(w, r)
		})
	}
}

// LoggerMiddleware logs each request with its duration at debug level.
func LoggerMiddleware(l logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			l.Debug("[ApprovalServer] %s %s (%s)", r.Method, r.URL.Path, time.Since(start))
		})
	}
}

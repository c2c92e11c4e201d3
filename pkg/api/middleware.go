package api

import (
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireIngestToken checks the Bearer token against the configured
// bcrypt hash. Ingestion over HTTP is disabled entirely when no hash is
// configured.
func (s *server) requireIngestToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Server.IngestTokenHash == "" {
			writeJSON(w, http.StatusForbidden,
				errorResponse{"ingestion is not enabled"})

			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"ingest token required"})

			return
		}

		if err := bcrypt.CompareHashAndPassword(
			[]byte(s.cfg.Server.IngestTokenHash),
			[]byte(authHeader[7:]),
		); err != nil {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"invalid ingest token"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

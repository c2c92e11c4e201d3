package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

// clientLimiter is one client's token bucket plus the time of its last
// request, so idle entries can be swept.
type clientLimiter struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// rateLimitMiddleware returns a middleware enforcing a per-IP request
// budget. Bursts up to the full per-minute allowance are permitted.
func (s *server) rateLimitMiddleware(
	requestsPerMinute int,
) func(http.Handler) http.Handler {
	var (
		mu      sync.Mutex
		clients = make(map[string]*clientLimiter, 64)
		rps     = rate.Limit(float64(requestsPerMinute) / 60.0)
	)

	allow := func(ip string) bool {
		mu.Lock()
		defer mu.Unlock()

		c, ok := clients[ip]
		if !ok {
			c = &clientLimiter{
				bucket: rate.NewLimiter(rps, requestsPerMinute),
			}
			clients[ip] = c
		}

		c.lastSeen = time.Now()

		return c.bucket.Allow()
	}

	go func() {
		ticker := time.NewTicker(limiterSweepInterval)
		defer ticker.Stop()

		for range ticker.C {
			mu.Lock()

			for ip, c := range clients {
				if time.Since(c.lastSeen) > limiterIdleTTL {
					delete(clients, ip)
				}
			}

			mu.Unlock()
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allow(clientIP(r)) {
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the client's IP address, preferring the first entry
// of X-Forwarded-For when a reverse proxy supplied one.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}

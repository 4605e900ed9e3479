package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

// sessionLimiter throttles mutating requests per session id so one noisy
// client cannot starve the shared browser connection.
type sessionLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	perHour int
	burst   int
}

func newSessionLimiter(perHour, burst int) *sessionLimiter {
	if perHour <= 0 {
		perHour = 3600
	}
	if burst <= 0 {
		burst = 60
	}
	return &sessionLimiter{
		limiters: make(map[string]*rate.Limiter),
		perHour:  perHour,
		burst:    burst,
	}
}

func (l *sessionLimiter) limiterFor(sessionID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.perHour)/3600.0), l.burst)
		l.limiters[sessionID] = lim
	}
	return lim
}

// throttled classifies routes by cost on the shared browser connection.
// Mutations always count; so does the snapshot read, which walks the full
// accessibility tree and is the most expensive call in the API. Cheap
// in-memory reads (session/worker introspection) pass free.
func throttled(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return true
	}
	return strings.HasSuffix(r.URL.Path, "/snapshot")
}

// rateLimitMiddleware enforces per-session limits. Requests that carry no
// session id (listing, health) pass through.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["id"]
		if sessionID == "" || !throttled(r) {
			next.ServeHTTP(w, r)
			return
		}

		lim := s.limiter.limiterFor(sessionID)
		if !lim.Allow() {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.limiter.perHour))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", time.Hour.Seconds()/float64(s.limiter.perHour)))
			writeError(w, http.StatusTooManyRequests, "session rate limit exceeded")
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.limiter.perHour))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(lim.Tokens())))
		next.ServeHTTP(w, r)
	})
}

package governance

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles inbound HTTP requests per client; the server wraps
// every route with it, reads included, to protect the artifact store. It is a
// simplified, process-local sibling of an adaptive tokens-per-minute
// limiter: instead of an AIMD budget reacting to provider backoff signals,
// it holds one fixed requests-per-second bucket per client, because the
// artifact store (not an upstream model provider) is the resource being
// protected.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter builds a RateLimiter allowing rps requests per second per
// client key, with the given burst capacity. A non-positive rps disables
// throttling: Middleware becomes a pass-through.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Middleware wraps next, rejecting requests over the limit with HTTP 429.
// Requests are keyed by RemoteAddr; disabled limiters (rps <= 0) pass
// through untouched.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || l.rps <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(r.RemoteAddr) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

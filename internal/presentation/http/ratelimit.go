package http

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// requesterLimiter enforces a per-requester token bucket on /xqueue/submit/,
// the Go answer to spec.md §4.2's "anti-DoS... bound via repeated
// resubmission": a caller hammering the same lms_callback_url can only
// invalidate its own prior submission so fast.
type requesterLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newRequesterLimiter(perSecond float64, burst int) *requesterLimiter {
	return &requesterLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *requesterLimiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// middleware rate-limits by remote address, the same value the submit
// handler records as requester_id.
func (l *requesterLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(r.RemoteAddr) {
			writeFailure(w, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
